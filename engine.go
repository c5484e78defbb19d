// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"errors"
	"time"
)

// Engine is the integration surface of §4.5/§6 (C5): it wires the block
// cache (C1), the lock manager (C2), the transaction manager (C3) and
// the slum tracker (C4) into the small set of operations a filesystem
// driver actually calls, absorbing the internal Retry/Deadlock signals
// that must never cross a public entry point (§7).
type Engine struct {
	cache *Cache
	locks *LockManager
	txn   *Manager
	slum  *SlumTracker
	glue  SiblingGlue

	aboveRoot *Frame

	collector Collector
}

func defaultClock() int64 { return time.Now().UnixNano() }

// New implements §6's cache_init: it constructs the cache, the lock
// manager, the transaction manager and the slum tracker as one unit,
// since none of them can be meaningfully used in isolation (§4, intro).
func New(store Store, alloc Allocator, plugin NodePlugin, glue SiblingGlue, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, newErr("cache_init", KindInvalid, errors.New("nil store"))
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o.apply(&cfg)
	}

	cache := newCache(store, cfg)
	slum := newSlumTracker(plugin, cfg)
	txn := newManager(cache, slum, alloc, store, cfg)

	aboveRoot := newFrame(Zero)
	aboveRoot.flags = FlagCaptive

	e := &Engine{
		cache:     cache,
		slum:      slum,
		txn:       txn,
		glue:      glue,
		aboveRoot: aboveRoot,
		collector: cfg.collector,
	}
	e.locks = newLockManager(txn, aboveRoot, cfg)
	return e, nil
}

// BlkRef is the handle a successful capture hands back to the caller
// (§6): the resident, locked frame plus the lock token needed to
// release it. Neither field is exported; callers reach the buffer and
// metadata through BlkRef's own methods.
type BlkRef struct {
	frame *Frame
	lock  *LockHandle
}

// Frame exposes the underlying frame for callers that need direct
// access (e.g. to pass into SlumOnDirty or Delete).
func (r *BlkRef) Frame() *Frame { return r.frame }

// Bytes returns the locked frame's buffer.
func (r *BlkRef) Bytes() []byte { return r.frame.Bytes() }

// AboveRoot returns the engine's above-root sentinel frame, the one
// frame on which capture is skipped (§4.5).
func (e *Engine) AboveRoot() *Frame { return e.aboveRoot }

// Begin implements §6's txn_begin.
func (e *Engine) Begin(super SuperID) *Handle { return e.txn.Begin(super) }

// Commit implements §6's txn_commit.
func (e *Engine) Commit(h *Handle) error { return e.txn.Commit(h) }

// Capture implements §6's capture, the central operation: it resolves
// blockid to a resident frame via the cache, then composes lock
// acquisition (which itself invokes capture internally per §4.5's
// capture-then-lock ordering) until it succeeds or fails with a
// non-retryable error. Deadlock is absorbed here — the caller has not
// yet been handed any lock to unwind, so raising the owner's priority
// and retrying is always safe and matches §7's "never escapes a public
// entry point" rule.
func (e *Engine) Capture(owner *OwnerStack, h *Handle, id BlockID, mode LockMode, flags LockFlags) (*BlkRef, error) {
	for {
		f, err := e.cache.get(id)
		if err != nil {
			if errors.Is(err, ErrRetry) {
				e.collector.CaptureRetry()
				continue
			}
			return nil, err
		}

		lh, err := e.locks.Lock(owner, h, f, mode, flags)
		if err != nil {
			e.cache.put(f)
			switch {
			case errors.Is(err, ErrRetry):
				e.collector.CaptureRetry()
				continue
			case errors.Is(err, ErrDeadlock):
				owner.Raise()
				continue
			default:
				return nil, err
			}
		}
		e.collector.CaptureOK()
		return &BlkRef{frame: f, lock: lh}, nil
	}
}

// Create implements §6's create: cache.create followed by a write
// capture, committing both steps or neither (§4.3's block-create
// contract) — on any failure the fresh frame is discarded rather than
// left dangling in the hash with no owner.
func (e *Engine) Create(owner *OwnerStack, h *Handle, super SuperID) (*BlkRef, error) {
	for {
		f := e.cache.create(super)

		lh, err := e.locks.Lock(owner, h, f, LockWrite, 0)
		if err != nil {
			e.cache.discardFresh(f)
			switch {
			case errors.Is(err, ErrRetry):
				continue
			case errors.Is(err, ErrDeadlock):
				owner.Raise()
				continue
			default:
				return nil, err
			}
		}
		return &BlkRef{frame: f, lock: lh}, nil
	}
}

// Delete implements §6's delete: the frame is removed from the hash
// and its buffer freed immediately (§3: a deleted frame is gone from
// both its atom's capture list and the hash), but its lock and
// refcount bookkeeping are untouched — callers still call ref.Release
// afterward exactly as for any other BlkRef.
func (e *Engine) Delete(h *Handle, ref *BlkRef) error {
	return e.txn.deleteBlock(h, ref.frame)
}

// Lock implements §6's lock, the lower-level operation used once a
// frame is already reachable (through sibling/parent navigation rather
// than through capture). Like Capture, Retry and Deadlock are absorbed
// here rather than handed to the caller (§7: neither ever escapes a
// public entry point) — on Deadlock the owner's priority is raised and
// the acquire retried, exactly as Capture does.
func (e *Engine) Lock(owner *OwnerStack, h *Handle, f *Frame, mode LockMode, flags LockFlags) (*LockHandle, error) {
	for {
		lh, err := e.locks.Lock(owner, h, f, mode, flags)
		if err != nil {
			switch {
			case errors.Is(err, ErrRetry):
				e.collector.CaptureRetry()
				continue
			case errors.Is(err, ErrDeadlock):
				owner.Raise()
				continue
			default:
				return nil, err
			}
		}
		return lh, nil
	}
}

// Unlock implements §6's unlock for a lock obtained through Lock.
func (e *Engine) Unlock(lh *LockHandle) { e.locks.Unlock(lh) }

// Release unlocks and drops the cache pin a BlkRef obtained through
// Capture or Create was holding. Capture/Create's pin and the atom's
// own capture reference are independent (§8 invariant 4 only requires
// the latter), so Release is always safe even on a committed frame.
func (r *BlkRef) Release(e *Engine) {
	e.locks.Unlock(r.lock)
	e.cache.put(r.frame)
}

// Invalidate implements §6's invalidate.
func (e *Engine) Invalidate(lh *LockHandle) error { return e.locks.Invalidate(lh) }

// SlumOnDirty implements §6's slum_on_dirty: the notification hook
// higher layers call once a write-locked frame is about to be
// modified. It marks the frame dirty (§3's modification flag group)
// and, if the frame carries no slum yet, runs the slum tracker's
// decision procedure to place it in one.
func (e *Engine) SlumOnDirty(f *Frame) {
	f.mu.Lock()
	f.flags |= FlagDirty
	f.mu.Unlock()
	e.slum.OnDirty(f)
}

// OnWriteComplete implements §6's on_write_complete. Commit already
// calls it for every write as soon as Store.WriteBlock returns; a
// repeat call for a write that was already completed returns
// InvariantViolation.
func (e *Engine) OnWriteComplete(f *Frame) error { return e.txn.OnWriteComplete(f) }

// Link threads f into the sibling list between left and right and
// marks it connected. The sibling glue collaborator is not notified.
func (e *Engine) Link(left, f, right *Frame) {
	e.slum.Link(left, f, right)
}

// Forget removes f from the sibling list ahead of invalidation, and
// tells the sibling glue collaborator to forget it too.
func (e *Engine) Forget(f *Frame) {
	e.slum.Forget(f)
	if e.glue != nil {
		e.glue.Forget(f)
	}
}

// Collector exposes the engine's metrics sink for callers that want to
// read counters without threading their own collector through.
func (e *Engine) Collector() Collector { return e.collector }

// errorKind extracts the Kind from any error the engine's public API
// returned, for callers that want to branch on it without importing
// the sentinel vars. Returns KindInvariantViolation for errors not
// produced by this package (there should be none at a public boundary
// per §7, but the fallback keeps the helper total).
func errorKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInvariantViolation
}
