// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"sync"

	"github.com/reiser4go/core/internal/corelog"
)

// LockMode is the read/write mode of a node lock request.
type LockMode int

const (
	LockRead LockMode = iota
	LockWrite
)

// LockFlags are per-request modifiers to lock, supplementing the
// owner-stack's standing priority class (§9 SUPPLEMENT, grounded on
// original lock.c's ZNODE_LOCK_NONBLOCK and ZNODE_LOCK_HIPRI).
type LockFlags uint8

const (
	// FlagNonBlocking makes an incompatible request fail with Busy
	// instead of sleeping.
	FlagNonBlocking LockFlags = 1 << iota
	// FlagHighPriority raises this one request to high priority
	// without permanently reclassifying the owner-stack.
	FlagHighPriority
)

// Priority is the two-class deadlock-avoidance scheme of §4.2.
type Priority int32

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// OwnerStack is the per-process record of currently held node locks
// (§3). It owns the condition variable a low-priority owner sleeps on
// between being signaled to yield and actually yielding: every thread
// blocks on its OWN owner-stack's condvar, not on the frame it is
// waiting for, since the signal that should wake it may concern a
// frame it already owns rather than the one it is blocked on.
type OwnerStack struct {
	mu          sync.Mutex
	cond        *sync.Cond
	links       []*ownerLink
	priority    Priority
	signalCount int32
	wakeGen     uint64
}

// NewOwnerStack creates an owner-stack at the given standing priority.
func NewOwnerStack(priority Priority) *OwnerStack {
	o := &OwnerStack{priority: priority}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Priority reports the owner-stack's current standing priority class.
func (o *OwnerStack) Priority() Priority {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.priority
}

// Raise permanently raises the owner-stack to high priority (used
// after a Deadlock retry per §4.2's "retry with high priority").
func (o *OwnerStack) Raise() {
	o.mu.Lock()
	o.priority = PriorityHigh
	o.mu.Unlock()
}

func (o *OwnerStack) wake() {
	o.mu.Lock()
	o.wakeGen++
	o.cond.Broadcast()
	o.mu.Unlock()
}

// sleep blocks until some event touching this owner-stack occurs
// (a matching wake() call), starting from a generation snapshot taken
// while f.mu was still held. Using a generation counter rather than a
// bare condvar wait avoids the lost-wakeup race between "check the
// signal" and "go to sleep" that a signal arriving from a concurrent
// goroutine could otherwise hit.
func (o *OwnerStack) sleep(gen uint64) {
	o.mu.Lock()
	for o.wakeGen == gen {
		o.cond.Wait()
	}
	o.mu.Unlock()
}

func (o *OwnerStack) generation() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.wakeGen
}

// ownerLink is the many-to-many join record between an owner-stack
// and a frame's lock (§3); it carries the "signaled" bit.
type ownerLink struct {
	owner    *OwnerStack
	frame    *Frame
	mode     LockMode
	priority Priority
	signaled bool

	// invalidated is set the first time Invalidate runs to completion
	// on this link, so a repeat call on the same LockHandle is
	// idempotent (§8: "invalidate(f) is idempotent: calling it twice
	// returns Invalid on the second call without blocking") instead of
	// redoing the reader-count/hiOwners bookkeeping a second time.
	invalidated bool
}

// LockHandle is the token returned by Lock and consumed by Unlock or
// Invalidate.
type LockHandle struct {
	link *ownerLink
}

// capturer is the seam C2 uses to call into C3 before granting a
// lock, per the capture-then-lock composition of §4.5.
type capturer interface {
	capture(h *Handle, f *Frame, mode CaptureMode) error
}

// LockManager is the long-term, priority-aware, multi-reader/
// single-writer lock manager of §4.2 (C2).
type LockManager struct {
	txn       capturer
	aboveRoot *Frame
	log       corelog.Logger
	collector Collector
}

func newLockManager(txn capturer, aboveRoot *Frame, cfg config) *LockManager {
	return &LockManager{txn: txn, aboveRoot: aboveRoot, log: cfg.logger, collector: cfg.collector}
}

func lockCompatible(f *Frame, mode LockMode) bool {
	if f.flags.has(FlagHeardBanshee) {
		return false
	}
	if mode == LockWrite {
		return f.readerCount == 0
	}
	return f.readerCount >= 0
}

// Lock implements the acquire procedure of §4.2. owner is the calling
// thread's owner-stack; h is the handle capture should bind the frame
// to (nil is legal only when locking the above-root sentinel, which
// skips capture).
func (m *LockManager) Lock(owner *OwnerStack, h *Handle, f *Frame, mode LockMode, flags LockFlags) (*LockHandle, error) {
	owner.mu.Lock()
	priority := owner.priority
	owner.mu.Unlock()
	if flags&FlagHighPriority != 0 {
		priority = PriorityHigh
	}

	f.mu.Lock()
	captured := f == m.aboveRoot
	for {
		compatible := lockCompatible(f, mode)

		switch {
		case compatible && !captured:
			// f.mu is released around capture (copy-on-capture,
			// fuse-wait may sleep); re-test compatibility afterward.
			f.mu.Unlock()
			err := m.txn.capture(h, f, captureModeFor(mode))
			f.mu.Lock()
			if err != nil {
				f.mu.Unlock()
				return nil, err
			}
			captured = true

		case compatible:
			link := &ownerLink{owner: owner, frame: f, mode: mode, priority: priority}
			f.owners = append(f.owners, link)
			if mode == LockRead {
				f.readerCount++
			} else {
				f.readerCount--
			}
			if priority == PriorityHigh {
				f.hiOwners++
			}
			f.mu.Unlock()

			owner.mu.Lock()
			owner.links = append(owner.links, link)
			owner.mu.Unlock()

			if mode == LockRead {
				m.wakeNextRequestor(f)
			}
			return &LockHandle{link: link}, nil

		case flags&FlagNonBlocking != 0:
			f.mu.Unlock()
			return nil, newErr("lock", KindBusy, nil)

		case f.flags.has(FlagHeardBanshee):
			f.mu.Unlock()
			return nil, newErr("lock", KindInvalid, nil)

		default:
			owner.mu.Lock()
			if priority == PriorityLow && owner.signalCount > 0 {
				owner.mu.Unlock()
				f.mu.Unlock()
				m.collector.DeadlockRetry()
				return nil, newErr("lock", KindDeadlock, nil)
			}
			owner.mu.Unlock()

			link := &ownerLink{owner: owner, frame: f, mode: mode, priority: priority}
			if priority == PriorityHigh {
				f.waiters = append([]*ownerLink{link}, f.waiters...)
				f.hiRequestors++
				if f.hiOwners == 0 {
					m.signalLowOwnersLocked(f)
				}
			} else {
				f.waiters = append(f.waiters, link)
			}

			gen := owner.generation()
			f.mu.Unlock()
			owner.sleep(gen)
			f.mu.Lock()

			f.waiters = removeLink(f.waiters, link)
			if priority == PriorityHigh {
				f.hiRequestors--
			}
			// A dying frame's waiters were all woken directly by
			// forgetLocked, but anything enqueued afterward (the
			// invalidator itself, re-enqueued at the tail per §4.2)
			// was not part of that broadcast. Relay the wake along the
			// queue as each waiter departs so the chain still reaches
			// it.
			if f.flags.has(FlagHeardBanshee) && len(f.waiters) > 0 {
				f.waiters[0].owner.wake()
			}
		}
	}
}

// signalLowOwnersLocked implements the deadlock condition of §4.2:
// >=1 high-priority requestor and 0 high-priority owners. Each
// low-priority owner's signal counter is incremented and its
// owner-stack woken so it can notice on its next sleep attempt,
// wherever it currently is. Caller holds f.mu.
func (m *LockManager) signalLowOwnersLocked(f *Frame) {
	for _, link := range f.owners {
		if link.priority == PriorityLow {
			link.signaled = true
			link.owner.mu.Lock()
			link.owner.signalCount++
			link.owner.mu.Unlock()
			link.owner.wake()
		}
	}
}

// wakeNextRequestor wakes the requestor at the head of the queue (high
// priority requestors are queued in front) so it can
// retry; callers holding read locks cascade this after acquiring so
// that further compatible readers pile in. Caller must not hold f.mu.
func (m *LockManager) wakeNextRequestor(f *Frame) {
	f.mu.Lock()
	var next *ownerLink
	if len(f.waiters) > 0 {
		next = f.waiters[0]
	}
	f.mu.Unlock()
	if next != nil {
		next.owner.wake()
	}
}

// Unlock implements the release procedure of §4.2.
func (m *LockManager) Unlock(lh *LockHandle) {
	link := lh.link
	f := link.frame
	owner := link.owner

	f.mu.Lock()
	if link.priority == PriorityHigh {
		f.hiOwners--
	}
	if link.mode == LockWrite {
		f.readerCount++
	} else {
		f.readerCount--
	}
	f.owners = removeLink(f.owners, link)

	heardBanshee := f.flags.has(FlagHeardBanshee) && link.mode == LockWrite && f.readerCount == 0
	if heardBanshee {
		m.forgetLocked(f)
	}
	var next *ownerLink
	if len(f.waiters) > 0 {
		next = f.waiters[0]
	}
	f.mu.Unlock()

	owner.mu.Lock()
	owner.links = removeLink(owner.links, link)
	owner.mu.Unlock()

	if next != nil {
		next.owner.wake()
	}
}

// Invalidate implements §4.2's invalidate: caller holds a write lock
// on f, has already marked it heard-banshee and disconnected it from
// sibling/parent state; invalidate wakes every requestor with Invalid
// and waits for the requestors list to drain. Idempotent per §8:
// calling it twice on the same LockHandle returns Invalid on the
// second call without blocking and without touching lock state again.
func (m *LockManager) Invalidate(lh *LockHandle) error {
	link := lh.link
	f := link.frame
	owner := link.owner

	f.mu.Lock()
	if link.invalidated {
		f.mu.Unlock()
		return newErr("invalidate", KindInvalid, nil)
	}
	if !f.flags.has(FlagHeardBanshee) {
		f.mu.Unlock()
		return newErr("invalidate", KindInvariantViolation, nil)
	}
	link.invalidated = true
	if link.priority == PriorityHigh {
		f.hiOwners--
	}
	f.readerCount++ // drop this write lock
	f.owners = removeLink(f.owners, link)
	m.forgetLocked(f)

	// Re-enqueue self at the tail of the requestors list (§4.2) rather
	// than polling: every existing requestor was just woken directly by
	// forgetLocked above, but that broadcast cannot reach this link
	// since it does not exist yet. Appending it now, before releasing
	// f.mu, guarantees every departing waiter's relay-wake (in Lock's
	// default case) sees self already in the list and will eventually
	// wake it once it becomes the head.
	self := &ownerLink{owner: owner, frame: f, priority: link.priority}
	f.waiters = append(f.waiters, self)
	f.mu.Unlock()

	owner.mu.Lock()
	owner.links = removeLink(owner.links, link)
	owner.mu.Unlock()

	// Drain: every requestor wakes, observes heard-banshee, returns
	// Invalid, and removes itself, relaying the wake to the next
	// requestor in line until only self is left.
	for {
		gen := owner.generation()
		f.mu.Lock()
		drained := len(f.waiters) == 1 && f.waiters[0] == self
		f.mu.Unlock()
		if drained {
			break
		}
		owner.sleep(gen)
	}

	f.mu.Lock()
	f.waiters = removeLink(f.waiters, self)
	f.mu.Unlock()
	return nil
}

// forgetLocked marks every current requestor signaled and wakes them
// all; each then finds the frame heard-banshee and returns Invalid.
// Caller holds f.mu.
func (m *LockManager) forgetLocked(f *Frame) {
	for _, w := range f.waiters {
		w.signaled = true
		w.owner.wake()
	}
}

func captureModeFor(mode LockMode) CaptureMode {
	if mode == LockWrite {
		return CaptureWrite
	}
	return CaptureReadModify
}

func removeLink(links []*ownerLink, target *ownerLink) []*ownerLink {
	for i, l := range links {
		if l == target {
			return append(links[:i], links[i+1:]...)
		}
	}
	return links
}
