// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"sync"

	"github.com/reiser4go/core/internal/corelog"
)

// CaptureMode is the access mode passed to capture (§4.3).
type CaptureMode int

const (
	// CaptureReadAtomic permits reading committing blocks without a
	// copy-on-capture.
	CaptureReadAtomic CaptureMode = iota
	// CaptureReadNC ("read non-committing") requires no new atom
	// association at all.
	CaptureReadNC
	// CaptureReadModify reads with the intent to modify later; binds
	// atom membership exactly like CaptureWrite.
	CaptureReadModify
	// CaptureWrite binds atom membership and implies modification.
	CaptureWrite
)

func (m CaptureMode) bindsAtom() bool {
	return m == CaptureReadModify || m == CaptureWrite
}

// AtomStage is one of the five stages of §3/§4.3.
type AtomStage int32

const (
	StageFree AtomStage = iota
	StageCaptureFuse
	StageCaptureWait
	StagePreCommit
	StagePostCommit
)

// Atom is the transactional unit of §3: an aggregate of handles and
// captured frames committed together.
type Atom struct {
	mu sync.Mutex

	id        int64
	super     SuperID
	startTime int64
	stage     AtomStage

	activeHandles []*Handle
	captureList   []*Frame
	anyHandle     *Handle // first handle ever bound; used to charge allocations at commit

	waitForList []*Handle // handles blocked on this atom (fuse-wait)
	waitingList []*Handle // this atom's handles blocked on a peer

	writeoutCount int32
	dealloc       []BlockID
}

// ID returns the atom's monotone identifier.
func (a *Atom) ID() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// Stage reports the atom's current commit stage.
func (a *Atom) Stage() AtomStage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stage
}

// pointerCount is the fusion-cost measure of §4.3: active handles plus
// captured frames. Caller holds a.mu.
func (a *Atom) pointerCount() int {
	return len(a.activeHandles) + len(a.captureList)
}

// Handle is the transcrash of §3: the user-facing transaction scope.
type Handle struct {
	mu      sync.Mutex
	cond    *sync.Cond
	wakeGen uint64

	union *atomUnion
	super SuperID

	committed bool
}

func (h *Handle) wake() {
	h.mu.Lock()
	h.wakeGen++
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (h *Handle) sleep(gen uint64) {
	h.mu.Lock()
	for h.wakeGen == gen {
		h.cond.Wait()
	}
	h.mu.Unlock()
}

func (h *Handle) generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.wakeGen
}

// Manager is the transaction manager of §4.3 (C3): it associates
// frames and handles with atoms, serializes fusion, and drives commit
// staging.
type Manager struct {
	mu     sync.Mutex
	nextID int64

	cache *Cache
	slum  *SlumTracker
	alloc Allocator
	store Store
	clock func() int64

	log       corelog.Logger
	collector Collector
}

func newManager(cache *Cache, slum *SlumTracker, alloc Allocator, store Store, cfg config) *Manager {
	return &Manager{
		cache: cache, slum: slum, alloc: alloc, store: store,
		clock: cfg.clock, log: cfg.logger, collector: cfg.collector,
	}
}

// Begin starts a handle scoped to super (§6's txn_begin).
func (m *Manager) Begin(super SuperID) *Handle {
	h := &Handle{union: &atomUnion{}, super: super}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (m *Manager) newAtom(super SuperID) *Atom {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	a := &Atom{id: id, super: super, startTime: m.clock(), stage: StageCaptureFuse}
	return a
}

// capture implements the §4.3 capture decision table. It is the
// capturer seam the lock manager invokes before granting a lock
// (§4.5's capture-then-lock composition); Engine reaches it only
// through the lock manager, which passes CaptureWrite or
// CaptureReadModify. f's frame lock must NOT be held by the caller:
// capture manages its own, finer-grained locking internally.
func (m *Manager) capture(h *Handle, f *Frame, mode CaptureMode) error {
	for {
		atomF := f.union.get()
		var atomH *Atom
		if h != nil {
			atomH = h.union.get()
		}

		switch {
		case atomF == nil && !mode.bindsAtom():
			// none + read-nc: ok, no bind.
			return nil

		case atomF == nil && atomH == nil:
			a := m.newAtom(f.id.Super)
			a.mu.Lock()
			if f.union.get() != nil || h.union.get() != nil {
				a.mu.Unlock()
				continue // race: someone else bound first.
			}
			m.bindFrameLocked(a, f)
			m.bindHandleLocked(a, h)
			a.mu.Unlock()
			return nil

		case atomF == nil:
			atomH.mu.Lock()
			if h.union.get() != atomH {
				atomH.mu.Unlock()
				continue
			}
			if f.union.get() != nil {
				atomH.mu.Unlock()
				continue
			}
			m.bindFrameLocked(atomH, f)
			atomH.mu.Unlock()
			return nil

		case atomF == atomH:
			return nil

		default:
			atomF.mu.Lock()
			if f.union.get() != atomF {
				atomF.mu.Unlock()
				continue
			}
			stage := atomF.stage

			if stage > StageCaptureWait {
				atomF.mu.Unlock()
				if mode == CaptureReadAtomic {
					return nil
				}
				_, err := m.cache.copy(f)
				return err
			}

			if atomH == nil {
				if !mode.bindsAtom() {
					atomF.mu.Unlock()
					return nil
				}
				m.bindHandleLocked(atomF, h)
				atomF.mu.Unlock()
				return nil
			}

			if stage == StageCaptureWait {
				atomH.mu.Lock()
				if h.union.get() != atomH {
					atomH.mu.Unlock()
					atomF.mu.Unlock()
					continue
				}
				waitStage := atomH.stage
				atomH.mu.Unlock()
				if waitStage != StageCaptureWait {
					atomF.mu.Unlock()
					return m.fuseWait(h, atomF, atomH)
				}
			}
			atomF.mu.Unlock()

			m.fuse(atomF, atomH)
			return newErr("capture", KindRetry, nil)
		}
	}
}

// bindFrameLocked associates f with a, under a.mu. It also takes the
// capture reference on f's refcount (§8 invariant 4: every captured
// frame has refcount >= 1).
func (m *Manager) bindFrameLocked(a *Atom, f *Frame) {
	f.union.set(a)
	a.captureList = append(a.captureList, f)
	f.mu.Lock()
	f.refcount++
	f.mu.Unlock()
}

func (m *Manager) bindHandleLocked(a *Atom, h *Handle) {
	h.union.set(a)
	a.activeHandles = append(a.activeHandles, h)
	if a.anyHandle == nil {
		a.anyHandle = h
	}
}

// fuseWait implements §4.3's fuse-wait: the handle is enqueued on the
// frame-atom's wait-for-list and on its own atom's waiting-list, sleeps
// on its own condvar, and is removed from both lists on wake. It
// always returns Retry so the caller restarts capture from the top.
func (m *Manager) fuseWait(h *Handle, atomF, atomH *Atom) error {
	atomF.mu.Lock()
	atomF.waitForList = append(atomF.waitForList, h)
	atomF.mu.Unlock()

	atomH.mu.Lock()
	atomH.waitingList = append(atomH.waitingList, h)
	atomH.mu.Unlock()

	gen := h.generation()
	h.sleep(gen)

	atomF.mu.Lock()
	atomF.waitForList = removeHandle(atomF.waitForList, h)
	atomF.mu.Unlock()

	atomH.mu.Lock()
	atomH.waitingList = removeHandle(atomH.waitingList, h)
	atomH.mu.Unlock()

	return newErr("capture", KindRetry, nil)
}

// fuse merges two atoms, locking them in a stable order (by the
// monotone atom id rather than by address, since the id is already the
// thing §4.3 calls "monotone within mgr" and avoids an unsafe.Pointer
// comparison). Fusion with itself, reachable through aliased
// back-references, is detected and is a no-op (§8).
func (m *Manager) fuse(x, y *Atom) {
	if x == y {
		return
	}
	lo, hi := x, y
	if lo.id > hi.id {
		lo, hi = hi, lo
	}
	lo.mu.Lock()
	hi.mu.Lock()

	var small, large *Atom
	if lo.pointerCount() < hi.pointerCount() {
		small, large = lo, hi
	} else {
		small, large = hi, lo
	}
	m.fuseIntoLocked(small, large)

	hi.mu.Unlock()
	lo.mu.Unlock()
	m.collector.Fusion()
}

// fuseIntoLocked implements the fusion procedure of §4.3 step 1-6.
// Caller holds both small.mu and large.mu.
func (m *Manager) fuseIntoLocked(small, large *Atom) {
	for _, f := range small.captureList {
		f.union.set(large)
	}
	for _, h := range small.activeHandles {
		h.union.set(large)
	}

	large.captureList = append(large.captureList, small.captureList...)
	large.activeHandles = append(large.activeHandles, small.activeHandles...)
	if large.anyHandle == nil {
		large.anyHandle = small.anyHandle
	}

	if small.startTime < large.startTime {
		large.startTime = small.startTime
	}

	for _, h := range small.waitForList {
		h.wake()
	}
	for _, h := range small.waitingList {
		h.wake()
	}

	if large.stage < small.stage {
		large.stage = small.stage
		for _, h := range large.waitForList {
			h.wake()
		}
		for _, h := range large.waitingList {
			h.wake()
		}
	}

	for _, f := range small.captureList {
		m.slum.MergeOnFusion(f, large)
	}

	small.stage = StageFree
	small.captureList = nil
	small.activeHandles = nil
	small.waitForList = nil
	small.waitingList = nil
}

// Commit implements §6's txn_commit: it retires h from its atom's
// active-handle list, and — once that was the last active handle —
// drives the atom through commit staging.
func (m *Manager) Commit(h *Handle) error {
	a := h.union.get()
	if a == nil {
		h.committed = true
		return nil
	}

	a.mu.Lock()
	a.activeHandles = removeHandle(a.activeHandles, h)
	h.committed = true
	shouldCommit := len(a.activeHandles) == 0 && a.stage == StageCaptureFuse
	a.mu.Unlock()

	if !shouldCommit {
		return nil
	}
	return m.beginCommit(a)
}

// beginCommit implements §4.3's commit start: sets stage to
// pre-commit and walks the capture list once, per frame, exactly per
// the bulleted procedure.
func (m *Manager) beginCommit(a *Atom) error {
	a.mu.Lock()
	a.stage = StagePreCommit
	frames := a.captureList
	a.captureList = nil
	a.mu.Unlock()

	for _, f := range frames {
		f.mu.Lock()
		const modified = FlagAllocated | FlagRelocated | FlagWandered | FlagDirty
		if f.flags&modified == 0 {
			f.mu.Unlock()
			f.union.set(nil)
			m.cache.put(f)
			continue
		}

		// Fresh (negative-numbered) frames get their real disk
		// position here, at commit, from the allocator; anything
		// already relocated or wandered in place keeps its own id.
		if f.id.Fresh() && m.alloc != nil {
			newID, err := m.alloc.Allocate(a.anyHandle, f.id.Super)
			if err != nil {
				f.mu.Unlock()
				return err
			}
			f.relocID = newID
		} else if f.relocID == (BlockID{}) {
			f.relocID = f.id
		}

		if f.flags.has(FlagRelocated) && !f.flags.has(FlagAllocated) {
			a.mu.Lock()
			a.dealloc = append(a.dealloc, f.id)
			a.mu.Unlock()
		}

		// Allocated/relocated/wandered are per-atom commit bookkeeping,
		// not a permanent frame property; clear them once processed so
		// canInactivate doesn't pin this frame forever.
		f.flags &^= FlagAllocated | FlagRelocated | FlagWandered

		dirty := f.flags.has(FlagDirty)
		if dirty {
			f.flags |= FlagWriteout
			f.flags &^= FlagDirty
			f.refcount++ // I/O holds a reference until write completion
			f.writeAtom = a
		} else {
			// No I/O in flight: the atom-union can be cleared right
			// away, same as the unmodified branch above. A dirty frame
			// keeps its union until the write lands (onWriteComplete),
			// since a concurrent rebind while the buffer is still being
			// written is exactly what copy-on-capture exists to avoid.
			f.union.set(nil)
		}
		buf, reloc := f.buf, f.relocID
		// remap documents that it must be called with the frame lock
		// held (it only trusts the caller to have established the id
		// is stable for the swap); f.mu stays held across the call so
		// the cache never sees a momentarily-unlocked frame mid-rename.
		m.cache.remap(f, reloc)
		f.mu.Unlock()

		if dirty {
			a.mu.Lock()
			a.writeoutCount++
			a.mu.Unlock()
			go m.writeAndComplete(a, f, reloc, buf)
		}

		m.cache.put(f)
	}

	a.mu.Lock()
	done := a.writeoutCount == 0
	a.mu.Unlock()
	if done {
		m.finishCommit(a)
	}
	return nil
}

func (m *Manager) writeAndComplete(a *Atom, f *Frame, reloc BlockID, buf []byte) {
	if err := m.store.WriteBlock(reloc, buf); err != nil {
		m.log.Errorf("commit write %+v: %v", reloc, err)
	}
	m.OnWriteComplete(f)
}

// OnWriteComplete implements §4.3's write completion and §6's
// on_write_complete: decrement writeout, drop the I/O-held reference,
// and check whether the atom can progress to post-commit and free
// itself (§9, OQ1: the instant writeout reaches zero with both the
// capture list and active-handle list empty). The frame's atom-union
// is cleared here if it still points at the atom that scheduled the
// write. writeAndComplete calls this as soon as Store.WriteBlock
// returns, so a write is treated as landed once WriteBlock returns; a
// second call for the same write finds no writeout atom and returns
// InvariantViolation without changing any state.
func (m *Manager) OnWriteComplete(f *Frame) error {
	f.mu.Lock()
	a := f.writeAtom
	f.writeAtom = nil
	f.flags &^= FlagWriteout
	f.mu.Unlock()
	if a == nil {
		return newErr("on_write_complete", KindInvariantViolation, nil)
	}
	if f.union.get() == a {
		f.union.set(nil)
	}
	m.cache.put(f)

	a.mu.Lock()
	a.writeoutCount--
	done := a.writeoutCount == 0
	a.mu.Unlock()
	if done {
		m.finishCommit(a)
	}
	return nil
}

func (m *Manager) finishCommit(a *Atom) {
	a.mu.Lock()
	if a.stage < StagePostCommit {
		a.stage = StagePostCommit
	}
	free := a.writeoutCount == 0 && len(a.captureList) == 0 && len(a.activeHandles) == 0
	if free {
		a.stage = StageFree
	}
	a.mu.Unlock()
}

// deleteBlock implements §4.3's block delete.
func (m *Manager) deleteBlock(h *Handle, f *Frame) error {
	a := f.union.get()

	f.mu.Lock()
	f.flags |= FlagDeleted
	f.flags &^= FlagWriteout
	allocated := f.flags.has(FlagAllocated)
	relocated := f.flags.has(FlagRelocated)
	relocID := f.relocID
	f.mu.Unlock()

	if a != nil {
		a.mu.Lock()
		if !allocated {
			a.dealloc = append(a.dealloc, f.id)
		}
		a.captureList = removeFrame(a.captureList, f)
		a.mu.Unlock()
	}

	if relocated && m.alloc != nil {
		if err := m.alloc.Deallocate(h, relocID); err != nil {
			return err
		}
	}

	m.slum.Remove(f)
	f.union.set(nil)
	m.cache.discardFresh(f)
	return nil
}

func removeHandle(hs []*Handle, target *Handle) []*Handle {
	for i, h := range hs {
		if h == target {
			return append(hs[:i], hs[i+1:]...)
		}
	}
	return hs
}

func removeFrame(fs []*Frame, target *Frame) []*Frame {
	for i, f := range fs {
		if f == target {
			return append(fs[:i], fs[i+1:]...)
		}
	}
	return fs
}
