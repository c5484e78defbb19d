// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"sync"

	"github.com/cznic/mathutil"
)

// Slum is a contiguous dirty run of sibling frames within one atom
// (§3, §4.4). Every field is guarded by the tree lock (SlumTracker.mu),
// the same spinlock that guards the sibling links it rides on.
type Slum struct {
	leftmost      *Frame
	freeSpace     uint32
	count         int
	atom          *Atom
	beingSqueezed bool
	wasSqueezed   bool
}

// SlumTracker is the slum tracker of §4.4 (C4). It doubles as the
// owner of the tree spinlock of §4.5 (C5): sibling-list connectivity,
// parent hints, and each frame's slum pointer all live behind the one
// mutex here, per the spec's instruction that the tree lock is
// "strictly shorter-lived than any frame lock and any atom lock" and
// that "no sleeping operation holds it" — this implementation never
// blocks on SlumTracker.mu for anything but another goroutine's brief
// pointer-chasing critical section.
type SlumTracker struct {
	mu sync.Mutex

	plugin    NodePlugin
	collector Collector
}

func newSlumTracker(plugin NodePlugin, cfg config) *SlumTracker {
	return &SlumTracker{plugin: plugin, collector: cfg.collector}
}

// Link threads f into the sibling list between left and right and
// marks it connected. Used by the tree-navigation glue when a node is
// first attached to its parent/siblings.
func (t *SlumTracker) Link(left, f, right *Frame) {
	t.mu.Lock()
	f.left, f.right = left, right
	if left != nil {
		left.right = f
	}
	if right != nil {
		right.left = f
	}
	f.connected = true
	t.mu.Unlock()
}

// Forget removes f from the sibling list. Invalidate does not call it;
// callers run it (through Engine.Forget) before invalidating a frame.
func (t *SlumTracker) Forget(f *Frame) {
	t.mu.Lock()
	if f.left != nil {
		f.left.right = f.right
	}
	if f.right != nil {
		f.right.left = f.left
	}
	f.left, f.right = nil, nil
	f.connected = false
	t.mu.Unlock()
}

// OnDirty implements slum_on_dirty (§6): the notification hook higher
// layers call once a write-locked frame is about to be modified and
// carries no slum yet. It follows the four-case decision procedure of
// §4.4 under the tree lock, with the "allocate new slum, then restart"
// idiom of §9 kept intact: allocation never happens while the tree
// lock is held.
func (t *SlumTracker) OnDirty(f *Frame) {
	var pending *Slum
	for {
		t.mu.Lock()
		if f.slum != nil {
			t.mu.Unlock()
			return
		}

		a := f.union.get()
		leftSlum := eligibleNeighborSlum(f.left, a)
		rightSlum := eligibleNeighborSlum(f.right, a)

		switch {
		case leftSlum == nil && rightSlum == nil:
			if pending == nil {
				t.mu.Unlock()
				pending = &Slum{}
				continue
			}
			pending.atom = a
			t.attachLocked(f, pending, true)
			t.mu.Unlock()
			return

		case leftSlum == nil: // right neighbor only: prepend
			t.attachLocked(f, rightSlum, true)
			t.mu.Unlock()
			return

		case rightSlum == nil || rightSlum == leftSlum: // left only, or both same slum
			t.attachLocked(f, leftSlum, false)
			t.mu.Unlock()
			return

		default: // both, distinct slums: merge, survivor keeps its shape
			survivor := t.mergeLocked(leftSlum, rightSlum)
			t.attachLocked(f, survivor, false)
			t.mu.Unlock()
			return
		}
	}
}

func eligibleNeighborSlum(neighbor *Frame, a *Atom) *Slum {
	if neighbor == nil || !neighbor.connected {
		return nil
	}
	s := neighbor.slum
	if s == nil || s.beingSqueezed || s.atom != a {
		return nil
	}
	return s
}

// attachLocked records f as a member of s. asLeftmost is set for the
// "new slum" and "prepend to the right" cases, where f becomes the new
// head of the chain; appends leave the existing leftmost untouched.
// Caller holds t.mu.
func (t *SlumTracker) attachLocked(f *Frame, s *Slum, asLeftmost bool) {
	if asLeftmost || s.leftmost == nil {
		s.leftmost = f
	}
	f.slum = s
	s.count++
	s.freeSpace += t.saveFreeSpace(f)
}

// mergeLocked merges two distinct, non-squeezing slums, picking the
// larger (by member count) as the survivor and reassigning every
// member of the smaller. Caller holds t.mu.
func (t *SlumTracker) mergeLocked(left, right *Slum) *Slum {
	var small, large *Slum
	if left.count > right.count {
		large, small = left, right
	} else {
		small, large = left, right
	}

	for n := small.leftmost; n != nil && n.slum == small; n = n.right {
		n.slum = large
	}

	large.freeSpace += small.freeSpace
	large.count += small.count
	if large == right {
		large.leftmost = left.leftmost
	}

	t.collector.SlumMerge()
	return large
}

// Remove detaches f from its slum (clean, flushed, or deleted). When
// the slum's member count reaches zero it is left to the garbage
// collector; when the removed frame was the leftmost, the reference
// advances to the right per §4.4.
func (t *SlumTracker) Remove(f *Frame) {
	t.mu.Lock()
	s := f.slum
	if s == nil {
		t.mu.Unlock()
		return
	}
	recovered := t.freeSpace(f)
	s.freeSpace = uint32(mathutil.Max(0, int(s.freeSpace)-int(recovered)))
	s.count--
	f.slum = nil
	if s.count == 0 {
		s.leftmost = nil
	} else if s.leftmost == f {
		s.leftmost = f.right
	}
	t.mu.Unlock()
}

// MergeOnFusion implements §4.4's "merge on atom fusion": called by
// the transaction manager, under the atom locks it already holds, for
// every frame that belonged to the smaller (now-absorbed) atom. If
// either sibling's slum now belongs to the same (growing) atom and
// neither slum is being squeezed, the two slums merge.
func (t *SlumTracker) MergeOnFusion(f *Frame, growing *Atom) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := f.slum
	if !f.connected || s == nil || s.beingSqueezed {
		if s != nil {
			s.atom = growing
		}
		return
	}

	if right := f.right; right != nil {
		if rs := right.slum; rs != nil && rs != s && rs.atom == growing && !rs.beingSqueezed {
			s = t.mergeLocked(s, rs)
		}
	}
	if left := f.left; left != nil {
		if ls := left.slum; ls != nil && ls != s && ls.atom == growing && !ls.beingSqueezed {
			s = t.mergeLocked(ls, s)
		}
	}
	s.atom = growing
}

// BeginSqueeze marks s as being squeezed, excluding it from further
// merges until EndSqueeze. The squeezer itself (§4.4's "used by the
// squeezer") is out of scope for this core; this is the seam it hooks.
func (t *SlumTracker) BeginSqueeze(s *Slum) {
	t.mu.Lock()
	s.beingSqueezed = true
	t.mu.Unlock()
}

// EndSqueeze clears the being-squeezed flag and records that this slum
// has been squeezed at least once.
func (t *SlumTracker) EndSqueeze(s *Slum) {
	t.mu.Lock()
	s.beingSqueezed = false
	s.wasSqueezed = true
	t.mu.Unlock()
	t.collector.SlumSplit()
}

func (t *SlumTracker) saveFreeSpace(f *Frame) uint32 {
	if t.plugin == nil {
		return 0
	}
	return t.plugin.SaveFreeSpace(f)
}

func (t *SlumTracker) freeSpace(f *Frame) uint32 {
	if t.plugin == nil {
		return 0
	}
	return t.plugin.FreeSpace(f)
}
