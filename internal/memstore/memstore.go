// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package memstore is an in-memory Store/Allocator/NodePlugin trio for
// tests and the bench harness, in the style of dacapoday-smol's mem.File:
// a single RWMutex guarding a plain map, with no persistence and no
// initialization required beyond the constructor.
package memstore

import (
	"sync"

	"github.com/reiser4go/core"
)

// Store is an in-memory block store keyed by blockid. It never returns
// IoError; tests that need to exercise that path wrap Store or supply
// their own Store implementation.
type Store struct {
	mu       sync.RWMutex
	pageSize int
	blocks   map[core.BlockID][]byte
}

// NewStore returns a Store whose blocks are pageSize bytes.
func NewStore(pageSize int) *Store {
	return &Store{pageSize: pageSize, blocks: make(map[core.BlockID][]byte)}
}

func (s *Store) PageSize() int { return s.pageSize }

func (s *Store) ReadBlock(id core.BlockID, buf []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.blocks[id]; ok {
		copy(buf, b)
		return nil
	}
	// Unwritten blocks read as zero, matching a freshly formatted
	// device rather than an error: only genuinely missing backing
	// storage (a failed device) is IoError.
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (s *Store) WriteBlock(id core.BlockID, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.mu.Lock()
	s.blocks[id] = cp
	s.mu.Unlock()
	return nil
}

// Snapshot returns a defensive copy of the block at id, or nil if the
// block has never been written.
func (s *Store) Snapshot(id core.BlockID) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[id]
	if !ok {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

// Allocator hands out monotonically increasing block numbers per
// superblock, recycling deallocated numbers before minting new ones —
// the simplest possible bitmap stand-in, grounded on the same "one
// mutex over a small map" shape as Store above.
type Allocator struct {
	mu   sync.Mutex
	next map[core.SuperID]int64
	free map[core.SuperID][]int64
}

func NewAllocator() *Allocator {
	return &Allocator{next: make(map[core.SuperID]int64), free: make(map[core.SuperID][]int64)}
}

func (a *Allocator) Allocate(_ *core.Handle, super core.SuperID) (core.BlockID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if free := a.free[super]; len(free) > 0 {
		n := free[len(free)-1]
		a.free[super] = free[:len(free)-1]
		return core.BlockID{Super: super, Number: n}, nil
	}
	n := a.next[super]
	a.next[super] = n + 1
	return core.BlockID{Super: super, Number: n}, nil
}

func (a *Allocator) Deallocate(_ *core.Handle, id core.BlockID) error {
	a.mu.Lock()
	a.free[id.Super] = append(a.free[id.Super], id.Number)
	a.mu.Unlock()
	return nil
}

// NodePlugin is a trivial free-space estimator: it treats a node's
// free space as the length of the run of trailing zero bytes in its
// buffer, which is accurate for the zero-filled pages NewStore hands
// back and good enough to exercise slum free-space accounting without
// a real node format.
type NodePlugin struct{}

func (NodePlugin) FreeSpace(f *core.Frame) uint32 {
	return trailingZeros(f.Bytes())
}

func (NodePlugin) SaveFreeSpace(f *core.Frame) uint32 {
	return trailingZeros(f.Bytes())
}

func trailingZeros(buf []byte) uint32 {
	n := 0
	for i := len(buf) - 1; i >= 0 && buf[i] == 0; i-- {
		n++
	}
	return uint32(n)
}

// Glue is a no-op SiblingGlue: it has no external view of tree
// connectivity to keep in sync, since these tests drive the engine's
// own sibling links directly.
type Glue struct{}

func (Glue) Connected(f *core.Frame) bool { return f != nil }
func (Glue) Forget(f *core.Frame)         {}
