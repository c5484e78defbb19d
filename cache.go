// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"hash/maphash"
	"sync"

	"github.com/cznic/mathutil"
	"github.com/reiser4go/core/internal/corelog"
)

// Cache is the block cache of §4.1 (C1): the single source of truth
// for the mapping blockid -> frame for one mounted filesystem, plus
// the approximate global replacement queue and the pool of frame
// buffers.
//
// Lock ordering inside Cache follows §4.1: hash-lock -> frame-lock ->
// inactive-lock -> free-list-lock -> bufwait-lock. In this
// implementation every stage except the frame lock shares one mutex
// (Cache.mu) the same way Frame collapses its busy/captive/lock-state
// fields under one mutex; only the frame-lock stage is a distinct,
// per-frame mutex (Frame.mu), since that one alone is held across
// sleeps (read-in waits) while the others are not.
type Cache struct {
	mu sync.Mutex

	store    Store
	pageSize int

	buckets []*Frame
	seed    maphash.Seed
	count   int

	inactiveHead, inactiveTail *Frame // sentinels; real frames sit between
	inactiveCount              int

	bufPool   sync.Pool
	pageCount int
	activeBuf int

	replacing   bool
	replaceCond *sync.Cond
	bufWaiters  int

	freshCounters map[SuperID]*int64

	log       corelog.Logger
	collector Collector
}

func newCache(store Store, cfg config) *Cache {
	buckets := mathutil.Max(1, int(float64(cfg.pageCount)/cfg.fillFactor))
	c := &Cache{
		store:         store,
		pageSize:      store.PageSize(),
		buckets:       make([]*Frame, buckets),
		seed:          maphash.MakeSeed(),
		pageCount:     cfg.pageCount,
		freshCounters: make(map[SuperID]*int64),
		log:           cfg.logger,
		collector:     cfg.collector,
	}
	c.bufPool.New = func() any { return make([]byte, c.pageSize) }
	c.replaceCond = sync.NewCond(&c.mu)
	c.inactiveHead = &Frame{}
	c.inactiveTail = &Frame{}
	c.inactiveHead.invNext = c.inactiveTail
	c.inactiveTail.invPrev = c.inactiveHead
	return c
}

func (c *Cache) bucket(id BlockID) int {
	var h maphash.Hash
	h.SetSeed(c.seed)
	var b [16]byte
	be64(b[0:8], uint64(id.Super))
	be64(b[8:16], uint64(id.Number))
	h.Write(b[:])
	return int(h.Sum64() % uint64(len(c.buckets)))
}

func be64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
}

// lookupLocked returns the resident frame for id, or nil. Caller
// holds c.mu.
func (c *Cache) lookupLocked(id BlockID) *Frame {
	for f := c.buckets[c.bucket(id)]; f != nil; f = f.hashNext {
		if f.id == id {
			return f
		}
	}
	return nil
}

func (c *Cache) insertLocked(f *Frame) {
	i := c.bucket(f.id)
	f.hashNext = c.buckets[i]
	c.buckets[i] = f
	c.count++
}

func (c *Cache) removeLocked(f *Frame) {
	i := c.bucket(f.id)
	cur := c.buckets[i]
	if cur == f {
		c.buckets[i] = f.hashNext
		f.hashNext = nil
		c.count--
		return
	}
	for cur != nil {
		if cur.hashNext == f {
			cur.hashNext = f.hashNext
			f.hashNext = nil
			c.count--
			return
		}
		cur = cur.hashNext
	}
}

func (c *Cache) inactivePushTailLocked(f *Frame) {
	tail := c.inactiveTail
	prev := tail.invPrev
	prev.invNext, tail.invPrev = f, f
	f.invPrev, f.invNext = prev, tail
	c.inactiveCount++
}

func (c *Cache) inactiveUnlinkLocked(f *Frame) {
	if f.invPrev == nil && f.invNext == nil {
		return
	}
	f.invPrev.invNext = f.invNext
	f.invNext.invPrev = f.invPrev
	f.invPrev, f.invNext = nil, nil
	c.inactiveCount--
}

// get implements §4.1's get: on success the frame's lock is held by
// the lock manager caller is expected to take immediately afterward;
// get itself only guarantees the buffer is resident or a read is in
// flight with the caller registered to observe it.
func (c *Cache) get(id BlockID) (*Frame, error) {
	c.mu.Lock()
	f := c.lookupLocked(id)
	if f != nil {
		f.mu.Lock()
		f.refcount++ // pin against replacement while we wait out any read-in
		c.mu.Unlock()

		for f.flags.has(FlagReadInProgress) {
			f.cond.Wait()
		}
		if f.flags.has(FlagCopiedOut) {
			f.refcount--
			f.mu.Unlock()
			return nil, newErr("cache.get", KindRetry, nil)
		}
		if f.flags.has(FlagInactive) {
			f.flags &^= FlagInactive
			f.mu.Unlock()
			c.mu.Lock()
			c.inactiveUnlinkLocked(f)
			c.mu.Unlock()
		} else {
			f.mu.Unlock()
		}
		return f, nil
	}

	buf := c.acquireBufferLocked()

	f = newFrame(id)
	f.refcount = 1
	f.flags = FlagReadInProgress
	f.buf = buf
	c.insertLocked(f)
	c.mu.Unlock()

	if err := c.store.ReadBlock(id, f.buf); err != nil {
		f.mu.Lock()
		f.flags &^= FlagReadInProgress
		f.mu.Unlock()
		c.mu.Lock()
		c.removeLocked(f)
		c.releaseBufferLocked(f.buf)
		c.mu.Unlock()
		return nil, newErr("cache.get", KindIoError, err)
	}

	f.mu.Lock()
	f.flags &^= FlagReadInProgress
	f.cond.Broadcast()
	f.mu.Unlock()
	return f, nil
}

// put implements §4.1's put.
func (c *Cache) put(f *Frame) {
	f.mu.Lock()
	f.refcount--
	canInactivate := f.refcount == 0 && f.canInactivate()
	if canInactivate {
		f.flags |= FlagInactive
	}
	f.mu.Unlock()

	if canInactivate {
		c.mu.Lock()
		c.inactivePushTailLocked(f)
		if c.bufWaiters > 0 {
			c.replaceCond.Broadcast()
		}
		c.mu.Unlock()
	}
}

// create implements §4.1's create: a fresh frame with a descending
// negative block-number, unique per super, flagged allocated.
//
// The returned frame carries a refcount of 1, the same caller's pin
// that a successful get returns holding (§4.1: "refcount zero, capture
// will add the first real reference" describes the atom's own
// reference, not this call's return value — get's miss path returns
// with refcount 1 for the identical reason). Without this pin, the
// capture that immediately follows create would be the frame's only
// reference, and put's matching decrement would drop it to zero while
// still captured, violating §8 invariant 4.
func (c *Cache) create(super SuperID) *Frame {
	c.mu.Lock()
	counter, ok := c.freshCounters[super]
	if !ok {
		counter = new(int64)
		c.freshCounters[super] = counter
	}
	*counter--
	id := BlockID{Super: super, Number: *counter}

	buf := c.acquireBufferLocked()
	f := newFrame(id)
	f.refcount = 1
	f.flags = FlagAllocated
	f.buf = buf
	c.insertLocked(f)
	c.mu.Unlock()
	return f
}

// remap atomically moves f between hash buckets under the hash lock;
// caller must hold f's frame lock and f.id must be fresh.
func (c *Cache) remap(f *Frame, newID BlockID) {
	c.mu.Lock()
	c.removeLocked(f)
	f.id = newID
	c.insertLocked(f)
	c.mu.Unlock()
}

// discardFresh forcibly removes f from the cache and returns its
// buffer to the pool, regardless of refcount. Used both when a
// create's capture fails (block create must commit either both of its
// steps or neither, §4.3) and by block delete (§3: deleted frames are
// removed from their atom's capture list and from the hash).
func (c *Cache) discardFresh(f *Frame) {
	f.mu.Lock()
	buf := f.buf
	f.buf = nil
	f.mu.Unlock()

	c.mu.Lock()
	c.removeLocked(f)
	c.releaseBufferLocked(buf)
	c.mu.Unlock()
}

// copy implements §4.1's copy: used by commit to give a committing
// frame's original blockid to a fresh buffer while the original keeps
// the data destined for its relocid. Returns Retry semantics per the
// spec: the caller must re-lookup rather than use the returned frame
// directly for anything but the immediate retry.
func (c *Cache) copy(orig *Frame) (*Frame, error) {
	orig.mu.Lock()
	origID := orig.id
	srcBuf := orig.buf
	orig.flags |= FlagCopyInProgress
	orig.mu.Unlock()

	c.mu.Lock()
	buf := c.acquireBufferLocked()
	cp := newFrame(origID)
	cp.refcount = 0
	cp.flags = FlagCopying
	cp.buf = buf
	c.removeLocked(orig)
	orig.mu.Lock()
	orig.flags |= FlagCopiedOut
	orig.mu.Unlock()
	c.insertLocked(cp)
	c.mu.Unlock()

	copy(cp.buf, srcBuf)

	cp.mu.Lock()
	cp.flags &^= FlagCopying
	cp.mu.Unlock()

	orig.mu.Lock()
	orig.flags &^= FlagCopyInProgress
	orig.cond.Broadcast()
	orig.mu.Unlock()

	c.collector.CopyOnCapture()
	return cp, newErr("cache.copy", KindRetry, nil)
}

// acquireBufferLocked returns a page buffer, running replacement if
// the cache is at capacity. Caller holds c.mu.
func (c *Cache) acquireBufferLocked() []byte {
	for c.activeBuf >= c.pageCount {
		if c.replacing {
			c.bufWaiters++
			c.replaceCond.Wait()
			c.bufWaiters--
			continue
		}
		freed := c.runReplacementLocked(c.bufWaiters + 1)
		if freed == 0 && c.activeBuf >= c.pageCount {
			// The inactive queue held no eligible candidate at all;
			// per §4.1 this is a sizing invariant violation, not a
			// runtime condition a well-sized cache should ever hit.
			panic(newErr("cache.acquireBuffer", KindInvariantViolation, nil))
		}
	}
	c.activeBuf++
	return c.bufPool.Get().([]byte)
}

func (c *Cache) releaseBufferLocked(buf []byte) {
	c.activeBuf--
	c.bufPool.Put(buf) //nolint:staticcheck // buf is cache-owned, not caller-owned
	if c.bufWaiters > 0 {
		c.replaceCond.Broadcast()
	}
}

// runReplacementLocked scans the inactive queue from the front,
// trylocking each candidate; frames it cannot lock without waiting,
// or that turn out ineligible, are skipped and removed from the
// queue. It frees buffers until need have been satisfied, or the
// queue is exhausted. Caller holds c.mu throughout; releasing it around
// each trylock attempt is unnecessary since Frame.mu is never held
// for long, but c.mu must not be held while touching the store.
func (c *Cache) runReplacementLocked(need int) (freed int) {
	c.replacing = true
	defer func() {
		c.replacing = false
		c.replaceCond.Broadcast()
	}()

	scanned := 0
	cur := c.inactiveHead.invNext
	for cur != c.inactiveTail && freed < need {
		next := cur.invNext
		scanned++

		if !cur.mu.TryLock() {
			// Can't lock without waiting: skip it, and since we're
			// already scanning past it, drop it from the queue too
			// rather than spin on it again next pass (§4.1).
			c.inactiveUnlinkLocked(cur)
			cur = next
			continue
		}
		eligible := cur.flags.has(FlagInactive) && cur.refcount == 0 && cur.canInactivate()
		if !eligible {
			cur.flags &^= FlagInactive
			cur.mu.Unlock()
			c.inactiveUnlinkLocked(cur)
			cur = next
			continue
		}
		buf := cur.buf
		cur.buf = nil
		cur.flags &^= FlagInactive
		cur.mu.Unlock()

		c.inactiveUnlinkLocked(cur)
		c.removeLocked(cur)
		c.releaseBufferLocked(buf)
		freed++
		cur = next
	}
	c.collector.ReplacementRun(scanned, freed)
	return freed
}
