// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reiser4go/core"
	"github.com/reiser4go/core/internal/memstore"
)

const (
	engineTestTimeout = time.Second
	engineTestTick    = time.Millisecond
)

func newTestEngine(t *testing.T) (*core.Engine, *memstore.Store) {
	t.Helper()
	store := memstore.NewStore(64)
	alloc := memstore.NewAllocator()
	plugin := memstore.NodePlugin{}
	engine, err := core.New(store, alloc, plugin, memstore.Glue{}, core.WithPageCount(16))
	require.NoError(t, err)
	return engine, store
}

// TestEngineUncontendedWriteCommit is S1: create a block under one
// handle, write it, mark it dirty, commit, then verify a second
// handle's read capture on the (now allocated) blockid sees the
// written byte.
func TestEngineUncontendedWriteCommit(t *testing.T) {
	engine, _ := newTestEngine(t)
	super := core.SuperID(1)
	owner := core.NewOwnerStack(core.PriorityLow)

	h := engine.Begin(super)
	ref, err := engine.Create(owner, h, super)
	require.NoError(t, err)

	freshID := ref.Frame().ID()
	require.True(t, freshID.Fresh())

	buf := ref.Bytes()
	buf[0] = 0xAB
	ref.Release(engine)

	engine.SlumOnDirty(ref.Frame())
	require.NoError(t, engine.Commit(h))

	newID := ref.Frame().ID()
	require.False(t, newID.Fresh())
	require.NotEqual(t, freshID, newID)

	h2 := engine.Begin(super)
	owner2 := core.NewOwnerStack(core.PriorityLow)
	require.Eventually(t, func() bool {
		ref2, err := engine.Capture(owner2, h2, newID, core.LockRead, 0)
		if err != nil {
			return false
		}
		defer ref2.Release(engine)
		return ref2.Bytes()[0] == 0xAB
	}, engineTestTimeout, engineTestTick)
	require.NoError(t, engine.Commit(h2))
}

// TestEngineCaptureRaceFuses is S2 wired end to end through Engine:
// two handles racing to write-capture the same block must end up
// sharing one atom by the time both captures succeed.
func TestEngineCaptureRaceFuses(t *testing.T) {
	engine, _ := newTestEngine(t)
	super := core.SuperID(1)

	seedOwner := core.NewOwnerStack(core.PriorityLow)
	seedH := engine.Begin(super)
	ref, err := engine.Create(seedOwner, seedH, super)
	require.NoError(t, err)
	id := ref.Frame().ID()
	ref.Release(engine)
	require.NoError(t, engine.Commit(seedH))

	h1 := engine.Begin(super)
	o1 := core.NewOwnerStack(core.PriorityLow)
	r1, err := engine.Capture(o1, h1, id, core.LockWrite, 0)
	require.NoError(t, err)

	other, err := engine.Create(o1, h1, super)
	require.NoError(t, err)
	other.Release(engine)

	done := make(chan error, 1)
	go func() {
		h2 := engine.Begin(super)
		o2 := core.NewOwnerStack(core.PriorityLow)
		r2, err := engine.Capture(o2, h2, id, core.LockRead, 0)
		if err != nil {
			done <- err
			return
		}
		r2.Release(engine)
		done <- engine.Commit(h2)
	}()

	r1.Release(engine)
	require.NoError(t, engine.Commit(h1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(engineTestTimeout):
		t.Fatal("racing capture never completed")
	}
}
