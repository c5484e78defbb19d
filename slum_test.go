// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSlumMergeOnDirtyBridging is S5: dirtying siblings A, then C, then
// B (the frame connecting them) must merge the two singleton slums
// into one slum of {A, B, C} whose leftmost is A and whose count is 3.
func TestSlumMergeOnDirtyBridging(t *testing.T) {
	cfg := defaultConfig()
	tracker := newSlumTracker(fakePlugin{}, cfg)

	a := newFrame(BlockID{Super: 1, Number: 1})
	b := newFrame(BlockID{Super: 1, Number: 2})
	c := newFrame(BlockID{Super: 1, Number: 3})
	tracker.Link(nil, a, b)
	tracker.Link(a, b, c)
	tracker.Link(b, c, nil)

	atom := &Atom{id: 1}
	a.union.set(atom)
	b.union.set(atom)
	c.union.set(atom)

	tracker.OnDirty(a)
	require.NotNil(t, a.slum)
	require.Equal(t, 1, a.slum.count)
	sa := a.slum

	tracker.OnDirty(c)
	require.NotNil(t, c.slum)
	require.NotSame(t, sa, c.slum)
	require.Equal(t, 1, c.slum.count)

	tracker.OnDirty(b)
	require.Same(t, a.slum, b.slum)
	require.Same(t, a.slum, c.slum)
	require.Equal(t, 3, a.slum.count)
	require.Same(t, a, a.slum.leftmost)
}

func TestSlumRemoveAdvancesLeftmost(t *testing.T) {
	cfg := defaultConfig()
	tracker := newSlumTracker(fakePlugin{}, cfg)

	a := newFrame(BlockID{Super: 1, Number: 1})
	b := newFrame(BlockID{Super: 1, Number: 2})
	tracker.Link(nil, a, b)
	tracker.Link(a, b, nil)

	atom := &Atom{id: 1}
	a.union.set(atom)
	b.union.set(atom)

	tracker.OnDirty(a)
	tracker.OnDirty(b)
	require.Equal(t, 2, a.slum.count)
	require.Same(t, a, a.slum.leftmost)

	s := a.slum
	tracker.Remove(a)
	require.Nil(t, a.slum)
	require.Equal(t, 1, s.count)
	require.Same(t, b, s.leftmost)
}

func TestSlumMergeOnFusionJoinsAcrossBoundary(t *testing.T) {
	cfg := defaultConfig()
	tracker := newSlumTracker(fakePlugin{}, cfg)

	a := newFrame(BlockID{Super: 1, Number: 1})
	b := newFrame(BlockID{Super: 1, Number: 2})
	tracker.Link(nil, a, b)
	tracker.Link(a, b, nil)

	small := &Atom{id: 1}
	large := &Atom{id: 2}
	a.union.set(small)
	b.union.set(large)

	tracker.OnDirty(a)
	tracker.OnDirty(b)
	require.NotSame(t, a.slum, b.slum)

	tracker.MergeOnFusion(a, large)

	require.Same(t, a.slum, b.slum)
	require.Equal(t, large, a.slum.atom)
}
