// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestFrame(id BlockID) *Frame {
	f := newFrame(id)
	return f
}

func newNopCapturer() capturer {
	return nopCapturer{}
}

type nopCapturer struct{}

func (nopCapturer) capture(h *Handle, f *Frame, mode CaptureMode) error { return nil }

func TestLockCompatibleReaders(t *testing.T) {
	cfg := defaultConfig()
	lm := newLockManager(newNopCapturer(), nil, cfg)
	f := newTestFrame(BlockID{Super: 1, Number: 1})

	o1 := NewOwnerStack(PriorityLow)
	o2 := NewOwnerStack(PriorityLow)

	lh1, err := lm.Lock(o1, nil, f, LockRead, FlagNonBlocking)
	require.NoError(t, err)
	lh2, err := lm.Lock(o2, nil, f, LockRead, FlagNonBlocking)
	require.NoError(t, err)

	f.mu.Lock()
	require.EqualValues(t, 2, f.readerCount)
	f.mu.Unlock()

	lm.Unlock(lh1)
	lm.Unlock(lh2)
}

func TestLockWriteExcludesReaders(t *testing.T) {
	cfg := defaultConfig()
	lm := newLockManager(newNopCapturer(), nil, cfg)
	f := newTestFrame(BlockID{Super: 1, Number: 1})

	writer := NewOwnerStack(PriorityLow)
	wlh, err := lm.Lock(writer, nil, f, LockWrite, FlagNonBlocking)
	require.NoError(t, err)

	reader := NewOwnerStack(PriorityLow)
	_, err = lm.Lock(reader, nil, f, LockRead, FlagNonBlocking)
	require.ErrorIs(t, err, ErrBusy)

	lm.Unlock(wlh)

	rlh, err := lm.Lock(reader, nil, f, LockRead, FlagNonBlocking)
	require.NoError(t, err)
	lm.Unlock(rlh)
}

// TestLockPriorityDeadlockAvoidance is S4: a low-priority owner holding
// F1 and requesting F2 must back off with Deadlock once a high-priority
// owner holding F2 starts requesting F1, release F1, let the
// high-priority owner through, then retry at high priority itself.
func TestLockPriorityDeadlockAvoidance(t *testing.T) {
	cfg := defaultConfig()
	lm := newLockManager(newNopCapturer(), nil, cfg)
	f1 := newTestFrame(BlockID{Super: 1, Number: 1})
	f2 := newTestFrame(BlockID{Super: 1, Number: 2})

	low := NewOwnerStack(PriorityLow)
	high := NewOwnerStack(PriorityHigh)

	lowF1, err := lm.Lock(low, nil, f1, LockWrite, FlagNonBlocking)
	require.NoError(t, err)
	highF2, err := lm.Lock(high, nil, f2, LockWrite, FlagNonBlocking)
	require.NoError(t, err)

	// High requests F1 (blocking); this signals low's owner-stack.
	highDone := make(chan *LockHandle, 1)
	go func() {
		lh, err := lm.Lock(high, nil, f1, LockWrite, 0)
		require.NoError(t, err)
		highDone <- lh
	}()

	require.Eventually(t, func() bool {
		low.mu.Lock()
		defer low.mu.Unlock()
		return low.signalCount > 0
	}, time.Second, time.Millisecond, "low owner must observe a deadlock signal")

	// Low now requests F2; with signalCount > 0 it must return Deadlock
	// rather than sleep.
	_, err = lm.Lock(low, nil, f2, LockWrite, 0)
	require.True(t, errors.Is(err, ErrDeadlock))

	// Low releases F1, letting high proceed.
	lm.Unlock(lowF1)

	var highF1 *LockHandle
	select {
	case highF1 = <-highDone:
	case <-time.After(time.Second):
		t.Fatal("high-priority owner never acquired F1")
	}

	// Low retries at high priority and succeeds.
	low.Raise()
	require.Equal(t, PriorityHigh, low.Priority())

	lm.Unlock(highF1)
	lm.Unlock(highF2)

	lowF2, err := lm.Lock(low, nil, f2, LockWrite, FlagNonBlocking)
	require.NoError(t, err)
	lm.Unlock(lowF2)
}

// TestLockInvalidateDrainsWaiters is S6: three queued low-priority
// readers must all wake with Invalid and leave the waiter queue once
// the write-lock owner marks F heard-banshee and invalidates.
func TestLockInvalidateDrainsWaiters(t *testing.T) {
	cfg := defaultConfig()
	lm := newLockManager(newNopCapturer(), nil, cfg)
	f := newTestFrame(BlockID{Super: 1, Number: 1})

	owner := NewOwnerStack(PriorityLow)
	wlh, err := lm.Lock(owner, nil, f, LockWrite, FlagNonBlocking)
	require.NoError(t, err)

	const n = 3
	var wg sync.WaitGroup
	errsCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reader := NewOwnerStack(PriorityLow)
			_, err := lm.Lock(reader, nil, f, LockRead, 0)
			errsCh <- err
		}()
	}

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.waiters) == n
	}, time.Second, time.Millisecond, "all three readers must queue as waiters")

	f.mu.Lock()
	f.flags |= FlagHeardBanshee
	f.mu.Unlock()

	require.NoError(t, lm.Invalidate(wlh))

	wg.Wait()
	close(errsCh)
	for err := range errsCh {
		require.True(t, errors.Is(err, ErrInvalid))
	}

	f.mu.Lock()
	require.Empty(t, f.waiters)
	f.mu.Unlock()
}

// TestLockInvalidateIsIdempotent covers §8's round-trip law: calling
// Invalidate twice on the same LockHandle must return Invalid on the
// second call, without blocking and without re-running the
// reader-count/hiOwners bookkeeping a second time.
func TestLockInvalidateIsIdempotent(t *testing.T) {
	cfg := defaultConfig()
	lm := newLockManager(newNopCapturer(), nil, cfg)
	f := newTestFrame(BlockID{Super: 1, Number: 1})

	owner := NewOwnerStack(PriorityHigh)
	wlh, err := lm.Lock(owner, nil, f, LockWrite, FlagNonBlocking)
	require.NoError(t, err)

	f.mu.Lock()
	f.flags |= FlagHeardBanshee
	f.mu.Unlock()

	require.NoError(t, lm.Invalidate(wlh))

	f.mu.Lock()
	readerCount := f.readerCount
	hiOwners := f.hiOwners
	f.mu.Unlock()

	err = lm.Invalidate(wlh)
	require.True(t, errors.Is(err, ErrInvalid))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, readerCount, f.readerCount, "a repeat invalidate must not touch reader-count again")
	require.Equal(t, hiOwners, f.hiOwners, "a repeat invalidate must not decrement hiOwners again")
}
