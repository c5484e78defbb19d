// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package core

import "sync/atomic"

// Collector receives counters for the events an operator would once
// have watched via kernel trace points (reiser4's TRACE_SLUM and
// friends). A nil Collector is never passed around; WithCollector
// defaults to noopCollector so call sites never need a nil check.
type Collector interface {
	CaptureOK()
	CaptureRetry()
	Fusion()
	CopyOnCapture()
	DeadlockRetry()
	SlumMerge()
	SlumSplit()
	ReplacementRun(scanned, freed int)
}

type noopCollector struct{}

func (noopCollector) CaptureOK()                       {}
func (noopCollector) CaptureRetry()                    {}
func (noopCollector) Fusion()                          {}
func (noopCollector) CopyOnCapture()                   {}
func (noopCollector) DeadlockRetry()                   {}
func (noopCollector) SlumMerge()                       {}
func (noopCollector) SlumSplit()                       {}
func (noopCollector) ReplacementRun(scanned, freed int) {}

// CounterCollector is a ready-to-use Collector that keeps plain
// running totals, handy for tests and the bench harness; concurrent
// increments use atomic adds so it is safe to share across goroutines.
type CounterCollector struct {
	captureOK       atomic.Int64
	captureRetry    atomic.Int64
	fusions         atomic.Int64
	copyOnCapture   atomic.Int64
	deadlockRetries atomic.Int64
	slumMerges      atomic.Int64
	slumSplits      atomic.Int64
	scanned         atomic.Int64
	freed           atomic.Int64
}

func (c *CounterCollector) CaptureOK()     { c.captureOK.Add(1) }
func (c *CounterCollector) CaptureRetry()  { c.captureRetry.Add(1) }
func (c *CounterCollector) Fusion()        { c.fusions.Add(1) }
func (c *CounterCollector) CopyOnCapture() { c.copyOnCapture.Add(1) }
func (c *CounterCollector) DeadlockRetry() { c.deadlockRetries.Add(1) }
func (c *CounterCollector) SlumMerge()     { c.slumMerges.Add(1) }
func (c *CounterCollector) SlumSplit()     { c.slumSplits.Add(1) }
func (c *CounterCollector) ReplacementRun(scanned, freed int) {
	c.scanned.Add(int64(scanned))
	c.freed.Add(int64(freed))
}

// Snapshot returns the current counter values.
func (c *CounterCollector) Snapshot() CollectorSnapshot {
	return CollectorSnapshot{
		CaptureOK:       c.captureOK.Load(),
		CaptureRetry:    c.captureRetry.Load(),
		Fusions:         c.fusions.Load(),
		CopyOnCapture:   c.copyOnCapture.Load(),
		DeadlockRetries: c.deadlockRetries.Load(),
		SlumMerges:      c.slumMerges.Load(),
		SlumSplits:      c.slumSplits.Load(),
		FramesScanned:   c.scanned.Load(),
		FramesFreed:     c.freed.Load(),
	}
}

// CollectorSnapshot is a point-in-time read of a CounterCollector.
type CollectorSnapshot struct {
	CaptureOK       int64
	CaptureRetry    int64
	Fusions         int64
	CopyOnCapture   int64
	DeadlockRetries int64
	SlumMerges      int64
	SlumSplits      int64
	FramesScanned   int64
	FramesFreed     int64
}
