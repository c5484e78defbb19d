// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package main

import "golang.org/x/sys/unix"

// cpuTimes reports accumulated user and system CPU time in seconds for
// this process, via times(2). Used to report CPU efficiency (work done
// per CPU-second) alongside wall-clock throughput, since a contended
// lock manager can look fast on wall-clock alone while burning cores
// on retries.
func cpuTimes() (user, sys float64, ok bool) {
	var t unix.Tms
	if _, err := unix.Times(&t); err != nil {
		return 0, 0, false
	}
	ticks := float64(clockTicksPerSecond())
	return float64(t.Utime) / ticks, float64(t.Stime) / ticks, true
}

func clockTicksPerSecond() int64 {
	// sysconf(_SC_CLK_TCK) is not exposed by x/sys/unix directly on
	// every platform; 100 is the near-universal Linux default and
	// good enough for a bench report's ballpark CPU-seconds figure.
	return 100
}
