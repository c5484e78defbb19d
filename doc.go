// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package core implements the storage engine of a copy-on-write,
// transactional filesystem: a buffered node cache, a priority-aware
// long-term lock manager, a transaction/atom manager, and a tracker
// for contiguous runs of dirty nodes.
//
// The four subsystems are deliberately kept in one package: lock
// acquisition calls into capture, capture calls into the cache and the
// slum tracker, and all of them read and write fields of the same
// Frame and Atom structs. Splitting them across packages would either
// force an import cycle or hide that coupling behind interfaces nobody
// asked for. Each subsystem still gets its own file.
//
// core has no CLI and reads no environment variables; every knob is
// passed through Option values to New.
package core
