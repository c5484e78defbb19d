// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package core

import "github.com/reiser4go/core/internal/corelog"

// config holds everything cache_init needs. There is no config file
// and no environment variable lookup: every field arrives through an
// Option passed to New.
type config struct {
	pageCount  int
	fillFactor float64
	logger     corelog.Logger
	clock      func() int64
	collector  Collector
}

func defaultConfig() config {
	return config{
		pageCount:  1024,
		fillFactor: 1.0,
		logger:     corelog.Noop(),
		clock:      defaultClock,
		collector:  noopCollector{},
	}
}

// Option configures a Cache/Engine at construction time, in the style
// of the teacher's HeapOption/BlockOption interfaces: each Option is a
// small value that knows how to apply itself to the config.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithPageCount sets the number of frame slots the cache manages.
func WithPageCount(n int) Option {
	return optionFunc(func(c *config) { c.pageCount = n })
}

// WithFillFactor sets the expected occupancy of the block-id hash
// table (see §4.1): the table is sized so that, at fillFactor 1.0,
// buckets hold one frame on average.
func WithFillFactor(f float64) Option {
	return optionFunc(func(c *config) { c.fillFactor = f })
}

// WithLogger installs a logger. The engine logs only failed
// commit writes (at error level); replacement and fusion are not
// logged. The default is silent.
func WithLogger(l corelog.Logger) Option {
	return optionFunc(func(c *config) { c.logger = l })
}

// WithClock overrides the clock used to stamp atom start-times; a
// fixed clock makes fusion's min-start-time rule deterministic.
func WithClock(clock func() int64) Option {
	return optionFunc(func(c *config) { c.clock = clock })
}

// WithCollector installs a metrics sink; see Collector.
func WithCollector(coll Collector) Option {
	return optionFunc(func(c *config) { c.collector = coll })
}
