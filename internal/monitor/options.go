// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

type Opts struct {
	logger            *slog.Logger
	interval          time.Duration
	mapInterval       time.Duration
	discoveryInterval time.Duration
	clock             clock.WithTicker
	maxTicks          uint64

	programs []uint32
	maps     []uint32

	cpu     bool
	mapSize bool

	sinks []Sink
}

// DefaultOpts returns the options of a monitor sampling every program and
// countable map every 30 seconds
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		interval: 30 * time.Second,
		clock:    clock.RealClock{},
		cpu:      true,
		mapSize:  true,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithInterval sets the sampling period
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithMapInterval sets the map size measurement period; 0 follows the
// sampling period
func WithMapInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.mapInterval = d
	}
}

// WithDiscoveryInterval sets how often loaded objects are listed again;
// 0 lists them on every tick
func WithDiscoveryInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.discoveryInterval = d
	}
}

// WithLogger sets the logger for the BPFMonitor
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock of the BPFMonitor
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithMaxTicks stops the monitor after n ticks; 0 never stops
func WithMaxTicks(n uint64) OptionFn {
	return func(o *Opts) {
		o.maxTicks = n
	}
}

// WithPrograms restricts sampling to the given program ids
func WithPrograms(ids ...uint32) OptionFn {
	return func(o *Opts) {
		o.programs = ids
	}
}

// WithMaps restricts map size tracking to the given map ids
func WithMaps(ids ...uint32) OptionFn {
	return func(o *Opts) {
		o.maps = ids
	}
}

// WithCPUUsage enables or disables program CPU sampling
func WithCPUUsage(enabled bool) OptionFn {
	return func(o *Opts) {
		o.cpu = enabled
	}
}

// WithMapSize enables or disables map size tracking
func WithMapSize(enabled bool) OptionFn {
	return func(o *Opts) {
		o.mapSize = enabled
	}
}

// WithSinks sets the receivers of every tick's Result
func WithSinks(sinks ...Sink) OptionFn {
	return func(o *Opts) {
		o.sinks = sinks
	}
}
