// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"maps"
	"time"

	"github.com/sustainable-computing-io/bpfmeter/internal/kernel"
)

// Sample is the CPU cost of one program over one sampling interval
type Sample struct {
	ID   uint32
	Name string

	// CPUUsage is the fraction of one CPU spent running the program over the
	// interval; it may exceed 1 when the program runs on several CPUs
	CPUUsage float64

	// RunTime and RunCount are the cumulative kernel counters at the end of
	// the interval
	RunTime  time.Duration
	RunCount uint64

	// RunTimeDelta and RunCountDelta are the increments over the interval
	RunTimeDelta  time.Duration
	RunCountDelta uint64

	Interval time.Duration

	// Reset is set when the kernel counters went backwards and the sample was
	// rebased instead of computed
	Reset bool
}

// MapSize is the number of live entries of one map
type MapSize struct {
	ID         uint32
	Name       string
	Type       kernel.MapType
	MaxEntries uint32
	Size       uint32
}

// Result is everything one tick produced, handed to every Sink
type Result struct {
	Tick      uint64
	Timestamp time.Time

	Samples  []Sample
	MapSizes []MapSize

	// EvictedPrograms and EvictedMaps are the entities that stopped being
	// tracked during this tick; their series must be dropped
	EvictedPrograms []uint32
	EvictedMaps     []uint32
}

// Programs maps program IDs to their latest sample
type Programs map[uint32]Sample

// Maps maps map IDs to their latest size
type Maps map[uint32]MapSize

// Snapshot is the latest value of every live series
type Snapshot struct {
	Timestamp time.Time
	Tick      uint64

	Programs Programs
	Maps     Maps
}

// NewSnapshot returns an empty snapshot
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Programs: make(Programs),
		Maps:     make(Maps),
	}
}

// Clone returns a copy of the snapshot that shares no state with s
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	return &Snapshot{
		Timestamp: s.Timestamp,
		Tick:      s.Tick,
		Programs:  maps.Clone(s.Programs),
		Maps:      maps.Clone(s.Maps),
	}
}
