// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"errors"
	"sync/atomic"
)

// ErrNoData is returned by Snapshot before the first tick was published
var ErrNoData = errors.New("no data collected yet")

// Sink receives the Result of every tick, from the sampler goroutine only
type Sink interface {
	Name() string
	Publish(*Result) error
}

// SnapshotProvider exposes the latest published values
type SnapshotProvider interface {
	// Snapshot returns a copy of the latest values
	Snapshot() (*Snapshot, error)

	// DataChannel returns a channel that signals when new data is available
	DataChannel() <-chan struct{}
}

// Store keeps the latest value of every live series for concurrent readers.
// Publish must only be called by a single writer.
type Store struct {
	snapshot atomic.Pointer[Snapshot]

	// signals when a snapshot has been updated
	dataCh chan struct{}
}

var (
	_ Sink             = (*Store)(nil)
	_ SnapshotProvider = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		dataCh: make(chan struct{}, 1),
	}
}

func (s *Store) Name() string {
	return "store"
}

// Publish derives the next snapshot from the previous one and swaps it in.
// Programs without a sample this tick keep their previous value.
func (s *Store) Publish(r *Result) error {
	next := s.snapshot.Load().Clone()
	if next == nil {
		next = NewSnapshot()
	}

	for _, id := range r.EvictedPrograms {
		delete(next.Programs, id)
	}
	for _, id := range r.EvictedMaps {
		delete(next.Maps, id)
	}
	for _, sample := range r.Samples {
		next.Programs[sample.ID] = sample
	}
	for _, size := range r.MapSizes {
		next.Maps[size.ID] = size
	}
	next.Timestamp = r.Timestamp
	next.Tick = r.Tick

	s.snapshot.Store(next)
	s.signalNewData()
	return nil
}

func (s *Store) signalNewData() {
	select {
	case s.dataCh <- struct{}{}:
	default:
	}
}

func (s *Store) Snapshot() (*Snapshot, error) {
	snapshot := s.snapshot.Load()
	if snapshot == nil {
		return nil, ErrNoData
	}
	return snapshot.Clone(), nil
}

func (s *Store) DataChannel() <-chan struct{} {
	return s.dataCh
}
