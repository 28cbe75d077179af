// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"math/rand"
	"slices"
	"sync"
	"time"
)

// NOTE: Fake is not intended to be used in production and is for testing and
// development only

type fakeProgram struct {
	stats ProgramStats
	err   error

	// increments applied on every read when activity is simulated
	runTimeStep  time.Duration
	runCountStep uint64
}

type fakeMap struct {
	info    MapInfo
	infoErr error
	size    uint32
	sizeErr error
}

var errUnloaded = errors.New("object is not loaded")

// Fake is an in-memory Source whose objects are controlled by the caller
type Fake struct {
	mu sync.Mutex

	logger   *slog.Logger
	programs map[uint32]*fakeProgram
	maps     map[uint32]*fakeMap

	listErr  error
	statsErr error

	activity     bool
	randomFactor float64

	statsEnabled int
}

var _ Source = (*Fake)(nil)

// FakeOptFn is a functional option for configuring Fake
type FakeOptFn func(*Fake)

// WithFakeLogger sets the logger of the fake source
func WithFakeLogger(l *slog.Logger) FakeOptFn {
	return func(f *Fake) {
		f.logger = l.With("source", "fake")
	}
}

// WithFakeActivity makes every program read advance the program's counters,
// simulating programs that keep executing
func WithFakeActivity() FakeOptFn {
	return func(f *Fake) {
		f.activity = true
	}
}

// WithFakeDemoObjects preloads a small set of programs and maps
func WithFakeDemoObjects() FakeOptFn {
	return func(f *Fake) {
		f.AddProgram(11, "xdp_filter", 0, 0)
		f.programs[11].runTimeStep, f.programs[11].runCountStep = 40*time.Millisecond, 12000
		f.AddProgram(12, "tc_egress", 0, 0)
		f.programs[12].runTimeStep, f.programs[12].runCountStep = 15*time.Millisecond, 4000
		f.AddProgram(13, "kprobe_execve", 0, 0)
		f.programs[13].runTimeStep, f.programs[13].runCountStep = 2*time.Millisecond, 150

		f.AddMap(MapInfo{ID: 21, Name: "conntrack", Type: MapTypeHash, MaxEntries: 65536, KeySize: 16}, 1024)
		f.AddMap(MapInfo{ID: 22, Name: "flow_lru", Type: MapTypeLRUHash, MaxEntries: 4096, KeySize: 8}, 256)
		f.AddMap(MapInfo{ID: 23, Name: "events", Type: MapTypeOther, MaxEntries: 128, KeySize: 4}, 0)
	}
}

// NewFake creates an empty fake source
func NewFake(opts ...FakeOptFn) *Fake {
	f := &Fake{
		logger:       slog.Default().With("source", "fake"),
		programs:     map[uint32]*fakeProgram{},
		maps:         map[uint32]*fakeMap{},
		randomFactor: 0.5,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AddProgram loads a program with the given cumulative counters
func (f *Fake) AddProgram(id uint32, name string, runTime time.Duration, runCount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.programs[id] = &fakeProgram{
		stats:        ProgramStats{ID: id, Name: name, RunTime: runTime, RunCount: runCount},
		runTimeStep:  time.Millisecond,
		runCountStep: 100,
	}
}

// SetProgramStats overwrites the cumulative counters of a loaded program.
// Lowering them simulates a counter reset.
func (f *Fake) SetProgramStats(id uint32, runTime time.Duration, runCount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.programs[id]; ok {
		p.stats.RunTime = runTime
		p.stats.RunCount = runCount
	}
}

// FailProgram makes reads of program id fail with err until cleared with nil
func (f *Fake) FailProgram(id uint32, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.programs[id]; ok {
		p.err = err
	}
}

// RemoveProgram unloads program id
func (f *Fake) RemoveProgram(id uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.programs, id)
}

// AddMap loads a map holding size entries
func (f *Fake) AddMap(info MapInfo, size uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maps[info.ID] = &fakeMap{info: info, size: size}
}

// SetMapSize changes the number of live entries of map id
func (f *Fake) SetMapSize(id uint32, size uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.maps[id]; ok {
		m.size = size
	}
}

// FailMapSize makes size reads of map id fail with err until cleared with nil
func (f *Fake) FailMapSize(id uint32, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.maps[id]; ok {
		m.sizeErr = err
	}
}

// FailMapInfo makes info reads of map id fail with err until cleared with nil
func (f *Fake) FailMapInfo(id uint32, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.maps[id]; ok {
		m.infoErr = err
	}
}

// RemoveMap unloads map id
func (f *Fake) RemoveMap(id uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.maps, id)
}

// FailListing makes ProgramIDs and MapIDs fail with err until cleared with nil
func (f *Fake) FailListing(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// FailEnableStats makes EnableStats fail with err
func (f *Fake) FailEnableStats(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsErr = err
}

// StatsEnabled reports whether run time statistics are currently enabled
func (f *Fake) StatsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statsEnabled > 0
}

func (f *Fake) ProgramIDs(context.Context) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Sorted(maps.Keys(f.programs)), nil
}

func (f *Fake) MapIDs(context.Context) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Sorted(maps.Keys(f.maps)), nil
}

func (f *Fake) ProgramStats(_ context.Context, id uint32) (ProgramStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.programs[id]
	if !ok {
		return ProgramStats{}, programError(id, ErrNotFound, errUnloaded)
	}
	if p.err != nil {
		return ProgramStats{}, p.err
	}
	if f.activity {
		jitter := 1 + rand.Float64()*f.randomFactor
		p.stats.RunTime += time.Duration(float64(p.runTimeStep) * jitter)
		p.stats.RunCount += uint64(float64(p.runCountStep) * jitter)
	}
	return p.stats, nil
}

func (f *Fake) MapInfo(_ context.Context, id uint32) (MapInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.maps[id]
	if !ok {
		return MapInfo{}, mapError(id, ErrNotFound, errUnloaded)
	}
	if m.infoErr != nil {
		return MapInfo{}, m.infoErr
	}
	return m.info, nil
}

func (f *Fake) MapSize(_ context.Context, id uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.maps[id]
	if !ok {
		return 0, mapError(id, ErrNotFound, errUnloaded)
	}
	if m.sizeErr != nil {
		return 0, m.sizeErr
	}
	return min(m.size, m.info.MaxEntries), nil
}

func (f *Fake) EnableStats() (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	f.statsEnabled++
	f.logger.Debug("run time statistics enabled")
	return &fakeStatsCloser{fake: f}, nil
}

type fakeStatsCloser struct {
	fake *Fake
	once sync.Once
}

func (c *fakeStatsCloser) Close() error {
	c.once.Do(func() {
		c.fake.mu.Lock()
		defer c.fake.mu.Unlock()
		c.fake.statsEnabled--
	})
	return nil
}
