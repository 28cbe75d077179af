// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/bpfmeter/internal/kernel"
	testingclock "k8s.io/utils/clock/testing"
)

// recordingSink keeps every Result it receives
type recordingSink struct {
	mu      sync.Mutex
	results []*Result
	err     error
	closed  int
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordingSink) last() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return nil
	}
	return s.results[len(s.results)-1]
}

func (s *recordingSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sampleFor(r *Result, id uint32) (Sample, bool) {
	for _, s := range r.Samples {
		if s.ID == id {
			return s, true
		}
	}
	return Sample{}, false
}

func newTestMonitor(t *testing.T, src kernel.Source, opts ...OptionFn) (*BPFMonitor, *testingclock.FakeClock, *recordingSink) {
	t.Helper()
	fakeClock := testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	opts = append([]OptionFn{
		WithLogger(discardLogger()),
		WithClock(fakeClock),
		WithInterval(30 * time.Second),
		WithSinks(sink),
	}, opts...)
	return NewBPFMonitor(src, opts...), fakeClock, sink
}

func TestNewBPFMonitor(t *testing.T) {
	pm := NewBPFMonitor(kernel.NewFake())
	assert.Equal(t, "monitor", pm.Name())
	assert.Equal(t, 30*time.Second, pm.interval)
	assert.True(t, pm.cpu)
	assert.True(t, pm.mapSize)
	assert.Empty(t, pm.sinks)
}

func TestBPFMonitor_Init(t *testing.T) {
	t.Run("enables statistics", func(t *testing.T) {
		src := kernel.NewFake()
		src.AddProgram(7, "xdp_drop", 0, 0)
		pm, _, _ := newTestMonitor(t, src)

		require.NoError(t, pm.Init())
		assert.True(t, src.StatsEnabled())
		assert.Contains(t, pm.programs, uint32(7))

		require.NoError(t, pm.Shutdown())
		assert.False(t, src.StatsEnabled())
	})

	t.Run("statistics not needed without cpu sampling", func(t *testing.T) {
		src := kernel.NewFake()
		src.FailEnableStats(kernel.ErrKernelUnsupported)
		pm, _, _ := newTestMonitor(t, src, WithCPUUsage(false))
		assert.NoError(t, pm.Init())
	})

	t.Run("unsupported kernel", func(t *testing.T) {
		src := kernel.NewFake()
		src.FailEnableStats(kernel.ErrKernelUnsupported)
		pm, _, _ := newTestMonitor(t, src)
		err := pm.Init()
		assert.ErrorIs(t, err, kernel.ErrKernelUnsupported)
	})

	t.Run("permission denied", func(t *testing.T) {
		src := kernel.NewFake()
		src.FailListing(kernel.ErrPermissionDenied)
		pm, _, _ := newTestMonitor(t, src)
		err := pm.Init()
		assert.ErrorIs(t, err, kernel.ErrPermissionDenied)
		assert.False(t, src.StatsEnabled(), "statistics are released when init fails")
	})

	t.Run("allow-list matches nothing", func(t *testing.T) {
		src := kernel.NewFake()
		src.AddProgram(9, "tc", 0, 0)
		pm, _, _ := newTestMonitor(t, src, WithPrograms(7))
		assert.ErrorIs(t, pm.Init(), ErrNoTargets)
	})

	t.Run("invalid interval", func(t *testing.T) {
		pm, _, _ := newTestMonitor(t, kernel.NewFake(), WithInterval(0))
		assert.Error(t, pm.Init())
	})

	t.Run("invalid map interval", func(t *testing.T) {
		pm, _, _ := newTestMonitor(t, kernel.NewFake(), WithMapInterval(-time.Second))
		assert.ErrorContains(t, pm.Init(), "invalid map size interval")
	})
}

func TestBPFMonitor_Collect(t *testing.T) {
	ctx := context.Background()
	src := kernel.NewFake()
	src.AddProgram(7, "xdp_drop", 10*time.Millisecond, 1000)
	pm, fakeClock, sink := newTestMonitor(t, src)
	require.NoError(t, pm.Init())

	// first observation only records a baseline
	pm.collect(ctx, fakeClock.Now())
	first := sink.last()
	require.NotNil(t, first)
	assert.Equal(t, uint64(1), first.Tick)
	assert.Empty(t, first.Samples)

	fakeClock.Step(30 * time.Second)
	src.SetProgramStats(7, 40*time.Millisecond, 1800)
	pm.collect(ctx, fakeClock.Now())

	s, ok := sampleFor(sink.last(), 7)
	require.True(t, ok)
	assert.Equal(t, "xdp_drop", s.Name)
	assert.InDelta(t, 0.001, s.CPUUsage, 1e-12)
	assert.InDelta(t, 0.04, s.RunTime.Seconds(), 1e-12)
	assert.Equal(t, uint64(1800), s.RunCount)

	t.Run("reset", func(t *testing.T) {
		fakeClock.Step(30 * time.Second)
		src.SetProgramStats(7, 500*time.Microsecond, 10)
		pm.collect(ctx, fakeClock.Now())

		s, ok := sampleFor(sink.last(), 7)
		require.True(t, ok)
		assert.True(t, s.Reset)
		assert.Zero(t, s.CPUUsage)
		assert.Equal(t, baseline{name: "xdp_drop", runTime: 500 * time.Microsecond, runCount: 10, observedAt: fakeClock.Now()}, *pm.programs[7])
	})

	t.Run("transient failure keeps baseline", func(t *testing.T) {
		before := *pm.programs[7]
		src.FailProgram(7, errors.New("EAGAIN"))
		fakeClock.Step(30 * time.Second)
		pm.collect(ctx, fakeClock.Now())

		_, ok := sampleFor(sink.last(), 7)
		assert.False(t, ok)
		assert.Equal(t, before, *pm.programs[7])

		// the next sample spans both intervals
		src.FailProgram(7, nil)
		src.SetProgramStats(7, 60500*time.Microsecond, 20)
		fakeClock.Step(30 * time.Second)
		pm.collect(ctx, fakeClock.Now())

		s, ok := sampleFor(sink.last(), 7)
		require.True(t, ok)
		assert.Equal(t, 60*time.Second, s.Interval)
		assert.InDelta(t, 0.001, s.CPUUsage, 1e-12)
	})

	t.Run("eviction", func(t *testing.T) {
		src.RemoveProgram(7)
		fakeClock.Step(30 * time.Second)
		pm.collect(ctx, fakeClock.Now())

		r := sink.last()
		assert.Equal(t, []uint32{7}, r.EvictedPrograms)
		assert.Empty(t, r.Samples)
		assert.NotContains(t, pm.programs, uint32(7))

		// not reported again
		fakeClock.Step(30 * time.Second)
		pm.collect(ctx, fakeClock.Now())
		assert.Empty(t, sink.last().EvictedPrograms)
	})
}

func TestBPFMonitor_NotFoundBetweenListAndRead(t *testing.T) {
	ctx := context.Background()
	src := kernel.NewFake()
	src.AddProgram(7, "xdp_drop", 0, 0)
	pm, fakeClock, sink := newTestMonitor(t, src, WithDiscoveryInterval(time.Hour))
	require.NoError(t, pm.Init())
	pm.collect(ctx, fakeClock.Now())

	// discovery is not due; the read itself reports the program gone
	src.RemoveProgram(7)
	fakeClock.Step(30 * time.Second)
	pm.collect(ctx, fakeClock.Now())
	assert.Equal(t, []uint32{7}, sink.last().EvictedPrograms)
}

func TestBPFMonitor_AllowList(t *testing.T) {
	ctx := context.Background()
	src := kernel.NewFake()
	src.AddProgram(7, "xdp_drop", 0, 0)
	src.AddProgram(9, "tc", 0, 0)
	pm, fakeClock, sink := newTestMonitor(t, src, WithPrograms(7))
	require.NoError(t, pm.Init())

	for range 3 {
		src.SetProgramStats(7, time.Duration(fakeClock.Now().Unix()), 1)
		src.SetProgramStats(9, time.Duration(fakeClock.Now().Unix()), 1)
		pm.collect(ctx, fakeClock.Now())
		fakeClock.Step(30 * time.Second)
	}

	for _, r := range sink.results {
		for _, s := range r.Samples {
			assert.Equal(t, uint32(7), s.ID)
		}
	}
}

func TestBPFMonitor_NewProgramsJoin(t *testing.T) {
	ctx := context.Background()
	src := kernel.NewFake()
	src.AddProgram(7, "xdp_drop", 0, 0)
	pm, fakeClock, sink := newTestMonitor(t, src)
	require.NoError(t, pm.Init())
	pm.collect(ctx, fakeClock.Now())

	src.AddProgram(12, "late", 0, 0)
	fakeClock.Step(30 * time.Second)
	pm.collect(ctx, fakeClock.Now())
	_, ok := sampleFor(sink.last(), 12)
	assert.False(t, ok, "first observation of a new program is a baseline")

	src.SetProgramStats(12, time.Second, 1)
	fakeClock.Step(30 * time.Second)
	pm.collect(ctx, fakeClock.Now())
	_, ok = sampleFor(sink.last(), 12)
	assert.True(t, ok)
}

func TestBPFMonitor_Maps(t *testing.T) {
	ctx := context.Background()
	src := kernel.NewFake()
	src.AddMap(kernel.MapInfo{ID: 1, Name: "conn", Type: kernel.MapTypeHash, MaxEntries: 100}, 5)
	src.AddMap(kernel.MapInfo{ID: 2, Name: "ring", Type: kernel.MapTypeOther, MaxEntries: 100}, 5)
	pm, fakeClock, sink := newTestMonitor(t, src, WithCPUUsage(false))
	require.NoError(t, pm.Init())

	pm.collect(ctx, fakeClock.Now())
	r := sink.last()
	require.Len(t, r.MapSizes, 1)
	assert.Equal(t, MapSize{ID: 1, Name: "conn", Type: kernel.MapTypeHash, MaxEntries: 100, Size: 5}, r.MapSizes[0])
	assert.Empty(t, r.Samples)

	src.SetMapSize(1, 42)
	src.FailMapSize(1, errors.New("EINTR"))
	fakeClock.Step(30 * time.Second)
	pm.collect(ctx, fakeClock.Now())
	assert.Empty(t, sink.last().MapSizes)

	src.FailMapSize(1, nil)
	fakeClock.Step(30 * time.Second)
	pm.collect(ctx, fakeClock.Now())
	require.Len(t, sink.last().MapSizes, 1)
	assert.Equal(t, uint32(42), sink.last().MapSizes[0].Size)

	src.RemoveMap(1)
	fakeClock.Step(30 * time.Second)
	pm.collect(ctx, fakeClock.Now())
	assert.Equal(t, []uint32{1}, sink.last().EvictedMaps)
}

func TestBPFMonitor_DiscoveryFailureKeepsTargets(t *testing.T) {
	ctx := context.Background()
	src := kernel.NewFake()
	src.AddProgram(7, "xdp_drop", 0, 0)
	pm, fakeClock, sink := newTestMonitor(t, src)
	require.NoError(t, pm.Init())
	pm.collect(ctx, fakeClock.Now())

	src.FailListing(errors.New("EBUSY"))
	src.SetProgramStats(7, time.Second, 10)
	fakeClock.Step(30 * time.Second)
	pm.collect(ctx, fakeClock.Now())

	_, ok := sampleFor(sink.last(), 7)
	assert.True(t, ok)
	assert.Empty(t, sink.last().EvictedPrograms)
}

func TestBPFMonitor_FatalDiscoveryFailure(t *testing.T) {
	ctx := context.Background()
	src := kernel.NewFake()
	src.AddProgram(7, "xdp_drop", 0, 0)
	pm, fakeClock, _ := newTestMonitor(t, src)
	require.NoError(t, pm.Init())
	require.NoError(t, pm.collect(ctx, fakeClock.Now()))

	src.FailListing(fmt.Errorf("list programs: %w", kernel.ErrPermissionDenied))
	fakeClock.Step(30 * time.Second)
	err := pm.collect(ctx, fakeClock.Now())
	assert.ErrorIs(t, err, kernel.ErrPermissionDenied)

	src.FailListing(errors.New("EBUSY"))
	fakeClock.Step(30 * time.Second)
	assert.NoError(t, pm.collect(ctx, fakeClock.Now()), "transient listing failures keep the monitor running")
}

func TestBPFMonitor_RunStopsOnFatalDiscoveryFailure(t *testing.T) {
	src := kernel.NewFake()
	src.AddProgram(7, "xdp_drop", 0, 0)
	pm, fakeClock, sink := newTestMonitor(t, src)
	require.NoError(t, pm.Init())

	done := make(chan error, 1)
	go func() { done <- pm.Run(context.Background()) }()

	assert.Eventually(t, func() bool {
		return sink.last() != nil && fakeClock.HasWaiters()
	}, time.Second, 5*time.Millisecond)

	src.FailListing(kernel.ErrKernelUnsupported)
	fakeClock.Step(30 * time.Second)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, kernel.ErrKernelUnsupported)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor kept running without a usable kernel")
	}
	assert.Equal(t, 1, sink.closeCount())
}

func TestBPFMonitor_UnreadableMapKeepsBeingSampled(t *testing.T) {
	ctx := context.Background()
	src := kernel.NewFake()
	src.AddMap(kernel.MapInfo{ID: 21, Name: "ct", Type: kernel.MapTypeHash, MaxEntries: 10}, 3)
	pm, fakeClock, sink := newTestMonitor(t, src, WithCPUUsage(false), WithMaps(21))
	require.NoError(t, pm.Init())

	pm.collect(ctx, fakeClock.Now())
	require.Len(t, sink.last().MapSizes, 1)

	src.FailMapInfo(21, errors.New("EAGAIN"))
	fakeClock.Step(30 * time.Second)
	pm.collect(ctx, fakeClock.Now())
	assert.Empty(t, sink.last().EvictedMaps)
	require.Len(t, sink.last().MapSizes, 1, "the size is still readable")

	src.FailMapInfo(21, nil)
	src.SetMapSize(21, 7)
	fakeClock.Step(30 * time.Second)
	pm.collect(ctx, fakeClock.Now())
	require.Len(t, sink.last().MapSizes, 1)
	assert.Equal(t, MapSize{ID: 21, Name: "ct", Type: kernel.MapTypeHash, MaxEntries: 10, Size: 7}, sink.last().MapSizes[0])
}

func TestBPFMonitor_MapInterval(t *testing.T) {
	t.Run("maps less often than programs", func(t *testing.T) {
		ctx := context.Background()
		src := kernel.NewFake()
		src.AddProgram(7, "xdp_drop", 0, 0)
		src.AddMap(kernel.MapInfo{ID: 1, Name: "conn", Type: kernel.MapTypeHash, MaxEntries: 100}, 5)
		pm, fakeClock, sink := newTestMonitor(t, src, WithMapInterval(90*time.Second))
		require.NoError(t, pm.Init())
		assert.Equal(t, 30*time.Second, pm.period)

		var mapTicks []uint64
		for i := range 7 {
			src.SetProgramStats(7, time.Duration(i)*time.Millisecond, uint64(i))
			pm.collect(ctx, fakeClock.Now())
			if len(sink.last().MapSizes) > 0 {
				mapTicks = append(mapTicks, sink.last().Tick)
			}
			if i > 0 {
				_, ok := sampleFor(sink.last(), 7)
				assert.True(t, ok, "programs are sampled on every tick")
			}
			fakeClock.Step(30 * time.Second)
		}
		assert.Equal(t, []uint64{1, 4, 7}, mapTicks)
	})

	t.Run("maps more often than programs", func(t *testing.T) {
		ctx := context.Background()
		src := kernel.NewFake()
		src.AddProgram(7, "xdp_drop", 0, 0)
		src.AddMap(kernel.MapInfo{ID: 1, Name: "conn", Type: kernel.MapTypeHash, MaxEntries: 100}, 5)
		pm, fakeClock, sink := newTestMonitor(t, src,
			WithInterval(time.Minute), WithMapInterval(30*time.Second))
		require.NoError(t, pm.Init())
		assert.Equal(t, 30*time.Second, pm.period)

		for range 3 {
			pm.collect(ctx, fakeClock.Now())
			assert.Len(t, sink.last().MapSizes, 1, "maps are measured on every tick")
			fakeClock.Step(30 * time.Second)
		}

		// baseline on tick 1, nothing on tick 2, a one minute sample on tick 3
		require.Len(t, sink.results, 3)
		assert.Empty(t, sink.results[1].Samples)
		s, ok := sampleFor(sink.results[2], 7)
		require.True(t, ok)
		assert.Equal(t, time.Minute, s.Interval)
	})

	t.Run("map only monitor ticks at the map interval", func(t *testing.T) {
		pm, _, _ := newTestMonitor(t, kernel.NewFake(), WithCPUUsage(false), WithMapInterval(time.Minute))
		assert.Equal(t, time.Minute, pm.period)
		assert.Equal(t, uint64(1), pm.mapEvery)
	})

	t.Run("defaults to the sampling interval", func(t *testing.T) {
		pm, _, _ := newTestMonitor(t, kernel.NewFake())
		assert.Equal(t, 30*time.Second, pm.mapInterval)
		assert.Equal(t, uint64(1), pm.cpuEvery)
		assert.Equal(t, uint64(1), pm.mapEvery)
	})
}

func TestTicksPer(t *testing.T) {
	assert.Equal(t, uint64(1), ticksPer(30*time.Second, 30*time.Second))
	assert.Equal(t, uint64(3), ticksPer(90*time.Second, 30*time.Second))
	assert.Equal(t, uint64(2), ticksPer(50*time.Second, 30*time.Second), "rounded to the nearest tick")
	assert.Equal(t, uint64(1), ticksPer(time.Second, 30*time.Second))
}

func TestBPFMonitor_FailingSink(t *testing.T) {
	src := kernel.NewFake()
	src.AddProgram(7, "xdp_drop", 0, 0)
	broken := &recordingSink{err: errors.New("disk full")}
	healthy := &recordingSink{}
	pm := NewBPFMonitor(src,
		WithLogger(discardLogger()),
		WithClock(testingclock.NewFakeClock(time.Now())),
		WithSinks(broken, healthy),
	)
	require.NoError(t, pm.Init())

	pm.collect(context.Background(), time.Now())
	assert.NotNil(t, broken.last())
	assert.NotNil(t, healthy.last())
}

func TestBPFMonitor_Run(t *testing.T) {
	t.Run("stops after max ticks", func(t *testing.T) {
		src := kernel.NewFake()
		src.AddProgram(7, "xdp_drop", 0, 0)
		pm, fakeClock, sink := newTestMonitor(t, src, WithMaxTicks(2))
		require.NoError(t, pm.Init())

		done := make(chan error, 1)
		go func() { done <- pm.Run(context.Background()) }()

		assert.Eventually(t, func() bool {
			return sink.last() != nil && fakeClock.HasWaiters()
		}, time.Second, 5*time.Millisecond)

		src.SetProgramStats(7, time.Second, 1)
		fakeClock.Step(30 * time.Second)

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("monitor did not stop after the tick limit")
		}

		assert.Equal(t, uint64(2), sink.last().Tick)
		_, ok := sampleFor(sink.last(), 7)
		assert.True(t, ok)
		assert.Equal(t, 1, sink.closeCount())
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		pm, fakeClock, sink := newTestMonitor(t, kernel.NewFake())
		require.NoError(t, pm.Init())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- pm.Run(ctx) }()

		assert.Eventually(t, func() bool {
			return sink.last() != nil && fakeClock.HasWaiters()
		}, time.Second, 5*time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("monitor did not stop on cancellation")
		}
		assert.Equal(t, 1, sink.closeCount())
	})
}
