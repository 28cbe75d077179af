// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/sustainable-computing-io/bpfmeter/internal/kernel"
	"github.com/sustainable-computing-io/bpfmeter/internal/service"
	"k8s.io/utils/clock"
)

// BPFMonitor periodically samples the run time counters of eBPF programs and
// the sizes of eBPF maps, and hands each tick's Result to its sinks
type BPFMonitor struct {
	logger   *slog.Logger
	source   kernel.Source
	registry *Registry
	clock    clock.WithTicker

	interval          time.Duration
	mapInterval       time.Duration
	discoveryInterval time.Duration
	maxTicks          uint64
	cpu               bool
	mapSize           bool

	sinks []Sink

	// ticks run every period; CPU and map measurements every cpuEvery and
	// mapEvery ticks
	period   time.Duration
	cpuEvery uint64
	mapEvery uint64

	// releases kernel run time accounting
	stats io.Closer

	// owned by the sampling goroutine once Run starts
	tick          uint64
	lastDiscovery time.Time
	programs      map[uint32]*baseline // nil baseline: not observed yet
	maps          map[uint32]kernel.MapInfo
}

var (
	_ service.Initializer = (*BPFMonitor)(nil)
	_ service.Runner      = (*BPFMonitor)(nil)
	_ service.Shutdowner  = (*BPFMonitor)(nil)
)

// NewBPFMonitor creates a new BPFMonitor reading from src
func NewBPFMonitor(src kernel.Source, applyOpts ...OptionFn) *BPFMonitor {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	logger := opts.logger.With("service", "monitor")
	if opts.mapInterval == 0 {
		opts.mapInterval = opts.interval
	}
	pm := &BPFMonitor{
		logger: logger,
		source: src,
		registry: NewRegistry(logger, src, Selection{
			Programs:      opts.programs,
			Maps:          opts.maps,
			TrackPrograms: opts.cpu,
			TrackMaps:     opts.mapSize,
		}),
		clock:             opts.clock,
		interval:          opts.interval,
		mapInterval:       opts.mapInterval,
		discoveryInterval: opts.discoveryInterval,
		maxTicks:          opts.maxTicks,
		cpu:               opts.cpu,
		mapSize:           opts.mapSize,
		sinks:             opts.sinks,
		programs:          map[uint32]*baseline{},
		maps:              map[uint32]kernel.MapInfo{},
	}
	pm.schedule()
	return pm
}

// schedule derives the tick period from the enabled measurements. The
// longer period is rounded to a whole number of ticks.
func (pm *BPFMonitor) schedule() {
	switch {
	case pm.cpu && pm.mapSize:
		pm.period = min(pm.interval, pm.mapInterval)
	case pm.mapSize:
		pm.period = pm.mapInterval
	default:
		pm.period = pm.interval
	}
	pm.cpuEvery = ticksPer(pm.interval, pm.period)
	pm.mapEvery = ticksPer(pm.mapInterval, pm.period)
}

func ticksPer(d, period time.Duration) uint64 {
	if period <= 0 {
		return 1
	}
	return max(1, uint64((d+period/2)/period))
}

// due reports whether a measurement taken every n ticks runs on this tick
func (pm *BPFMonitor) due(n uint64) bool {
	return (pm.tick-1)%n == 0
}

func (pm *BPFMonitor) Name() string {
	return "monitor"
}

// Init enables kernel statistics and resolves the initial working set. Any
// failure here means the agent cannot do its job.
func (pm *BPFMonitor) Init() error {
	if pm.interval <= 0 {
		return fmt.Errorf("invalid sampling interval %s", pm.interval)
	}
	if pm.mapInterval <= 0 {
		return fmt.Errorf("invalid map size interval %s", pm.mapInterval)
	}
	if pm.cpu && pm.mapSize && max(pm.interval, pm.mapInterval)%pm.period != 0 {
		pm.logger.Warn("Intervals are not multiples of each other; rounding",
			"cpu", time.Duration(pm.cpuEvery)*pm.period,
			"maps", time.Duration(pm.mapEvery)*pm.period)
	}

	if pm.cpu {
		stats, err := pm.source.EnableStats()
		if err != nil {
			return err
		}
		pm.stats = stats
	}

	targets, err := pm.registry.Discover(context.Background())
	if err != nil {
		pm.releaseStats()
		return fmt.Errorf("discovery failed: %w", err)
	}
	pm.lastDiscovery = pm.clock.Now()
	pm.applyTargets(targets, nil)

	pm.logger.Info("Resolved targets", "programs", len(pm.programs), "maps", len(pm.maps))
	return nil
}

func (pm *BPFMonitor) Run(ctx context.Context) error {
	pm.logger.Info("Monitor is running",
		"interval", pm.interval, "map-interval", pm.mapInterval, "sinks", len(pm.sinks))
	defer pm.closeSinks()

	ticker := pm.clock.NewTicker(pm.period)
	defer ticker.Stop()

	for {
		started := pm.clock.Now()
		if err := pm.collect(ctx, started); err != nil {
			return err
		}

		if pm.maxTicks > 0 && pm.tick >= pm.maxTicks {
			pm.logger.Info("Reached the tick limit", "ticks", pm.tick)
			return nil
		}

		// a tick that outlasts the period leaves a pending tick behind
		if elapsed := pm.clock.Since(started); elapsed >= pm.period {
			select {
			case <-ticker.C():
				pm.logger.Warn("Collection overran the sampling period; skipping a tick",
					"duration", elapsed, "interval", pm.period)
			default:
			}
		}

		select {
		case <-ctx.Done():
			pm.logger.Info("Monitor has terminated")
			return nil
		case <-ticker.C():
		}
	}
}

func (pm *BPFMonitor) Shutdown() error {
	pm.logger.Info("shutting down monitor")
	pm.releaseStats()
	return nil
}

func (pm *BPFMonitor) releaseStats() {
	if pm.stats == nil {
		return
	}
	if err := pm.stats.Close(); err != nil {
		pm.logger.Warn("failed to disable run time statistics", "error", err)
	}
	pm.stats = nil
}

// collect runs one tick; every sample of the tick is taken against now. It
// fails only when the kernel can no longer serve the monitor at all.
func (pm *BPFMonitor) collect(ctx context.Context, now time.Time) error {
	pm.tick++
	result := &Result{Tick: pm.tick, Timestamp: now}

	if pm.discoveryDue(now) {
		if err := pm.rediscover(ctx, now, result); err != nil {
			return err
		}
	}
	if pm.cpu && pm.due(pm.cpuEvery) {
		pm.samplePrograms(ctx, now, result)
	}
	if pm.mapSize && pm.due(pm.mapEvery) {
		pm.sampleMaps(ctx, result)
	}
	pm.publish(result)

	pm.logger.Debug("Collected",
		"tick", result.Tick,
		"samples", len(result.Samples),
		"maps", len(result.MapSizes),
		"evicted", len(result.EvictedPrograms)+len(result.EvictedMaps),
		"duration", pm.clock.Since(now),
	)
	return nil
}

func (pm *BPFMonitor) discoveryDue(now time.Time) bool {
	// Init discovered right before the first tick
	if pm.tick == 1 {
		return false
	}
	return now.Sub(pm.lastDiscovery) >= pm.discoveryInterval
}

func (pm *BPFMonitor) rediscover(ctx context.Context, now time.Time, result *Result) error {
	targets, err := pm.registry.Discover(ctx)
	switch {
	case kernel.IsFatal(err):
		return fmt.Errorf("discovery failed: %w", err)
	case err != nil:
		pm.logger.Warn("Discovery failed; keeping previous targets", "error", err)
		return nil
	}
	pm.lastDiscovery = now
	pm.applyTargets(targets, result)
	return nil
}

// applyTargets makes the working set match targets, evicting whatever is no
// longer listed
func (pm *BPFMonitor) applyTargets(targets *Targets, result *Result) {
	listed := make(map[uint32]struct{}, len(targets.Programs))
	for _, id := range targets.Programs {
		listed[id] = struct{}{}
		if _, ok := pm.programs[id]; !ok {
			pm.programs[id] = nil
			pm.logger.Debug("Tracking program", "program", id)
		}
	}
	for id := range pm.programs {
		if _, ok := listed[id]; !ok {
			pm.evictProgram(id, result, "unloaded")
		}
	}

	listedMaps := make(map[uint32]struct{}, len(targets.Maps))
	for _, info := range targets.Maps {
		listedMaps[info.ID] = struct{}{}
		if _, ok := pm.maps[info.ID]; !ok {
			pm.logger.Debug("Tracking map", "map", info.ID, "name", info.Name, "type", info.Type)
		}
		pm.maps[info.ID] = info
	}
	// still loaded but unreadable this time; keep the last known info
	for _, id := range targets.UnreadableMaps {
		if _, ok := pm.maps[id]; ok {
			listedMaps[id] = struct{}{}
		}
	}
	for id := range pm.maps {
		if _, ok := listedMaps[id]; !ok {
			pm.evictMap(id, result, "unloaded")
		}
	}
}

func (pm *BPFMonitor) samplePrograms(ctx context.Context, now time.Time, result *Result) {
	for _, id := range slices.Sorted(maps.Keys(pm.programs)) {
		stats, err := pm.source.ProgramStats(ctx, id)
		switch {
		case errors.Is(err, kernel.ErrNotFound):
			pm.evictProgram(id, result, "not found")
			continue
		case err != nil:
			pm.logger.Warn("Failed to read program statistics", "program", id, "error", err)
			continue
		}

		prev := pm.programs[id]
		if prev == nil {
			base := newBaseline(stats, now)
			pm.programs[id] = &base
			continue
		}

		sample, next := nextSample(*prev, stats, now)
		*prev = next
		if sample.Reset {
			pm.logger.Info("Program counters went backwards; rebasing", "program", id, "name", stats.Name)
		}
		result.Samples = append(result.Samples, sample)
	}
}

func (pm *BPFMonitor) sampleMaps(ctx context.Context, result *Result) {
	for _, id := range slices.Sorted(maps.Keys(pm.maps)) {
		size, err := pm.source.MapSize(ctx, id)
		switch {
		case errors.Is(err, kernel.ErrNotFound):
			pm.evictMap(id, result, "not found")
			continue
		case err != nil:
			pm.logger.Warn("Failed to count map entries", "map", id, "error", err)
			continue
		}

		info := pm.maps[id]
		result.MapSizes = append(result.MapSizes, MapSize{
			ID:         id,
			Name:       info.Name,
			Type:       info.Type,
			MaxEntries: info.MaxEntries,
			Size:       size,
		})
	}
}

func (pm *BPFMonitor) evictProgram(id uint32, result *Result, reason string) {
	delete(pm.programs, id)
	pm.registry.ForgetProgram(id)
	if result != nil {
		result.EvictedPrograms = append(result.EvictedPrograms, id)
	}
	pm.logger.Info("Stopped tracking program", "program", id, "reason", reason)
}

func (pm *BPFMonitor) evictMap(id uint32, result *Result, reason string) {
	delete(pm.maps, id)
	pm.registry.ForgetMap(id)
	if result != nil {
		result.EvictedMaps = append(result.EvictedMaps, id)
	}
	pm.logger.Info("Stopped tracking map", "map", id, "reason", reason)
}

func (pm *BPFMonitor) publish(result *Result) {
	for _, sink := range pm.sinks {
		if err := sink.Publish(result); err != nil {
			pm.logger.Warn("Sink failed to publish", "sink", sink.Name(), "tick", result.Tick, "error", err)
		}
	}
}

func (pm *BPFMonitor) closeSinks() {
	for _, sink := range pm.sinks {
		closer, ok := sink.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			pm.logger.Warn("Failed to close sink", "sink", sink.Name(), "error", err)
		}
	}
}
