// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/bpfmeter/config"
	"github.com/sustainable-computing-io/bpfmeter/internal/monitor"
)

const ebpfNS = "ebpf"

// these labels should remain the same across all descriptors to ease querying;
// all of them carry config.ReservedLabelPrefix
const (
	idLabel         = "ebpf_id"
	nameLabel       = "ebpf_name"
	mapIDLabel      = "ebpf_map_id"
	mapNameLabel    = "ebpf_map_name"
	mapMaxSizeLabel = "ebpf_map_max_size"
)

type SnapshotProvider = monitor.SnapshotProvider

// BPFCollector exports the latest snapshot of program and map samples.
// Every Collect reads a single snapshot so that a scrape never mixes ticks.
type BPFCollector struct {
	provider     SnapshotProvider
	logger       *slog.Logger
	metricsLevel config.Level

	mutex sync.RWMutex
	ready bool

	cpuUsageDesc   *prometheus.Desc
	runTimeDesc    *prometheus.Desc
	eventCountDesc *prometheus.Desc
	mapSizeDesc    *prometheus.Desc
}

var _ prometheus.Collector = (*BPFCollector)(nil)

// NewBPFCollector creates a collector for the enabled metric families. The
// static labels are attached to every series.
func NewBPFCollector(provider SnapshotProvider, logger *slog.Logger, metricsLevel config.Level, static map[string]string) *BPFCollector {
	programLabels := []string{idLabel, nameLabel}
	constLabels := prometheus.Labels(static)

	c := &BPFCollector{
		provider:     provider,
		logger:       logger.With("collector", "bpf"),
		metricsLevel: metricsLevel,

		cpuUsageDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ebpfNS, "", "cpu_usage"),
			"Fraction of one CPU spent running the eBPF program during the last sampling interval",
			programLabels, constLabels),
		runTimeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ebpfNS, "", "run_time"),
			"Cumulative time spent running the eBPF program in seconds",
			programLabels, constLabels),
		eventCountDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ebpfNS, "", "event_count"),
			"Cumulative number of eBPF program executions",
			programLabels, constLabels),
		mapSizeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ebpfNS, "", "map_size"),
			"Number of entries in the eBPF map",
			[]string{mapIDLabel, mapNameLabel, mapMaxSizeLabel}, constLabels),
	}

	go c.waitForData()
	return c
}

// waitForData marks the collector ready once the first snapshot is published
func (c *BPFCollector) waitForData() {
	<-c.provider.DataChannel()
	c.mutex.Lock()
	c.ready = true
	c.mutex.Unlock()
	c.logger.Debug("first snapshot received; collector is ready")
}

func (c *BPFCollector) isReady() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.ready
}

// Describe implements the prometheus.Collector interface
func (c *BPFCollector) Describe(ch chan<- *prometheus.Desc) {
	if c.metricsLevel.IsCPUUsageEnabled() {
		ch <- c.cpuUsageDesc
	}
	if c.metricsLevel.IsRunTimeEnabled() {
		ch <- c.runTimeDesc
	}
	if c.metricsLevel.IsEventCountEnabled() {
		ch <- c.eventCountDesc
	}
	if c.metricsLevel.IsMapSizeEnabled() {
		ch <- c.mapSizeDesc
	}
}

// Collect implements the prometheus.Collector interface
func (c *BPFCollector) Collect(ch chan<- prometheus.Metric) {
	if !c.isReady() {
		c.logger.Debug("Collect called before data is ready")
		return
	}

	snapshot, err := c.provider.Snapshot()
	if err != nil {
		c.logger.Error("Failed to get snapshot", "error", err)
		return
	}

	for id, p := range snapshot.Programs {
		programID := strconv.FormatUint(uint64(id), 10)
		if c.metricsLevel.IsCPUUsageEnabled() {
			ch <- prometheus.MustNewConstMetric(c.cpuUsageDesc, prometheus.GaugeValue,
				p.CPUUsage, programID, p.Name)
		}
		if c.metricsLevel.IsRunTimeEnabled() {
			ch <- prometheus.MustNewConstMetric(c.runTimeDesc, prometheus.GaugeValue,
				p.RunTime.Seconds(), programID, p.Name)
		}
		if c.metricsLevel.IsEventCountEnabled() {
			ch <- prometheus.MustNewConstMetric(c.eventCountDesc, prometheus.GaugeValue,
				float64(p.RunCount), programID, p.Name)
		}
	}

	if !c.metricsLevel.IsMapSizeEnabled() {
		return
	}
	for id, m := range snapshot.Maps {
		ch <- prometheus.MustNewConstMetric(c.mapSizeDesc, prometheus.GaugeValue,
			float64(m.Size),
			strconv.FormatUint(uint64(id), 10),
			m.Name,
			strconv.FormatUint(uint64(m.MaxEntries), 10),
		)
	}
}
