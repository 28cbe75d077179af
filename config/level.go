// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
)

// Level selects the exported metric families using bit patterns
type Level uint32

const (
	MetricsLevelCPUUsage   Level = 1 << iota // 1
	MetricsLevelRunTime                      // 2
	MetricsLevelEventCount                   // 4
	MetricsLevelMapSize                      // 8

	// MetricsLevelAll represents all metric families combined
	MetricsLevelAll = MetricsLevelCPUUsage | MetricsLevelRunTime | MetricsLevelEventCount | MetricsLevelMapSize
)

// levelNames is ordered the same way as the bits
var levelNames = []struct {
	level Level
	name  string
}{
	{MetricsLevelCPUUsage, "cpu-usage"},
	{MetricsLevelRunTime, "run-time"},
	{MetricsLevelEventCount, "event-count"},
	{MetricsLevelMapSize, "map-size"},
}

func (l Level) names() []string {
	var names []string
	for _, ln := range levelNames {
		if l&ln.level != 0 {
			names = append(names, ln.name)
		}
	}
	return names
}

// String returns the string representation of the level
func (l Level) String() string {
	return strings.Join(l.names(), ",")
}

// IsCPUUsageEnabled checks if ebpf_cpu_usage is exported
func (l Level) IsCPUUsageEnabled() bool {
	return l&MetricsLevelCPUUsage != 0
}

// IsRunTimeEnabled checks if ebpf_run_time is exported
func (l Level) IsRunTimeEnabled() bool {
	return l&MetricsLevelRunTime != 0
}

// IsEventCountEnabled checks if ebpf_event_count is exported
func (l Level) IsEventCountEnabled() bool {
	return l&MetricsLevelEventCount != 0
}

// IsMapSizeEnabled checks if ebpf_map_size is exported
func (l Level) IsMapSizeEnabled() bool {
	return l&MetricsLevelMapSize != 0
}

// ParseLevel parses a slice of strings into a Level
func ParseLevel(levels []string) (Level, error) {
	if len(levels) == 0 {
		return MetricsLevelAll, nil
	}

	var result Level
	for _, level := range levels {
		name := strings.ToLower(strings.TrimSpace(level))
		if name == "all" {
			result |= MetricsLevelAll
			continue
		}
		found := false
		for _, ln := range levelNames {
			if ln.name == name {
				result |= ln.level
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown metrics level: %s", level)
		}
	}

	return result, nil
}

// ValidLevels returns the list of valid metrics levels
func ValidLevels() []string {
	return MetricsLevelAll.names()
}

// MarshalYAML implements yaml.Marshaler interface
func (l Level) MarshalYAML() (any, error) {
	names := l.names()
	// Return as slice for multiple levels, single string for one level
	if len(names) == 1 {
		return names[0], nil
	}
	return names, nil
}

// UnmarshalYAML implements yaml.Unmarshaler interface
func (l *Level) UnmarshalYAML(unmarshal func(any) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		parsed, parseErr := ParseLevel([]string{single})
		if parseErr != nil {
			return parseErr
		}
		*l = parsed
		return nil
	}

	var multiple []string
	if err := unmarshal(&multiple); err == nil {
		parsed, parseErr := ParseLevel(multiple)
		if parseErr != nil {
			return parseErr
		}
		*l = parsed
		return nil
	}

	return fmt.Errorf("cannot unmarshal metrics level: must be a string or array of strings")
}
