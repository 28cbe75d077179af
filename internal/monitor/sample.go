// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"time"

	"github.com/sustainable-computing-io/bpfmeter/internal/kernel"
)

// baseline is the last observation of a tracked program
type baseline struct {
	name       string
	runTime    time.Duration
	runCount   uint64
	observedAt time.Time
}

func newBaseline(stats kernel.ProgramStats, now time.Time) baseline {
	return baseline{
		name:       stats.Name,
		runTime:    stats.RunTime,
		runCount:   stats.RunCount,
		observedAt: now,
	}
}

// nextSample derives the sample for the interval between prev and cur and
// returns the baseline to use for the following tick.
//
// A counter lower than its baseline means the ID now refers to a different
// program instance; such a sample carries zero usage and is marked Reset.
func nextSample(prev baseline, cur kernel.ProgramStats, now time.Time) (Sample, baseline) {
	s := Sample{
		ID:       cur.ID,
		Name:     cur.Name,
		RunTime:  cur.RunTime,
		RunCount: cur.RunCount,
		Interval: now.Sub(prev.observedAt),
	}
	next := newBaseline(cur, now)

	if cur.RunTime < prev.runTime || cur.RunCount < prev.runCount {
		s.Reset = true
		return s, next
	}

	s.RunTimeDelta = cur.RunTime - prev.runTime
	s.RunCountDelta = cur.RunCount - prev.runCount
	if s.Interval > 0 {
		s.CPUUsage = float64(s.RunTimeDelta) / float64(s.Interval)
	}
	return s, next
}
