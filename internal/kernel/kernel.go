// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package kernel reads eBPF program statistics and map contents from the
// running kernel.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrPermissionDenied is returned when the process lacks the privilege
	// to enumerate or open BPF objects (CAP_BPF / CAP_SYS_ADMIN).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrKernelUnsupported is returned when the kernel cannot provide the
	// requested facility, e.g. BPF run time statistics.
	ErrKernelUnsupported = errors.New("kernel unsupported")

	// ErrNotFound is returned when a BPF object disappeared between listing
	// and reading.
	ErrNotFound = errors.New("not found")
)

// MapType is the kernel type of a BPF map
type MapType string

const (
	MapTypeHash          MapType = "Hash"
	MapTypePerCPUHash    MapType = "PerCPUHash"
	MapTypeLRUHash       MapType = "LRUHash"
	MapTypeLRUPerCPUHash MapType = "LRUPerCPUHash"
	MapTypeOther         MapType = "Other"
)

// Countable reports whether the number of live entries of maps of this type
// can be counted by walking their keys.
func (t MapType) Countable() bool {
	switch t {
	case MapTypeHash, MapTypePerCPUHash, MapTypeLRUHash, MapTypeLRUPerCPUHash:
		return true
	}
	return false
}

// ProgramStats is a point in time reading of a program's cumulative counters
type ProgramStats struct {
	ID   uint32
	Name string

	// RunTime is the cumulative time spent executing the program since
	// statistics collection was enabled
	RunTime time.Duration

	// RunCount is the cumulative number of executions
	RunCount uint64
}

// MapInfo describes a loaded BPF map
type MapInfo struct {
	ID         uint32
	Name       string
	Type       MapType
	MaxEntries uint32
	KeySize    uint32
}

// Source is the read-only view of the kernel's BPF object tables.
// Implementations must be safe for use by a single caller at a time.
type Source interface {
	// ProgramIDs returns the IDs of all currently loaded programs
	ProgramIDs(ctx context.Context) ([]uint32, error)

	// MapIDs returns the IDs of all currently loaded maps
	MapIDs(ctx context.Context) ([]uint32, error)

	// ProgramStats returns the cumulative counters of program id
	ProgramStats(ctx context.Context, id uint32) (ProgramStats, error)

	// MapInfo returns the descriptive attributes of map id
	MapInfo(ctx context.Context, id uint32) (MapInfo, error)

	// MapSize walks the keys of map id and returns the number of live entries
	MapSize(ctx context.Context, id uint32) (uint32, error)

	// EnableStats turns on kernel run time accounting for all programs. The
	// accounting stays enabled until the returned Closer is closed.
	EnableStats() (io.Closer, error)
}

// wrap prefixes err and, when known, the sentinel kind it was classified as
func wrap(prefix string, kind, err error) error {
	if kind == nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	return fmt.Errorf("%s: %w: %w", prefix, kind, err)
}

func programError(id uint32, kind, err error) error {
	return wrap(fmt.Sprintf("program %d", id), kind, err)
}

func mapError(id uint32, kind, err error) error {
	return wrap(fmt.Sprintf("map %d", id), kind, err)
}

// IsFatal reports whether err means the kernel can never serve the agent,
// as opposed to a transient or per-object failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrKernelUnsupported)
}
