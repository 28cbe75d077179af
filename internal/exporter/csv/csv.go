// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package csv writes one CSV file per tracked program and map, one row per
// sampling tick.
package csv

import (
	stdcsv "encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/sustainable-computing-io/bpfmeter/internal/monitor"
	"github.com/sustainable-computing-io/bpfmeter/internal/service"
)

const (
	kindProgram = "prog"
	kindMap     = "map"
)

// programRow is one line of a program file
type programRow struct {
	ExactCPUUsage float64 `csv:"exact_cpu_usage"`
	RunTime       float64 `csv:"run_time"`
	RunCount      uint64  `csv:"run_count"`
}

// mapRow is one line of a map file
type mapRow struct {
	Size uint32 `csv:"size"`
}

// file is an open CSV file and its encoder
type file struct {
	path string
	f    *os.File
	w    *stdcsv.Writer
	enc  *csvutil.Encoder
}

func (f *file) flush() error {
	f.w.Flush()
	if err := f.w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", f.path, err)
	}
	return nil
}

// close flushes and closes; it must be called once
func (f *file) close() error {
	return errors.Join(f.flush(), f.f.Close())
}

// Exporter is a monitor.Sink writing CSV files under a directory. It is only
// used from the sampling goroutine.
type Exporter struct {
	logger    *slog.Logger
	dir       string
	period    time.Duration
	mapPeriod time.Duration

	programs map[uint32]*file
	maps     map[uint32]*file
}

var (
	_ service.Initializer = (*Exporter)(nil)
	_ monitor.Sink        = (*Exporter)(nil)
)

type Opts struct {
	logger    *slog.Logger
	period    time.Duration
	mapPeriod time.Duration
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		period: 30 * time.Second,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithPeriod sets the sampling period recorded in file names
func WithPeriod(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.period = d
	}
}

// WithMapPeriod sets the map size period recorded in map file names; 0
// uses the sampling period
func WithMapPeriod(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.mapPeriod = d
	}
}

// NewExporter creates a CSV exporter writing to dir
func NewExporter(dir string, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	if opts.mapPeriod == 0 {
		opts.mapPeriod = opts.period
	}

	return &Exporter{
		logger:    opts.logger.With("service", "csv"),
		dir:       dir,
		period:    opts.period,
		mapPeriod: opts.mapPeriod,
		programs:  map[uint32]*file{},
		maps:      map[uint32]*file{},
	}
}

func (e *Exporter) Name() string {
	return "csv"
}

// Init creates the output directory and checks that it is writable
func (e *Exporter) Init() error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	probe, err := os.CreateTemp(e.dir, ".bpfmeter-*")
	if err != nil {
		return fmt.Errorf("output directory %s is not writable: %w", e.dir, err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	e.logger.Info("Writing CSV files", "dir", e.dir)
	return nil
}

// Publish appends one row per sample and map size and closes the files of
// evicted entities. A failing file does not prevent writing the others.
func (e *Exporter) Publish(r *monitor.Result) error {
	var errs []error

	for _, s := range r.Samples {
		row := programRow{
			ExactCPUUsage: s.CPUUsage,
			RunTime:       s.RunTime.Seconds(),
			RunCount:      s.RunCount,
		}
		if err := e.write(e.programs, kindProgram, s.ID, s.Name, row); err != nil {
			errs = append(errs, fmt.Errorf("csv: program %d: %w", s.ID, err))
		}
	}
	for _, m := range r.MapSizes {
		if err := e.write(e.maps, kindMap, m.ID, m.Name, mapRow{Size: m.Size}); err != nil {
			errs = append(errs, fmt.Errorf("csv: map %d: %w", m.ID, err))
		}
	}

	for _, id := range r.EvictedPrograms {
		if err := e.evict(e.programs, id); err != nil {
			errs = append(errs, fmt.Errorf("csv: program %d: %w", id, err))
		}
	}
	for _, id := range r.EvictedMaps {
		if err := e.evict(e.maps, id); err != nil {
			errs = append(errs, fmt.Errorf("csv: map %d: %w", id, err))
		}
	}

	for _, files := range []map[uint32]*file{e.programs, e.maps} {
		for _, f := range files {
			if err := f.flush(); err != nil {
				errs = append(errs, fmt.Errorf("csv: %w", err))
			}
		}
	}

	return errors.Join(errs...)
}

func (e *Exporter) write(files map[uint32]*file, kind string, id uint32, name string, row any) error {
	f, ok := files[id]
	if !ok {
		var err error
		if f, err = e.open(kind, id, name, row); err != nil {
			return err
		}
		files[id] = f
	}
	if err := f.enc.Encode(row); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	return nil
}

// open opens the file of an entity for appending, writing the header only
// when the file is new
func (e *Exporter) open(kind string, id uint32, name string, row any) (*file, error) {
	period := e.period
	if kind == kindMap {
		period = e.mapPeriod
	}
	path := filepath.Join(e.dir, FileName(id, name, kind, period))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	w := stdcsv.NewWriter(f)
	enc := csvutil.NewEncoder(w)
	enc.AutoHeader = false
	if info.Size() == 0 {
		if err := enc.EncodeHeader(row); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write header %s: %w", path, err)
		}
	}

	e.logger.Debug("Opened CSV file", "path", path)
	return &file{path: path, f: f, w: w, enc: enc}, nil
}

func (e *Exporter) evict(files map[uint32]*file, id uint32) error {
	f, ok := files[id]
	if !ok {
		return nil
	}
	delete(files, id)
	e.logger.Debug("Closing CSV file", "path", f.path)
	return f.close()
}

// Close flushes and closes every open file
func (e *Exporter) Close() error {
	var errs []error
	for _, files := range []map[uint32]*file{e.programs, e.maps} {
		for id, f := range files {
			delete(files, id)
			if err := f.close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	e.logger.Info("Closed CSV files")
	return errors.Join(errs...)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// FileName returns the name of the file holding the rows of one entity,
// e.g. 7_xdp_drop_prog_30s.csv
func FileName(id uint32, name, kind string, period time.Duration) string {
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("%d_%s_%s_%s.csv", id, unsafeChars.ReplaceAllString(name, "_"), kind, period)
}
