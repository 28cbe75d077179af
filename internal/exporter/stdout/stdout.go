// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/sustainable-computing-io/bpfmeter/internal/monitor"
	"github.com/sustainable-computing-io/bpfmeter/internal/service"
)

type (
	Initializer      = service.Initializer
	Runner           = service.Runner
	Shutdowner       = service.Shutdowner
	SnapshotProvider = monitor.SnapshotProvider
)

// Exporter prints the latest snapshot to a terminal
type Exporter struct {
	logger   *slog.Logger
	provider SnapshotProvider
	out      io.WriteCloser
	ticker   *time.Ticker
	interval time.Duration
}

var (
	_ Initializer = (*Exporter)(nil)
	_ Runner      = (*Exporter)(nil)
	_ Shutdowner  = (*Exporter)(nil)
)

type Opts struct {
	logger   *slog.Logger
	out      io.WriteCloser
	interval time.Duration
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		out:      os.Stdout,
		interval: 30 * time.Second,
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

func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

// WithInterval sets how often the table is printed; use the sampling interval
func WithInterval(interval time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = interval
	}
}

func NewExporter(p SnapshotProvider, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:   opts.logger.With("service", "stdout"),
		provider: p,
		out:      opts.out,
		interval: opts.interval,
	}
}

func (e *Exporter) Init() error {
	if e.interval <= 0 {
		return fmt.Errorf("invalid print interval %s", e.interval)
	}
	e.ticker = time.NewTicker(e.interval)
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	defer e.ticker.Stop()

	for {
		select {
		case <-e.ticker.C:
			snapshot, err := e.provider.Snapshot()
			if errors.Is(err, monitor.ErrNoData) {
				e.logger.Debug("Nothing to print yet")
				continue
			} else if err != nil {
				e.logger.Error("Failed to read snapshot", "error", err)
				continue
			}
			write(e.out, snapshot)
		case <-ctx.Done():
			e.logger.Info("Exiting ticker")
			return nil
		}
	}
}

func write(out io.Writer, snapshot *monitor.Snapshot) {
	if len(snapshot.Programs) > 0 {
		writePrograms(out, snapshot.Programs)
	}
	if len(snapshot.Maps) > 0 {
		writeMaps(out, snapshot.Maps)
	}
}

func writePrograms(out io.Writer, programs monitor.Programs) {
	ids := slices.Sorted(maps.Keys(programs))
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		s := programs[id]
		rows = append(rows, []string{
			strconv.FormatUint(uint64(id), 10),
			s.Name,
			strconv.FormatFloat(s.CPUUsage*100, 'f', 4, 64) + "%",
			strconv.FormatFloat(s.RunTime.Seconds(), 'f', 6, 64),
			strconv.FormatUint(s.RunCount, 10),
		})
	}
	render(out, []string{"ID", "Program", "CPU", "Run Time(s)", "Run Count"}, rows)
}

func writeMaps(out io.Writer, sizes monitor.Maps) {
	ids := slices.Sorted(maps.Keys(sizes))
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		m := sizes[id]
		rows = append(rows, []string{
			strconv.FormatUint(uint64(id), 10),
			m.Name,
			strconv.FormatUint(uint64(m.Size), 10),
			strconv.FormatUint(uint64(m.MaxEntries), 10),
		})
	}
	render(out, []string{"ID", "Map", "Size", "Max Entries"}, rows)
}

func render(out io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header(header)
	_ = table.Bulk(rows)
	_ = table.Render()
}

func (e *Exporter) Shutdown() error {
	if e.out == os.Stdout {
		return nil
	}
	return e.out.Close()
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "stdout"
}
