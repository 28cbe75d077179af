// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package kernel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// ebpfSource reads BPF objects through the bpf(2) syscall
type ebpfSource struct {
	logger *slog.Logger
}

// Option configures the kernel source
type Option func(*ebpfSource)

// WithLogger sets the logger of the kernel source
func WithLogger(logger *slog.Logger) Option {
	return func(s *ebpfSource) {
		s.logger = logger
	}
}

// NewSource returns a Source backed by the running kernel
func NewSource(opts ...Option) Source {
	s := &ebpfSource{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("source", "ebpf")
	return s
}

func (s *ebpfSource) ProgramIDs(ctx context.Context) ([]uint32, error) {
	var ids []uint32
	var id ebpf.ProgramID
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := ebpf.ProgramGetNextID(id)
		if errors.Is(err, os.ErrNotExist) {
			return ids, nil
		}
		if err != nil {
			return nil, wrap("list programs", classifyList(err), err)
		}
		ids = append(ids, uint32(next))
		id = next
	}
}

func (s *ebpfSource) MapIDs(ctx context.Context) ([]uint32, error) {
	var ids []uint32
	var id ebpf.MapID
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := ebpf.MapGetNextID(id)
		if errors.Is(err, os.ErrNotExist) {
			return ids, nil
		}
		if err != nil {
			return nil, wrap("list maps", classifyList(err), err)
		}
		ids = append(ids, uint32(next))
		id = next
	}
}

func (s *ebpfSource) ProgramStats(_ context.Context, id uint32) (ProgramStats, error) {
	prog, err := ebpf.NewProgramFromID(ebpf.ProgramID(id))
	if err != nil {
		return ProgramStats{}, programError(id, classify(err), err)
	}
	defer prog.Close()

	info, err := prog.Info()
	if err != nil {
		return ProgramStats{}, programError(id, classify(err), err)
	}

	st, err := prog.Stats()
	if err != nil {
		return ProgramStats{}, programError(id, classify(err), err)
	}

	return ProgramStats{
		ID:       id,
		Name:     info.Name,
		RunTime:  st.Runtime,
		RunCount: st.RunCount,
	}, nil
}

func (s *ebpfSource) MapInfo(_ context.Context, id uint32) (MapInfo, error) {
	m, err := ebpf.NewMapFromID(ebpf.MapID(id))
	if err != nil {
		return MapInfo{}, mapError(id, classify(err), err)
	}
	defer m.Close()

	info, err := m.Info()
	if err != nil {
		return MapInfo{}, mapError(id, classify(err), err)
	}

	return MapInfo{
		ID:         id,
		Name:       info.Name,
		Type:       mapType(info.Type),
		MaxEntries: info.MaxEntries,
		KeySize:    info.KeySize,
	}, nil
}

func (s *ebpfSource) MapSize(ctx context.Context, id uint32) (uint32, error) {
	m, err := ebpf.NewMapFromID(ebpf.MapID(id))
	if err != nil {
		return 0, mapError(id, classify(err), err)
	}
	defer m.Close()

	keySize := m.KeySize()
	if keySize == 0 {
		return 0, nil
	}

	// keys are walked as raw bytes; a nil start key yields the first key
	var (
		count uint32
		cur   []byte
		next  = make([]byte, keySize)
	)
	for count < m.MaxEntries() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var key any
		if cur != nil {
			key = cur
		}
		err := m.NextKey(key, next)
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			break
		}
		if err != nil {
			return 0, mapError(id, classify(err), err)
		}
		count++
		if cur == nil {
			cur = make([]byte, keySize)
		}
		cur, next = next, cur
	}
	return count, nil
}

func (s *ebpfSource) EnableStats() (io.Closer, error) {
	closer, err := ebpf.EnableStats(uint32(unix.BPF_STATS_RUN_TIME))
	if err != nil {
		return nil, wrap("enable run time statistics", classify(err), err)
	}
	s.logger.Debug("BPF run time statistics enabled")
	return closer, nil
}

// classify maps syscall failures onto the package's sentinel errors, or nil
// when err matches none of them
func classify(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, unix.ENOENT):
		return ErrNotFound
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES), errors.Is(err, os.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, ebpf.ErrNotSupported), errors.Is(err, unix.ENOSYS):
		return ErrKernelUnsupported
	}
	return nil
}

// classifyList is classify for the ID iterators, which fail with EINVAL on
// kernels without BPF_*_GET_NEXT_ID
func classifyList(err error) error {
	if errors.Is(err, unix.EINVAL) {
		return ErrKernelUnsupported
	}
	return classify(err)
}

func mapType(t ebpf.MapType) MapType {
	switch t {
	case ebpf.Hash:
		return MapTypeHash
	case ebpf.PerCPUHash:
		return MapTypePerCPUHash
	case ebpf.LRUHash:
		return MapTypeLRUHash
	case ebpf.LRUCPUHash:
		return MapTypeLRUPerCPUHash
	}
	return MapTypeOther
}
