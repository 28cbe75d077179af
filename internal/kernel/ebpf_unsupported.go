// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package kernel

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

var errNotLinux = errors.New("BPF is only available on linux")

type unsupportedSource struct {
	logger *slog.Logger
}

type Option func(*unsupportedSource)

func WithLogger(logger *slog.Logger) Option {
	return func(s *unsupportedSource) {
		s.logger = logger
	}
}

// NewSource returns a Source whose every call fails with ErrKernelUnsupported
func NewSource(opts ...Option) Source {
	s := &unsupportedSource{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *unsupportedSource) ProgramIDs(context.Context) ([]uint32, error) {
	return nil, wrap("list programs", ErrKernelUnsupported, errNotLinux)
}

func (s *unsupportedSource) MapIDs(context.Context) ([]uint32, error) {
	return nil, wrap("list maps", ErrKernelUnsupported, errNotLinux)
}

func (s *unsupportedSource) ProgramStats(_ context.Context, id uint32) (ProgramStats, error) {
	return ProgramStats{}, programError(id, ErrKernelUnsupported, errNotLinux)
}

func (s *unsupportedSource) MapInfo(_ context.Context, id uint32) (MapInfo, error) {
	return MapInfo{}, mapError(id, ErrKernelUnsupported, errNotLinux)
}

func (s *unsupportedSource) MapSize(_ context.Context, id uint32) (uint32, error) {
	return 0, mapError(id, ErrKernelUnsupported, errNotLinux)
}

func (s *unsupportedSource) EnableStats() (io.Closer, error) {
	return nil, wrap("enable run time statistics", ErrKernelUnsupported, errNotLinux)
}
