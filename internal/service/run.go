// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"
	"os"

	"github.com/oklog/run"
)

// Run runs every Runner in a group. The first one to return stops the group:
// the shared context is cancelled and every service is shut down. The error
// of the first service to return is passed back.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		r, ok := s.(Runner)
		if !ok {
			logger.Debug("Nothing to run", "service", s.Name())
			continue
		}
		g.Add(execute(ctx, logger, r), interrupt(cancel, logger, s))
	}

	logger.Info("Running all services")
	return g.Run()
}

func execute(ctx context.Context, logger *slog.Logger, r Runner) func() error {
	return func() error {
		logger.Info("Running service", "service", r.Name())
		err := r.Run(ctx)
		logger.Info("Service stopped", "service", r.Name())
		return err
	}
}

func interrupt(cancel context.CancelFunc, logger *slog.Logger, s Service) func(error) {
	return func(err error) {
		cancel()
		if err != nil {
			logger.Warn("Service terminated", "service", s.Name(), "reason", err)
		}

		sd, ok := s.(Shutdowner)
		if !ok {
			return
		}
		logger.Info("Shutting down", "service", s.Name())
		if err := sd.Shutdown(); err != nil {
			logger.Warn("Service shutdown failed", "service", s.Name(), "error", err)
		}
	}
}
