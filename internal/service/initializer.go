// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
)

// Init initializes services in order. When one fails, the services already
// initialized are shut down in reverse order and the failure is returned.
func Init(logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	done := make([]Service, 0, len(services))
	for _, s := range services {
		initializer, ok := s.(Initializer)
		if !ok {
			logger.Debug("Nothing to initialize", "service", s.Name())
			continue
		}

		logger.Info("Initializing service", "service", s.Name())
		if err := initializer.Init(); err != nil {
			logger.Error("Service failed to initialize", "service", s.Name(), "error", err)
			rollback(logger, done)
			return fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
		}
		done = append(done, s)
	}
	return nil
}

func rollback(logger *slog.Logger, initialized []Service) {
	for _, s := range slices.Backward(initialized) {
		sd, ok := s.(Shutdowner)
		if !ok {
			continue
		}
		logger.Info("Rolling back service", "service", s.Name())
		if err := sd.Shutdown(); err != nil {
			logger.Error("Failed to shutdown service", "service", s.Name(), "error", err)
		}
	}
}
