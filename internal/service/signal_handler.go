// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

// SignalHandler is a Runner that returns when one of its signals arrives,
// which stops the run group
type SignalHandler struct {
	logger  *slog.Logger
	signals []os.Signal
}

var _ Runner = (*SignalHandler)(nil)

func NewSignalHandler(logger *slog.Logger, signals ...os.Signal) *SignalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalHandler{
		logger:  logger.With("service", "signal-handler"),
		signals: signals,
	}
}

func (sh *SignalHandler) Name() string {
	return "signal-handler"
}

func (sh *SignalHandler) Run(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, sh.signals...)
	defer signal.Stop(c)

	sh.logger.Info("Waiting for signals", "signals", sh.signals)
	select {
	case sig := <-c:
		sh.logger.Info("Received signal, stopping", "signal", sig)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
