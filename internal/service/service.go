// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package service defines the lifecycle shared by every component of the
// agent: optional Init at startup, a blocking Run and a Shutdown on exit.
package service

import "context"

// Service is anything with a name that takes part in the lifecycle
type Service interface {
	Name() string
}

// Initializer is a Service that must be prepared before anything runs.
// A failing Init aborts startup.
type Initializer interface {
	Service
	Init() error
}

// Runner is a Service with a background loop
type Runner interface {
	Service
	// Run blocks until ctx is done or the service stops on its own
	Run(ctx context.Context) error
}

// Shutdowner is a Service holding resources that must be released
type Shutdowner interface {
	Service
	Shutdown() error
}
