// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// journal records lifecycle calls across services in call order
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type named struct {
	name string
}

func (n named) Name() string { return n.name }

// lifecycle implements Initializer, Runner and Shutdowner
type lifecycle struct {
	named
	journal  *journal
	initErr  error
	runFn    func(ctx context.Context) error
	shutdown error
}

func (l *lifecycle) Init() error {
	l.journal.add("init " + l.name)
	return l.initErr
}

func (l *lifecycle) Run(ctx context.Context) error {
	l.journal.add("run " + l.name)
	if l.runFn != nil {
		return l.runFn(ctx)
	}
	<-ctx.Done()
	return nil
}

func (l *lifecycle) Shutdown() error {
	l.journal.add("shutdown " + l.name)
	return l.shutdown
}

// initOnly implements only Initializer
type initOnly struct {
	named
	journal *journal
	err     error
}

func (i *initOnly) Init() error {
	i.journal.add("init " + i.name)
	return i.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
