// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

var level = new(slog.LevelVar)

// New returns a logger writing to w in the given format ("json" or "text").
// Unknown formats fall back to text and unknown levels to info; both are
// rejected earlier by config validation.
func New(lvl, format string, w io.Writer) *slog.Logger {
	level.Set(ParseLevel(lvl))
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	opts.ReplaceAttr = shortSource
	return slog.New(slog.NewTextHandler(w, opts))
}

// Level returns the level of loggers created by New
func Level() slog.Level {
	return level.Level()
}

// shortSource keeps the last two directories and the file name
func shortSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	src, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	parts := strings.Split(filepath.ToSlash(src.File), "/")
	if len(parts) > 3 {
		parts = parts[len(parts)-3:]
	}
	src.File = filepath.Join(parts...)
	return a
}

func ParseLevel(lvl string) slog.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
