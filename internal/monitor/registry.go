// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/sustainable-computing-io/bpfmeter/internal/kernel"
)

// ErrNoTargets is returned when an explicit allow-list matches nothing loaded
var ErrNoTargets = errors.New("none of the requested ids are loaded")

// Targets is the working set resolved by one discovery
type Targets struct {
	Programs []uint32
	Maps     []kernel.MapInfo

	// UnreadableMaps are listed maps whose info could not be read for a
	// reason other than the map being gone
	UnreadableMaps []uint32
}

// idSet is an allow-list; nil means every id is allowed
type idSet map[uint32]struct{}

func newIDSet(ids []uint32) idSet {
	if len(ids) == 0 {
		return nil
	}
	s := make(idSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s idSet) allows(id uint32) bool {
	if s == nil {
		return true
	}
	_, ok := s[id]
	return ok
}

// Registry resolves the selection policy into the set of programs and maps
// to sample.
//
// With an explicit allow-list the set is narrowed on the first discovery to
// the requested ids that are loaded at that moment and only ever shrinks
// afterwards. Without one, every discovery admits newly loaded objects.
type Registry struct {
	logger *slog.Logger
	source kernel.Source

	programs idSet
	maps     idSet
	resolved bool

	trackPrograms bool
	trackMaps     bool
}

// Selection is the user's choice of what to sample. Empty id lists select
// everything.
type Selection struct {
	Programs      []uint32
	Maps          []uint32
	TrackPrograms bool
	TrackMaps     bool
}

// NewRegistry creates a registry for the given selection
func NewRegistry(logger *slog.Logger, src kernel.Source, sel Selection) *Registry {
	return &Registry{
		logger:        logger,
		source:        src,
		programs:      newIDSet(sel.Programs),
		maps:          newIDSet(sel.Maps),
		trackPrograms: sel.TrackPrograms,
		trackMaps:     sel.TrackMaps,
	}
}

// Discover lists the loaded objects and returns the current working set.
func (r *Registry) Discover(ctx context.Context) (*Targets, error) {
	var (
		loaded []uint32
		err    error
	)
	targets := &Targets{}

	if r.trackPrograms {
		if loaded, err = r.source.ProgramIDs(ctx); err != nil {
			return nil, err
		}
		for _, id := range loaded {
			if r.programs.allows(id) {
				targets.Programs = append(targets.Programs, id)
			}
		}
	}

	if r.trackMaps {
		if err = r.discoverMaps(ctx, targets); err != nil {
			return nil, err
		}
	}

	if !r.resolved {
		if err := r.resolve(loaded, targets); err != nil {
			return nil, err
		}
		r.resolved = true
	}
	return targets, nil
}

// resolve freezes explicit allow-lists to the ids loaded at startup
func (r *Registry) resolve(loaded []uint32, targets *Targets) error {
	if r.programs != nil && r.trackPrograms {
		for id := range r.programs {
			if !slices.Contains(loaded, id) {
				r.logger.Warn("requested program is not loaded", "program", id)
				delete(r.programs, id)
			}
		}
		if len(r.programs) == 0 {
			return fmt.Errorf("programs: %w", ErrNoTargets)
		}
	}

	if r.maps != nil && r.trackMaps {
		found := make(idSet, len(targets.Maps))
		for _, m := range targets.Maps {
			found[m.ID] = struct{}{}
		}
		for _, id := range targets.UnreadableMaps {
			found[id] = struct{}{}
		}
		for id := range r.maps {
			if _, ok := found[id]; !ok {
				r.logger.Warn("requested map is not loaded or not countable", "map", id)
				delete(r.maps, id)
			}
		}
		if len(r.maps) == 0 {
			return fmt.Errorf("maps: %w", ErrNoTargets)
		}
	}
	return nil
}

func (r *Registry) discoverMaps(ctx context.Context, targets *Targets) error {
	ids, err := r.source.MapIDs(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if !r.maps.allows(id) {
			continue
		}
		info, err := r.source.MapInfo(ctx, id)
		switch {
		case errors.Is(err, kernel.ErrNotFound):
			continue
		case err != nil:
			r.logger.Warn("failed to read map info", "map", id, "error", err)
			targets.UnreadableMaps = append(targets.UnreadableMaps, id)
			continue
		}
		if !info.Type.Countable() {
			r.logger.Debug("map type is not countable; skipping", "map", id, "name", info.Name, "type", info.Type)
			continue
		}
		targets.Maps = append(targets.Maps, info)
	}
	return nil
}

// ForgetProgram removes an evicted program from an explicit allow-list so a
// recycled id is never picked up again
func (r *Registry) ForgetProgram(id uint32) {
	if r.programs != nil {
		delete(r.programs, id)
	}
}

// ForgetMap is ForgetProgram for maps
func (r *Registry) ForgetMap(id uint32) {
	if r.maps != nil {
		delete(r.maps, id)
	}
}
