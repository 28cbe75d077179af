// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sustainable-computing-io/bpfmeter/internal/monitor"
	"github.com/sustainable-computing-io/bpfmeter/internal/service"
	"k8s.io/utils/clock"
)

// Probe serves /probe/readyz and /probe/livez from the published snapshot.
// Ready once the first tick was published. Live unless the latest snapshot
// is older than staleAfter, which means the sampler stopped ticking.
type Probe struct {
	api        APIService
	provider   monitor.SnapshotProvider
	clock      clock.PassiveClock
	staleAfter time.Duration
}

var _ service.Initializer = (*Probe)(nil)

type ProbeOptionFn func(*Probe)

// WithStaleAfter sets how old the latest snapshot may get before livez
// fails; zero disables the check
func WithStaleAfter(d time.Duration) ProbeOptionFn {
	return func(p *Probe) {
		p.staleAfter = d
	}
}

func WithProbeClock(c clock.PassiveClock) ProbeOptionFn {
	return func(p *Probe) {
		p.clock = c
	}
}

func NewProbe(api APIService, provider monitor.SnapshotProvider, applyOpts ...ProbeOptionFn) *Probe {
	p := &Probe{
		api:      api,
		provider: provider,
		clock:    clock.RealClock{},
	}
	for _, apply := range applyOpts {
		apply(p)
	}
	return p
}

func (p *Probe) Name() string {
	return "probe"
}

func (p *Probe) Init() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /probe/readyz", p.readyz)
	mux.HandleFunc("GET /probe/livez", p.livez)
	return p.api.Register("/probe/", "probe", "Readiness and liveness", mux)
}

type probeResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Tick   uint64 `json:"tick,omitempty"`
}

func (p *Probe) readyz(w http.ResponseWriter, _ *http.Request) {
	snapshot, err := p.provider.Snapshot()
	if err != nil {
		respond(w, http.StatusServiceUnavailable, probeResponse{Status: "not ready", Reason: err.Error()})
		return
	}
	respond(w, http.StatusOK, probeResponse{Status: "ok", Tick: snapshot.Tick})
}

func (p *Probe) livez(w http.ResponseWriter, _ *http.Request) {
	snapshot, err := p.provider.Snapshot()
	if err != nil {
		// still waiting for the first tick
		respond(w, http.StatusOK, probeResponse{Status: "alive"})
		return
	}

	if p.staleAfter > 0 {
		if age := p.clock.Since(snapshot.Timestamp); age > p.staleAfter {
			respond(w, http.StatusServiceUnavailable, probeResponse{
				Status: "not alive",
				Reason: "no sample published for " + age.Truncate(time.Second).String(),
				Tick:   snapshot.Tick,
			})
			return
		}
	}
	respond(w, http.StatusOK, probeResponse{Status: "alive", Tick: snapshot.Tick})
}

func respond(w http.ResponseWriter, code int, body probeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
