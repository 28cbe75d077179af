// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/bpfmeter/internal/monitor"
	testingclock "k8s.io/utils/clock/testing"
)

// muxRegistry is an APIService that mounts handlers on a plain mux
type muxRegistry struct {
	mux *http.ServeMux
}

func (m *muxRegistry) Name() string { return "mux" }

func (m *muxRegistry) Register(endpoint, _, _ string, handler http.Handler) error {
	if m.mux == nil {
		m.mux = http.NewServeMux()
	}
	m.mux.Handle(endpoint, handler)
	return nil
}

func get(t *testing.T, h http.Handler, method, path string) (int, probeResponse) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))

	var body probeResponse
	if rr.Code != http.StatusMethodNotAllowed {
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	}
	return rr.Code, body
}

func TestProbe(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	fakeClock := testingclock.NewFakePassiveClock(start)
	store := monitor.NewStore()
	api := &muxRegistry{}

	probe := NewProbe(api, store, WithStaleAfter(time.Minute), WithProbeClock(fakeClock))
	assert.Equal(t, "probe", probe.Name())
	require.NoError(t, probe.Init())

	t.Run("before the first tick", func(t *testing.T) {
		code, body := get(t, api.mux, http.MethodGet, "/probe/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not ready", body.Status)
		assert.Equal(t, monitor.ErrNoData.Error(), body.Reason)

		code, body = get(t, api.mux, http.MethodGet, "/probe/livez")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "alive", body.Status)
	})

	require.NoError(t, store.Publish(&monitor.Result{Tick: 3, Timestamp: start}))

	t.Run("after a tick", func(t *testing.T) {
		code, body := get(t, api.mux, http.MethodGet, "/probe/readyz")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, probeResponse{Status: "ok", Tick: 3}, body)

		fakeClock.SetTime(start.Add(30 * time.Second))
		code, _ = get(t, api.mux, http.MethodGet, "/probe/livez")
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("sampler stalled", func(t *testing.T) {
		fakeClock.SetTime(start.Add(5 * time.Minute))
		code, body := get(t, api.mux, http.MethodGet, "/probe/livez")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not alive", body.Status)
		assert.Equal(t, "no sample published for 5m0s", body.Reason)

		// readiness does not depend on age
		code, _ = get(t, api.mux, http.MethodGet, "/probe/readyz")
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("only GET", func(t *testing.T) {
		code, _ := get(t, api.mux, http.MethodPost, "/probe/readyz")
		assert.Equal(t, http.StatusMethodNotAllowed, code)
	})
}

func TestProbe_StaleCheckDisabled(t *testing.T) {
	fakeClock := testingclock.NewFakePassiveClock(time.Now())
	store := monitor.NewStore()
	require.NoError(t, store.Publish(&monitor.Result{Tick: 1, Timestamp: fakeClock.Now()}))

	api := &muxRegistry{}
	require.NoError(t, NewProbe(api, store, WithProbeClock(fakeClock)).Init())

	fakeClock.SetTime(fakeClock.Now().Add(24 * time.Hour))
	code, _ := get(t, api.mux, http.MethodGet, "/probe/livez")
	assert.Equal(t, http.StatusOK, code)
}
