// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/exporter-toolkit/web"
	"github.com/sustainable-computing-io/bpfmeter/config"
	"github.com/sustainable-computing-io/bpfmeter/internal/service"
	"github.com/sustainable-computing-io/bpfmeter/internal/version"
)

// APIService is the HTTP server other services register their endpoints on
type APIService interface {
	service.Service
	Register(endpoint, summary, description string, handler http.Handler) error
}

const shutdownTimeout = 5 * time.Second

type endpoint struct {
	path, summary, description string
}

// APIServer serves registered endpoints and a landing page listing them
type APIServer struct {
	logger    *slog.Logger
	server    *http.Server
	mux       *http.ServeMux
	webConfig *web.FlagConfig

	mu        sync.Mutex
	endpoints []endpoint
}

var (
	_ APIService          = (*APIServer)(nil)
	_ service.Initializer = (*APIServer)(nil)
	_ service.Runner      = (*APIServer)(nil)
	_ service.Shutdowner  = (*APIServer)(nil)
)

type Opts struct {
	logger        *slog.Logger
	listenAddrs   []string
	webConfigFile string
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the APIServer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListen sets the listen addresses and the exporter-toolkit web config
// file (TLS, basic auth); an empty path serves plain HTTP
func WithListen(addrs []string, webConfigFile string) OptionFn {
	return func(o *Opts) {
		o.listenAddrs = addrs
		o.webConfigFile = webConfigFile
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:      slog.Default(),
		listenAddrs: []string{config.DefaultPort},
	}
}

// NewAPIServer creates a new APIServer
func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	return &APIServer{
		logger: opts.logger.With("service", "api-server"),
		mux:    mux,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		webConfig: &web.FlagConfig{
			WebListenAddresses: &opts.listenAddrs,
			WebConfigFile:      &opts.webConfigFile,
		},
	}
}

func (s *APIServer) Name() string {
	return "api-server"
}

func (s *APIServer) Init() error {
	if len(*s.webConfig.WebListenAddresses) == 0 {
		return errors.New("no listen address configured")
	}
	s.mux.HandleFunc("/{$}", s.landingPage)
	return nil
}

func (s *APIServer) landingPage(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	items := make([]string, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		items = append(items, fmt.Sprintf(`<li><a href="%s">%s</a> %s</li>`,
			html.EscapeString(e.path), html.EscapeString(e.summary), html.EscapeString(e.description)))
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err := fmt.Fprintf(w, `<html>
<head><title>bpfmeter</title></head>
<body>
<h1>bpfmeter %s</h1>
<p>eBPF program CPU usage and map size exporter</p>
<ul>
%s
</ul>
</body>
</html>
`, html.EscapeString(version.Info().Version), strings.Join(items, "\n"))
	if err != nil {
		s.logger.Error("failed to write landing page", "error", err)
	}
}

// Run serves until ctx is done or the listener fails. A bind failure is
// returned so the run group stops.
func (s *APIServer) Run(ctx context.Context) error {
	s.logger.Info("Listening", "addresses", *s.webConfig.WebListenAddresses)
	errCh := make(chan error, 1)
	go func() {
		errCh <- web.ListenAndServe(s.server, s.webConfig, s.logger)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("API server stopped", "error", err)
		return err
	}
}

// Shutdown drains in-flight requests, bounded by shutdownTimeout
func (s *APIServer) Shutdown() error {
	s.logger.Info("Shutting down API server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *APIServer) Register(path, summary, description string, handler http.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.endpoints {
		if e.path == path {
			return fmt.Errorf("endpoint %s already registered", path)
		}
	}

	s.logger.Debug("Endpoint registered", "endpoint", path)
	s.mux.Handle(path, handler)
	s.endpoints = append(s.endpoints, endpoint{path, summary, description})
	return nil
}
