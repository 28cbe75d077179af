// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sustainable-computing-io/bpfmeter/config"
	"github.com/sustainable-computing-io/bpfmeter/internal/exporter/csv"
	"github.com/sustainable-computing-io/bpfmeter/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/bpfmeter/internal/exporter/stdout"
	"github.com/sustainable-computing-io/bpfmeter/internal/kernel"
	"github.com/sustainable-computing-io/bpfmeter/internal/logger"
	"github.com/sustainable-computing-io/bpfmeter/internal/monitor"
	"github.com/sustainable-computing-io/bpfmeter/internal/server"
	"github.com/sustainable-computing-io/bpfmeter/internal/service"
	"github.com/sustainable-computing-io/bpfmeter/internal/version"
	"k8s.io/utils/ptr"
)

func main() {
	cfg, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}

	logger := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logVersionInfo(logger)
	printConfigInfo(logger, cfg)

	services, err := createServices(logger, cfg)
	if err != nil {
		logger.Error("Failed to create services", "error", err)
		os.Exit(1)
	}
	services = append(services, service.NewSignalHandler(logger, os.Interrupt, syscall.SIGTERM))

	if err := start(context.Background(), logger, services); err != nil {
		os.Exit(1)
	}
	logger.Info("Graceful shutdown completed")
}

// start initializes and then runs services until one of them stops
func start(ctx context.Context, logger *slog.Logger, services []service.Service) error {
	if err := service.Init(logger, services); err != nil {
		logger.Error("Startup failed", "error", err)
		return err
	}

	logger.Info("Starting bpfmeter")
	if err := service.Run(ctx, logger, services); err != nil {
		logger.Error("bpfmeter terminated with an error", "error", err)
		return err
	}
	return nil
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Info("bpfmeter version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "bpfmeter"
	app := kingpin.New(appName, "CPU usage and map size exporter for eBPF programs.")

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)
	app.Version(version.Info().Version)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if *configFile != "" {
		logger.Info("Loading configuration file", "path", *configFile)
		loadedCfg, err := config.FromFile(*configFile)
		if err != nil {
			logger.Error("Error loading config file", "error", err.Error())
			return nil, err
		}
		cfg = loadedCfg
	}

	// command line flags override config file settings
	if err := updateConfig(cfg); err != nil {
		logger.Error("Error applying command line flags", "error", err.Error())
		return nil, err
	}
	return cfg, nil
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config) {
	if !logger.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Fprintf(os.Stderr, `
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

func kernelSource(logger *slog.Logger, cfg *config.Config) kernel.Source {
	if ptr.Deref(cfg.Dev.FakeKernel.Enabled, false) {
		logger.Warn("Using a simulated kernel; values are not real")
		return kernel.NewFake(
			kernel.WithFakeLogger(logger),
			kernel.WithFakeDemoObjects(),
			kernel.WithFakeActivity(),
		)
	}
	return kernel.NewSource(kernel.WithLogger(logger))
}

// createServices builds the enabled services. Sinks are resolved here once;
// the monitor publishes to exactly this set for its whole life.
func createServices(logger *slog.Logger, cfg *config.Config) ([]service.Service, error) {
	logger.Debug("Creating all services")

	var (
		services []service.Service
		sinks    []monitor.Sink
		store    *monitor.Store
	)

	if cfg.CSVEnabled() {
		csvExporter := csv.NewExporter(cfg.Output.Dir,
			csv.WithLogger(logger),
			csv.WithPeriod(cfg.Monitor.Interval),
			csv.WithMapPeriod(cfg.Monitor.MapInterval()),
		)
		services = append(services, csvExporter)
		sinks = append(sinks, csvExporter)
	}

	stdoutEnabled := ptr.Deref(cfg.Exporter.Stdout.Enabled, false)
	if cfg.ServesHTTP() || stdoutEnabled {
		store = monitor.NewStore()
		sinks = append(sinks, store)
	}

	if len(sinks) == 0 {
		return nil, fmt.Errorf("no output enabled")
	}

	pm := monitor.NewBPFMonitor(kernelSource(logger, cfg),
		monitor.WithLogger(logger),
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.WithMapInterval(cfg.Monitor.MapInterval()),
		monitor.WithDiscoveryInterval(cfg.Monitor.DiscoveryInterval),
		monitor.WithMaxTicks(cfg.Monitor.MaxTicks),
		monitor.WithPrograms(cfg.Monitor.Programs...),
		monitor.WithMaps(cfg.Monitor.Maps...),
		monitor.WithCPUUsage(ptr.Deref(cfg.Monitor.CPU.Enabled, true)),
		monitor.WithMapSize(ptr.Deref(cfg.Monitor.MapSize.Enabled, true)),
		monitor.WithSinks(sinks...),
	)
	services = append(services, pm)

	if cfg.ServesHTTP() {
		apiServer := server.NewAPIServer(
			server.WithLogger(logger),
			server.WithListen(cfg.Web.ListenAddresses, cfg.Web.Config),
		)
		services = append(services, apiServer,
			server.NewProbe(apiServer, store, server.WithStaleAfter(3*max(cfg.Monitor.Interval, cfg.Monitor.MapInterval()))),
		)

		if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
			collectors := prometheus.CreateCollectors(store,
				prometheus.WithLogger(logger),
				prometheus.WithMetricsLevel(cfg.Exporter.Prometheus.MetricsLevel),
				prometheus.WithStaticLabels(cfg.Exporter.Prometheus.Labels),
			)
			services = append(services, prometheus.NewExporter(apiServer,
				prometheus.WithLogger(logger),
				prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
				prometheus.WithCollectors(collectors),
			))
		}

		if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
			services = append(services, server.NewPprof(apiServer))
		}
	}

	if stdoutEnabled {
		services = append(services, stdout.NewExporter(store,
			stdout.WithLogger(logger),
			stdout.WithInterval(cfg.Monitor.Interval),
		))
	}

	return services, nil
}
