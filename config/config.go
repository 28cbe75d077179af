// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	Toggle struct {
		Enabled *bool `yaml:"enabled"`
	}

	MapSizeMonitor struct {
		Enabled *bool `yaml:"enabled"`

		// Interval is how often map sizes are measured; 0 follows
		// Monitor.Interval
		Interval time.Duration `yaml:"interval"`
	}

	Monitor struct {
		Interval time.Duration `yaml:"interval"` // CPU sampling period

		// DiscoveryInterval is how often loaded programs and maps are listed
		// again; 0 lists them on every tick
		DiscoveryInterval time.Duration `yaml:"discovery-interval"`

		// Programs and Maps are allow-lists of kernel IDs; empty tracks all
		Programs []uint32 `yaml:"programs"`
		Maps     []uint32 `yaml:"maps"`

		CPU     Toggle         `yaml:"cpu"`
		MapSize MapSizeMonitor `yaml:"map-size"`

		// MaxTicks stops sampling after that many ticks; 0 runs until stopped
		MaxTicks uint64 `yaml:"max-ticks"`
	}

	Output struct {
		// Dir enables the CSV sink when set
		Dir string `yaml:"dir"`
	}

	PrometheusExporter struct {
		Enabled         *bool             `yaml:"enabled"`
		DebugCollectors []string          `yaml:"debugCollectors"`
		MetricsLevel    Level             `yaml:"metrics"`
		Labels          map[string]string `yaml:"labels"`
	}

	Exporter struct {
		Stdout     Toggle             `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	Debug struct {
		Pprof Toggle `yaml:"pprof"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		// FakeKernel replaces the kernel with a simulated set of programs
		// and maps, for running without privileges
		FakeKernel Toggle `yaml:"fake-kernel"`
	}

	Config struct {
		Log      Log      `yaml:"log"`
		Monitor  Monitor  `yaml:"monitor"`
		Output   Output   `yaml:"output"`
		Exporter Exporter `yaml:"exporter"`
		Web      Web      `yaml:"web"`
		Debug    Debug    `yaml:"debug"`
		Dev      Dev      `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

// MetricsLevelValue is a custom kingpin.Value that parses metrics levels directly into metrics.Level
type MetricsLevelValue struct {
	level *Level
	set   bool
}

// NewMetricsLevelValue creates a new MetricsLevelValue with the given target
func NewMetricsLevelValue(target *Level) *MetricsLevelValue {
	return &MetricsLevelValue{level: target}
}

// Set implements kingpin.Value; repeated flags accumulate, replacing the default
func (m *MetricsLevelValue) Set(value string) error {
	level, err := ParseLevel(strings.Split(value, ","))
	if err != nil {
		return err
	}
	if !m.set {
		*m.level = 0
		m.set = true
	}
	*m.level |= level
	return nil
}

func (m *MetricsLevelValue) String() string {
	return m.level.String()
}

// IsCumulative implements kingpin.Value interface to support multiple values
func (m *MetricsLevelValue) IsCumulative() bool {
	return true
}

const (
	DefaultPort = ":9100"

	// ReservedLabelPrefix starts every label set by the exporter itself
	ReservedLabelPrefix = "ebpf_"
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	MonitorIntervalFlag          = "monitor.interval"
	MonitorDiscoveryIntervalFlag = "monitor.discovery-interval"
	MonitorProgramFlag           = "monitor.program"
	MonitorMapFlag               = "monitor.map"
	MonitorCPUFlag               = "monitor.cpu"
	MonitorMapSizeFlag           = "monitor.map-size"
	MonitorMapSizeIntervalFlag   = "monitor.map-size.interval"
	MonitorMaxTicksFlag          = "monitor.max-ticks"

	OutputDirFlag = "output.dir"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterStdoutEnabledFlag = "exporter.stdout"

	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	ExporterPrometheusLabelFlag   = "exporter.prometheus.label"
	ExporterPrometheusMetricsFlag = "metrics"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"

	// WARN:  dev settings shouldn't be exposed as flags as flags are intended for end users
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Monitor: Monitor{
			Interval: 30 * time.Second,
			CPU:      Toggle{Enabled: ptr.To(true)},
			MapSize:  MapSizeMonitor{Enabled: ptr.To(true)},
		},
		Exporter: Exporter{
			Stdout: Toggle{Enabled: ptr.To(false)},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
				MetricsLevel:    MetricsLevelAll,
			},
		},
		Debug: Debug{
			Pprof: Toggle{Enabled: ptr.To(false)},
		},
		Web: Web{
			ListenAddresses: []string{DefaultPort},
		},
	}

	cfg.Dev.FakeKernel.Enabled = ptr.To(false)
	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := (&Builder{}).Use(DefaultConfig()).Merge(string(data)).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}
		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	// monitor
	interval := app.Flag(MonitorIntervalFlag, "Sampling period").Default("30s").Duration()
	discoveryInterval := app.Flag(MonitorDiscoveryIntervalFlag,
		"How often loaded programs and maps are listed again; 0 on every tick").Default("0s").Duration()
	programs := app.Flag(MonitorProgramFlag, "eBPF program ID to track; repeat for more, default all").Uint32List()
	maps := app.Flag(MonitorMapFlag, "eBPF map ID to track; repeat for more, default all").Uint32List()
	cpu := app.Flag(MonitorCPUFlag, "Measure CPU usage of eBPF programs").Default("true").Bool()
	mapSize := app.Flag(MonitorMapSizeFlag, "Measure the number of entries of eBPF hash maps").Default("true").Bool()
	mapInterval := app.Flag(MonitorMapSizeIntervalFlag,
		"Map size measurement period; 0 uses "+MonitorIntervalFlag).Default("0s").Duration()
	maxTicks := app.Flag(MonitorMaxTicksFlag, "Stop after this many samples; 0 to run until stopped").Default("0").Uint64()

	outputDir := app.Flag(OutputDirFlag, "Directory for CSV files; empty disables CSV output").Default("").String()

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(DefaultPort).Strings()

	// exporters
	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout exporter").Default("false").Bool()
	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()
	labels := app.Flag(ExporterPrometheusLabelFlag, "Static label attached to every series, as key=value; repeatable").StringMap()

	metricsLevel := MetricsLevelAll
	app.Flag(ExporterPrometheusMetricsFlag, "Metric families to export ("+strings.Join(ValidLevels(), ",")+")").
		SetValue(NewMetricsLevelValue(&metricsLevel))

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		// monitor settings
		if flagsSet[MonitorIntervalFlag] {
			cfg.Monitor.Interval = *interval
		}
		if flagsSet[MonitorDiscoveryIntervalFlag] {
			cfg.Monitor.DiscoveryInterval = *discoveryInterval
		}
		if flagsSet[MonitorProgramFlag] {
			cfg.Monitor.Programs = *programs
		}
		if flagsSet[MonitorMapFlag] {
			cfg.Monitor.Maps = *maps
		}
		if flagsSet[MonitorCPUFlag] {
			cfg.Monitor.CPU.Enabled = cpu
		}
		if flagsSet[MonitorMapSizeFlag] {
			cfg.Monitor.MapSize.Enabled = mapSize
		}
		if flagsSet[MonitorMapSizeIntervalFlag] {
			cfg.Monitor.MapSize.Interval = *mapInterval
		}
		if flagsSet[MonitorMaxTicksFlag] {
			cfg.Monitor.MaxTicks = *maxTicks
		}

		if flagsSet[OutputDirFlag] {
			cfg.Output.Dir = *outputDir
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}
		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}
		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}
		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}
		if flagsSet[ExporterPrometheusLabelFlag] {
			cfg.Exporter.Prometheus.Labels = *labels
		}
		if flagsSet[ExporterPrometheusMetricsFlag] {
			cfg.Exporter.Prometheus.MetricsLevel = metricsLevel
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Output.Dir = strings.TrimSpace(c.Output.Dir)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}
	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
}

// CSVEnabled reports whether CSV files are written
func (c *Config) CSVEnabled() bool {
	return c.Output.Dir != ""
}

// MapInterval returns the effective map size measurement period
func (m Monitor) MapInterval() time.Duration {
	if m.MapSize.Interval == 0 {
		return m.Interval
	}
	return m.MapSize.Interval
}

// ServesHTTP reports whether any endpoint needs the API server
func (c *Config) ServesHTTP() bool {
	return ptr.Deref(c.Exporter.Prometheus.Enabled, false) || ptr.Deref(c.Debug.Pprof.Enabled, false)
}

var labelNameRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks for configuration errors
func (c *Config) Validate() error {
	var errs []string
	{ // log level
		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLogLevels[c.Log.Level] {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		if c.Log.Format != "text" && c.Log.Format != "json" {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}
	{ // Monitor
		if c.Monitor.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor interval: %s must be positive", c.Monitor.Interval))
		}
		if c.Monitor.DiscoveryInterval < 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor discovery interval: %s can't be negative", c.Monitor.DiscoveryInterval))
		}
		if c.Monitor.MapSize.Interval < 0 {
			errs = append(errs, fmt.Sprintf("invalid map size interval: %s can't be negative", c.Monitor.MapSize.Interval))
		}
		if !ptr.Deref(c.Monitor.CPU.Enabled, false) && !ptr.Deref(c.Monitor.MapSize.Enabled, false) {
			errs = append(errs, fmt.Sprintf("nothing to measure: enable %s or %s", MonitorCPUFlag, MonitorMapSizeFlag))
		}
	}
	{ // Sinks
		prom := ptr.Deref(c.Exporter.Prometheus.Enabled, false)
		if !c.CSVEnabled() && !prom && !ptr.Deref(c.Exporter.Stdout.Enabled, false) {
			errs = append(errs, fmt.Sprintf("no output: set %s or enable %s or %s",
				OutputDirFlag, ExporterPrometheusEnabledFlag, ExporterStdoutEnabledFlag))
		}
		if prom && c.Exporter.Prometheus.MetricsLevel == 0 {
			errs = append(errs, "prometheus exporter enabled without metric families")
		}
	}
	{ // Static labels
		for name := range c.Exporter.Prometheus.Labels {
			switch {
			case !labelNameRE.MatchString(name) || strings.HasPrefix(name, "__"):
				errs = append(errs, fmt.Sprintf("invalid label name %q", name))
			case strings.HasPrefix(name, ReservedLabelPrefix):
				errs = append(errs, fmt.Sprintf("label %q uses the reserved prefix %s", name, ReservedLabelPrefix))
			}
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		if c.ServesHTTP() && len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err != nil {
		// NOTE: should not happen; every field marshals
		return fmt.Sprintf("%+v", *c)
	}
	return string(bytes)
}
