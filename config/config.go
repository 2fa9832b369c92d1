// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sustainable-computing-io/pmcmon/internal/logger"
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		ProcFS  string `yaml:"procfs"`
		MSRPath string `yaml:"msrPath"` // per processor device path template, e.g. /dev/cpu/%d/msr
	}

	// Engine configures counter sampling and power telemetry
	Engine struct {
		// TargetInterval is the interval counter rates are normalized to
		TargetInterval time.Duration `yaml:"targetInterval"`
		// PowerDomain is the RAPL domain reported next to the package: pp0, pp1 or dram
		PowerDomain string `yaml:"powerDomain"`
		// CoreTypes maps hybrid core type tags to labels and fallback counter layouts
		CoreTypes pmu.Profiles `yaml:"coreTypes"`
	}

	Monitor struct {
		Interval  time.Duration `yaml:"interval"`  // Interval for sampling counters; 0 samples on demand only
		Staleness time.Duration `yaml:"staleness"` // Time after which a snapshot is considered stale
	}

	// Metrics selects the metric client computed every tick
	Metrics struct {
		Client string `yaml:"client"`
		// Target restricts the client events to one core type label; "all" programs every core type
		Target string `yaml:"target"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		FakePort struct {
			Enabled     *bool `yaml:"enabled"`
			Performance int   `yaml:"performance"` // simulated Performance threads
			Efficiency  int   `yaml:"efficiency"`  // simulated Efficiency threads
		} `yaml:"fake-port"`
	}
	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	// Exporter configuration
	StdoutExporter struct {
		Enabled  *bool         `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
		MetricsLevel    Level    `yaml:"metricsLevel"`
	}

	// MCPExporter serves Model Context Protocol tools on the API server
	MCPExporter struct {
		Enabled   *bool  `yaml:"enabled"`
		Path      string `yaml:"path"`
		Transport string `yaml:"transport"` // streamable or sse
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
		MCP        MCPExporter        `yaml:"mcp"`
	}

	// Debug configuration
	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	Config struct {
		Log      Log      `yaml:"log"`
		Host     Host     `yaml:"host"`
		Engine   Engine   `yaml:"engine"`
		Monitor  Monitor  `yaml:"monitor"`
		Metrics  Metrics  `yaml:"metrics"`
		Exporter Exporter `yaml:"exporter"`
		Web      Web      `yaml:"web"`
		Debug    Debug    `yaml:"debug"`
		Dev      Dev      `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

// MetricsLevelValue is a custom kingpin.Value that parses metrics levels directly into Level
type MetricsLevelValue struct {
	level *Level
}

// NewMetricsLevelValue creates a new MetricsLevelValue with the given target
func NewMetricsLevelValue(target *Level) *MetricsLevelValue {
	return &MetricsLevelValue{level: target}
}

// Set implements kingpin.Value interface - parses and accumulates metrics levels
func (m *MetricsLevelValue) Set(value string) error {
	level, err := ParseLevel([]string{value})
	if err != nil {
		return err
	}

	// the first value replaces the default
	if *m.level == MetricsLevelAll {
		*m.level = 0
	}
	*m.level |= level
	return nil
}

// String implements kingpin.Value interface
func (m *MetricsLevelValue) String() string {
	return m.level.String()
}

// IsCumulative implements kingpin.Value interface to support multiple values
func (m *MetricsLevelValue) IsCumulative() bool {
	return true
}

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	// DefaultListenAddress is the address of the API server unless configured otherwise
	DefaultListenAddress = ":28283"

	// DefaultMSRPath is the msr driver device path template
	DefaultMSRPath = "/dev/cpu/%d/msr"

	// TargetAll programs the client events on every core type
	TargetAll = "all"

	MCPTransportStreamable = "streamable"
	MCPTransportSSE        = "sse"
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostProcFSFlag  = "host.procfs"
	HostMSRPathFlag = "host.msr-path"

	EngineTargetIntervalFlag = "engine.target-interval"
	EnginePowerDomainFlag    = "engine.power-domain"
	EngineCoreTypes          = "engine.core-types" // not a flag

	MonitorIntervalFlag = "monitor.interval"
	MonitorStaleness    = "monitor.staleness" // not a flag

	MetricsClientFlag = "metrics.client"
	MetricsTargetFlag = "metrics.target"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterStdoutEnabledFlag = "exporter.stdout"
	ExporterStdoutInterval    = "exporter.stdout.interval" // not a flag

	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"
	ExporterPrometheusMetricsFlag     = "metrics"

	ExporterMCPEnabledFlag = "exporter.mcp"
	ExporterMCPPath        = "exporter.mcp.path"      // not a flag
	ExporterMCPTransport   = "exporter.mcp.transport" // not a flag

// WARN:  dev settings shouldn't be exposed as flags as flags are intended for end users
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			ProcFS:  "/proc",
			MSRPath: DefaultMSRPath,
		},
		Engine: Engine{
			TargetInterval: pmu.DefaultTargetInterval,
			PowerDomain:    string(pmu.PowerDomainPP0),
			CoreTypes:      pmu.DefaultProfiles(),
		},
		Monitor: Monitor{
			Interval:  time.Second,
			Staleness: 500 * time.Millisecond,
		},
		Metrics: Metrics{
			Client: "ipc",
			Target: TargetAll,
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled:  ptr.To(false),
				Interval: 5 * time.Second,
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
				MetricsLevel:    MetricsLevelAll,
			},
			MCP: MCPExporter{
				Enabled:   ptr.To(false),
				Path:      "/mcp",
				Transport: MCPTransportStreamable,
			},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Web: Web{
			ListenAddresses: []string{DefaultListenAddress},
		},
	}

	cfg.Dev.FakePort.Enabled = ptr.To(false)
	cfg.Dev.FakePort.Performance = 4
	cfg.Dev.FakePort.Efficiency = 4
	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
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
	defer func() {
		// read only; close errors are ignored
		_ = file.Close()
	}()

	return Load(file)
}

// FromFiles loads the first file like FromFile and merges the remaining files
// onto it as overlays. Overlay keys left empty or zero do not unset values.
func FromFiles(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return DefaultConfig(), nil
	}

	cfg, err := FromFile(paths[0])
	if err != nil {
		return nil, err
	}

	overlays := make([]string, 0, len(paths)-1)
	for _, path := range paths[1:] {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config overlay: %w", err)
		}
		overlays = append(overlays, string(data))
	}

	cfg, err = (&Builder{}).Use(cfg).Merge(overlays...).Build()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	fs := &flagSet{given: map[string]bool{}}
	app.PreAction(fs.recordGiven)

	bindFlag(fs, LogLevelFlag,
		app.Flag(LogLevelFlag, "Logging level: "+strings.Join(logger.Levels(), ", ")).
			Default("info").Enum(logger.Levels()...),
		func(c *Config, v string) { c.Log.Level = v })
	bindFlag(fs, LogFormatFlag,
		app.Flag(LogFormatFlag, "Logging format: text or json").
			Default("text").Enum(logger.Formats()...),
		func(c *Config, v string) { c.Log.Format = v })

	bindFlag(fs, HostProcFSFlag,
		app.Flag(HostProcFSFlag, "Host procfs path").Default("/proc").ExistingDir(),
		func(c *Config, v string) { c.Host.ProcFS = v })
	bindFlag(fs, HostMSRPathFlag,
		app.Flag(HostMSRPathFlag, "msr device path template; %d is replaced by the processor").
			Default(DefaultMSRPath).String(),
		func(c *Config, v string) { c.Host.MSRPath = v })

	bindFlag(fs, EngineTargetIntervalFlag,
		app.Flag(EngineTargetIntervalFlag, "Interval counter rates are normalized to").
			Default(pmu.DefaultTargetInterval.String()).Duration(),
		func(c *Config, v time.Duration) { c.Engine.TargetInterval = v })
	domains := []string{string(pmu.PowerDomainPP0), string(pmu.PowerDomainPP1), string(pmu.PowerDomainDRAM)}
	bindFlag(fs, EnginePowerDomainFlag,
		app.Flag(EnginePowerDomainFlag, "RAPL domain reported next to the package: "+strings.Join(domains, ", ")).
			Default(domains[0]).Enum(domains...),
		func(c *Config, v string) { c.Engine.PowerDomain = v })

	bindFlag(fs, MonitorIntervalFlag,
		app.Flag(MonitorIntervalFlag, "Interval for sampling the counters; 0 to sample on demand only").
			Default("1s").Duration(),
		func(c *Config, v time.Duration) { c.Monitor.Interval = v })

	bindFlag(fs, MetricsClientFlag,
		app.Flag(MetricsClientFlag, "Metric client computed every tick").Default("ipc").String(),
		func(c *Config, v string) { c.Metrics.Client = v })
	bindFlag(fs, MetricsTargetFlag,
		app.Flag(MetricsTargetFlag, "Core type label the client events are programmed on; all for every core type").
			Default(TargetAll).String(),
		func(c *Config, v string) { c.Metrics.Target = v })

	bindFlag(fs, pprofEnabledFlag,
		app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool(),
		func(c *Config, v bool) { c.Debug.Pprof.Enabled = ptr.To(v) })

	bindFlag(fs, WebConfigFlag,
		app.Flag(WebConfigFlag, "Web config file path").Default("").String(),
		func(c *Config, v string) { c.Web.Config = v })
	bindFlag(fs, WebListenAddressFlag,
		app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(DefaultListenAddress).Strings(),
		func(c *Config, v []string) { c.Web.ListenAddresses = v })

	bindFlag(fs, ExporterStdoutEnabledFlag,
		app.Flag(ExporterStdoutEnabledFlag, "Enable stdout exporter").Default("false").Bool(),
		func(c *Config, v bool) { c.Exporter.Stdout.Enabled = ptr.To(v) })
	bindFlag(fs, ExporterPrometheusEnabledFlag,
		app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool(),
		func(c *Config, v bool) { c.Exporter.Prometheus.Enabled = ptr.To(v) })
	bindFlag(fs, ExporterMCPEnabledFlag,
		app.Flag(ExporterMCPEnabledFlag, "Enable MCP server on the web listen address").Default("false").Bool(),
		func(c *Config, v bool) { c.Exporter.MCP.Enabled = ptr.To(v) })

	metricsLevel := MetricsLevelAll
	app.Flag(ExporterPrometheusMetricsFlag, "Metric groups to export ("+strings.Join(ValidLevels(), ",")+")").
		SetValue(NewMetricsLevelValue(&metricsLevel))
	bindFlag(fs, ExporterPrometheusMetricsFlag, &metricsLevel,
		func(c *Config, v Level) { c.Exporter.Prometheus.MetricsLevel = v })

	return func(cfg *Config) error {
		for _, update := range fs.updates {
			update(cfg)
		}
		cfg.sanitize()
		return cfg.Validate()
	}
}

// flagSet tracks the flags given on the command line; only those override
// the config file
type flagSet struct {
	given   map[string]bool
	updates []func(*Config)
}

func (fs *flagSet) recordGiven(ctx *kingpin.ParseContext) error {
	clear(fs.given)
	for _, element := range ctx.Elements {
		if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
			fs.given[flag.Model().Name] = true
		}
	}
	return nil
}

// bindFlag applies the parsed value of flag name to the config when the flag
// was given
func bindFlag[T any](fs *flagSet, name string, value *T, apply func(*Config, T)) {
	fs.updates = append(fs.updates, func(cfg *Config) {
		if fs.given[name] {
			apply(cfg, *value)
		}
	})
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.Host.MSRPath = strings.TrimSpace(c.Host.MSRPath)
	c.Engine.PowerDomain = strings.ToLower(strings.TrimSpace(c.Engine.PowerDomain))
	for i := range c.Engine.CoreTypes {
		c.Engine.CoreTypes[i].Label = strings.TrimSpace(c.Engine.CoreTypes[i].Label)
	}
	c.Metrics.Client = strings.TrimSpace(c.Metrics.Client)
	c.Metrics.Target = strings.TrimSpace(c.Metrics.Target)
	if c.Metrics.Target == "" {
		c.Metrics.Target = TargetAll
	}
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}

	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
	c.Exporter.MCP.Path = strings.TrimSpace(c.Exporter.MCP.Path)
	c.Exporter.MCP.Transport = strings.ToLower(strings.TrimSpace(c.Exporter.MCP.Transport))
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE:  this code path should not happen but if it does (i.e if yaml marshal) fails
	// for some reason, manually build the string
	return c.manualString()
}

func (c *Config) manualString() string {
	coreTypes := make([]string, 0, len(c.Engine.CoreTypes))
	for _, p := range c.Engine.CoreTypes {
		coreTypes = append(coreTypes, fmt.Sprintf("0x%02X=%s", p.TypeTag, p.Label))
	}

	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostProcFSFlag, c.Host.ProcFS},
		{HostMSRPathFlag, c.Host.MSRPath},
		{EngineTargetIntervalFlag, c.Engine.TargetInterval.String()},
		{EnginePowerDomainFlag, c.Engine.PowerDomain},
		{EngineCoreTypes, strings.Join(coreTypes, ", ")},
		{MonitorIntervalFlag, c.Monitor.Interval.String()},
		{MonitorStaleness, c.Monitor.Staleness.String()},
		{MetricsClientFlag, c.Metrics.Client},
		{MetricsTargetFlag, c.Metrics.Target},
		{ExporterStdoutEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Stdout.Enabled, false))},
		{ExporterStdoutInterval, c.Exporter.Stdout.Interval.String()},
		{ExporterPrometheusEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Prometheus.Enabled, false))},
		{ExporterPrometheusDebugCollectors, strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
		{ExporterPrometheusMetricsFlag, c.Exporter.Prometheus.MetricsLevel.String()},
		{ExporterMCPEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.MCP.Enabled, false))},
		{ExporterMCPPath, c.Exporter.MCP.Path},
		{ExporterMCPTransport, c.Exporter.MCP.Transport},
		{pprofEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Debug.Pprof.Enabled, false))},
	}
	var sb strings.Builder
	for _, cfg := range cfgs {
		fmt.Fprintf(&sb, "%s: %s\n", cfg.Name, cfg.Value)
	}
	return sb.String()
}
