// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sustainable-computing-io/pmcmon/config"
	collector "github.com/sustainable-computing-io/pmcmon/internal/exporter/prometheus/collector"
	"github.com/sustainable-computing-io/pmcmon/internal/monitor"
	"github.com/sustainable-computing-io/pmcmon/internal/service"
)

type (
	Initializer = service.Initializer
	Monitor     = monitor.Service
)

type APIRegistry interface {
	Register(endpoint, summary, description string, handler http.Handler) error
}

type Opts struct {
	logger          *slog.Logger
	debugCollectors map[string]bool
	collectors      map[string]prom.Collector
	procfs          string
	metricsLevel    config.Level
}

// DefaultOpts returns the exporter defaults: the go debug collector, procfs
// at /proc and every metric group
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		debugCollectors: map[string]bool{
			"go": true,
		},
		collectors:   map[string]prom.Collector{},
		procfs:       "/proc",
		metricsLevel: config.MetricsLevelAll,
	}
}

// OptionFn configures Opts
type OptionFn func(*Opts)

// WithLogger sets the logger of the exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithDebugCollectors replaces the debug collectors; valid names are go and process
func WithDebugCollectors(c []string) OptionFn {
	return func(o *Opts) {
		o.debugCollectors = make(map[string]bool, len(c))
		for _, name := range c {
			o.debugCollectors[name] = true
		}
	}
}

// WithProcFSPath sets the procfs mount the cpu info collector reads
func WithProcFSPath(procfs string) OptionFn {
	return func(o *Opts) {
		o.procfs = procfs
	}
}

// WithMetricsLevel sets the metric groups exported by the counter collector
func WithMetricsLevel(level config.Level) OptionFn {
	return func(o *Opts) {
		o.metricsLevel = level
	}
}

// WithCollectors sets the collectors registered on Init
func WithCollectors(c map[string]prom.Collector) OptionFn {
	return func(o *Opts) {
		o.collectors = c
	}
}

// Exporter exports counter data to Prometheus
type Exporter struct {
	logger          *slog.Logger
	monitor         Monitor
	registry        *prom.Registry
	server          APIRegistry
	debugCollectors map[string]bool
	collectors      map[string]prom.Collector
}

var _ Initializer = (*Exporter)(nil)

// NewExporter creates a new Prometheus exporter
func NewExporter(pm Monitor, s APIRegistry, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		monitor:         pm,
		server:          s,
		logger:          opts.logger.With("service", "prometheus"),
		debugCollectors: opts.debugCollectors,
		collectors:      opts.collectors,
		registry:        prom.NewRegistry(),
	}
}

func collectorForName(name string) (prom.Collector, error) {
	switch name {
	case "go":
		return collectors.NewGoCollector(), nil
	case "process":
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), nil
	default:
		return nil, fmt.Errorf("unknown collector: %s", name)
	}
}

// CreateCollectors returns the collectors exporting the data of pm
func CreateCollectors(pm Monitor, applyOpts ...OptionFn) (map[string]prom.Collector, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	collectors := map[string]prom.Collector{
		"build_info": collector.NewBuildInfoCollector(),
		"counter":    collector.NewCounterCollector(pm, opts.logger, opts.metricsLevel),
	}
	cpuInfoCollector, err := collector.NewCPUInfoCollector(opts.procfs, pm)
	if err != nil {
		return nil, err
	}
	collectors["cpu_info"] = cpuInfoCollector
	return collectors, nil
}

// Init registers the debug and counter collectors, then serves the registry
// on /metrics
func (e *Exporter) Init() error {
	e.logger.Info("Initializing Prometheus exporter")
	for _, name := range slices.Sorted(maps.Keys(e.debugCollectors)) {
		c, err := collectorForName(name)
		if err != nil {
			e.logger.Error("Error creating collector", "collector", name, "error", err)
			return err
		}
		if err := e.register(name, c); err != nil {
			return err
		}
	}

	for _, name := range slices.Sorted(maps.Keys(e.collectors)) {
		if err := e.register(name, e.collectors[name]); err != nil {
			return err
		}
	}

	handler := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          e.registry,
	})
	return e.server.Register("/metrics", "Metrics", "Prometheus metrics", handler)
}

func (e *Exporter) register(name string, c prom.Collector) error {
	if err := e.registry.Register(c); err != nil {
		return fmt.Errorf("failed to register collector %s: %w", name, err)
	}
	e.logger.Info("Enabling collector", "collector", name)
	return nil
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "prometheus"
}
