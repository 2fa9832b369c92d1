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
	"github.com/sustainable-computing-io/pmcmon/config"
	"github.com/sustainable-computing-io/pmcmon/internal/device"
	"github.com/sustainable-computing-io/pmcmon/internal/exporter/mcp"
	"github.com/sustainable-computing-io/pmcmon/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/pmcmon/internal/exporter/stdout"
	"github.com/sustainable-computing-io/pmcmon/internal/logger"
	"github.com/sustainable-computing-io/pmcmon/internal/metric"
	"github.com/sustainable-computing-io/pmcmon/internal/monitor"
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
	"github.com/sustainable-computing-io/pmcmon/internal/server"
	"github.com/sustainable-computing-io/pmcmon/internal/service"
	"github.com/sustainable-computing-io/pmcmon/internal/version"
	"k8s.io/utils/ptr"
)

func main() {
	// parse args and config and exit with error if there is an error
	cfg, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}
	logger := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	logVersionInfo(logger)
	printConfigInfo(logger, cfg)

	services, err := createServices(logger, cfg)
	if err != nil {
		logger.Error("failed to create services", "error", err)
		os.Exit(1)
	}

	if err := service.Init(logger, services); err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting pmcmon")
	if err := service.Run(context.Background(), logger, services); err != nil {
		logger.Error("pmcmon terminated with an error", "error", err)
		os.Exit(1)
	}
	logger.Info("Graceful shutdown completed")
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Info("pmcmon version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)

	cpu := device.DetectHostCPU()
	logger.Info("Host CPU", "cpu", cpu.String(), "hybrid", cpu.Hybrid)
	if !cpu.ArchPerfmon {
		logger.Warn("Host CPU vendor does not implement architectural performance monitoring; counters may not be programmable",
			"vendor", cpu.Vendor)
	}
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "pmcmon"
	app := kingpin.New(appName, "Hardware performance counter and RAPL power monitor for hybrid processors.")
	app.Version(version.Info().String())

	configFiles := app.Flag("config.file",
		"Path to YAML configuration file; repeat to merge overlays onto the first file").Strings()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if len(*configFiles) > 0 {
		logger.Info("Loading configuration files", "paths", *configFiles)
		loadedCfg, err := config.FromFiles(*configFiles...)
		if err != nil {
			logger.Error("Error loading config file", "error", err.Error())
			return nil, err
		}
		cfg = loadedCfg
		logger.Info("Completed loading of configuration files", "count", len(*configFiles))
	}

	// Apply command line flags (these override config file settings)
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

	fmt.Printf(`
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

// createPort returns the register port selected by cfg
func createPort(logger *slog.Logger, cfg *config.Config) (device.Port, error) {
	if fake := cfg.Dev.FakePort; ptr.Deref(fake.Enabled, false) {
		logger.Warn("*** Using a fake register port; counters are simulated ***",
			"performance", fake.Performance, "efficiency", fake.Efficiency)
		return device.NewFakePort(
			device.WithFakeProcessors(device.HybridProcessors(fake.Performance, fake.Efficiency)...),
			device.WithFreeRunning(1_000_000, 1_000),
			device.WithFakePortLogger(logger),
		), nil
	}

	port, err := device.NewMSRPort(cfg.Host.ProcFS,
		device.WithDevicePath(cfg.Host.MSRPath),
		device.WithMSRLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return port, nil
}

func createServices(logger *slog.Logger, cfg *config.Config) ([]service.Service, error) {
	logger.Debug("Creating all services")

	client, ok := metric.DefaultRegistry().Get(cfg.Metrics.Client)
	if !ok {
		return nil, fmt.Errorf("unknown metrics client %q, valid clients: %v",
			cfg.Metrics.Client, metric.DefaultRegistry().Names())
	}

	port, err := createPort(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open register port: %w", err)
	}

	engine, err := pmu.New(port,
		pmu.WithLogger(logger),
		pmu.WithTargetInterval(cfg.Engine.TargetInterval),
		pmu.WithCoreTypeProfiles(cfg.Engine.CoreTypes),
		pmu.WithPowerDomain(pmu.PowerDomain(cfg.Engine.PowerDomain)),
	)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to create counter engine: %w", err)
	}

	session := metric.NewSession(engine, client,
		metric.WithSessionLogger(logger),
		metric.WithTarget(pmu.ParseCoreTypeFilter(cfg.Metrics.Target)),
	)

	cm := monitor.NewCounterMonitor(session,
		monitor.WithLogger(logger),
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.WithMaxStaleness(cfg.Monitor.Staleness),
		monitor.WithCloser(port),
	)

	apiServer := server.NewAPIServer(
		server.WithLogger(logger),
		server.WithListenAddress(cfg.Web.ListenAddresses),
		server.WithWebConfig(cfg.Web.Config),
	)

	// the monitor is initialized first as exporters read its core types on Init
	services := []service.Service{
		cm,
		apiServer,
		server.NewProbe(apiServer, cm),
	}

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		collectors, err := prometheus.CreateCollectors(cm,
			prometheus.WithLogger(logger),
			prometheus.WithProcFSPath(cfg.Host.ProcFS),
			prometheus.WithMetricsLevel(cfg.Exporter.Prometheus.MetricsLevel),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus collectors: %w", err)
		}

		services = append(services, prometheus.NewExporter(cm, apiServer,
			prometheus.WithLogger(logger),
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
			prometheus.WithCollectors(collectors),
		))
	}

	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
		services = append(services, stdout.NewExporter(cm,
			stdout.WithLogger(logger),
			stdout.WithInterval(cfg.Exporter.Stdout.Interval),
		))
	}

	if mcpCfg := cfg.Exporter.MCP; ptr.Deref(mcpCfg.Enabled, false) {
		transport := mcp.WithStreamableHTTP(apiServer, mcpCfg.Path)
		if mcpCfg.Transport == config.MCPTransportSSE {
			transport = mcp.WithSSETransport(apiServer, mcpCfg.Path)
		}
		services = append(services, mcp.NewServer(cm, transport, mcp.WithLogger(logger)))
	}

	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer))
	}

	services = append(services, service.NewSignalHandler(logger, syscall.SIGINT, syscall.SIGTERM))
	return services, nil
}
