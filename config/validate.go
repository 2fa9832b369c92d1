// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/sustainable-computing-io/pmcmon/internal/logger"
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
	"k8s.io/utils/ptr"
)

// Validate checks for configuration errors and reports all of them at once
func (c *Config) Validate(skips ...SkipValidation) error {
	var errs []string
	errs = append(errs, c.Log.validate()...)
	errs = append(errs, c.Host.validate(!slices.Contains(skips, SkipHostValidation))...)
	errs = append(errs, c.Engine.validate()...)
	errs = append(errs, c.Web.validate()...)
	errs = append(errs, c.Monitor.validate()...)
	errs = append(errs, c.Metrics.validate()...)
	errs = append(errs, c.Exporter.validate()...)
	errs = append(errs, c.Dev.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

func (l Log) validate() (errs []string) {
	if !logger.IsValidLevel(l.Level) {
		errs = append(errs, fmt.Sprintf("invalid log level: %s", l.Level))
	}
	if !logger.IsValidFormat(l.Format) {
		errs = append(errs, fmt.Sprintf("invalid log format: %s", l.Format))
	}
	return errs
}

// validate checks the msr path template; procfs is only probed when checkFS
// is set as it must exist on the running host
func (h Host) validate(checkFS bool) (errs []string) {
	if checkFS {
		if err := checkReadable(h.ProcFS, true); err != nil {
			errs = append(errs, fmt.Sprintf("invalid procfs path: %s: %s ", h.ProcFS, err.Error()))
		}
	}
	if strings.Count(h.MSRPath, "%d") != 1 {
		errs = append(errs, fmt.Sprintf("invalid msr path %q: must contain exactly one %%d", h.MSRPath))
	}
	return errs
}

func (e Engine) validate() (errs []string) {
	if e.TargetInterval <= 0 {
		errs = append(errs, fmt.Sprintf("invalid engine target interval: %s must be positive", e.TargetInterval))
	}
	if _, ok := pmu.PowerDomain(e.PowerDomain).Register(); !ok {
		errs = append(errs, fmt.Sprintf("invalid engine power domain: %q", e.PowerDomain))
	}
	if err := e.CoreTypes.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("invalid engine core types: %s", err.Error()))
	}
	return errs
}

func (w Web) validate() (errs []string) {
	if w.Config != "" {
		if err := checkReadable(w.Config, false); err != nil {
			errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", w.Config, err.Error()))
		}
	}

	if len(w.ListenAddresses) == 0 {
		errs = append(errs, "at least one web listen address must be specified")
	}
	for _, addr := range w.ListenAddresses {
		if addr == "" {
			errs = append(errs, "web listen address cannot be empty")
			continue
		}
		if err := validateListenAddress(addr); err != nil {
			errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
		}
	}
	return errs
}

func (m Monitor) validate() (errs []string) {
	if m.Interval < 0 {
		errs = append(errs, fmt.Sprintf("invalid monitor interval: %s can't be negative", m.Interval))
	}
	if m.Staleness < 0 {
		errs = append(errs, fmt.Sprintf("invalid monitor staleness: %s can't be negative", m.Staleness))
	}
	return errs
}

func (m Metrics) validate() (errs []string) {
	if m.Client == "" {
		errs = append(errs, "metrics client cannot be empty")
	}
	return errs
}

func (e Exporter) validate() (errs []string) {
	if ptr.Deref(e.Stdout.Enabled, false) && e.Stdout.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("invalid stdout exporter interval: %s must be positive", e.Stdout.Interval))
	}

	if mcp := e.MCP; ptr.Deref(mcp.Enabled, false) {
		if !strings.HasPrefix(mcp.Path, "/") || mcp.Path == "/" {
			errs = append(errs, fmt.Sprintf("invalid mcp exporter path: %q", mcp.Path))
		}
		if mcp.Transport != MCPTransportStreamable && mcp.Transport != MCPTransportSSE {
			errs = append(errs, fmt.Sprintf("invalid mcp exporter transport: %q", mcp.Transport))
		}
	}
	return errs
}

func (d Dev) validate() (errs []string) {
	fp := d.FakePort
	if !ptr.Deref(fp.Enabled, false) {
		return nil
	}
	if fp.Performance < 0 || fp.Efficiency < 0 || fp.Performance+fp.Efficiency == 0 {
		errs = append(errs, fmt.Sprintf("invalid fake port processors: performance=%d efficiency=%d",
			fp.Performance, fp.Efficiency))
	}
	return errs
}

// checkReadable opens path and reads a first directory entry or a few bytes
// from it
func checkReadable(path string, dir bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if dir {
		_, err = f.ReadDir(1)
		return err
	}
	_, err = f.Read(make([]byte, 8))
	return err
}

// validateListenAddress accepts host:port where host may be empty to listen
// on every interface
func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", n)
	}
	return nil
}
