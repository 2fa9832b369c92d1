// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/pmcmon/internal/version"
)

const pmcmonNS = "pmcmon"

// BuildInfoCollector exports pmcmon_build_info
type BuildInfoCollector struct {
	desc *prom.Desc
}

func NewBuildInfoCollector() *BuildInfoCollector {
	return &BuildInfoCollector{
		desc: prom.NewDesc(
			prom.BuildFQName(pmcmonNS, "build", "info"),
			"A metric with a constant '1' value labeled with version information",
			[]string{"arch", "os", "branch", "revision", "version", "goversion", "buildtime"},
			nil,
		),
	}
}

func (c *BuildInfoCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
}

func (c *BuildInfoCollector) Collect(ch chan<- prom.Metric) {
	info := version.Info()
	ch <- prom.MustNewConstMetric(c.desc, prom.GaugeValue, 1,
		info.GoArch,
		info.GoOS,
		info.GitBranch,
		info.GitCommit,
		info.Version,
		info.GoVersion,
		info.BuildTime,
	)
}
