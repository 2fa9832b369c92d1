// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"strconv"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
)

// CoreTypeProvider returns the discovered core types
type CoreTypeProvider interface {
	CoreTypes() []pmu.CoreType
}

// cpuInfoCollector collects CPU info metrics from procfs, labeled with the
// core type each processor was discovered as
type cpuInfoCollector struct {
	sync.Mutex

	fs        procFS
	coreTypes CoreTypeProvider
	desc      *prom.Desc
}

// NewCPUInfoCollector creates a CPUInfoCollector using a procfs mount path.
// coreTypes may be nil, leaving the core_type label empty.
func NewCPUInfoCollector(procPath string, coreTypes CoreTypeProvider) (*cpuInfoCollector, error) {
	fs, err := newProcFS(procPath)
	if err != nil {
		return nil, fmt.Errorf("creating procfs failed: %w", err)
	}
	return newCPUInfoCollectorWithFS(fs, coreTypes), nil
}

// newCPUInfoCollectorWithFS injects a procFS interface
func newCPUInfoCollectorWithFS(fs procFS, coreTypes CoreTypeProvider) *cpuInfoCollector {
	return &cpuInfoCollector{
		fs:        fs,
		coreTypes: coreTypes,
		desc: prom.NewDesc(
			prom.BuildFQName(pmcmonNS, "node", "cpu_info"),
			"CPU information from procfs",
			[]string{"processor", "vendor_id", "model_name", "physical_id", "core_id", "core_type"},
			nil,
		),
	}
}

func (c *cpuInfoCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
}

func (c *cpuInfoCollector) Collect(ch chan<- prom.Metric) {
	c.Lock()
	defer c.Unlock()

	cpuInfos, err := c.fs.CPUInfo()
	if err != nil {
		return
	}

	var coreTypes []pmu.CoreType
	if c.coreTypes != nil {
		coreTypes = c.coreTypes.CoreTypes()
	}

	for _, ci := range cpuInfos {
		ch <- prom.MustNewConstMetric(
			c.desc,
			prom.GaugeValue,
			1,
			strconv.FormatUint(uint64(ci.Processor), 10),
			ci.VendorID,
			ci.ModelName,
			ci.PhysicalID,
			ci.CoreID,
			coreTypeLabel(coreTypes, int(ci.Processor)),
		)
	}
}

func coreTypeLabel(coreTypes []pmu.CoreType, cpu int) string {
	for _, ct := range coreTypes {
		if ct.Processors.Contains(cpu) {
			return ct.Label
		}
	}
	return ""
}
