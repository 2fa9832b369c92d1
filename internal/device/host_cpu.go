// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"

	cpuidv2 "github.com/klauspost/cpuid/v2"
)

// HostCPU identifies the processor package the process runs on
type HostCPU struct {
	Vendor   string
	Brand    string
	Family   int
	Model    int
	Stepping int
	Hybrid   bool

	// ArchPerfmon is set when the vendor implements the architectural
	// performance monitoring registers the engine programs
	ArchPerfmon bool
}

// DetectHostCPU reads the identity of the host processor
func DetectHostCPU() HostCPU {
	return hostCPUFrom(cpuidv2.CPU)
}

func hostCPUFrom(info cpuidv2.CPUInfo) HostCPU {
	return HostCPU{
		Vendor:      info.VendorString,
		Brand:       info.BrandName,
		Family:      info.Family,
		Model:       info.Model,
		Stepping:    info.Stepping,
		Hybrid:      info.Supports(cpuidv2.HYBRID_CPU),
		ArchPerfmon: info.VendorID == cpuidv2.Intel,
	}
}

func (c HostCPU) String() string {
	return fmt.Sprintf("%s %s (family %d, model %d, stepping %d)",
		c.Vendor, c.Brand, c.Family, c.Model, c.Stepping)
}
