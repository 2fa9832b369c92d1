// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

// Architectural performance monitoring registers (Intel SDM Vol. 4)
const (
	// IA32_PMC0; general purpose counter i lives at MSRPerfCounterBase + i
	MSRPerfCounterBase = 0xC1

	// IA32_PERFEVTSEL0; event select i lives at MSREventSelectBase + i
	MSREventSelectBase = 0x186

	MSRFixedCounterBase = 0x309 // IA32_FIXED_CTR0 (instructions retired)
	MSRFixedCtrInst     = 0x309 // IA32_FIXED_CTR0
	MSRFixedCtrCycles   = 0x30A // IA32_FIXED_CTR1 (core cycles unhalted)
	MSRFixedCtrRef      = 0x30B // IA32_FIXED_CTR2 (reference cycles unhalted)

	MSRFixedCtrCtrl  = 0x38D // IA32_FIXED_CTR_CTRL
	MSRPerfGlobalCtl = 0x38F // IA32_PERF_GLOBAL_CTRL
)

// RAPL energy registers
const (
	// MSR_RAPL_POWER_UNIT - energy status unit in bits 12:8
	MSRPowerUnit = 0x606

	// Energy counters (32-bit, wrap around at 2^32)
	MSRPkgEnergyStatus  = 0x611 // Package energy counter
	MSRPP0EnergyStatus  = 0x639 // Power Plane 0 (cores) energy counter
	MSRPP1EnergyStatus  = 0x641 // Power Plane 1 (uncore) energy counter
	MSRDRAMEnergyStatus = 0x619 // DRAM energy counter
)

// CPUID leaves used for topology and PMU enumeration
const (
	CPUIDLeafMax        = 0x00
	CPUIDLeafPerfMon    = 0x0A // architectural performance monitoring
	CPUIDLeafTopology   = 0x0B // extended topology enumeration
	CPUIDLeafHybridInfo = 0x1A // native model id / core type
	CPUIDCoreTypeShift  = 24
)

// EventSelectRegister returns the IA32_PERFEVTSELi register id
func EventSelectRegister(i int) uint32 {
	return MSREventSelectBase + uint32(i)
}

// PerfCounterRegister returns the IA32_PMCi register id
func PerfCounterRegister(i int) uint32 {
	return MSRPerfCounterBase + uint32(i)
}

// FixedCounterRegister returns the IA32_FIXED_CTRi register id
func FixedCounterRegister(i int) uint32 {
	return MSRFixedCounterBase + uint32(i)
}
