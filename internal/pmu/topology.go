// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package pmu

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/sustainable-computing-io/pmcmon/internal/device"
	"k8s.io/utils/cpuset"
)

// processorReport is what one logical processor says about itself
type processorReport struct {
	cpu          int
	tag          uint8
	gpCounters   int
	counterWidth int
	fixedMask    uint8
	fixedWidth   int
	coreID       uint32
}

// Discover classifies every logical processor of port into core types,
// grouped by hardware type tag in first-seen order. Counter layout is taken
// from the first processor of each type. Affinity is released after every
// processor.
//
// A processor that cannot be pinned or queried is left out of every core
// type and reported through a *PartialError returned next to the core types
// of the remaining processors. ErrNoCoreTypes is returned only when no
// processor could be classified.
func Discover(port device.Port, profiles Profiles, logger *slog.Logger) ([]CoreType, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cpus, err := port.Processors()
	if err != nil {
		return nil, fmt.Errorf("failed to list processors: %w", err)
	}
	if len(cpus) == 0 {
		return nil, ErrNoCoreTypes
	}

	var (
		coreTypes []CoreType
		members   = make(map[uint8][]int)
		cores     = make(map[uint8]map[uint32]bool)
		index     = make(map[uint8]int)
		failed    []ProcessorError
	)

	for _, cpu := range cpus {
		report, err := queryProcessor(port, cpu)
		if err != nil {
			logger.Warn("Skipping unavailable processor", "cpu", cpu, "error", err)
			failed = append(failed, asProcessorError(err))
			continue
		}

		i, seen := index[report.tag]
		if !seen {
			i = len(coreTypes)
			index[report.tag] = i
			cores[report.tag] = make(map[uint32]bool)
			coreTypes = append(coreTypes, newCoreType(report, profiles.Lookup(report.tag), logger))
		}
		members[report.tag] = append(members[report.tag], cpu)
		cores[report.tag][report.coreID] = true
	}

	for tag, i := range index {
		coreTypes[i].Processors = cpuset.New(members[tag]...)
		coreTypes[i].CoreCount = len(cores[tag])
	}

	if len(coreTypes) == 0 {
		if len(failed) > 0 {
			return nil, errors.Join(ErrNoCoreTypes, &PartialError{Op: OpDiscover, Failed: failed})
		}
		return nil, ErrNoCoreTypes
	}

	for _, ct := range coreTypes {
		logger.Info("Discovered core type",
			"label", ct.Label,
			"tag", fmt.Sprintf("0x%02X", ct.TypeTag),
			"processors", ct.Processors.String(),
			"cores", ct.CoreCount,
			"counters", ct.CounterCapacity,
			"fixed-mask", fmt.Sprintf("0b%b", ct.FixedCounterMask),
			"degraded", ct.Degraded)
	}
	if len(failed) > 0 {
		return coreTypes, &PartialError{Op: OpDiscover, Failed: failed}
	}
	return coreTypes, nil
}

func newCoreType(r processorReport, profile CoreTypeProfile, logger *slog.Logger) CoreType {
	ct := CoreType{
		Label:             profile.Label,
		TypeTag:           r.tag,
		CounterCapacity:   r.gpCounters,
		CounterWidth:      r.counterWidth,
		FixedCounterMask:  r.fixedMask,
		FixedCounterWidth: r.fixedWidth,
		RetirementWidth:   profile.RetirementWidth,
	}

	if ct.CounterCapacity == 0 {
		ct.CounterCapacity = profile.FallbackCounters
		ct.Degraded = true
	}
	if ct.FixedCounterMask == 0 {
		ct.FixedCounterMask = profile.FallbackFixedMask
		ct.Degraded = true
	}
	if ct.CounterWidth == 0 {
		ct.CounterWidth = defaultCounterWidth
	}
	if ct.FixedCounterWidth == 0 {
		ct.FixedCounterWidth = defaultCounterWidth
	}

	if ct.Degraded {
		logger.Warn("Hardware reported no performance counters, using fallback layout",
			"label", ct.Label, "cpu", r.cpu,
			"counters", ct.CounterCapacity,
			"fixed-mask", fmt.Sprintf("0b%b", ct.FixedCounterMask))
	}
	return ct
}

// queryProcessor pins cpu and reads its CPUID enumeration
func queryProcessor(port device.Port, cpu int) (r processorReport, err error) {
	h, err := port.Pin(cpu)
	if err != nil {
		return r, ProcessorError{CPU: cpu, Op: OpDiscover, Err: err}
	}
	defer func() {
		if relErr := h.Release(); relErr != nil && err == nil {
			err = ProcessorError{CPU: cpu, Op: OpDiscover, Err: relErr}
		}
	}()

	r.cpu = cpu
	maxLeaf, _, _, _ := h.CPUID(device.CPUIDLeafMax, 0)

	if maxLeaf >= device.CPUIDLeafHybridInfo {
		eax, _, _, _ := h.CPUID(device.CPUIDLeafHybridInfo, 0)
		r.tag = uint8(eax >> device.CPUIDCoreTypeShift)
	}

	if maxLeaf >= device.CPUIDLeafPerfMon {
		eax, _, ecx, edx := h.CPUID(device.CPUIDLeafPerfMon, 0)
		r.gpCounters = int((eax >> 8) & 0xff)
		r.counterWidth = int((eax >> 16) & 0xff)

		// fixed counter i exists if its ECX bit is set or i is below the
		// contiguous count in EDX[4:0]
		fixedCount := int(edx & 0x1f)
		mask := ecx | (uint32(1)<<fixedCount - 1)
		r.fixedMask = uint8(mask)
		r.fixedWidth = int((edx >> 5) & 0xff)
	}

	r.coreID = uint32(cpu)
	if maxLeaf >= device.CPUIDLeafTopology {
		eax, ebx, _, edx := h.CPUID(device.CPUIDLeafTopology, 0)
		if ebx != 0 {
			r.coreID = edx >> (eax & 0x1f)
		}
	}

	return r, nil
}

// fixedCounters returns the number of fixed counters a mask describes
func fixedCounters(mask uint8) int {
	return bits.Len8(mask)
}
