// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package pmu

import (
	"github.com/sustainable-computing-io/pmcmon/internal/device"
)

const (
	// OS and USR enable bits of one IA32_FIXED_CTR_CTRL nibble
	fixedCtrlEnable = 0b11
	fixedCtrlStride = 4

	globalFixedShift = 32
)

// ProgramResult is the outcome of Program or Disable. Processors failing
// register access are listed in Failed; the remaining ones are programmed.
type ProgramResult struct {
	// Processors lists the logical processors programmed successfully
	Processors []int

	Failed []ProcessorError

	// Programmed is the number of event selectors written per core type label
	Programmed map[string]int

	// Dropped is the number of selectors exceeding capacity per core type label
	Dropped map[string]int
}

// FailedCPUs returns the indices of processors that failed
func (r ProgramResult) FailedCPUs() []int {
	cpus := make([]int, len(r.Failed))
	for i, f := range r.Failed {
		cpus[i] = f.CPU
	}
	return cpus
}

// Err returns a *PartialError when any processor failed
func (r ProgramResult) Err(op Op) error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &PartialError{Op: op, Failed: r.Failed}
}

// globalEnable returns the IA32_PERF_GLOBAL_CTRL value enabling n general
// purpose counters and every fixed counter in fixedMask
func globalEnable(n int, fixedMask uint8) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		v |= 1 << i
	}
	for i := 0; i < fixedCounters(fixedMask); i++ {
		if fixedMask&(1<<i) != 0 {
			v |= 1 << (globalFixedShift + i)
		}
	}
	return v
}

// fixedControl returns the IA32_FIXED_CTR_CTRL value counting OS and USR
// for every fixed counter in fixedMask
func fixedControl(fixedMask uint8) uint64 {
	var v uint64
	for i := 0; i < fixedCounters(fixedMask); i++ {
		if fixedMask&(1<<i) != 0 {
			v |= fixedCtrlEnable << (fixedCtrlStride * i)
		}
	}
	return v
}

// Program writes events into the event select registers of every processor
// matching target, truncated to each core type's counter capacity, clears
// the paired counters and enables counting. Register failures are collected
// per processor; only a filter matching no core type is an error.
func (e *Engine) Program(events []EventSelector, target CoreTypeFilter) (ProgramResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cpus, err := e.matching(target)
	if err != nil {
		return ProgramResult{}, err
	}

	result := ProgramResult{
		Programmed: make(map[string]int),
		Dropped:    make(map[string]int),
	}
	for _, ct := range e.coreTypes {
		if !target.Matches(ct) {
			continue
		}
		n := min(len(events), ct.CounterCapacity)
		result.Programmed[ct.Label] = n
		if dropped := len(events) - n; dropped > 0 {
			result.Dropped[ct.Label] = dropped
			e.logger.Warn("More event selectors than counters, dropping the excess",
				"core-type", ct.Label, "capacity", ct.CounterCapacity, "dropped", dropped)
		}
	}

	for _, cpu := range cpus {
		ct := e.coreTypes[e.cpuType[cpu]]
		n := result.Programmed[ct.Label]

		var cycles uint64
		err := e.withHandle(cpu, OpProgram, func(h device.Handle) error {
			if err := programProcessor(h, ct, events[:n]); err != nil {
				return err
			}
			if !ct.HasFixedCounter(fixedActiveCycles) {
				return nil
			}
			var err error
			cycles, _, _, err = activeCyclesCounter(ct).Delta(h, 0)
			return err
		})
		if err != nil {
			e.logger.Warn("Failed to program processor", "cpu", cpu, "error", err)
			result.Failed = append(result.Failed, asProcessorError(err))
			continue
		}

		snap := e.snapshot(cpu, ct)
		snap.reset()
		snap.LastRawActiveCycles = cycles
		delete(e.carry, cpu)
		result.Processors = append(result.Processors, cpu)
	}

	e.logger.Debug("Programmed counters",
		"target", target.String(), "events", len(events),
		"processors", len(result.Processors), "failed", len(result.Failed))
	return result, nil
}

func programProcessor(h device.Handle, ct CoreType, events []EventSelector) error {
	for i, sel := range events {
		if err := h.WriteRegister(device.EventSelectRegister(i), uint64(sel)); err != nil {
			return err
		}
		if err := h.WriteRegister(device.PerfCounterRegister(i), 0); err != nil {
			return err
		}
	}

	// start the session-owned fixed counters from zero
	for _, c := range exclusiveFixedCounters(ct) {
		if _, err := c.ReadAndClear(h); err != nil {
			return err
		}
	}

	if err := h.WriteRegister(device.MSRFixedCtrCtrl, fixedControl(ct.FixedCounterMask)); err != nil {
		return err
	}
	return h.WriteRegister(device.MSRPerfGlobalCtl, globalEnable(len(events), ct.FixedCounterMask))
}

// Disable zeroes the event select and general purpose counter registers up
// to capacity and the global enable of every processor matching target.
// IA32_FIXED_CTR_CTRL keeps its value; clearing the global enable stops the
// fixed counters.
func (e *Engine) Disable(target CoreTypeFilter) (ProgramResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cpus, err := e.matching(target)
	if err != nil {
		return ProgramResult{}, err
	}

	var result ProgramResult
	for _, cpu := range cpus {
		ct := e.coreTypes[e.cpuType[cpu]]
		err := e.withHandle(cpu, OpDisable, func(h device.Handle) error {
			return disableProcessor(h, ct)
		})
		if err != nil {
			e.logger.Warn("Failed to disable processor", "cpu", cpu, "error", err)
			result.Failed = append(result.Failed, asProcessorError(err))
			continue
		}
		result.Processors = append(result.Processors, cpu)
	}
	return result, nil
}

func disableProcessor(h device.Handle, ct CoreType) error {
	if err := h.WriteRegister(device.MSRPerfGlobalCtl, 0); err != nil {
		return err
	}
	for i := 0; i < ct.CounterCapacity; i++ {
		if err := h.WriteRegister(device.EventSelectRegister(i), 0); err != nil {
			return err
		}
		if err := h.WriteRegister(device.PerfCounterRegister(i), 0); err != nil {
			return err
		}
	}
	return nil
}
