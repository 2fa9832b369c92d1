// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package pmu

import (
	"fmt"

	"github.com/sustainable-computing-io/pmcmon/internal/device"
)

// fixed counter indices
const (
	fixedRetiredInstructions = 0
	fixedActiveCycles        = 1
	fixedReferenceClock      = 2
)

func activeCyclesCounter(ct CoreType) SharedCounter {
	return NewSharedCounter(device.MSRFixedCtrCycles, ct.FixedCounterWidth, ResetOnDecrease)
}

// exclusiveFixedCounters returns the present session-owned fixed counters
func exclusiveFixedCounters(ct CoreType) []ExclusiveCounter {
	var counters []ExclusiveCounter
	if ct.HasFixedCounter(fixedRetiredInstructions) {
		counters = append(counters, NewExclusiveCounter(device.MSRFixedCtrInst, ct.FixedCounterWidth))
	}
	if ct.HasFixedCounter(fixedReferenceClock) {
		counters = append(counters, NewExclusiveCounter(device.MSRFixedCtrRef, ct.FixedCounterWidth))
	}
	return counters
}

// factor returns the normalization factor of a new tick and advances the
// engine tick. Callers hold e.mu.
func (e *Engine) factor() float64 {
	now := e.clock.Now()
	defer func() { e.lastTick = now }()

	if e.lastTick.IsZero() {
		return 1.0
	}
	elapsed := now.Sub(e.lastTick)
	if elapsed <= 0 {
		e.logger.Debug("Clock did not advance between ticks, not normalizing", "elapsed", elapsed)
		return 1.0
	}
	return float64(e.targetInterval) / float64(elapsed)
}

// snapshot returns the snapshot of cpu, allocating it on first use. Callers
// hold e.mu.
func (e *Engine) snapshot(cpu int, ct CoreType) *NormalizedCounterSnapshot {
	s, ok := e.snapshots[cpu]
	if !ok {
		s = &NormalizedCounterSnapshot{
			CPU:             cpu,
			CoreType:        ct.Label,
			GeneralCounters: make([]float64, ct.CounterCapacity),
			Raw:             RawCounters{GeneralCounters: make([]uint64, ct.CounterCapacity)},
		}
		e.snapshots[cpu] = s
	}
	return s
}

// Sample samples one logical processor as a tick of its own and returns a
// copy of its snapshot. The sample is accumulated into the run totals.
func (e *Engine) Sample(cpu int) (*NormalizedCounterSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.cpuType[cpu]; !ok {
		return nil, fmt.Errorf("sample cpu %d: %w", cpu, device.ErrNoSuchProcessor)
	}

	snap, err := e.sample(cpu, e.factor())
	if err != nil {
		return nil, err
	}
	return snap.Clone(), nil
}

// SampleAll samples every discovered processor with one normalization
// factor and returns a copy of the run totals. Processors failing register
// access are reported through a *PartialError next to the totals of the
// others.
func (e *Engine) SampleAll() (*RunTotals, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	factor := e.factor()

	var failed []ProcessorError
	for _, cpu := range e.cpus {
		if _, err := e.sample(cpu, factor); err != nil {
			failed = append(failed, asProcessorError(err))
		}
	}
	e.totals.Ticks++

	totals := e.totals.Clone()
	if len(failed) > 0 {
		return totals, &PartialError{Op: OpSample, Failed: failed}
	}
	return totals, nil
}

// sample reads every counter of cpu, normalizes the deltas and accumulates
// them. The snapshot is only updated when every read succeeded; exclusive
// counters already cleared when a read fails are added to the next
// successful sample of cpu. Callers hold e.mu.
func (e *Engine) sample(cpu int, factor float64) (*NormalizedCounterSnapshot, error) {
	ct := e.coreTypes[e.cpuType[cpu]]
	snap := e.snapshot(cpu, ct)

	raw := RawCounters{GeneralCounters: make([]uint64, ct.CounterCapacity)}
	lastCycles := snap.LastRawActiveCycles

	err := e.withHandle(cpu, OpSample, func(h device.Handle) error {
		var err error
		if ct.HasFixedCounter(fixedRetiredInstructions) {
			c := NewExclusiveCounter(device.MSRFixedCtrInst, ct.FixedCounterWidth)
			if raw.RetiredInstructions, err = c.ReadAndClear(h); err != nil {
				return err
			}
		}

		if ct.HasFixedCounter(fixedActiveCycles) {
			var backwards bool
			raw.ActiveCycles, lastCycles, backwards, err = activeCyclesCounter(ct).Delta(h, snap.LastRawActiveCycles)
			if err != nil {
				return err
			}
			if backwards {
				e.logger.Debug("Unhalted cycle counter went backwards, treating as reset",
					"cpu", cpu, "previous", snap.LastRawActiveCycles, "current", lastCycles)
			}
		}

		if ct.HasFixedCounter(fixedReferenceClock) {
			c := NewExclusiveCounter(device.MSRFixedCtrRef, ct.FixedCounterWidth)
			if raw.ReferenceClock, err = c.ReadAndClear(h); err != nil {
				return err
			}
		}

		for i := range raw.GeneralCounters {
			c := NewExclusiveCounter(device.PerfCounterRegister(i), ct.CounterWidth)
			if raw.GeneralCounters[i], err = c.ReadAndClear(h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		pending := RawCounters{GeneralCounters: make([]uint64, ct.CounterCapacity)}
		pending.addExclusive(e.carry[cpu])
		pending.addExclusive(raw)
		e.carry[cpu] = pending
		return nil, err
	}
	if pending, ok := e.carry[cpu]; ok {
		raw.addExclusive(pending)
		delete(e.carry, cpu)
	}

	snap.Raw = raw
	snap.LastRawActiveCycles = lastCycles
	snap.NormalizationFactor = factor
	snap.RetiredInstructions = float64(raw.RetiredInstructions) * factor
	snap.ActiveCycles = float64(raw.ActiveCycles) * factor
	snap.ReferenceClock = float64(raw.ReferenceClock) * factor
	for i, v := range raw.GeneralCounters {
		snap.GeneralCounters[i] = float64(v) * factor
	}

	e.totals.add(snap)
	if byType, ok := e.totals.ByCoreType[ct.Label]; ok {
		byType.add(snap)
	}
	e.totals.Raw.add(raw)

	return snap, nil
}

// ResetTotals zeroes the run totals. Totals are never reset implicitly.
func (e *Engine) ResetTotals() {
	e.mu.Lock()
	defer e.mu.Unlock()

	power := e.totals.Power
	e.totals = newRunTotals(e.coreTypes)
	e.totals.Power = power
}

// Totals returns a copy of the current run totals
func (e *Engine) Totals() *RunTotals {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totals.Clone()
}

// Snapshots returns copies of every per processor snapshot sampled so far,
// ordered by processor
func (e *Engine) Snapshots() []*NormalizedCounterSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snaps := make([]*NormalizedCounterSnapshot, 0, len(e.snapshots))
	for _, cpu := range e.cpus {
		if s, ok := e.snapshots[cpu]; ok {
			snaps = append(snaps, s.Clone())
		}
	}
	return snaps
}
