// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package pmu

import (
	"slices"
	"time"

	"github.com/sustainable-computing-io/pmcmon/internal/device"
	"k8s.io/utils/cpuset"
)

// EventSelector is an encoded IA32_PERFEVTSELx value. The engine transports
// it to the event select registers without interpreting it.
type EventSelector uint64

// CoreType is one hardware core classification within the package
type CoreType struct {
	Label             string
	TypeTag           uint8
	Processors        cpuset.CPUSet
	CoreCount         int
	CounterCapacity   int
	CounterWidth      int
	FixedCounterMask  uint8
	FixedCounterWidth int
	RetirementWidth   int

	// Degraded is set when the hardware reported no counters and the
	// profile fallback layout was substituted
	Degraded bool
}

// HasFixedCounter reports whether fixed counter i is present
func (ct CoreType) HasFixedCounter(i int) bool {
	return ct.FixedCounterMask&(1<<i) != 0
}

// RawCounters holds the un-normalized deltas of one tick
type RawCounters struct {
	ActiveCycles        uint64
	RetiredInstructions uint64
	ReferenceClock      uint64
	GeneralCounters     []uint64
}

func (r RawCounters) clone() RawCounters {
	r.GeneralCounters = slices.Clone(r.GeneralCounters)
	return r
}

// addExclusive adds the session-owned counts of o to r
func (r *RawCounters) addExclusive(o RawCounters) {
	r.RetiredInstructions += o.RetiredInstructions
	r.ReferenceClock += o.ReferenceClock
	for i, v := range o.GeneralCounters {
		if i < len(r.GeneralCounters) {
			r.GeneralCounters[i] += v
		}
	}
}

// NormalizedCounterSnapshot is the per processor state updated every tick
type NormalizedCounterSnapshot struct {
	CPU      int
	CoreType string

	ActiveCycles        float64
	RetiredInstructions float64
	ReferenceClock      float64
	GeneralCounters     []float64

	// LastRawActiveCycles is the previous raw reading of the free-running
	// unhalted cycle counter
	LastRawActiveCycles uint64
	NormalizationFactor float64

	Raw RawCounters
}

// Clone returns a deep copy of the snapshot
func (s *NormalizedCounterSnapshot) Clone() *NormalizedCounterSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.GeneralCounters = slices.Clone(s.GeneralCounters)
	c.Raw = s.Raw.clone()
	return &c
}

// reset zeroes the counters; LastRawActiveCycles is kept by the caller
func (s *NormalizedCounterSnapshot) reset() {
	s.ActiveCycles = 0
	s.RetiredInstructions = 0
	s.ReferenceClock = 0
	clear(s.GeneralCounters)
	s.NormalizationFactor = 0
	s.Raw.ActiveCycles = 0
	s.Raw.RetiredInstructions = 0
	s.Raw.ReferenceClock = 0
	clear(s.Raw.GeneralCounters)
}

// CounterTotals are normalized sums over sampled processors
type CounterTotals struct {
	ActiveCycles        float64
	RetiredInstructions float64
	ReferenceClock      float64
	GeneralCounters     []float64
}

func (t *CounterTotals) add(s *NormalizedCounterSnapshot) {
	t.ActiveCycles += s.ActiveCycles
	t.RetiredInstructions += s.RetiredInstructions
	t.ReferenceClock += s.ReferenceClock
	for i, v := range s.GeneralCounters {
		if i < len(t.GeneralCounters) {
			t.GeneralCounters[i] += v
		}
	}
}

func (t CounterTotals) clone() CounterTotals {
	t.GeneralCounters = slices.Clone(t.GeneralCounters)
	return t
}

// RawTotals are un-normalized sums for clients needing absolute counts
type RawTotals struct {
	ActiveCycles        uint64
	RetiredInstructions uint64
	ReferenceClock      uint64
	GeneralCounters     []uint64
}

func (t *RawTotals) add(r RawCounters) {
	t.ActiveCycles += r.ActiveCycles
	t.RetiredInstructions += r.RetiredInstructions
	t.ReferenceClock += r.ReferenceClock
	for i, v := range r.GeneralCounters {
		if i < len(t.GeneralCounters) {
			t.GeneralCounters[i] += v
		}
	}
}

// RunTotals aggregates every sampled processor since the last ResetTotals
type RunTotals struct {
	CounterTotals

	Raw        RawTotals
	ByCoreType map[string]*CounterTotals
	Ticks      uint64

	// Power is the latest reading; the energies accumulate every valid
	// reading since the last reset
	Power         PowerReading
	PackageEnergy device.Energy
	DomainEnergy  device.Energy
}

func newRunTotals(coreTypes []CoreType) RunTotals {
	width := 0
	for _, ct := range coreTypes {
		width = max(width, ct.CounterCapacity)
	}

	t := RunTotals{
		CounterTotals: CounterTotals{GeneralCounters: make([]float64, width)},
		Raw:           RawTotals{GeneralCounters: make([]uint64, width)},
		ByCoreType:    make(map[string]*CounterTotals, len(coreTypes)),
	}
	for _, ct := range coreTypes {
		t.ByCoreType[ct.Label] = &CounterTotals{GeneralCounters: make([]float64, ct.CounterCapacity)}
	}
	return t
}

// Clone returns a deep copy of the totals
func (t *RunTotals) Clone() *RunTotals {
	if t == nil {
		return nil
	}
	c := *t
	c.CounterTotals = t.CounterTotals.clone()
	c.Raw.GeneralCounters = slices.Clone(t.Raw.GeneralCounters)
	c.ByCoreType = make(map[string]*CounterTotals, len(t.ByCoreType))
	for label, totals := range t.ByCoreType {
		ct := totals.clone()
		c.ByCoreType[label] = &ct
	}
	return &c
}

// PowerDomain selects the RAPL domain reported next to the package
type PowerDomain string

const (
	PowerDomainPP0  PowerDomain = "pp0"
	PowerDomainPP1  PowerDomain = "pp1"
	PowerDomainDRAM PowerDomain = "dram"
)

// Register returns the energy status register of the domain
func (d PowerDomain) Register() (uint32, bool) {
	switch d {
	case PowerDomainPP0:
		return device.MSRPP0EnergyStatus, true
	case PowerDomainPP1:
		return device.MSRPP1EnergyStatus, true
	case PowerDomainDRAM:
		return device.MSRDRAMEnergyStatus, true
	}
	return 0, false
}

// PowerReading is the average power since the previous ReadPower
type PowerReading struct {
	Domain        PowerDomain
	PackageWatts  float64
	DomainWatts   float64
	PackageEnergy device.Energy
	DomainEnergy  device.Energy
	Interval      time.Duration

	// Valid is false until a baseline exists, i.e. on the first reading
	Valid bool
}
