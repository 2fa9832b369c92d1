// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"slices"
	"time"

	"github.com/sustainable-computing-io/pmcmon/internal/metric"
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
)

// Snapshot is one tick of counter data as seen by exporters
type Snapshot struct {
	Timestamp time.Time

	Threads []*pmu.NormalizedCounterSnapshot
	Totals  *pmu.RunTotals
	Power   pmu.PowerReading
	Result  metric.Result

	Programmed    []int // processors carrying the client events
	ProgramFailed []int
	SampleFailed  []int // processors not read this tick
}

// NewSnapshot returns an empty snapshot
func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// Clone returns a deep copy of the snapshot
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}

	c := &Snapshot{
		Timestamp:     s.Timestamp,
		Totals:        s.Totals.Clone(),
		Power:         s.Power,
		Result:        s.Result.Clone(),
		Programmed:    slices.Clone(s.Programmed),
		ProgramFailed: slices.Clone(s.ProgramFailed),
		SampleFailed:  slices.Clone(s.SampleFailed),
	}
	if s.Threads != nil {
		c.Threads = make([]*pmu.NormalizedCounterSnapshot, len(s.Threads))
		for i, t := range s.Threads {
			c.Threads[i] = t.Clone()
		}
	}
	return c
}
