// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package metric

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
)

// Client is a metric computation client: the events it needs programmed and
// a pure transform of one tick of counter data into metric values
type Client struct {
	Name        string
	Description string

	// Target selects the core types Events are programmed on
	Target pmu.CoreTypeFilter
	Events []pmu.EventSelector

	// Cumulative clients keep accumulating run totals across ticks
	Cumulative bool

	// Metrics are the value names Compute produces, in display order
	Metrics []string

	Compute func(Input) Result
}

// Validate checks the client is usable
func (c Client) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, fmt.Errorf("client name is empty"))
	}
	if c.Compute == nil {
		errs = append(errs, fmt.Errorf("client %q has no compute function", c.Name))
	}
	if len(c.Metrics) == 0 {
		errs = append(errs, fmt.Errorf("client %q declares no metrics", c.Name))
	}
	return errors.Join(errs...)
}

// Input is one tick of data handed to Compute. It must not be retained.
type Input struct {
	CoreTypes []pmu.CoreType
	Threads   []*pmu.NormalizedCounterSnapshot
	Totals    *pmu.RunTotals
	Power     pmu.PowerReading

	// Programmed holds the processors whose counters were programmed for
	// the client; values of other processors are not available
	Programmed map[int]bool
}

// CoreType returns the core type with the given label
func (in Input) CoreType(label string) (pmu.CoreType, bool) {
	for _, ct := range in.CoreTypes {
		if ct.Label == label {
			return ct, true
		}
	}
	return pmu.CoreType{}, false
}

// ThreadValues are the metric values of one logical processor
type ThreadValues struct {
	CPU      int
	CoreType string
	Values   []Value
}

// Result holds the values Compute produced, aligned with Names
type Result struct {
	Names   []string
	Total   []Value
	Threads []ThreadValues
}

// Get returns the total value called name
func (r Result) Get(name string) Value {
	for i, n := range r.Names {
		if n == name && i < len(r.Total) {
			return r.Total[i]
		}
	}
	return NA()
}

// Thread returns the values of cpu
func (r Result) Thread(cpu int) (ThreadValues, bool) {
	for _, tv := range r.Threads {
		if tv.CPU == cpu {
			return tv, true
		}
	}
	return ThreadValues{}, false
}

// Clone returns a deep copy of the result
func (r Result) Clone() Result {
	c := Result{
		Names: slices.Clone(r.Names),
		Total: slices.Clone(r.Total),
	}
	if r.Threads != nil {
		c.Threads = make([]ThreadValues, len(r.Threads))
		for i, tv := range r.Threads {
			tv.Values = slices.Clone(tv.Values)
			c.Threads[i] = tv
		}
	}
	return c
}

// notAvailable returns n unavailable values
func notAvailable(n int) []Value {
	return make([]Value, n)
}

// Counters is the counter view a per thread transform works on
type Counters struct {
	ActiveCycles        float64
	RetiredInstructions float64
	ReferenceClock      float64
	General             []float64
}

// GP returns general purpose counter i, zero when absent
func (c Counters) GP(i int) float64 {
	if i < 0 || i >= len(c.General) {
		return 0
	}
	return c.General[i]
}

// perThread builds a Result applying fn to every thread and to the totals.
// Threads that were not programmed get unavailable values.
func perThread(names []string, in Input, fn func(c Counters, retirementWidth int) []Value, total func(in Input) []Value) Result {
	r := Result{Names: names}
	for _, snap := range in.Threads {
		tv := ThreadValues{CPU: snap.CPU, CoreType: snap.CoreType}
		if !in.Programmed[snap.CPU] {
			tv.Values = notAvailable(len(names))
		} else {
			width := 0
			if ct, ok := in.CoreType(snap.CoreType); ok {
				width = ct.RetirementWidth
			}
			tv.Values = fn(Counters{
				ActiveCycles:        snap.ActiveCycles,
				RetiredInstructions: snap.RetiredInstructions,
				ReferenceClock:      snap.ReferenceClock,
				General:             snap.GeneralCounters,
			}, width)
		}
		r.Threads = append(r.Threads, tv)
	}

	if in.Totals != nil {
		r.Total = total(in)
	} else {
		r.Total = notAvailable(len(names))
	}
	return r
}

// totalCounters returns the normalized run totals as Counters
func totalCounters(t *pmu.RunTotals) Counters {
	return Counters{
		ActiveCycles:        t.ActiveCycles,
		RetiredInstructions: t.RetiredInstructions,
		ReferenceClock:      t.ReferenceClock,
		General:             t.GeneralCounters,
	}
}
