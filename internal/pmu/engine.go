// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package pmu

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sustainable-computing-io/pmcmon/internal/device"
	"k8s.io/utils/clock"
)

// Engine acquires and normalizes performance counters of every logical
// processor reachable through a register port. All methods are serialized.
type Engine struct {
	logger         *slog.Logger
	port           device.Port
	clock          clock.PassiveClock
	targetInterval time.Duration
	powerDomain    PowerDomain

	mu        sync.Mutex
	coreTypes []CoreType
	cpus      []int
	cpuType   map[int]int // CPU ID -> index into coreTypes
	skipped   []ProcessorError
	snapshots map[int]*NormalizedCounterSnapshot
	carry     map[int]RawCounters // counts cleared by a failed sample
	totals    RunTotals
	lastTick  time.Time
	power     powerState
}

// New discovers the topology behind port and returns an engine for it.
// Port unavailability and an empty topology are the only fatal errors.
// Processors that fail discovery are excluded and listed by Unavailable.
func New(port device.Port, applyOpts ...OptionFn) (*Engine, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	if opts.targetInterval <= 0 {
		return nil, fmt.Errorf("invalid target interval %v", opts.targetInterval)
	}
	if _, ok := opts.powerDomain.Register(); !ok {
		return nil, fmt.Errorf("unknown power domain %q", opts.powerDomain)
	}

	logger := opts.logger.With("service", "pmu")

	coreTypes, err := Discover(port, opts.profiles, logger)
	var partial *PartialError
	if err != nil && (len(coreTypes) == 0 || !errors.As(err, &partial)) {
		return nil, fmt.Errorf("topology discovery failed: %w", err)
	}

	e := &Engine{
		logger:         logger,
		port:           port,
		clock:          opts.clock,
		targetInterval: opts.targetInterval,
		powerDomain:    opts.powerDomain,
		coreTypes:      coreTypes,
		cpuType:        make(map[int]int),
		snapshots:      make(map[int]*NormalizedCounterSnapshot),
		carry:          make(map[int]RawCounters),
		totals:         newRunTotals(coreTypes),
	}
	if partial != nil {
		e.skipped = slices.Clone(partial.Failed)
	}

	for i, ct := range coreTypes {
		for _, cpu := range ct.Processors.List() {
			e.cpuType[cpu] = i
			e.cpus = append(e.cpus, cpu)
		}
	}
	slices.Sort(e.cpus)

	return e, nil
}

// CoreTypes returns a copy of the discovered core types
func (e *Engine) CoreTypes() []CoreType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.coreTypes)
}

// Processors returns every discovered logical processor in ascending order
func (e *Engine) Processors() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.cpus)
}

// Unavailable returns the processors excluded because discovery failed on them
func (e *Engine) Unavailable() []ProcessorError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.skipped)
}

// CoreTypeOf returns the core type cpu belongs to
func (e *Engine) CoreTypeOf(cpu int) (CoreType, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, ok := e.cpuType[cpu]
	if !ok {
		return CoreType{}, false
	}
	return e.coreTypes[i], true
}

// TargetInterval returns the interval deltas are normalized to
func (e *Engine) TargetInterval() time.Duration {
	return e.targetInterval
}

// PowerDomain returns the RAPL domain reported next to the package
func (e *Engine) PowerDomain() PowerDomain {
	return e.powerDomain
}

// matching returns the processors of every core type selected by target
func (e *Engine) matching(target CoreTypeFilter) ([]int, error) {
	var cpus []int
	for _, ct := range e.coreTypes {
		if target.Matches(ct) {
			cpus = append(cpus, ct.Processors.List()...)
		}
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatchingCoreType, target)
	}
	slices.Sort(cpus)
	return cpus, nil
}

// withHandle pins cpu, runs fn and releases the handle on every path
func (e *Engine) withHandle(cpu int, op Op, fn func(h device.Handle) error) (err error) {
	h, err := e.port.Pin(cpu)
	if err != nil {
		return ProcessorError{CPU: cpu, Op: op, Err: err}
	}
	defer func() {
		if relErr := h.Release(); relErr != nil {
			e.logger.Warn("Failed to release affinity", "cpu", cpu, "error", relErr)
			if err == nil {
				err = ProcessorError{CPU: cpu, Op: op, Err: relErr}
			}
		}
	}()

	if err := fn(h); err != nil {
		return ProcessorError{CPU: cpu, Op: op, Err: err}
	}
	return nil
}

// asProcessorError extracts the ProcessorError withHandle produced
func asProcessorError(err error) ProcessorError {
	var pe ProcessorError
	if errors.As(err, &pe) {
		return pe
	}
	return ProcessorError{CPU: -1, Err: err}
}
