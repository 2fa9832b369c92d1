// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package metric

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
)

// Engine is the part of the counter engine a session drives
type Engine interface {
	CoreTypes() []pmu.CoreType
	Program(events []pmu.EventSelector, target pmu.CoreTypeFilter) (pmu.ProgramResult, error)
	Disable(target pmu.CoreTypeFilter) (pmu.ProgramResult, error)
	SampleAll() (*pmu.RunTotals, error)
	ReadPower() (pmu.PowerReading, error)
	ResetTotals()
	Totals() *pmu.RunTotals
	Snapshots() []*pmu.NormalizedCounterSnapshot
}

var _ Engine = (*pmu.Engine)(nil)

// ErrNotStarted is returned by Tick before Start
var ErrNotStarted = errors.New("session not started")

// Tick is the outcome of one session tick
type Tick struct {
	Threads []*pmu.NormalizedCounterSnapshot
	Totals  *pmu.RunTotals
	Power   pmu.PowerReading
	Result  Result
}

// Session drives an engine on behalf of one client
type Session struct {
	logger *slog.Logger
	engine Engine
	client Client
	target pmu.CoreTypeFilter

	mu         sync.Mutex
	started    bool
	program    pmu.ProgramResult
	programmed map[int]bool
}

// SessionOptFn is a functional option for configuring a Session
type SessionOptFn func(*Session)

// WithSessionLogger sets the logger of the session
func WithSessionLogger(logger *slog.Logger) SessionOptFn {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithTarget overrides the core types the client events are programmed on
func WithTarget(target pmu.CoreTypeFilter) SessionOptFn {
	return func(s *Session) {
		s.target = target
	}
}

// NewSession binds client to engine
func NewSession(engine Engine, client Client, opts ...SessionOptFn) *Session {
	s := &Session{
		logger: slog.Default(),
		engine: engine,
		client: client,
		target: client.Target,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("service", "session", "client", client.Name)
	return s
}

// Client returns the client of the session
func (s *Session) Client() Client {
	return s.client
}

// CoreTypes returns the core types discovered by the engine
func (s *Session) CoreTypes() []pmu.CoreType {
	return s.engine.CoreTypes()
}

// Start disables every counter, programs the client events and resets the
// run totals. Processors that failed to program are remembered and their
// values are reported as not available.
func (s *Session) Start() (pmu.ProgramResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	disabled, err := s.engine.Disable(pmu.AllCoreTypes())
	if err != nil {
		return pmu.ProgramResult{}, fmt.Errorf("failed to disable counters: %w", err)
	}
	if len(disabled.Failed) > 0 {
		s.logger.Warn("Failed to disable counters on some processors", "cpus", disabled.FailedCPUs())
	}

	result, err := s.engine.Program(s.client.Events, s.target)
	if err != nil {
		return pmu.ProgramResult{}, fmt.Errorf("failed to program %s events: %w", s.client.Name, err)
	}
	if len(result.Failed) > 0 {
		s.logger.Warn("Failed to program some processors", "cpus", result.FailedCPUs())
	}
	for label, n := range result.Dropped {
		s.logger.Warn("Core type has fewer counters than the client needs",
			"core-type", label, "dropped", n)
	}

	s.engine.ResetTotals()

	s.program = result
	s.programmed = make(map[int]bool, len(result.Processors))
	for _, cpu := range result.Processors {
		s.programmed[cpu] = true
	}
	s.started = true

	s.logger.Info("Session started", "target", s.target.String(),
		"events", len(s.client.Events), "processors", len(result.Processors))
	return result, nil
}

// ProgramResult returns the result of the last Start
func (s *Session) ProgramResult() pmu.ProgramResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.program
}

// Tick samples every processor, reads power and computes the client
// values. Sampling and power failures are returned next to a usable Tick.
func (s *Session) Tick() (*Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil, ErrNotStarted
	}

	if !s.client.Cumulative {
		s.engine.ResetTotals()
	}

	var errs []error
	totals, err := s.engine.SampleAll()
	if err != nil {
		errs = append(errs, err)
	}
	if totals == nil {
		return nil, errors.Join(errs...)
	}

	power, err := s.engine.ReadPower()
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to read power: %w", err))
	} else {
		// pick up the power reading and the energy it accumulated
		totals = s.engine.Totals()
	}

	tick := &Tick{
		Threads: s.engine.Snapshots(),
		Totals:  totals,
		Power:   power,
	}

	tick.Result = s.client.Compute(Input{
		CoreTypes:  s.engine.CoreTypes(),
		Threads:    tick.Threads,
		Totals:     totals,
		Power:      power,
		Programmed: s.programmed,
	})
	return tick, errors.Join(errs...)
}

// Stop disables the counters of every processor
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false

	result, err := s.engine.Disable(pmu.AllCoreTypes())
	if err != nil {
		return err
	}
	return result.Err(pmu.OpDisable)
}
