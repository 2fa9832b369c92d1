// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package pmu

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoCoreTypes is returned by New when discovery yields no usable core type
	ErrNoCoreTypes = errors.New("no usable core types discovered")

	// ErrNoMatchingCoreType is returned when a CoreTypeFilter matches nothing
	ErrNoMatchingCoreType = errors.New("filter matches no core type")

	// ErrRegisterAccess marks every per-processor register failure
	ErrRegisterAccess = errors.New("register access failed")
)

// Op names the engine operation a ProcessorError occurred in
type Op string

const (
	OpDiscover Op = "discover"
	OpProgram  Op = "program"
	OpDisable  Op = "disable"
	OpSample   Op = "sample"
	OpPower    Op = "power"
)

// ProcessorError is a register access failure on one logical processor
type ProcessorError struct {
	CPU int
	Op  Op
	Err error
}

func (e ProcessorError) Error() string {
	return fmt.Sprintf("%s on cpu %d: %v", e.Op, e.CPU, e.Err)
}

// Unwrap matches both ErrRegisterAccess and the underlying port error
func (e ProcessorError) Unwrap() []error {
	return []error{ErrRegisterAccess, e.Err}
}

// PartialError reports processors that failed while the rest of the
// operation succeeded
type PartialError struct {
	Op     Op
	Failed []ProcessorError
}

func (e *PartialError) Error() string {
	if len(e.Failed) == 0 {
		return fmt.Sprintf("%s failed", e.Op)
	}
	cpus := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		cpus = append(cpus, fmt.Sprint(f.CPU))
	}
	return fmt.Sprintf("%s failed on %d processor(s) [%s]: %v",
		e.Op, len(e.Failed), strings.Join(cpus, ","), e.Failed[0].Err)
}

func (e *PartialError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f
	}
	return errs
}

// CPUs returns the failed processor indices
func (e *PartialError) CPUs() []int {
	cpus := make([]int, len(e.Failed))
	for i, f := range e.Failed {
		cpus[i] = f.CPU
	}
	return cpus
}
