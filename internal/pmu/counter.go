// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package pmu

import (
	"fmt"

	"github.com/sustainable-computing-io/pmcmon/internal/device"
)

// widthMask returns the mask of a counter that is width bits wide
func widthMask(width int) uint64 {
	if width <= 0 || width >= 64 {
		return ^uint64(0)
	}
	return 1<<width - 1
}

// ExclusiveCounter is a counter owned by the current programming session.
// It can only be read by clearing it.
type ExclusiveCounter struct {
	id   uint32
	mask uint64
}

// NewExclusiveCounter returns a clear-on-read counter for register id
func NewExclusiveCounter(id uint32, width int) ExclusiveCounter {
	return ExclusiveCounter{id: id, mask: widthMask(width)}
}

// ReadAndClear returns the count since the previous clear and zeroes the register
func (c ExclusiveCounter) ReadAndClear(h device.Handle) (uint64, error) {
	v, err := h.ReadRegister(c.id)
	if err != nil {
		return 0, err
	}
	if err := h.WriteRegister(c.id, 0); err != nil {
		return 0, fmt.Errorf("failed to clear counter 0x%x: %w", c.id, err)
	}
	return v & c.mask, nil
}

// DeltaPolicy decides the delta when a shared counter did not move forward
type DeltaPolicy int

const (
	// ResetOnDecrease treats a backwards reading as an external reset: the
	// raw reading is the delta
	ResetOnDecrease DeltaPolicy = iota

	// WrapOnDecrease treats a backwards reading as a wrap at the counter width
	WrapOnDecrease
)

// SharedCounter is a free-running counter other observers depend on. It is
// never written; deltas are computed against the previous raw reading.
//
// A reading equal to the previous one yields a zero delta: the processor was
// halted for the whole tick, which a wrap or reset cannot be told apart from.
// Program primes the previous reading with the live counter value, so the
// first delta after programming covers only the new session and never the
// counts accumulated before it.
type SharedCounter struct {
	id     uint32
	mask   uint64
	policy DeltaPolicy
}

// NewSharedCounter returns a read-only counter for register id
func NewSharedCounter(id uint32, width int, policy DeltaPolicy) SharedCounter {
	return SharedCounter{id: id, mask: widthMask(width), policy: policy}
}

// Delta reads the counter and returns the delta against prev and the new
// raw reading. backwards is set when the reading did not exceed prev and was
// not equal to it, which cannot be told apart from a wrap or an external reset.
func (c SharedCounter) Delta(h device.Handle, prev uint64) (delta, raw uint64, backwards bool, err error) {
	v, err := h.ReadRegister(c.id)
	if err != nil {
		return 0, 0, false, err
	}
	raw = v & c.mask
	delta, backwards = c.delta(prev, raw)
	return delta, raw, backwards, nil
}

func (c SharedCounter) delta(prev, cur uint64) (uint64, bool) {
	switch {
	case cur > prev:
		return cur - prev, false
	case cur == prev:
		return 0, false
	}

	if c.policy == WrapOnDecrease {
		return cur + (c.mask - prev), true
	}
	return cur, true
}
