// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package metric

import (
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
)

// Flag is a bit of the IA32_PERFEVTSELx layout
type Flag uint64

const (
	FlagUSR    Flag = 1 << 16 // count in ring 3
	FlagOS     Flag = 1 << 17 // count in ring 0
	FlagEdge   Flag = 1 << 18
	FlagEnable Flag = 1 << 22
	FlagInvert Flag = 1 << 23
)

// CounterMask returns the CMASK field; the counter increments only in
// cycles with at least n events
func CounterMask(n uint8) Flag {
	return Flag(n) << 24
}

// Encode builds an event selector from an event number, a unit mask and flags
func Encode(event, umask uint8, flags ...Flag) pmu.EventSelector {
	v := uint64(event) | uint64(umask)<<8
	for _, f := range flags {
		v |= uint64(f)
	}
	return pmu.EventSelector(v)
}

// Arch encodes an architectural event counted in user and kernel mode
func Arch(event, umask uint8) pmu.EventSelector {
	return Encode(event, umask, FlagUSR, FlagOS, FlagEnable)
}
