// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
)

var (
	// ErrAffinityBusy is returned by Pin while another Handle of the same port is live
	ErrAffinityBusy = errors.New("affinity already pinned by a live handle")

	// ErrHandleReleased is returned by every Handle call made after Release
	ErrHandleReleased = errors.New("handle already released")

	// ErrNoSuchProcessor is returned when pinning to a processor the port does not know
	ErrNoSuchProcessor = errors.New("no such logical processor")
)

// Port is the privileged register access capability. A Port exposes model
// specific registers of logical processors, but only through a Handle that is
// obtained by pinning the caller to a single processor.
type Port interface {
	// Name returns a string identifying the port implementation
	Name() string

	// Processors returns the logical processor indices in ascending order
	Processors() ([]int, error)

	// Pin sets the execution affinity of the caller to cpu and returns a
	// Handle scoped to it. Only one Handle may be live at a time.
	Pin(cpu int) (Handle, error)

	// Close releases all resources held by the port
	Close() error
}

// Handle is the capability token for register access on one pinned logical
// processor. A Handle is not safe for concurrent use.
type Handle interface {
	// CPU returns the logical processor the handle is pinned to
	CPU() int

	// ReadRegister reads the 64-bit register id
	ReadRegister(id uint32) (uint64, error)

	// WriteRegister writes value into register id
	WriteRegister(id uint32, value uint64) error

	// CPUID executes the CPUID instruction on the pinned processor
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	// Release unpins the caller; the handle is unusable afterwards
	Release() error
}
