// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package device

import (
	"errors"
	"log/slog"
)

// DefaultMSRPath is the device path template of the Linux msr driver
const DefaultMSRPath = "/dev/cpu/%d/msr"

var errMSRUnsupported = errors.New("msr register port is only supported on linux")

// msrPort is unavailable outside linux
type msrPort struct{}

// MSRPortOptFn is a functional option for configuring the MSR port
type MSRPortOptFn func(*msrPort)

// WithMSRLogger is a no-op outside linux
func WithMSRLogger(_ *slog.Logger) MSRPortOptFn {
	return func(*msrPort) {}
}

// WithDevicePath is a no-op outside linux
func WithDevicePath(_ string) MSRPortOptFn {
	return func(*msrPort) {}
}

// NewMSRPort always fails outside linux
func NewMSRPort(_ string, _ ...MSRPortOptFn) (*msrPort, error) {
	return nil, errMSRUnsupported
}

func (p *msrPort) Name() string { return "msr" }
func (p *msrPort) Processors() ([]int, error) { return nil, errMSRUnsupported }
func (p *msrPort) Pin(cpu int) (Handle, error) { return nil, errMSRUnsupported }
func (p *msrPort) Close() error { return nil }
