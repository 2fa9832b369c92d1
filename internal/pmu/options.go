// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package pmu

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// DefaultTargetInterval is the interval counter deltas are normalized to
const DefaultTargetInterval = time.Second

type Opts struct {
	logger         *slog.Logger
	clock          clock.PassiveClock
	targetInterval time.Duration
	profiles       Profiles
	powerDomain    PowerDomain
}

// DefaultOpts returns the engine defaults
func DefaultOpts() Opts {
	return Opts{
		logger:         slog.Default(),
		clock:          clock.RealClock{},
		targetInterval: DefaultTargetInterval,
		profiles:       DefaultProfiles(),
		powerDomain:    PowerDomainPP0,
	}
}

// OptionFn sets one or more options in Opts
type OptionFn func(*Opts)

// WithLogger sets the logger of the engine
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock used for normalization and power intervals
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithTargetInterval sets the interval deltas are normalized to
func WithTargetInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.targetInterval = d
	}
}

// WithCoreTypeProfiles sets the core type profile table used by discovery
func WithCoreTypeProfiles(p Profiles) OptionFn {
	return func(o *Opts) {
		o.profiles = p
	}
}

// WithPowerDomain sets the RAPL domain reported next to the package
func WithPowerDomain(d PowerDomain) OptionFn {
	return func(o *Opts) {
		o.powerDomain = d
	}
}
