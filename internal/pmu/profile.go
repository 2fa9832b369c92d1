// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package pmu

import "fmt"

const (
	defaultRetirementWidth   = 4
	defaultFallbackCounters  = 4
	defaultFallbackFixedMask = 0b111
	defaultCounterWidth      = 48
)

// CoreTypeProfile is the configuration data attached to a hardware core type
// tag: its display label, retirement width and the counter layout assumed
// when the hardware reports none.
type CoreTypeProfile struct {
	TypeTag           uint8  `yaml:"typeTag"`
	Label             string `yaml:"label"`
	RetirementWidth   int    `yaml:"retirementWidth"`
	FallbackCounters  int    `yaml:"fallbackCounters"`
	FallbackFixedMask uint8  `yaml:"fallbackFixedMask"`
}

// Profiles is an ordered core type profile table
type Profiles []CoreTypeProfile

// DefaultProfiles returns the profiles of the known hybrid core types
func DefaultProfiles() Profiles {
	return Profiles{
		{TypeTag: 0x40, Label: "Performance", RetirementWidth: 6, FallbackCounters: defaultFallbackCounters, FallbackFixedMask: defaultFallbackFixedMask},
		{TypeTag: 0x20, Label: "Efficiency", RetirementWidth: 5, FallbackCounters: defaultFallbackCounters, FallbackFixedMask: defaultFallbackFixedMask},
		{TypeTag: 0x00, Label: "Default", RetirementWidth: defaultRetirementWidth, FallbackCounters: defaultFallbackCounters, FallbackFixedMask: defaultFallbackFixedMask},
	}
}

// Lookup returns the profile for tag. Unknown tags get a synthesized
// "Type 0xNN" profile; zero fields of a known profile take the defaults.
func (ps Profiles) Lookup(tag uint8) CoreTypeProfile {
	p := CoreTypeProfile{TypeTag: tag, Label: fmt.Sprintf("Type 0x%02X", tag)}
	for _, candidate := range ps {
		if candidate.TypeTag == tag {
			p = candidate
			break
		}
	}

	if p.Label == "" {
		p.Label = fmt.Sprintf("Type 0x%02X", tag)
	}
	if p.RetirementWidth <= 0 {
		p.RetirementWidth = defaultRetirementWidth
	}
	if p.FallbackCounters <= 0 {
		p.FallbackCounters = defaultFallbackCounters
	}
	if p.FallbackFixedMask == 0 {
		p.FallbackFixedMask = defaultFallbackFixedMask
	}
	return p
}

// Validate reports duplicate tags or labels
func (ps Profiles) Validate() error {
	tags := make(map[uint8]bool, len(ps))
	labels := make(map[string]bool, len(ps))
	for _, p := range ps {
		if tags[p.TypeTag] {
			return fmt.Errorf("duplicate core type tag 0x%02X", p.TypeTag)
		}
		tags[p.TypeTag] = true

		if p.Label == "" {
			continue
		}
		if labels[p.Label] {
			return fmt.Errorf("duplicate core type label %q", p.Label)
		}
		labels[p.Label] = true
	}
	return nil
}
