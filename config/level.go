// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
)

// Level selects the metric groups exported by the Prometheus exporter using
// bit patterns
type Level uint32

const (
	MetricsLevelThread   Level = 1 << iota // 1: per processor counter rates and availability
	MetricsLevelTotals                     // 2: raw run totals and ticks
	MetricsLevelPower                      // 4: RAPL package and domain power
	MetricsLevelCoreType                   // 8: core type layout
	MetricsLevelClient                     // 16: metric client values

	// MetricsLevelAll represents all metric levels combined
	MetricsLevelAll = MetricsLevelThread | MetricsLevelTotals | MetricsLevelPower | MetricsLevelCoreType | MetricsLevelClient
)

var levelNames = []struct {
	level Level
	name  string
}{
	{MetricsLevelThread, "thread"},
	{MetricsLevelTotals, "totals"},
	{MetricsLevelPower, "power"},
	{MetricsLevelCoreType, "core-type"},
	{MetricsLevelClient, "client"},
}

func (l Level) names() []string {
	var levels []string
	for _, ln := range levelNames {
		if l&ln.level != 0 {
			levels = append(levels, ln.name)
		}
	}
	return levels
}

// String returns the string representation of the level
func (l Level) String() string {
	return strings.Join(l.names(), ",")
}

// IsThreadEnabled checks if per processor metrics are enabled
func (l Level) IsThreadEnabled() bool {
	return l&MetricsLevelThread != 0
}

// IsTotalsEnabled checks if run total metrics are enabled
func (l Level) IsTotalsEnabled() bool {
	return l&MetricsLevelTotals != 0
}

// IsPowerEnabled checks if power metrics are enabled
func (l Level) IsPowerEnabled() bool {
	return l&MetricsLevelPower != 0
}

// IsCoreTypeEnabled checks if core type metrics are enabled
func (l Level) IsCoreTypeEnabled() bool {
	return l&MetricsLevelCoreType != 0
}

// IsClientEnabled checks if metric client values are enabled
func (l Level) IsClientEnabled() bool {
	return l&MetricsLevelClient != 0
}

// ParseLevel parses a slice of strings into a Level
func ParseLevel(levels []string) (Level, error) {
	if len(levels) == 0 {
		return MetricsLevelAll, nil
	}

	var result Level
	for _, level := range levels {
		name := strings.ToLower(strings.TrimSpace(level))
		found := false
		for _, ln := range levelNames {
			if ln.name == name {
				result |= ln.level
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown metrics level: %s", level)
		}
	}

	return result, nil
}

// ValidLevels returns the list of valid metrics levels
func ValidLevels() []string {
	return MetricsLevelAll.names()
}

// MarshalYAML implements yaml.Marshaler interface
func (l Level) MarshalYAML() (interface{}, error) {
	levels := l.names()
	// single string for one level
	if len(levels) == 1 {
		return levels[0], nil
	}
	return levels, nil
}

// UnmarshalYAML implements yaml.Unmarshaler interface
func (l *Level) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		parsed, parseErr := ParseLevel([]string{single})
		if parseErr != nil {
			return parseErr
		}
		*l = parsed
		return nil
	}

	var multiple []string
	if err := unmarshal(&multiple); err == nil {
		parsed, parseErr := ParseLevel(multiple)
		if parseErr != nil {
			return parseErr
		}
		*l = parsed
		return nil
	}

	return fmt.Errorf("cannot unmarshal metrics level: must be a string or array of strings")
}
