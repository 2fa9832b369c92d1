// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package pmu

import "strings"

// CoreTypeFilter selects the core types an operation applies to
type CoreTypeFilter struct {
	label string // empty matches every core type
}

// AllCoreTypes matches every discovered core type
func AllCoreTypes() CoreTypeFilter {
	return CoreTypeFilter{}
}

// OnlyCoreType matches the core type with the given label (case-insensitive)
func OnlyCoreType(label string) CoreTypeFilter {
	return CoreTypeFilter{label: strings.TrimSpace(label)}
}

// ParseCoreTypeFilter parses "all" (or an empty string) or a core type label
func ParseCoreTypeFilter(s string) CoreTypeFilter {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return AllCoreTypes()
	}
	return OnlyCoreType(s)
}

// All reports whether the filter matches every core type
func (f CoreTypeFilter) All() bool {
	return f.label == ""
}

// Matches reports whether ct is selected by the filter
func (f CoreTypeFilter) Matches(ct CoreType) bool {
	return f.label == "" || strings.EqualFold(f.label, ct.Label)
}

func (f CoreTypeFilter) String() string {
	if f.label == "" {
		return "all"
	}
	return f.label
}
