// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sustainable-computing-io/pmcmon/internal/metric"
	"github.com/sustainable-computing-io/pmcmon/internal/monitor"
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
)

// ListCoreTypesParams defines parameters for list_core_types tool
type ListCoreTypesParams struct {
	CoreType string `json:"core_type,omitempty" jsonschema:"Only list the core type with this label"`
}

// ListTopThreadsParams defines parameters for list_top_threads tool
type ListTopThreadsParams struct {
	Metric   string `json:"metric,omitempty" jsonschema:"Client metric to rank by (default: first metric of the client)"`
	CoreType string `json:"core_type,omitempty" jsonschema:"Only rank processors of this core type"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum number of results (default: 5)"`
}

// GetThreadCountersParams defines parameters for get_thread_counters tool
type GetThreadCountersParams struct {
	CPU int `json:"cpu" jsonschema:"Logical processor index"`
}

// GetPowerParams defines parameters for get_power tool
type GetPowerParams struct{}

// ThreadValue is a processor ranked by a client metric
type ThreadValue struct {
	CPU      int
	CoreType string
	Value    float64
}

func textResult(text string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func (s *Server) handleListCoreTypes(_ context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[ListCoreTypesParams]) (*mcp.CallToolResultFor[any], error) {
	s.logger.Debug("Handling list_core_types request", "core_type", params.Arguments.CoreType)

	coreTypes := s.monitor.CoreTypes()
	if label := params.Arguments.CoreType; label != "" {
		coreTypes = slices.DeleteFunc(slices.Clone(coreTypes), func(ct pmu.CoreType) bool {
			return ct.Label != label
		})
		if len(coreTypes) == 0 {
			return nil, fmt.Errorf("unknown core type: %s", label)
		}
	}

	return textResult(formatCoreTypes(coreTypes)), nil
}

func (s *Server) handleListTopThreads(_ context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[ListTopThreadsParams]) (*mcp.CallToolResultFor[any], error) {
	s.logger.Debug("Handling list_top_threads request",
		"metric", params.Arguments.Metric,
		"core_type", params.Arguments.CoreType)

	snapshot, err := s.monitor.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	limit := params.Arguments.Limit
	if limit <= 0 {
		limit = 5
	}

	result := snapshot.Result
	if len(result.Names) == 0 {
		return textResult("The metric client produced no values yet."), nil
	}
	name := params.Arguments.Metric
	if name == "" {
		name = result.Names[0]
	}
	idx := slices.Index(result.Names, name)
	if idx < 0 {
		return nil, fmt.Errorf("unknown metric %q, client %s computes: %s",
			name, s.monitor.Client().Name, strings.Join(result.Names, ", "))
	}

	ranked := topThreads(result, idx, params.Arguments.CoreType, limit)
	return textResult(formatTopThreads(name, ranked)), nil
}

func (s *Server) handleGetThreadCounters(_ context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[GetThreadCountersParams]) (*mcp.CallToolResultFor[any], error) {
	cpu := params.Arguments.CPU
	s.logger.Debug("Handling get_thread_counters request", "cpu", cpu)

	snapshot, err := s.monitor.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	i := slices.IndexFunc(snapshot.Threads, func(t *pmu.NormalizedCounterSnapshot) bool {
		return t.CPU == cpu
	})
	if i < 0 {
		return nil, fmt.Errorf("processor not found: %d", cpu)
	}

	var values *metric.ThreadValues
	for j := range snapshot.Result.Threads {
		if snapshot.Result.Threads[j].CPU == cpu {
			values = &snapshot.Result.Threads[j]
			break
		}
	}

	return textResult(formatThread(snapshot, snapshot.Threads[i], values)), nil
}

func (s *Server) handleGetPower(_ context.Context, _ *mcp.ServerSession, _ *mcp.CallToolParamsFor[GetPowerParams]) (*mcp.CallToolResultFor[any], error) {
	s.logger.Debug("Handling get_power request")

	snapshot, err := s.monitor.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return textResult(formatPower(snapshot.Power)), nil
}

// topThreads returns at most limit processors ordered by the value at idx,
// highest first; unavailable values are left out
func topThreads(result metric.Result, idx int, coreType string, limit int) []ThreadValue {
	ranked := make([]ThreadValue, 0, len(result.Threads))
	for _, tv := range result.Threads {
		if coreType != "" && tv.CoreType != coreType {
			continue
		}
		if idx >= len(tv.Values) {
			continue
		}
		if v, ok := tv.Values[idx].Float(); ok {
			ranked = append(ranked, ThreadValue{CPU: tv.CPU, CoreType: tv.CoreType, Value: v})
		}
	}

	slices.SortStableFunc(ranked, func(a, b ThreadValue) int {
		if c := cmp.Compare(b.Value, a.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.CPU, b.CPU)
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func formatCoreTypes(coreTypes []pmu.CoreType) string {
	if len(coreTypes) == 0 {
		return "No core types discovered."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d core types:\n\n", len(coreTypes))
	for _, ct := range coreTypes {
		fmt.Fprintf(&sb, "%s (tag 0x%02x): processors %s, cores %d, counters %d x %d bits, fixed %03b",
			ct.Label, ct.TypeTag, ct.Processors.String(), ct.CoreCount,
			ct.CounterCapacity, ct.CounterWidth, ct.FixedCounterMask)
		if ct.Degraded {
			sb.WriteString(", degraded")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatTopThreads(name string, ranked []ThreadValue) string {
	if len(ranked) == 0 {
		return fmt.Sprintf("No processors have a value for %s.", name)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Top %d processors by %s:\n\n", len(ranked), name)
	for i, t := range ranked {
		fmt.Fprintf(&sb, "%d. cpu %d (%s): %.3f\n", i+1, t.CPU, t.CoreType, t.Value)
	}
	return sb.String()
}

func formatThread(snapshot *monitor.Snapshot, t *pmu.NormalizedCounterSnapshot, values *metric.ThreadValues) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cpu %d Details:\n", t.CPU)
	fmt.Fprintf(&sb, "Core Type: %s\n", t.CoreType)
	if slices.Contains(snapshot.ProgramFailed, t.CPU) {
		sb.WriteString("Programming failed on this processor\n")
	}
	if slices.Contains(snapshot.SampleFailed, t.CPU) {
		sb.WriteString("Sampling failed on this processor in the last tick\n")
	}
	fmt.Fprintf(&sb, "Normalization Factor: %.4f\n", t.NormalizationFactor)

	sb.WriteString("\nCounters:\n")
	fmt.Fprintf(&sb, "  active_cycles: %.0f\n", t.ActiveCycles)
	fmt.Fprintf(&sb, "  retired_instructions: %.0f\n", t.RetiredInstructions)
	fmt.Fprintf(&sb, "  reference_clock: %.0f\n", t.ReferenceClock)
	for i, v := range t.GeneralCounters {
		fmt.Fprintf(&sb, "  gp%d: %.0f\n", i, v)
	}

	if values != nil && len(snapshot.Result.Names) > 0 {
		sb.WriteString("\nMetrics:\n")
		for i, name := range snapshot.Result.Names {
			v := metric.NA()
			if i < len(values.Values) {
				v = values.Values[i]
			}
			fmt.Fprintf(&sb, "  %s: %s\n", name, v)
		}
	}
	return sb.String()
}

func formatPower(power pmu.PowerReading) string {
	if !power.Valid {
		return "No power reading yet: the first reading only sets the energy baseline."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Power over the last %s:\n", power.Interval)
	fmt.Fprintf(&sb, "  package: %.2fW, energy %s\n", power.PackageWatts, power.PackageEnergy)
	fmt.Fprintf(&sb, "  %s: %.2fW, energy %s\n", power.Domain, power.DomainWatts, power.DomainEnergy)
	return sb.String()
}
