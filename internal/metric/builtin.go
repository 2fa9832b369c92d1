// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package metric

import (
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
)

// Architectural events (Intel SDM Vol. 3B, table 20-1)
var (
	BranchInstructionsRetired = Arch(0xC4, 0x00)
	BranchMissesRetired       = Arch(0xC5, 0x00)
	LLCReference              = Arch(0x2E, 0x4F)
	LLCMisses                 = Arch(0x2E, 0x41)
)

// IPCClient reports instructions per cycle, retire slot utilization and the
// ratio of unhalted core to reference cycles. It only uses fixed counters.
func IPCClient() Client {
	names := []string{"ipc", "slot_utilization", "active_ref_ratio"}
	return Client{
		Name:        "ipc",
		Description: "Instructions per cycle, retire slot utilization and frequency ratio",
		Target:      pmu.AllCoreTypes(),
		Metrics:     names,
		Compute: func(in Input) Result {
			return perThread(names, in, func(c Counters, width int) []Value {
				return []Value{
					Ratio(c.RetiredInstructions, c.ActiveCycles),
					Ratio(c.RetiredInstructions, c.ActiveCycles*float64(width)),
					Ratio(c.ActiveCycles, c.ReferenceClock),
				}
			}, func(in Input) []Value {
				c := totalCounters(in.Totals)

				// slots are weighted by the retirement width of each core type
				var slots float64
				for label, byType := range in.Totals.ByCoreType {
					if ct, ok := in.CoreType(label); ok {
						slots += byType.ActiveCycles * float64(ct.RetirementWidth)
					}
				}
				return []Value{
					Ratio(c.RetiredInstructions, c.ActiveCycles),
					Ratio(c.RetiredInstructions, slots),
					Ratio(c.ActiveCycles, c.ReferenceClock),
				}
			})
		},
	}
}

// BranchClient reports branch prediction accuracy and mispredicts per kilo
// instruction
func BranchClient() Client {
	names := []string{"branch_accuracy", "branch_mpki"}
	compute := func(c Counters) []Value {
		return []Value{
			Complement(c.GP(1), c.GP(0)),
			PerKilo(c.GP(1), c.RetiredInstructions),
		}
	}
	return Client{
		Name:        "branch",
		Description: "Branch prediction accuracy and mispredicts per kilo instruction",
		Target:      pmu.AllCoreTypes(),
		Events:      []pmu.EventSelector{BranchInstructionsRetired, BranchMissesRetired},
		Metrics:     names,
		Compute: func(in Input) Result {
			return perThread(names, in, func(c Counters, _ int) []Value {
				return compute(c)
			}, func(in Input) []Value {
				return compute(totalCounters(in.Totals))
			})
		},
	}
}

// LLCClient reports last level cache hit rate and misses per kilo instruction
func LLCClient() Client {
	names := []string{"llc_hit_rate", "llc_mpki"}
	compute := func(c Counters) []Value {
		return []Value{
			Complement(c.GP(1), c.GP(0)),
			PerKilo(c.GP(1), c.RetiredInstructions),
		}
	}
	return Client{
		Name:        "llc",
		Description: "Last level cache hit rate and misses per kilo instruction",
		Target:      pmu.AllCoreTypes(),
		Events:      []pmu.EventSelector{LLCReference, LLCMisses},
		Metrics:     names,
		Compute: func(in Input) Result {
			return perThread(names, in, func(c Counters, _ int) []Value {
				return compute(c)
			}, func(in Input) []Value {
				return compute(totalCounters(in.Totals))
			})
		},
	}
}

// PowerClient reports package and domain power and the instructions retired
// per joule of package energy accumulated over the whole run
func PowerClient() Client {
	names := []string{"package_watts", "domain_watts", "instructions_per_joule"}
	return Client{
		Name:        "power",
		Description: "Package and domain power, instructions per joule since start",
		Target:      pmu.AllCoreTypes(),
		Cumulative:  true,
		Metrics:     names,
		Compute: func(in Input) Result {
			r := Result{Names: names, Total: notAvailable(len(names))}
			if in.Power.Valid {
				r.Total[0] = Of(in.Power.PackageWatts)
				r.Total[1] = Of(in.Power.DomainWatts)
			}
			if in.Totals != nil {
				r.Total[2] = Ratio(float64(in.Totals.Raw.RetiredInstructions), in.Totals.PackageEnergy.Joules())
			}
			return r
		},
	}
}
