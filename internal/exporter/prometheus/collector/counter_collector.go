// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/pmcmon/config"
	"github.com/sustainable-computing-io/pmcmon/internal/monitor"
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
)

type CounterDataProvider = monitor.CounterDataProvider

const (
	counterActiveCycles        = "active_cycles"
	counterRetiredInstructions = "retired_instructions"
	counterReferenceClock      = "reference_clock"
)

// gpCounterName names general purpose counter i
func gpCounterName(i int) string {
	return fmt.Sprintf("gp%d", i)
}

// CounterCollector exports one monitor snapshot per scrape so that thread,
// total and client values always come from the same tick
type CounterCollector struct {
	pm           CounterDataProvider
	logger       *slog.Logger
	metricsLevel config.Level

	mutex sync.RWMutex
	ready bool

	threadRateDesc   *prometheus.Desc
	eventsDesc       *prometheus.Desc
	ticksDesc        *prometheus.Desc
	packageWattsDesc *prometheus.Desc
	domainWattsDesc  *prometheus.Desc

	coreTypeInfoDesc       *prometheus.Desc
	coreTypeCountersDesc   *prometheus.Desc
	coreTypeProcessorsDesc *prometheus.Desc
	coreTypeCoresDesc      *prometheus.Desc

	metricValueDesc       *prometheus.Desc
	threadMetricValueDesc *prometheus.Desc
	unavailableDesc       *prometheus.Desc
}

func counterDesc(subsystem, name, help string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(pmcmonNS, subsystem, name), help, labels, nil)
}

// NewCounterCollector creates a collector exporting the metric groups of
// metricsLevel from the counter data of pm
func NewCounterCollector(pm CounterDataProvider, logger *slog.Logger, metricsLevel config.Level) *CounterCollector {
	const (
		// these labels should remain the same across all descriptors to ease querying
		cpu      = "cpu"
		coreType = "core_type"
		counter  = "counter"
		client   = "client"
		metric   = "metric"
	)

	c := &CounterCollector{
		pm:           pm,
		logger:       logger.With("collector", "counter"),
		metricsLevel: metricsLevel,

		threadRateDesc: counterDesc("thread", "counter_rate",
			"Events counted by a logical processor in the last tick, normalized to the target interval",
			[]string{cpu, coreType, counter}),
		eventsDesc: counterDesc("", "counter_events",
			"Raw events counted over all sampled processors since the totals were last reset",
			[]string{counter}),
		ticksDesc: counterDesc("", "ticks",
			"Sample ticks accumulated in the run totals",
			nil),
		packageWattsDesc: counterDesc("package", "watts",
			"Package power over the last power interval in watts",
			nil),
		domainWattsDesc: counterDesc("domain", "watts",
			"Power of the secondary RAPL domain over the last power interval in watts",
			[]string{"domain"}),

		coreTypeInfoDesc: counterDesc("core_type", "info",
			"A metric with a constant '1' value labeled with the core type layout",
			[]string{coreType, "type_tag", "degraded"}),
		coreTypeCountersDesc: counterDesc("core_type", "counters",
			"General purpose counters per logical processor of the core type",
			[]string{coreType}),
		coreTypeProcessorsDesc: counterDesc("core_type", "processors",
			"Logical processors of the core type",
			[]string{coreType}),
		coreTypeCoresDesc: counterDesc("core_type", "cores",
			"Physical cores of the core type",
			[]string{coreType}),

		metricValueDesc: counterDesc("metric", "value",
			"Value computed by the metric client over all processors",
			[]string{client, metric}),
		threadMetricValueDesc: counterDesc("thread", "metric_value",
			"Value computed by the metric client for a logical processor",
			[]string{client, metric, cpu, coreType}),
		unavailableDesc: counterDesc("processor", "unavailable",
			"Processors whose counters could not be programmed or read",
			[]string{cpu, "reason"}),
	}

	go c.waitForData()

	return c
}

func (c *CounterCollector) waitForData() {
	<-c.pm.DataChannel()
	c.mutex.Lock()
	c.ready = true
	c.mutex.Unlock()
}

// Describe implements the prometheus.Collector interface
func (c *CounterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.threadRateDesc
	ch <- c.eventsDesc
	ch <- c.ticksDesc
	ch <- c.packageWattsDesc
	ch <- c.domainWattsDesc

	ch <- c.coreTypeInfoDesc
	ch <- c.coreTypeCountersDesc
	ch <- c.coreTypeProcessorsDesc
	ch <- c.coreTypeCoresDesc

	ch <- c.metricValueDesc
	ch <- c.threadMetricValueDesc
	ch <- c.unavailableDesc
}

func (c *CounterCollector) isReady() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.ready
}

// Collect implements the prometheus.Collector interface
func (c *CounterCollector) Collect(ch chan<- prometheus.Metric) {
	if !c.isReady() {
		c.logger.Debug("Collect called before monitor is ready")
		return
	}

	started := time.Now()
	defer func() {
		c.logger.Debug("Collected counter data", "duration", time.Since(started))
	}()

	level := c.metricsLevel
	if level.IsCoreTypeEnabled() {
		c.collectCoreTypes(ch, c.pm.CoreTypes())
	}
	if level&^config.MetricsLevelCoreType == 0 {
		return
	}

	snapshot, err := c.pm.Snapshot() // snapshot is thread-safe
	if err != nil {
		c.logger.Error("Failed to collect counter data", "error", err)
		return
	}

	events := len(c.pm.Client().Events)
	if level.IsThreadEnabled() {
		c.collectThreads(ch, snapshot, events)
		c.collectUnavailable(ch, snapshot)
	}
	if level.IsTotalsEnabled() {
		c.collectTotals(ch, snapshot.Totals, events)
	}
	if level.IsPowerEnabled() {
		c.collectPower(ch, snapshot.Power)
	}
	if level.IsClientEnabled() {
		c.collectResult(ch, snapshot)
	}
}

func (c *CounterCollector) collectCoreTypes(ch chan<- prometheus.Metric, coreTypes []pmu.CoreType) {
	for _, ct := range coreTypes {
		ch <- prometheus.MustNewConstMetric(c.coreTypeInfoDesc, prometheus.GaugeValue, 1,
			ct.Label, fmt.Sprintf("0x%02x", ct.TypeTag), strconv.FormatBool(ct.Degraded))
		ch <- prometheus.MustNewConstMetric(c.coreTypeCountersDesc, prometheus.GaugeValue,
			float64(ct.CounterCapacity), ct.Label)
		ch <- prometheus.MustNewConstMetric(c.coreTypeProcessorsDesc, prometheus.GaugeValue,
			float64(ct.Processors.Size()), ct.Label)
		ch <- prometheus.MustNewConstMetric(c.coreTypeCoresDesc, prometheus.GaugeValue,
			float64(ct.CoreCount), ct.Label)
	}
}

// collectThreads exports the normalized counters of programmed processors.
// Only the general purpose counters carrying client events are exported.
func (c *CounterCollector) collectThreads(ch chan<- prometheus.Metric, snapshot *monitor.Snapshot, events int) {
	programmed := make(map[int]bool, len(snapshot.Programmed))
	for _, cpu := range snapshot.Programmed {
		programmed[cpu] = true
	}

	for _, t := range snapshot.Threads {
		if !programmed[t.CPU] {
			continue
		}
		cpu := strconv.Itoa(t.CPU)

		ch <- prometheus.MustNewConstMetric(c.threadRateDesc, prometheus.GaugeValue,
			t.ActiveCycles, cpu, t.CoreType, counterActiveCycles)
		ch <- prometheus.MustNewConstMetric(c.threadRateDesc, prometheus.GaugeValue,
			t.RetiredInstructions, cpu, t.CoreType, counterRetiredInstructions)
		ch <- prometheus.MustNewConstMetric(c.threadRateDesc, prometheus.GaugeValue,
			t.ReferenceClock, cpu, t.CoreType, counterReferenceClock)

		for i := 0; i < events && i < len(t.GeneralCounters); i++ {
			ch <- prometheus.MustNewConstMetric(c.threadRateDesc, prometheus.GaugeValue,
				t.GeneralCounters[i], cpu, t.CoreType, gpCounterName(i))
		}
	}
}

func (c *CounterCollector) collectTotals(ch chan<- prometheus.Metric, totals *pmu.RunTotals, events int) {
	if totals == nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.ticksDesc, prometheus.GaugeValue, float64(totals.Ticks))

	raw := totals.Raw
	ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.GaugeValue,
		float64(raw.ActiveCycles), counterActiveCycles)
	ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.GaugeValue,
		float64(raw.RetiredInstructions), counterRetiredInstructions)
	ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.GaugeValue,
		float64(raw.ReferenceClock), counterReferenceClock)
	for i := 0; i < events && i < len(raw.GeneralCounters); i++ {
		ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.GaugeValue,
			float64(raw.GeneralCounters[i]), gpCounterName(i))
	}
}

func (c *CounterCollector) collectPower(ch chan<- prometheus.Metric, power pmu.PowerReading) {
	if !power.Valid {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.packageWattsDesc, prometheus.GaugeValue, power.PackageWatts)
	ch <- prometheus.MustNewConstMetric(c.domainWattsDesc, prometheus.GaugeValue,
		power.DomainWatts, string(power.Domain))
}

// collectResult exports the client values; values that are not available
// are skipped
func (c *CounterCollector) collectResult(ch chan<- prometheus.Metric, snapshot *monitor.Snapshot) {
	client := c.pm.Client().Name
	result := snapshot.Result

	for i, name := range result.Names {
		if i >= len(result.Total) {
			break
		}
		if v, ok := result.Total[i].Float(); ok {
			ch <- prometheus.MustNewConstMetric(c.metricValueDesc, prometheus.GaugeValue, v, client, name)
		}
	}

	for _, tv := range result.Threads {
		cpu := strconv.Itoa(tv.CPU)
		for i, name := range result.Names {
			if i >= len(tv.Values) {
				break
			}
			if v, ok := tv.Values[i].Float(); ok {
				ch <- prometheus.MustNewConstMetric(c.threadMetricValueDesc, prometheus.GaugeValue,
					v, client, name, cpu, tv.CoreType)
			}
		}
	}
}

func (c *CounterCollector) collectUnavailable(ch chan<- prometheus.Metric, snapshot *monitor.Snapshot) {
	for _, cpu := range snapshot.ProgramFailed {
		ch <- prometheus.MustNewConstMetric(c.unavailableDesc, prometheus.GaugeValue, 1,
			strconv.Itoa(cpu), "program")
	}
	for _, cpu := range snapshot.SampleFailed {
		ch <- prometheus.MustNewConstMetric(c.unavailableDesc, prometheus.GaugeValue, 1,
			strconv.Itoa(cpu), "sample")
	}
}
