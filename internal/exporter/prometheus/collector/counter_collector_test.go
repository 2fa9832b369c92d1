// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/pmcmon/config"
	"github.com/sustainable-computing-io/pmcmon/internal/device"
	"github.com/sustainable-computing-io/pmcmon/internal/metric"
	"github.com/sustainable-computing-io/pmcmon/internal/monitor"
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
	testingclock "k8s.io/utils/clock/testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestMonitor returns an initialized monitor sampling a one performance,
// one efficiency processor package with the branch client on performance
// cores only
func newTestMonitor(t *testing.T) (*monitor.CounterMonitor, *device.FakePort, *testingclock.FakeClock) {
	t.Helper()

	port := device.NewFakePort(device.WithFakeProcessors(device.HybridProcessors(1, 1)...))
	fakeClock := testingclock.NewFakeClock(time.Now())

	engine, err := pmu.New(port, pmu.WithClock(fakeClock), pmu.WithLogger(discardLogger()))
	require.NoError(t, err)

	client := metric.BranchClient()
	client.Target = pmu.OnlyCoreType("Performance")
	session := metric.NewSession(engine, client, metric.WithSessionLogger(discardLogger()))

	m := monitor.NewCounterMonitor(session,
		monitor.WithClock(fakeClock),
		monitor.WithLogger(discardLogger()),
		monitor.WithInterval(0),
	)
	require.NoError(t, m.Init())
	return m, port, fakeClock
}

func newReadyCollector(t *testing.T, pm CounterDataProvider, level ...config.Level) *CounterCollector {
	t.Helper()
	metricsLevel := config.MetricsLevelAll
	if len(level) > 0 {
		metricsLevel = level[0]
	}
	c := NewCounterCollector(pm, discardLogger(), metricsLevel)
	require.Eventually(t, c.isReady, time.Second, time.Millisecond)
	return c
}

func TestCounterCollector_Describe(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	c := NewCounterCollector(m, discardLogger(), config.MetricsLevelAll)

	ch := make(chan *prometheus.Desc, 32)
	c.Describe(ch)
	close(ch)

	var names []string
	for desc := range ch {
		names = append(names, desc.String())
	}
	assert.Len(t, names, 12)
}

func TestCounterCollector_Collect(t *testing.T) {
	m, port, _ := newTestMonitor(t)
	c := newReadyCollector(t, m)

	port.SetRegister(0, device.MSRFixedCtrInst, 2000)
	port.SetRegister(0, device.MSRFixedCtrCycles, 1000)
	port.SetRegister(0, device.MSRFixedCtrRef, 500)
	port.SetRegister(0, device.PerfCounterRegister(0), 100)
	port.SetRegister(0, device.PerfCounterRegister(1), 25)

	expected := `
# HELP pmcmon_thread_counter_rate Events counted by a logical processor in the last tick, normalized to the target interval
# TYPE pmcmon_thread_counter_rate gauge
pmcmon_thread_counter_rate{core_type="Performance",counter="active_cycles",cpu="0"} 1000
pmcmon_thread_counter_rate{core_type="Performance",counter="gp0",cpu="0"} 100
pmcmon_thread_counter_rate{core_type="Performance",counter="gp1",cpu="0"} 25
pmcmon_thread_counter_rate{core_type="Performance",counter="reference_clock",cpu="0"} 500
pmcmon_thread_counter_rate{core_type="Performance",counter="retired_instructions",cpu="0"} 2000
# HELP pmcmon_counter_events Raw events counted over all sampled processors since the totals were last reset
# TYPE pmcmon_counter_events gauge
pmcmon_counter_events{counter="active_cycles"} 1000
pmcmon_counter_events{counter="gp0"} 100
pmcmon_counter_events{counter="gp1"} 25
pmcmon_counter_events{counter="reference_clock"} 500
pmcmon_counter_events{counter="retired_instructions"} 2000
# HELP pmcmon_ticks Sample ticks accumulated in the run totals
# TYPE pmcmon_ticks gauge
pmcmon_ticks 1
# HELP pmcmon_metric_value Value computed by the metric client over all processors
# TYPE pmcmon_metric_value gauge
pmcmon_metric_value{client="branch",metric="branch_accuracy"} 0.75
pmcmon_metric_value{client="branch",metric="branch_mpki"} 12.5
# HELP pmcmon_thread_metric_value Value computed by the metric client for a logical processor
# TYPE pmcmon_thread_metric_value gauge
pmcmon_thread_metric_value{client="branch",core_type="Performance",cpu="0",metric="branch_accuracy"} 0.75
pmcmon_thread_metric_value{client="branch",core_type="Performance",cpu="0",metric="branch_mpki"} 12.5
# HELP pmcmon_core_type_counters General purpose counters per logical processor of the core type
# TYPE pmcmon_core_type_counters gauge
pmcmon_core_type_counters{core_type="Efficiency"} 6
pmcmon_core_type_counters{core_type="Performance"} 8
# HELP pmcmon_core_type_info A metric with a constant '1' value labeled with the core type layout
# TYPE pmcmon_core_type_info gauge
pmcmon_core_type_info{core_type="Efficiency",degraded="false",type_tag="0x20"} 1
pmcmon_core_type_info{core_type="Performance",degraded="false",type_tag="0x40"} 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"pmcmon_thread_counter_rate",
		"pmcmon_counter_events",
		"pmcmon_ticks",
		"pmcmon_metric_value",
		"pmcmon_thread_metric_value",
		"pmcmon_core_type_counters",
		"pmcmon_core_type_info",
	)
	assert.NoError(t, err)

	// first power reading only takes the baseline
	assert.Zero(t, testutil.CollectAndCount(c, "pmcmon_package_watts"))
	assert.Zero(t, testutil.CollectAndCount(c, "pmcmon_processor_unavailable"))
}

func TestCounterCollector_Power(t *testing.T) {
	m, port, fakeClock := newTestMonitor(t)
	c := newReadyCollector(t, m)

	_, err := m.Snapshot()
	require.NoError(t, err)

	port.SetRegister(0, device.MSRPkgEnergyStatus, 10*65536)
	port.SetRegister(0, device.MSRPP0EnergyStatus, 5*65536)
	fakeClock.Step(time.Second)

	expected := `
# HELP pmcmon_package_watts Package power over the last power interval in watts
# TYPE pmcmon_package_watts gauge
pmcmon_package_watts 10
# HELP pmcmon_domain_watts Power of the secondary RAPL domain over the last power interval in watts
# TYPE pmcmon_domain_watts gauge
pmcmon_domain_watts{domain="pp0"} 5
`
	err = testutil.CollectAndCompare(c, strings.NewReader(expected),
		"pmcmon_package_watts", "pmcmon_domain_watts")
	assert.NoError(t, err)
}

func TestCounterCollector_Unavailable(t *testing.T) {
	m, port, fakeClock := newTestMonitor(t)
	c := newReadyCollector(t, m)

	port.FailReads(0, assert.AnError)
	fakeClock.Step(time.Second)

	expected := `
# HELP pmcmon_processor_unavailable Processors whose counters could not be programmed or read
# TYPE pmcmon_processor_unavailable gauge
pmcmon_processor_unavailable{cpu="0",reason="sample"} 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected), "pmcmon_processor_unavailable")
	assert.NoError(t, err)
}

type mockProvider struct {
	mock.Mock
	dataCh chan struct{}
}

func (m *mockProvider) Snapshot() (*monitor.Snapshot, error) {
	args := m.Called()
	s, _ := args.Get(0).(*monitor.Snapshot)
	return s, args.Error(1)
}

func (m *mockProvider) DataChannel() <-chan struct{} {
	return m.dataCh
}

func (m *mockProvider) CoreTypes() []pmu.CoreType {
	return []pmu.CoreType{{Label: "Performance", CounterCapacity: 4}}
}

func (m *mockProvider) Client() metric.Client {
	return metric.IPCClient()
}

func TestCounterCollector_NotReady(t *testing.T) {
	pm := &mockProvider{dataCh: make(chan struct{})}
	c := NewCounterCollector(pm, discardLogger(), config.MetricsLevelAll)

	assert.Zero(t, testutil.CollectAndCount(c))
	pm.AssertNotCalled(t, "Snapshot")
}

func TestCounterCollector_SnapshotError(t *testing.T) {
	pm := &mockProvider{dataCh: make(chan struct{}, 1)}
	pm.dataCh <- struct{}{}
	pm.On("Snapshot").Return(nil, assert.AnError)

	c := newReadyCollector(t, pm)

	// only the core type layout is exported
	assert.Equal(t, 4, testutil.CollectAndCount(c))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "pmcmon_core_type_info"))
	pm.AssertExpectations(t)
}

func TestCounterCollector_SkipsUnavailableValues(t *testing.T) {
	pm := &mockProvider{dataCh: make(chan struct{}, 1)}
	pm.dataCh <- struct{}{}
	pm.On("Snapshot").Return(&monitor.Snapshot{
		Result: metric.Result{
			Names: []string{"ipc", "slot_utilization", "active_ref_ratio"},
			Total: []metric.Value{metric.Of(1.5), metric.NA(), metric.Of(0.5)},
			Threads: []metric.ThreadValues{
				{CPU: 3, CoreType: "Performance", Values: []metric.Value{metric.NA(), metric.NA(), metric.NA()}},
			},
		},
		ProgramFailed: []int{3},
	}, nil)

	c := newReadyCollector(t, pm)

	expected := `
# HELP pmcmon_metric_value Value computed by the metric client over all processors
# TYPE pmcmon_metric_value gauge
pmcmon_metric_value{client="ipc",metric="active_ref_ratio"} 0.5
pmcmon_metric_value{client="ipc",metric="ipc"} 1.5
# HELP pmcmon_processor_unavailable Processors whose counters could not be programmed or read
# TYPE pmcmon_processor_unavailable gauge
pmcmon_processor_unavailable{cpu="3",reason="program"} 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"pmcmon_metric_value", "pmcmon_thread_metric_value", "pmcmon_processor_unavailable")
	assert.NoError(t, err)
}

func TestCounterCollector_MetricsLevel(t *testing.T) {
	tt := []struct {
		name     string
		level    config.Level
		snapshot bool
		expected map[string]int
	}{{
		name:  "core types only",
		level: config.MetricsLevelCoreType,
		expected: map[string]int{
			"pmcmon_core_type_info":        1,
			"pmcmon_core_type_counters":    1,
			"pmcmon_thread_counter_rate":   0,
			"pmcmon_metric_value":          0,
			"pmcmon_processor_unavailable": 0,
		},
	}, {
		name:     "client only",
		level:    config.MetricsLevelClient,
		snapshot: true,
		expected: map[string]int{
			"pmcmon_core_type_info":      0,
			"pmcmon_metric_value":        2,
			"pmcmon_thread_metric_value": 2,
			"pmcmon_thread_counter_rate": 0,
			"pmcmon_counter_events":      0,
			"pmcmon_package_watts":       0,
		},
	}, {
		name:     "thread and totals",
		level:    config.MetricsLevelThread | config.MetricsLevelTotals,
		snapshot: true,
		expected: map[string]int{
			"pmcmon_thread_counter_rate":   3,
			"pmcmon_processor_unavailable": 1,
			"pmcmon_counter_events":        3,
			"pmcmon_ticks":                 1,
			"pmcmon_metric_value":          0,
			"pmcmon_core_type_counters":    0,
		},
	}, {
		name:     "power",
		level:    config.MetricsLevelPower,
		snapshot: true,
		expected: map[string]int{
			"pmcmon_package_watts":       1,
			"pmcmon_domain_watts":        1,
			"pmcmon_thread_counter_rate": 0,
			"pmcmon_ticks":               0,
		},
	}}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			pm := &mockProvider{dataCh: make(chan struct{}, 1)}
			pm.dataCh <- struct{}{}
			if tc.snapshot {
				pm.On("Snapshot").Return(levelSnapshot(), nil)
			}

			c := newReadyCollector(t, pm, tc.level)
			for name, count := range tc.expected {
				assert.Equal(t, count, testutil.CollectAndCount(c, name), name)
			}
			if !tc.snapshot {
				pm.AssertNotCalled(t, "Snapshot")
			}
		})
	}
}

func levelSnapshot() *monitor.Snapshot {
	return &monitor.Snapshot{
		Threads: []*pmu.NormalizedCounterSnapshot{{
			CPU: 0, CoreType: "Performance",
			ActiveCycles: 100, RetiredInstructions: 200, ReferenceClock: 50,
		}},
		Totals: &pmu.RunTotals{
			Ticks: 1,
			Raw:   pmu.RawTotals{ActiveCycles: 100, RetiredInstructions: 200, ReferenceClock: 50},
		},
		Power: pmu.PowerReading{
			Domain:       pmu.PowerDomainPP0,
			PackageWatts: 10,
			DomainWatts:  4,
			Interval:     time.Second,
			Valid:        true,
		},
		Result: metric.Result{
			Names: []string{"ipc", "active_ref_ratio"},
			Total: []metric.Value{metric.Of(2), metric.Of(2)},
			Threads: []metric.ThreadValues{
				{CPU: 0, CoreType: "Performance", Values: []metric.Value{metric.Of(2), metric.Of(2)}},
			},
		},
		Programmed:   []int{0},
		SampleFailed: []int{1},
	}
}
