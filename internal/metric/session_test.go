// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package metric

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/pmcmon/internal/device"
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
	testingclock "k8s.io/utils/clock/testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, port device.Port) (*pmu.Engine, *testingclock.FakeClock) {
	t.Helper()
	fakeClock := testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	e, err := pmu.New(port, pmu.WithLogger(discardLogger()), pmu.WithClock(fakeClock))
	require.NoError(t, err)
	return e, fakeClock
}

func TestSessionLifecycle(t *testing.T) {
	port := device.NewFakePort(
		device.WithFakeProcessors(device.HybridProcessors(2, 2)...),
		device.WithFreeRunning(100, 65536),
	)
	e, fakeClock := newTestEngine(t, port)

	s := NewSession(e, BranchClient(), WithSessionLogger(discardLogger()), WithTarget(pmu.OnlyCoreType("Performance")))
	assert.Equal(t, "branch", s.Client().Name)

	_, err := s.Tick()
	assert.ErrorIs(t, err, ErrNotStarted)

	result, err := s.Start()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, result.Processors)
	assert.Equal(t, result, s.ProgramResult())
	assert.Equal(t, uint64(BranchInstructionsRetired), port.Register(0, device.EventSelectRegister(0)))
	assert.Zero(t, port.Register(2, device.EventSelectRegister(0)))

	first, err := s.Tick()
	require.NoError(t, err)
	assert.False(t, first.Power.Valid)
	fakeClock.Step(time.Second)

	tick, err := s.Tick()
	require.NoError(t, err)
	require.Len(t, tick.Threads, 4)
	assert.Equal(t, uint64(1), tick.Totals.Ticks, "totals reset every tick")
	assert.True(t, tick.Power.Valid)
	assert.InDelta(t, 1.0, tick.Power.PackageWatts, 1e-9)

	// both counters advance equally: every branch mispredicted
	accuracy, ok := tick.Result.Thread(0)
	require.True(t, ok)
	assert.InDelta(t, 0.0, float(t, accuracy.Values[0]), 1e-9)

	eff, ok := tick.Result.Thread(3)
	require.True(t, ok)
	assert.Equal(t, NotAvailable, eff.Values[0].String(), "efficiency cores not programmed")

	require.NoError(t, s.Stop())
	for cpu := 0; cpu < 4; cpu++ {
		assert.Zero(t, port.Register(cpu, device.MSRPerfGlobalCtl))
	}
	require.NoError(t, s.Stop(), "stopping twice is a no-op")
}

func TestSessionCumulative(t *testing.T) {
	port := device.NewFakePort(device.WithFreeRunning(100, 65536))
	e, fakeClock := newTestEngine(t, port)

	s := NewSession(e, PowerClient(), WithSessionLogger(discardLogger()))
	_, err := s.Start()
	require.NoError(t, err)

	var tick *Tick
	for range 3 {
		tick, err = s.Tick()
		require.NoError(t, err)
		fakeClock.Step(time.Second)
	}

	assert.Equal(t, uint64(3), tick.Totals.Ticks)
	assert.Equal(t, 2*device.Joule, tick.Totals.PackageEnergy, "two valid readings of one joule")
	assert.True(t, tick.Result.Get("instructions_per_joule").Valid())
}

func TestSessionPartialFailures(t *testing.T) {
	port := device.NewFakePort(device.WithFakeProcessors(device.HybridProcessors(0, 3)...))
	e, _ := newTestEngine(t, port)

	denied := errors.New("denied")
	port.FailWrites(1, denied)

	s := NewSession(e, LLCClient(), WithSessionLogger(discardLogger()))
	result, err := s.Start()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, result.FailedCPUs())

	port.FailReads(1, denied)
	tick, err := s.Tick()
	require.Error(t, err)
	require.NotNil(t, tick)

	var partial *pmu.PartialError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, denied)

	tv, ok := tick.Result.Thread(1)
	require.True(t, ok)
	for _, v := range tv.Values {
		assert.Equal(t, NotAvailable, v.String())
	}
}

func TestSessionNoMatchingCoreType(t *testing.T) {
	e, _ := newTestEngine(t, device.NewFakePort())
	s := NewSession(e, IPCClient(), WithSessionLogger(discardLogger()), WithTarget(pmu.OnlyCoreType("Turbo")))

	_, err := s.Start()
	assert.ErrorIs(t, err, pmu.ErrNoMatchingCoreType)
}

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) CoreTypes() []pmu.CoreType {
	args := m.Called()
	return args.Get(0).([]pmu.CoreType)
}

func (m *mockEngine) Program(events []pmu.EventSelector, target pmu.CoreTypeFilter) (pmu.ProgramResult, error) {
	args := m.Called(events, target)
	return args.Get(0).(pmu.ProgramResult), args.Error(1)
}

func (m *mockEngine) Disable(target pmu.CoreTypeFilter) (pmu.ProgramResult, error) {
	args := m.Called(target)
	return args.Get(0).(pmu.ProgramResult), args.Error(1)
}

func (m *mockEngine) SampleAll() (*pmu.RunTotals, error) {
	args := m.Called()
	totals, _ := args.Get(0).(*pmu.RunTotals)
	return totals, args.Error(1)
}

func (m *mockEngine) ReadPower() (pmu.PowerReading, error) {
	args := m.Called()
	return args.Get(0).(pmu.PowerReading), args.Error(1)
}

func (m *mockEngine) ResetTotals() {
	m.Called()
}

func (m *mockEngine) Totals() *pmu.RunTotals {
	args := m.Called()
	totals, _ := args.Get(0).(*pmu.RunTotals)
	return totals
}

func (m *mockEngine) Snapshots() []*pmu.NormalizedCounterSnapshot {
	args := m.Called()
	return args.Get(0).([]*pmu.NormalizedCounterSnapshot)
}

func TestSessionEngineErrors(t *testing.T) {
	t.Run("disable fails", func(t *testing.T) {
		m := &mockEngine{}
		m.On("Disable", pmu.AllCoreTypes()).Return(pmu.ProgramResult{}, pmu.ErrNoMatchingCoreType)

		s := NewSession(m, IPCClient(), WithSessionLogger(discardLogger()))
		_, err := s.Start()
		assert.ErrorIs(t, err, pmu.ErrNoMatchingCoreType)
		m.AssertNotCalled(t, "Program", mock.Anything, mock.Anything)
	})

	t.Run("sampling yields nothing", func(t *testing.T) {
		m := &mockEngine{}
		m.On("Disable", pmu.AllCoreTypes()).Return(pmu.ProgramResult{}, nil)
		m.On("Program", []pmu.EventSelector(nil), pmu.AllCoreTypes()).Return(pmu.ProgramResult{Processors: []int{0}}, nil)
		m.On("ResetTotals").Return()
		m.On("SampleAll").Return(nil, assert.AnError)

		s := NewSession(m, IPCClient(), WithSessionLogger(discardLogger()))
		_, err := s.Start()
		require.NoError(t, err)

		tick, err := s.Tick()
		assert.Nil(t, tick)
		assert.ErrorIs(t, err, assert.AnError)
		m.AssertNotCalled(t, "ReadPower")
	})

	t.Run("power unavailable", func(t *testing.T) {
		totals := &pmu.RunTotals{Ticks: 1}
		m := &mockEngine{}
		m.On("Disable", pmu.AllCoreTypes()).Return(pmu.ProgramResult{}, nil)
		m.On("Program", []pmu.EventSelector(nil), pmu.AllCoreTypes()).Return(pmu.ProgramResult{Processors: []int{0}}, nil)
		m.On("ResetTotals").Return()
		m.On("SampleAll").Return(totals, nil)
		m.On("ReadPower").Return(pmu.PowerReading{}, assert.AnError)
		m.On("Snapshots").Return([]*pmu.NormalizedCounterSnapshot{})
		m.On("CoreTypes").Return([]pmu.CoreType{})

		s := NewSession(m, PowerClient(), WithSessionLogger(discardLogger()))
		_, err := s.Start()
		require.NoError(t, err)

		tick, err := s.Tick()
		assert.ErrorIs(t, err, assert.AnError)
		require.NotNil(t, tick)
		assert.Same(t, totals, tick.Totals)
		assert.False(t, tick.Result.Get("package_watts").Valid())
		m.AssertNotCalled(t, "Totals")
		m.AssertNumberOfCalls(t, "ResetTotals", 1)
	})
}
