// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/pmcmon/internal/device"
	"github.com/sustainable-computing-io/pmcmon/internal/metric"
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
	testingclock "k8s.io/utils/clock/testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingSession counts the ticks of a real session
type countingSession struct {
	*metric.Session
	ticks atomic.Int32
}

func (s *countingSession) Tick() (*metric.Tick, error) {
	s.ticks.Add(1)
	return s.Session.Tick()
}

type testRig struct {
	monitor *CounterMonitor
	port    *device.FakePort
	clock   *testingclock.FakeClock
	session *countingSession
}

func newTestRig(t *testing.T, client metric.Client, opts ...OptionFn) testRig {
	t.Helper()

	port := device.NewFakePort(
		device.WithFakeProcessors(device.HybridProcessors(2, 2)...),
		device.WithFreeRunning(100, 65536),
	)
	fakeClock := testingclock.NewFakeClock(time.Now())

	engine, err := pmu.New(port, pmu.WithClock(fakeClock), pmu.WithLogger(discardLogger()))
	require.NoError(t, err)

	session := &countingSession{
		Session: metric.NewSession(engine, client, metric.WithSessionLogger(discardLogger())),
	}

	defaults := []OptionFn{
		WithClock(fakeClock),
		WithLogger(discardLogger()),
		WithCloser(port),
		WithInterval(0),
	}
	m := NewCounterMonitor(session, append(defaults, opts...)...)
	return testRig{monitor: m, port: port, clock: fakeClock, session: session}
}

func assertDataUpdated(t *testing.T, dataCh <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-dataCh:
	case <-time.After(timeout):
		t.Fatalf("No signal received within %s; %s", timeout, msg)
	}
}

func assertDataChannelEmpty(t *testing.T, dataCh <-chan struct{}, wait time.Duration) {
	t.Helper()
	select {
	case <-dataCh:
		t.Fatal("unexpected data update")
	case <-time.After(wait):
	}
}

func TestNewCounterMonitor(t *testing.T) {
	opts := DefaultOpts()
	assert.Equal(t, time.Second, opts.interval)
	assert.Equal(t, 500*time.Millisecond, opts.maxStaleness)
	assert.Nil(t, opts.closer)

	rig := newTestRig(t, metric.IPCClient(), WithMaxStaleness(time.Minute))
	assert.Equal(t, "monitor", rig.monitor.Name())
	assert.Equal(t, time.Minute, rig.monitor.maxStaleness)
	assert.Equal(t, time.Duration(0), rig.monitor.interval)
	assert.Equal(t, "ipc", rig.monitor.Client().Name)
	assert.NotNil(t, rig.monitor.DataChannel())
}

func TestCounterMonitor_Init(t *testing.T) {
	rig := newTestRig(t, metric.BranchClient())

	err := rig.monitor.Init()
	require.NoError(t, err)
	assertDataUpdated(t, rig.monitor.DataChannel(), 10*time.Millisecond, "init signals exporters")

	coreTypes := rig.monitor.CoreTypes()
	require.Len(t, coreTypes, 2)
	assert.Equal(t, "Performance", coreTypes[0].Label)

	for _, cpu := range []int{0, 1, 2, 3} {
		assert.Equal(t, uint64(metric.BranchInstructionsRetired),
			rig.port.Register(cpu, device.EventSelectRegister(0)), "cpu %d", cpu)
	}
	assert.Nil(t, rig.monitor.snapshot.Load(), "no sample before the first tick")
}

func TestCounterMonitor_InitFailure(t *testing.T) {
	client := metric.IPCClient()
	client.Target = pmu.OnlyCoreType("Turbo")
	rig := newTestRig(t, client)

	err := rig.monitor.Init()
	assert.ErrorIs(t, err, pmu.ErrNoMatchingCoreType)
	assertDataChannelEmpty(t, rig.monitor.DataChannel(), 5*time.Millisecond)
}

func TestCounterMonitor_SnapshotOnDemand(t *testing.T) {
	rig := newTestRig(t, metric.IPCClient(), WithMaxStaleness(100*time.Millisecond))
	require.NoError(t, rig.monitor.Init())

	snapshot, err := rig.monitor.Snapshot()
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Len(t, snapshot.Threads, 4)
	assert.Equal(t, []string{"ipc", "slot_utilization", "active_ref_ratio"}, snapshot.Result.Names)
	assert.Len(t, snapshot.Result.Threads, 4)
	assert.Equal(t, []int{0, 1, 2, 3}, snapshot.Programmed)
	assert.Empty(t, snapshot.ProgramFailed)
	assert.Empty(t, snapshot.SampleFailed)
	assert.Equal(t, rig.clock.Now(), snapshot.Timestamp)
	assert.Equal(t, int32(1), rig.session.ticks.Load())

	// fresh snapshot is served from cache
	rig.clock.Step(50 * time.Millisecond)
	again, err := rig.monitor.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snapshot.Timestamp, again.Timestamp)
	assert.Equal(t, int32(1), rig.session.ticks.Load())

	// stale snapshot triggers a tick
	rig.clock.Step(100 * time.Millisecond)
	refreshed, err := rig.monitor.Snapshot()
	require.NoError(t, err)
	assert.True(t, refreshed.Timestamp.After(snapshot.Timestamp))
	assert.Equal(t, int32(2), rig.session.ticks.Load())
}

func TestCounterMonitor_PeriodicCollection(t *testing.T) {
	interval := 50 * time.Millisecond
	rig := newTestRig(t, metric.IPCClient(),
		WithInterval(interval),
		WithMaxStaleness(interval/4),
	)
	dataCh := rig.monitor.DataChannel()

	require.NoError(t, rig.monitor.Init())
	assertDataUpdated(t, dataCh, 10*time.Millisecond, "expected data to be updated after init")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, rig.monitor.Run(ctx))
	}()

	assertDataUpdated(t, dataCh, time.Second, "expected first collection as soon as run is invoked")
	require.Eventually(t, rig.clock.HasWaiters, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), rig.session.ticks.Load())

	for i := 2; i <= 3; i++ {
		rig.clock.Step(interval)
		assertDataUpdated(t, dataCh, time.Second, "expected collection after interval")
		require.Eventually(t, rig.clock.HasWaiters, time.Second, time.Millisecond)
		assert.Equal(t, int32(i), rig.session.ticks.Load())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// no collections after the loop terminated
	rig.clock.Step(interval)
	assertDataChannelEmpty(t, dataCh, 10*time.Millisecond)
	assert.Equal(t, int32(3), rig.session.ticks.Load())
}

func TestCounterMonitor_SingleflightSnapshot(t *testing.T) {
	rig := newTestRig(t, metric.IPCClient(), WithMaxStaleness(50*time.Millisecond))
	require.NoError(t, rig.monitor.Init())

	_, err := rig.monitor.Snapshot()
	require.NoError(t, err)
	initial := rig.session.ticks.Load()

	rig.clock.Step(100 * time.Millisecond)

	const numGoroutines = 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	var mu sync.Mutex
	var snapshots []*Snapshot
	for range numGoroutines {
		go func() {
			defer wg.Done()
			snapshot, err := rig.monitor.Snapshot()
			if err != nil {
				t.Logf("Error getting snapshot: %v", err)
				return
			}
			mu.Lock()
			snapshots = append(snapshots, snapshot)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, snapshots, numGoroutines)
	for _, s := range snapshots[1:] {
		assert.Equal(t, snapshots[0].Timestamp, s.Timestamp)
	}
	assert.Equal(t, initial+1, rig.session.ticks.Load(), "only one tick for concurrent readers")
}

func TestCounterMonitor_PartialFailures(t *testing.T) {
	denied := errors.New("permission denied")

	rig := newTestRig(t, metric.BranchClient())
	rig.port.FailWrites(3, denied)
	require.NoError(t, rig.monitor.Init())
	rig.port.FailWrites(3, nil)

	rig.port.FailReads(1, denied)
	snapshot, err := rig.monitor.Snapshot()
	require.NoError(t, err, "a partial sample is still a snapshot")

	assert.Equal(t, []int{0, 1, 2}, snapshot.Programmed)
	assert.Equal(t, []int{3}, snapshot.ProgramFailed)
	assert.Equal(t, []int{1}, snapshot.SampleFailed)

	tv, ok := snapshot.Result.Thread(3)
	require.True(t, ok)
	for _, v := range tv.Values {
		assert.False(t, v.Valid(), "unprogrammed processor reports N/A")
	}
}

func TestCounterMonitor_SnapshotClone(t *testing.T) {
	rig := newTestRig(t, metric.IPCClient(), WithMaxStaleness(time.Minute))
	require.NoError(t, rig.monitor.Init())

	first, err := rig.monitor.Snapshot()
	require.NoError(t, err)
	first.Threads[0].RetiredInstructions = -1
	first.Totals.RetiredInstructions = -1
	first.Result.Total[0] = metric.NA()

	second, err := rig.monitor.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, first.Timestamp, second.Timestamp)
	assert.NotEqual(t, -1.0, second.Threads[0].RetiredInstructions)
	assert.NotEqual(t, -1.0, second.Totals.RetiredInstructions)

	assert.Nil(t, (*Snapshot)(nil).Clone())
}

func TestCounterMonitor_Shutdown(t *testing.T) {
	rig := newTestRig(t, metric.BranchClient())
	require.NoError(t, rig.monitor.Init())
	assert.NotZero(t, rig.port.Register(0, device.MSRPerfGlobalCtl))

	require.NoError(t, rig.monitor.Shutdown())
	for _, cpu := range []int{0, 1, 2, 3} {
		assert.Zero(t, rig.port.Register(cpu, device.MSRPerfGlobalCtl), "cpu %d", cpu)
		assert.Zero(t, rig.port.Register(cpu, device.EventSelectRegister(0)), "cpu %d", cpu)
	}
	assert.ErrorIs(t, rig.monitor.collectionCtx.Err(), context.Canceled)
}

type mockSession struct {
	mock.Mock
}

func (m *mockSession) Client() metric.Client {
	return metric.IPCClient()
}

func (m *mockSession) CoreTypes() []pmu.CoreType {
	args := m.Called()
	return args.Get(0).([]pmu.CoreType)
}

func (m *mockSession) Start() (pmu.ProgramResult, error) {
	args := m.Called()
	return args.Get(0).(pmu.ProgramResult), args.Error(1)
}

func (m *mockSession) Tick() (*metric.Tick, error) {
	args := m.Called()
	tick, _ := args.Get(0).(*metric.Tick)
	return tick, args.Error(1)
}

func (m *mockSession) Stop() error {
	return m.Called().Error(0)
}

type mockCloser struct {
	mock.Mock
}

func (m *mockCloser) Close() error {
	return m.Called().Error(0)
}

func TestCounterMonitor_TickWithoutData(t *testing.T) {
	session := &mockSession{}
	session.On("Start").Return(pmu.ProgramResult{}, nil)
	session.On("CoreTypes").Return([]pmu.CoreType{})
	session.On("Tick").Return(nil, metric.ErrNotStarted)

	m := NewCounterMonitor(session,
		WithClock(testingclock.NewFakeClock(time.Now())),
		WithLogger(discardLogger()),
		WithInterval(0),
	)
	require.NoError(t, m.Init())

	_, err := m.Snapshot()
	assert.ErrorIs(t, err, metric.ErrNotStarted)
	assert.Nil(t, m.snapshot.Load())
	session.AssertExpectations(t)
}

func TestCounterMonitor_ShutdownErrors(t *testing.T) {
	disableErr := errors.New("disable failed")
	closeErr := errors.New("close failed")

	session := &mockSession{}
	session.On("Stop").Return(disableErr)
	closer := &mockCloser{}
	closer.On("Close").Return(closeErr)

	m := NewCounterMonitor(session, WithLogger(discardLogger()), WithCloser(closer))
	err := m.Shutdown()
	assert.ErrorIs(t, err, disableErr)
	assert.ErrorIs(t, err, closeErr)

	session.AssertExpectations(t)
	closer.AssertExpectations(t)
}
