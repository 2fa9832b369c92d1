// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sustainable-computing-io/pmcmon/internal/metric"
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
	"github.com/sustainable-computing-io/pmcmon/internal/service"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

type CounterDataProvider interface {
	// Snapshot returns the current counter data
	Snapshot() (*Snapshot, error)

	// DataChannel returns a channel that signals when new data is available
	DataChannel() <-chan struct{}

	// CoreTypes returns the discovered core types
	CoreTypes() []pmu.CoreType

	// Client returns the metric client being computed
	Client() metric.Client
}

// Service defines the interface for the counter monitoring service
type Service interface {
	service.Service
	CounterDataProvider
}

// Session is the metric session the monitor ticks
type Session interface {
	Client() metric.Client
	CoreTypes() []pmu.CoreType
	Start() (pmu.ProgramResult, error)
	Tick() (*metric.Tick, error)
	Stop() error
}

var _ Session = (*metric.Session)(nil)

// CounterMonitor is the default implementation of the monitoring service
type CounterMonitor struct {
	// passed externally
	logger  *slog.Logger
	session Session
	closer  io.Closer

	interval     time.Duration
	clock        clock.WithTicker
	maxStaleness time.Duration

	// signals when a snapshot has been updated
	dataCh chan struct{}

	computeGroup singleflight.Group
	snapshot     atomic.Pointer[Snapshot]

	coreTypes     []pmu.CoreType
	programmed    []int
	programFailed []int

	// For managing the collection loop
	collectionCtx    context.Context
	collectionCancel context.CancelFunc
}

var (
	_ Service             = (*CounterMonitor)(nil)
	_ service.Initializer = (*CounterMonitor)(nil)
	_ service.Runner      = (*CounterMonitor)(nil)
	_ service.Shutdowner  = (*CounterMonitor)(nil)
	_ CounterDataProvider = (*CounterMonitor)(nil)
)

// NewCounterMonitor creates a new CounterMonitor ticking session
func NewCounterMonitor(session Session, applyOpts ...OptionFn) *CounterMonitor {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &CounterMonitor{
		logger:           opts.logger.With("service", "monitor"),
		session:          session,
		closer:           opts.closer,
		clock:            opts.clock,
		interval:         opts.interval,
		dataCh:           make(chan struct{}, 1),
		maxStaleness:     opts.maxStaleness,
		collectionCtx:    ctx,
		collectionCancel: cancel,
	}
}

func (cm *CounterMonitor) Name() string {
	return "monitor"
}

// Init programs the client events on every matching processor
func (cm *CounterMonitor) Init() error {
	result, err := cm.session.Start()
	if err != nil {
		return fmt.Errorf("failed to start %s session: %w", cm.session.Client().Name, err)
	}
	cm.coreTypes = cm.session.CoreTypes()
	cm.programmed = result.Processors
	cm.programFailed = result.FailedCPUs()

	// signal now so that exporters can construct descriptors
	cm.signalNewData()
	return nil
}

func (cm *CounterMonitor) signalNewData() {
	select {
	case cm.dataCh <- struct{}{}: // send signal to any waiting goroutine
		cm.logger.Debug("Data channel updated")
	default:
		cm.logger.Debug("Data channel is full")
	}
}

func (cm *CounterMonitor) Run(ctx context.Context) error {
	cm.logger.Info("Monitor is running...", "interval", cm.interval)
	cm.collectionLoop()
	<-ctx.Done()
	cm.collectionCancel()
	cm.logger.Info("Monitor has terminated.")
	return nil
}

// Shutdown stops the collection loop, disables the counters and closes
// the register port
func (cm *CounterMonitor) Shutdown() error {
	cm.logger.Info("shutting down monitor")
	cm.collectionCancel()

	var errs []error
	if err := cm.session.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to disable counters: %w", err))
	}
	if cm.closer != nil {
		if err := cm.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close port: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (cm *CounterMonitor) DataChannel() <-chan struct{} {
	return cm.dataCh
}

func (cm *CounterMonitor) CoreTypes() []pmu.CoreType {
	// need not lock since it is set once by Init
	return cm.coreTypes
}

func (cm *CounterMonitor) Client() metric.Client {
	return cm.session.Client()
}

func (cm *CounterMonitor) Snapshot() (*Snapshot, error) {
	if err := cm.ensureFreshData(); err != nil {
		return nil, err
	}

	snapshot := cm.snapshot.Load()
	if snapshot == nil {
		return nil, fmt.Errorf("failed to get snapshot")
	}
	return snapshot.Clone(), nil
}

// collectionLoop handles periodic data collection
func (cm *CounterMonitor) collectionLoop() {
	if err := cm.synchronizedRefresh(); err != nil {
		cm.logger.Error("Failed to collect initial counter data", "error", err)
	}

	if cm.interval > 0 {
		cm.scheduleNextCollection()
	}
}

// scheduleNextCollection schedules the next data collection
func (cm *CounterMonitor) scheduleNextCollection() {
	timer := cm.clock.After(cm.interval)
	go func() {
		select {
		case <-timer:
			if err := cm.synchronizedRefresh(); err != nil {
				cm.logger.Error("Failed to collect counter data", "error", err)
			}
			cm.scheduleNextCollection()

		case <-cm.collectionCtx.Done():
			cm.logger.Info("Collection loop terminated")
			return
		}
	}()
}

// ensureFreshData ensures that the data returned is recent enough (< maxStaleness)
func (cm *CounterMonitor) ensureFreshData() error {
	if cm.isFresh() {
		return nil
	}
	return cm.synchronizedRefresh()
}

// synchronizedRefresh ticks the session while ensuring that only one go
// routine does so at a time. Freshness is checked again once inside so that
// callers queued behind a refresh reuse its result.
func (cm *CounterMonitor) synchronizedRefresh() error {
	_, err, _ := cm.computeGroup.Do("compute", func() (any, error) {
		if cm.isFresh() {
			return nil, nil
		}
		return nil, cm.refreshSnapshot()
	})
	return err
}

func (cm *CounterMonitor) isFresh() bool {
	snapshot := cm.snapshot.Load()
	if snapshot == nil || snapshot.Timestamp.IsZero() {
		return false
	}

	age := cm.clock.Now().Sub(snapshot.Timestamp)
	return age <= cm.maxStaleness
}

// refreshSnapshot ticks the session and stores the result. Processors that
// could not be read are recorded on the snapshot; only a tick that produced
// no data at all is an error.
func (cm *CounterMonitor) refreshSnapshot() error {
	started := cm.clock.Now()
	defer func() {
		cm.logger.Debug("Sampled counters", "duration", cm.clock.Since(started))
	}()

	tick, err := cm.session.Tick()
	if tick == nil {
		return fmt.Errorf("failed to sample counters: %w", err)
	}

	snapshot := NewSnapshot()
	snapshot.Threads = tick.Threads
	snapshot.Totals = tick.Totals
	snapshot.Power = tick.Power
	snapshot.Result = tick.Result
	snapshot.Programmed = cm.programmed
	snapshot.ProgramFailed = cm.programFailed

	if err != nil {
		var partial *pmu.PartialError
		if errors.As(err, &partial) {
			snapshot.SampleFailed = partial.CPUs()
		}
		cm.logger.Warn("Counter sample incomplete", "error", err)
	}

	snapshot.Timestamp = cm.clock.Now()
	cm.snapshot.Store(snapshot)
	cm.signalNewData()
	cm.logger.Debug("refreshSnapshot",
		"threads", len(snapshot.Threads),
		"sample-failed", len(snapshot.SampleFailed),
	)
	return nil
}
