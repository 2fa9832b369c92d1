// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// fakeService counts lifecycle calls. On its own it is a plain Service; the
// wrappers below pick which lifecycle interfaces Init, Run and Shutdown see.
type fakeService struct {
	name       string
	initFn     func() error
	runFn      func(ctx context.Context) error
	shutdownFn func() error

	initCount     int
	runCount      int
	shutdownCount int
}

func (f *fakeService) Name() string {
	return f.name
}

func (f *fakeService) init() error {
	f.initCount++
	if f.initFn == nil {
		return nil
	}
	return f.initFn()
}

func (f *fakeService) run(ctx context.Context) error {
	f.runCount++
	if f.runFn == nil {
		return nil
	}
	return f.runFn(ctx)
}

func (f *fakeService) shutdown() error {
	f.shutdownCount++
	if f.shutdownFn == nil {
		return nil
	}
	return f.shutdownFn()
}

// initOnly is a service like the build info collector: initialized, never run
type initOnly struct{ *fakeService }

func (s initOnly) Init() error { return s.init() }

// initShutdown is a service like the engine owner: initialized and closed
type initShutdown struct{ *fakeService }

func (s initShutdown) Init() error     { return s.init() }
func (s initShutdown) Shutdown() error { return s.shutdown() }

// runOnly is a background loop with nothing to release
type runOnly struct{ *fakeService }

func (s runOnly) Run(ctx context.Context) error { return s.run(ctx) }

// runShutdown is a service like the sampling monitor or the API server
type runShutdown struct{ *fakeService }

func (s runShutdown) Run(ctx context.Context) error { return s.run(ctx) }
func (s runShutdown) Shutdown() error               { return s.shutdown() }
