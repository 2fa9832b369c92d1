// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordShutdowns makes every service append its name to order on Shutdown
func recordShutdowns(order *[]string, services ...*fakeService) {
	for _, s := range services {
		name := s.name
		s.shutdownFn = func() error {
			*order = append(*order, name)
			return nil
		}
	}
}

func TestInit_Succeeds(t *testing.T) {
	monitor := &fakeService{name: "monitor"}
	exporter := &fakeService{name: "exporter"}
	buildInfo := &fakeService{name: "build-info"}

	assert.NoError(t, Init(nil, []Service{initOnly{monitor}, initShutdown{exporter}, buildInfo}))
	assert.Equal(t, 1, monitor.initCount)
	assert.Equal(t, 1, exporter.initCount)
	assert.Equal(t, 0, exporter.shutdownCount)

	assert.NoError(t, Init(nil, nil))
}

func TestInit_RollsBackInReverseOrder(t *testing.T) {
	bindErr := errors.New("bind failed")

	monitor := &fakeService{name: "monitor"}
	apiServer := &fakeService{name: "api-server"}
	exporter := &fakeService{name: "exporter", initFn: func() error { return bindErr }}
	late := &fakeService{name: "late"}

	var order []string
	recordShutdowns(&order, monitor, apiServer, exporter, late)

	err := Init(nil, []Service{
		initShutdown{monitor}, initShutdown{apiServer}, initShutdown{exporter}, initShutdown{late},
	})
	assert.ErrorIs(t, err, bindErr)
	assert.ErrorContains(t, err, "failed to initialize service exporter")

	assert.Equal(t, []string{"api-server", "monitor"}, order)
	assert.Equal(t, 0, exporter.shutdownCount, "a service that failed Init is not shut down")
	assert.Equal(t, 0, late.initCount)
}

func TestInit_RollbackErrorsAreNotReturned(t *testing.T) {
	initErr := errors.New("init error")
	shutdownErr := errors.New("shutdown error")

	first := &fakeService{name: "first", shutdownFn: func() error { return shutdownErr }}
	second := &fakeService{name: "second", initFn: func() error { return initErr }}

	err := Init(nil, []Service{initShutdown{first}, initShutdown{second}})
	assert.ErrorIs(t, err, initErr)
	assert.NotErrorIs(t, err, shutdownErr)
	assert.Equal(t, 1, first.shutdownCount)
}

func TestInit_RollbackSkipsNonShutdowners(t *testing.T) {
	initErr := errors.New("init error")
	first := &fakeService{name: "first"}
	second := &fakeService{name: "second", initFn: func() error { return initErr }}

	assert.ErrorIs(t, Init(nil, []Service{initOnly{first}, initOnly{second}}), initErr)
	assert.Equal(t, 1, first.initCount)
}

func TestShutdown(t *testing.T) {
	tt := []struct {
		name   string
		errs   []error
		failed int
	}{
		{name: "all succeed", errs: []error{nil, nil}, failed: 0},
		{name: "one fails", errs: []error{nil, errors.New("boom")}, failed: 1},
		{name: "all fail", errs: []error{errors.New("a"), errors.New("b")}, failed: 2},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			services := []Service{&fakeService{name: "plain"}}
			var fakes []*fakeService
			for _, err := range tc.errs {
				f := &fakeService{name: "svc", shutdownFn: func() error { return err }}
				fakes = append(fakes, f)
				services = append(services, initShutdown{f})
			}

			assert.Equal(t, tc.failed, Shutdown(nil, services))
			for _, f := range fakes {
				assert.Equal(t, 1, f.shutdownCount, "a failing shutdown does not stop the others")
			}
		})
	}
}
