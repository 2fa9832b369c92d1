// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/pmcmon/internal/metric"
	"github.com/sustainable-computing-io/pmcmon/internal/monitor"
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
)

// mockCounterDataProvider implements monitor.CounterDataProvider for testing
type mockCounterDataProvider struct {
	mock.Mock
}

func (m *mockCounterDataProvider) Snapshot() (*monitor.Snapshot, error) {
	args := m.Called()
	snapshot := args.Get(0)
	if snapshot == nil {
		return nil, args.Error(1)
	}
	return snapshot.(*monitor.Snapshot), args.Error(1)
}

func (m *mockCounterDataProvider) DataChannel() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(chan struct{})
}

func (m *mockCounterDataProvider) CoreTypes() []pmu.CoreType {
	args := m.Called()
	return args.Get(0).([]pmu.CoreType)
}

func (m *mockCounterDataProvider) Client() metric.Client {
	args := m.Called()
	return args.Get(0).(metric.Client)
}

// mockAPIService implements APIService for testing
type mockAPIService struct {
	mock.Mock
	mux *http.ServeMux
}

func (m *mockAPIService) Name() string {
	return "mock-api"
}

func (m *mockAPIService) Register(endpoint, summary, description string, handler http.Handler) error {
	if m.mux == nil {
		m.mux = http.NewServeMux()
	}
	m.mux.Handle(endpoint, handler)
	return nil
}

func serveProbe(t *testing.T, pm monitor.CounterDataProvider, method, endpoint string) *httptest.ResponseRecorder {
	t.Helper()

	api := &mockAPIService{}
	require.NoError(t, NewProbe(api, pm).Init())

	req, err := http.NewRequest(method, endpoint, nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	api.mux.ServeHTTP(rr, req)
	return rr
}

func TestProbe_ReadyzHandler(t *testing.T) {
	tests := []struct {
		name           string
		snapshotReturn *monitor.Snapshot
		snapshotError  error
		expectedStatus int
		expected       probeResponse
	}{{
		name:           "ready with programmed processors",
		snapshotReturn: &monitor.Snapshot{Timestamp: time.Now(), Programmed: []int{0, 1, 2}},
		expectedStatus: http.StatusOK,
		expected:       probeResponse{Status: "ok", Programmed: 3},
	}, {
		name:           "not ready - nothing programmed",
		snapshotReturn: &monitor.Snapshot{Timestamp: time.Now(), ProgramFailed: []int{0}},
		expectedStatus: http.StatusServiceUnavailable,
		expected:       probeResponse{Status: "not ready", Reason: "no processor programmed"},
	}, {
		name:           "not ready - snapshot error",
		snapshotError:  assert.AnError,
		expectedStatus: http.StatusServiceUnavailable,
		expected:       probeResponse{Status: "not ready", Reason: "counters could not be sampled"},
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := &mockCounterDataProvider{}
			pm.On("Snapshot").Return(tt.snapshotReturn, tt.snapshotError)

			rr := serveProbe(t, pm, http.MethodGet, "/probe/readyz")
			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			var got probeResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
			assert.Equal(t, tt.expected, got)

			pm.AssertExpectations(t)
		})
	}
}

func TestProbe_LivezHandler(t *testing.T) {
	tests := []struct {
		name           string
		snapshotReturn *monitor.Snapshot
		snapshotError  error
		expectedStatus int
		expectedResult string
	}{{
		name:           "alive with valid snapshot",
		snapshotReturn: &monitor.Snapshot{Timestamp: time.Now()},
		expectedStatus: http.StatusOK,
		expectedResult: "alive",
	}, {
		name:           "alive without programmed processors",
		snapshotReturn: &monitor.Snapshot{ProgramFailed: []int{0, 1}},
		expectedStatus: http.StatusOK,
		expectedResult: "alive",
	}, {
		name:           "not alive - snapshot error",
		snapshotError:  assert.AnError,
		expectedStatus: http.StatusServiceUnavailable,
		expectedResult: "not alive",
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := &mockCounterDataProvider{}
			pm.On("Snapshot").Return(tt.snapshotReturn, tt.snapshotError)

			rr := serveProbe(t, pm, http.MethodGet, "/probe/livez")
			assert.Equal(t, tt.expectedStatus, rr.Code)

			var got probeResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
			assert.Equal(t, tt.expectedResult, got.Status)

			pm.AssertExpectations(t)
		})
	}
}

func TestProbe_MethodNotAllowed(t *testing.T) {
	for _, endpoint := range []string{"/probe/readyz", "/probe/livez"} {
		t.Run("POST "+endpoint, func(t *testing.T) {
			pm := &mockCounterDataProvider{}
			rr := serveProbe(t, pm, http.MethodPost, endpoint)

			assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
			pm.AssertNotCalled(t, "Snapshot")
		})
	}
}

func TestProbe_Name(t *testing.T) {
	assert.Equal(t, "probe", NewProbe(&mockAPIService{}, &mockCounterDataProvider{}).Name())
}
