// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/sustainable-computing-io/pmcmon/internal/monitor"
	"github.com/sustainable-computing-io/pmcmon/internal/service"
)

type probe struct {
	api     APIService
	monitor monitor.CounterDataProvider
}

var (
	_ service.Service     = (*probe)(nil)
	_ service.Initializer = (*probe)(nil)
)

type probeResponse struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Programmed int    `json:"programmed,omitempty"`
}

// NewProbe creates a new probe service that provides health check endpoints
func NewProbe(api APIService, pm monitor.CounterDataProvider) *probe {
	return &probe{
		api:     api,
		monitor: pm,
	}
}

func (p *probe) Name() string {
	return "probe"
}

func (p *probe) Init() error {
	return p.api.Register("/probe/", "probe", "Health check endpoints", p.handlers())
}

func (p *probe) handlers() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/probe/readyz", p.readyzHandler)
	mux.HandleFunc("/probe/livez", p.livezHandler)
	return mux
}

// readyzHandler reports ready once the counters of at least one processor
// are programmed and can be sampled
func (p *probe) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot, err := p.monitor.Snapshot()
	if err != nil {
		respond(w, http.StatusServiceUnavailable, probeResponse{Status: "not ready", Reason: "counters could not be sampled"})
		return
	}
	if len(snapshot.Programmed) == 0 {
		respond(w, http.StatusServiceUnavailable, probeResponse{Status: "not ready", Reason: "no processor programmed"})
		return
	}

	respond(w, http.StatusOK, probeResponse{Status: "ok", Programmed: len(snapshot.Programmed)})
}

// livezHandler reports alive as long as the monitor answers with a snapshot,
// even when collection is on demand only
func (p *probe) livezHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := p.monitor.Snapshot(); err != nil {
		respond(w, http.StatusServiceUnavailable, probeResponse{Status: "not alive", Reason: "monitor not operational"})
		return
	}
	respond(w, http.StatusOK, probeResponse{Status: "alive"})
}

func respond(w http.ResponseWriter, code int, resp probeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
