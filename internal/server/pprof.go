// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/http/pprof"

	"github.com/sustainable-computing-io/pmcmon/internal/service"
)

// pprofService exposes the runtime profiles of the process on the API server
type pprofService struct {
	api APIService
}

var (
	_ service.Service     = (*pprofService)(nil)
	_ service.Initializer = (*pprofService)(nil)
)

// NewPprof returns a service registering /debug/pprof/ on api
func NewPprof(api APIService) *pprofService {
	return &pprofService{api: api}
}

func (p *pprofService) Name() string {
	return "pprof"
}

func (p *pprofService) Init() error {
	return p.api.Register("/debug/pprof/", "pprof", "Profiling Data", pprofHandlers())
}

// pprofHandlers serves the named profiles (heap, goroutine, ...) through Index
func pprofHandlers() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
