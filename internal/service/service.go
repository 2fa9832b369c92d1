// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package service runs the lifecycle of pmcmon's long lived components: the
// sampling monitor, the exporters and the HTTP server. A component opts into
// each phase by implementing the matching interface; Init, Run and Shutdown
// skip components that do not.
package service

import "context"

// Service is a named pmcmon component
type Service interface {
	// Name identifies the component in logs and errors
	Name() string
}

// Initializer acquires what the component needs before anything runs, such
// as the register port or a listening socket. Init is called once, in the
// order the components are given.
type Initializer interface {
	Service
	Init() error
}

// Runner is a component with a background loop
type Runner interface {
	Service
	// Run blocks until ctx is cancelled or the loop fails. Returning ends
	// every other runner of the group.
	Run(ctx context.Context) error
}

// Shutdowner releases what Init acquired. Shutdown may be called after a
// failed Run and must not assume Run was ever called.
type Shutdowner interface {
	Service
	Shutdown() error
}
