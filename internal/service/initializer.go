// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
)

// Init initializes all services that implement the Initializer interface in
// the order given. If any service fails to initialize, the services already
// initialized are shut down in reverse order so that a service never
// outlives the services it was built on (e.g. the monitor releases the
// counters only after the exporters reading them are gone).
func Init(logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	initialized := make([]Service, 0, len(services))
	for _, s := range services {
		srv, ok := s.(Initializer)
		if !ok {
			logger.Debug("skipping service initialization", "service", s.Name(),
				"reason", "service does not implement Initializer")
			continue
		}

		logger.Info("Initializing service", "service", s.Name())
		if err := srv.Init(); err != nil {
			initErr := fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
			logger.Info("Shutting down initialized services", "count", len(initialized))
			slices.Reverse(initialized)
			Shutdown(logger, initialized)
			return initErr
		}
		initialized = append(initialized, s)
	}
	return nil
}

// Shutdown shuts down the services implementing Shutdowner in the order
// given and returns the number of services that failed to shut down
func Shutdown(logger *slog.Logger, services []Service) int {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	failed := 0
	for _, s := range services {
		srv, ok := s.(Shutdowner)
		if !ok {
			logger.Debug("skipping service shutdown", "service", s.Name(),
				"reason", "service does not implement Shutdowner")
			continue
		}
		if err := srv.Shutdown(); err != nil {
			failed++
			logger.Error("failed to shutdown service", "service", s.Name(), "error", err)
			continue
		}
		logger.Debug("service shutdown successfully", "service", s.Name())
	}
	return failed
}
