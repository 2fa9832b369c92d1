// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package metric

import (
	"fmt"
	"sync"
)

// Registry is an ordered set of clients keyed by name
type Registry struct {
	mu      sync.RWMutex
	clients []Client
	index   map[string]int
}

// NewRegistry returns a registry holding clients in the given order
func NewRegistry(clients ...Client) (*Registry, error) {
	r := &Registry{index: make(map[string]int)}
	for _, c := range clients {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns the built-in clients
func DefaultRegistry() *Registry {
	r, err := NewRegistry(IPCClient(), BranchClient(), LLCClient(), PowerClient())
	if err != nil {
		panic(fmt.Sprintf("invalid built-in metric clients: %v", err))
	}
	return r
}

// Register adds c; names must be unique
func (r *Registry) Register(c Client) error {
	if err := c.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[c.Name]; exists {
		return fmt.Errorf("metric client %q already registered", c.Name)
	}
	r.index[c.Name] = len(r.clients)
	r.clients = append(r.clients, c)
	return nil
}

// Get returns the client called name
func (r *Registry) Get(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[name]
	if !ok {
		return Client{}, false
	}
	return r.clients[i], true
}

// Names returns the client names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.clients))
	for i, c := range r.clients {
		names[i] = c.Name
	}
	return names
}

// Clients returns the clients in registration order
func (r *Registry) Clients() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Client(nil), r.clients...)
}
