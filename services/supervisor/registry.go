// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownService is returned for names that were never registered.
var ErrUnknownService = errors.New("unknown service")

// Registry holds one Supervisor per service for the host process.
//
// The host builds it once at startup and injects it into the HTTP layer;
// nothing in this package keeps a global instance.
type Registry struct {
	mu          sync.RWMutex
	supervisors map[string]*Supervisor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{supervisors: make(map[string]*Supervisor)}
}

// Register adds s. Registering a name twice is an error.
func (r *Registry) Register(s *Supervisor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.supervisors[s.Name()]; ok {
		return fmt.Errorf("service %q already registered", s.Name())
	}
	r.supervisors[s.Name()] = s
	return nil
}

// Get returns the supervisor for name or ErrUnknownService.
func (r *Registry) Get(name string) (*Supervisor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.supervisors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return s, nil
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.supervisors))
	for name := range r.supervisors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statuses returns a status snapshot per service.
func (r *Registry) Statuses() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.supervisors))
	for name, s := range r.supervisors {
		out[name] = s.Status()
	}
	return out
}

// StopAll stops every supervised service and joins the errors.
func (r *Registry) StopAll(ctx context.Context) error {
	var errs []error
	for _, name := range r.Names() {
		s, err := r.Get(name)
		if err != nil {
			continue
		}
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
