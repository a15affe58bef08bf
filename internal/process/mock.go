// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"context"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockProcessManager is a test double for ProcessManager.
//
// Configure it by setting the function fields. A nil RunFunc returns an
// empty successful Result; a nil StartFunc returns a fresh MockHandle.
// Calls are recorded before the function field runs, and the lock is not
// held while it runs, so a RunFunc may block without stalling other callers.
//
// # Examples
//
//	mock := &MockProcessManager{
//	    RunFunc: func(ctx context.Context, name string, args ...string) (*Result, error) {
//	        return &Result{Stdout: []byte(`{"envs":[]}`)}, nil
//	    },
//	}
type MockProcessManager struct {
	// RunFunc is called when Run is invoked.
	RunFunc func(ctx context.Context, name string, args ...string) (*Result, error)

	// StartFunc is called when Start is invoked.
	StartFunc func(ctx context.Context, spec StartSpec) (Handle, error)

	mu    sync.Mutex
	calls []ProcessCall
}

// ProcessCall records a single invocation.
type ProcessCall struct {
	Method string
	Name   string
	Args   []string
}

// Run records the call and delegates to RunFunc.
func (m *MockProcessManager) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	m.record(ProcessCall{Method: "Run", Name: name, Args: append([]string(nil), args...)})
	if m.RunFunc == nil {
		return &Result{}, nil
	}
	return m.RunFunc(ctx, name, args...)
}

// Start records the call and delegates to StartFunc.
func (m *MockProcessManager) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	m.record(ProcessCall{Method: "Start", Name: spec.Name, Args: append([]string(nil), spec.Args...)})
	if m.StartFunc == nil {
		return NewMockHandle(4242), nil
	}
	return m.StartFunc(ctx, spec)
}

// Calls returns a copy of the recorded calls.
func (m *MockProcessManager) Calls() []ProcessCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProcessCall(nil), m.calls...)
}

// CallCount returns how many times method was called.
func (m *MockProcessManager) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *MockProcessManager) record(c ProcessCall) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

var _ ProcessManager = (*MockProcessManager)(nil)

// MockHandle is a Handle whose exit is controlled by the test.
type MockHandle struct {
	pid  int
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	err       error
	stopCalls int
}

// NewMockHandle creates a running MockHandle.
func NewMockHandle(pid int) *MockHandle {
	return &MockHandle{pid: pid, done: make(chan struct{})}
}

// Exit marks the process as exited with err.
func (h *MockHandle) Exit(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

// StopCalls returns how many times Stop was called.
func (h *MockHandle) StopCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopCalls
}

func (h *MockHandle) PID() int { return h.pid }

func (h *MockHandle) Done() <-chan struct{} { return h.done }

func (h *MockHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Stop counts the call and exits the handle immediately.
func (h *MockHandle) Stop(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	h.stopCalls++
	h.mu.Unlock()
	h.Exit(nil)
	return nil
}

var _ Handle = (*MockHandle)(nil)
