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
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioimageit/biit-runtime/internal/observability"
	"github.com/bioimageit/biit-runtime/internal/process"
	"github.com/bioimageit/biit-runtime/services/environment"
)

// =============================================================================
// Test doubles
// =============================================================================

// fakeProvisioner records provisioning calls and hands out MockHandles.
type fakeProvisioner struct {
	mu sync.Mutex

	ensureErr error
	existsErr error
	createErr error
	launchErr error
	exists    bool

	// gate, when set, blocks EnsureRuntimeInstalled until closed.
	gate chan struct{}
	// exitOnLaunch makes every launched process exit immediately.
	exitOnLaunch bool
	// panicOnEnsure panics inside EnsureRuntimeInstalled.
	panicOnEnsure bool

	creates []string
	specs   []environment.DependencySpec
	handles []*process.MockHandle
}

func (f *fakeProvisioner) EnsureRuntimeInstalled(ctx context.Context) error {
	if f.panicOnEnsure {
		panic("boom")
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.ensureErr
}

func (f *fakeProvisioner) Exists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, f.existsErr
}

func (f *fakeProvisioner) Create(ctx context.Context, name string, spec environment.DependencySpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, name)
	f.specs = append(f.specs, spec)
	if f.createErr == nil {
		f.exists = true
	}
	return f.createErr
}

func (f *fakeProvisioner) Launch(ctx context.Context, name, command string) (*environment.ManagedProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	h := process.NewMockHandle(1000 + len(f.handles))
	f.handles = append(f.handles, h)
	if f.exitOnLaunch {
		h.Exit(errors.New("exit status 1"))
	}
	return environment.NewManagedProcess(name, command, "", h), nil
}

func (f *fakeProvisioner) launched() []*process.MockHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*process.MockHandle(nil), f.handles...)
}

func (f *fakeProvisioner) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

type probeFunc func(ctx context.Context, url string) error

func (f probeFunc) Probe(ctx context.Context, url string) error { return f(ctx, url) }

func alwaysReady() Prober {
	return probeFunc(func(context.Context, string) error { return nil })
}

func neverReady() Prober {
	return probeFunc(func(context.Context, string) error { return errors.New("connection refused") })
}

func testService() Service {
	return Service{
		Name:             "svc",
		Env:              "svc-env",
		Spec:             environment.DependencySpec{Packages: []string{"tool"}},
		Command:          "serve --port 9000",
		ReadinessURL:     "http://127.0.0.1:9000/healthz",
		PollInterval:     10 * time.Millisecond,
		ReadinessTimeout: 2 * time.Second,
		StopTimeout:      100 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, svc Service, env Provisioner, opts ...Option) *Supervisor {
	t.Helper()
	s, err := New(svc, env, opts...)
	require.NoError(t, err)
	return s
}

func waitSettled(t *testing.T, s *Supervisor) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := s.Wait(ctx)
	require.NoError(t, err)
	return st
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Service)
	}{
		{"missing name", func(s *Service) { s.Name = "" }},
		{"bad env name", func(s *Service) { s.Env = "../escape" }},
		{"missing command", func(s *Service) { s.Command = "" }},
		{"bad url", func(s *Service) { s.ReadinessURL = "not a url" }},
		{"bad package", func(s *Service) { s.Spec.Packages = []string{"-x"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := testService()
			tt.mutate(&svc)
			_, err := New(svc, &fakeProvisioner{})
			assert.Error(t, err)
		})
	}

	_, err := New(testService(), nil)
	assert.Error(t, err)
}

func TestNew_AppliesDefaults(t *testing.T) {
	svc := testService()
	svc.PollInterval, svc.ReadinessTimeout, svc.StopTimeout = 0, 0, 0

	s := newTestSupervisor(t, svc, &fakeProvisioner{})

	assert.Equal(t, time.Second, s.Service().PollInterval)
	assert.Equal(t, 2*time.Minute, s.Service().ReadinessTimeout)
	assert.Equal(t, 10*time.Second, s.Service().StopTimeout)
	assert.Equal(t, Status{State: StateIdle}, s.Status())
}

func TestCodeServerService(t *testing.T) {
	svc := CodeServerService()

	require.NoError(t, svc.Validate())
	assert.Equal(t, "codeserver-env", svc.Env)
	assert.Equal(t, "3.10", svc.Spec.RuntimeVersion)
	assert.Equal(t, []string{"code-server"}, svc.Spec.Packages)
	assert.Equal(t, "http://127.0.0.1:3000/healthz", svc.ReadinessURL)
	assert.Contains(t, svc.Command, "--install-extension launchfileauto-latest.vsix")
	assert.Contains(t, svc.Command, "--auth none --bind-addr 127.0.0.1:3000")
}

// =============================================================================
// Lifecycle
// =============================================================================

// TestInitAndLaunch_ReachesReady verifies the full sequence against a real
// HTTP readiness endpoint that becomes healthy after a few probes.
func TestInitAndLaunch_ReachesReady(t *testing.T) {
	// Arrange
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := testService()
	svc.ReadinessURL = srv.URL + "/healthz"
	env := &fakeProvisioner{}
	s := newTestSupervisor(t, svc, env)

	// Act
	started := s.InitAndLaunch()
	st := waitSettled(t, s)

	// Assert
	assert.True(t, started)
	assert.Equal(t, Status{State: StateReady}, st)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&hits), int32(3))
	require.Equal(t, 1, env.createCount())
	assert.Equal(t, []string{"svc-env"}, env.creates)
	assert.Equal(t, []string{"tool"}, env.specs[0].Packages)
	require.NotNil(t, s.Process())
	assert.Equal(t, 1000, s.Process().PID)

	assert.False(t, s.InitAndLaunch(), "ready service must not restart")
}

func TestInitAndLaunch_SkipsCreateWhenEnvExists(t *testing.T) {
	env := &fakeProvisioner{exists: true}
	s := newTestSupervisor(t, testService(), env, WithProber(alwaysReady()))

	s.InitAndLaunch()

	assert.Equal(t, StateReady, waitSettled(t, s).State)
	assert.Zero(t, env.createCount())
}

// TestInitAndLaunch_ReadinessTimeout verifies that a readiness check that never
// succeeds moves the service to error once ReadinessTimeout has elapsed,
// not before and not much after.
func TestInitAndLaunch_ReadinessTimeout(t *testing.T) {
	svc := testService()
	svc.ReadinessTimeout = 300 * time.Millisecond
	s := newTestSupervisor(t, svc, &fakeProvisioner{}, WithProber(neverReady()))

	start := time.Now()
	s.InitAndLaunch()
	st := waitSettled(t, s)
	elapsed := time.Since(start)

	assert.Equal(t, StateError, st.State)
	assert.GreaterOrEqual(t, elapsed, svc.ReadinessTimeout, "error reported before the timeout")
	assert.Less(t, elapsed, svc.ReadinessTimeout+10*svc.PollInterval, "error reported long after the timeout")
	assert.Contains(t, st.Reason, ErrReadinessTimeout.Error())
	assert.Contains(t, st.Reason, "connection refused")
}

func TestInitAndLaunch_ProcessExitsEarly(t *testing.T) {
	s := newTestSupervisor(t, testService(), &fakeProvisioner{exitOnLaunch: true}, WithProber(neverReady()))

	s.InitAndLaunch()

	assert.Equal(t, Status{State: StateError, Reason: ReasonExitedEarly}, waitSettled(t, s))
}

func TestInitAndLaunch_ProvisioningErrors(t *testing.T) {
	tests := []struct {
		name   string
		env    *fakeProvisioner
		reason string
	}{
		{"bootstrap", &fakeProvisioner{ensureErr: errors.New("download failed")}, "download failed"},
		{"exists", &fakeProvisioner{existsErr: errors.New("env list broke")}, "env list broke"},
		{"create", &fakeProvisioner{createErr: errors.New("solver conflict")}, "solver conflict"},
		{"launch", &fakeProvisioner{exists: true, launchErr: errors.New("no such file")}, "no such file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(t, testService(), tt.env, WithProber(alwaysReady()))

			s.InitAndLaunch()
			st := waitSettled(t, s)

			assert.Equal(t, StateError, st.State)
			assert.Contains(t, st.Reason, tt.reason)
			assert.Empty(t, tt.env.launched())
		})
	}
}

func TestInitAndLaunch_PanicBecomesError(t *testing.T) {
	s := newTestSupervisor(t, testService(), &fakeProvisioner{panicOnEnsure: true})

	s.InitAndLaunch()
	st := waitSettled(t, s)

	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Reason, "provisioning panicked: boom")
}

// TestInitAndLaunch_ConcurrentCallsStartOnce verifies that only one
// provisioning sequence runs no matter how many callers race.
func TestInitAndLaunch_ConcurrentCallsStartOnce(t *testing.T) {
	// Arrange
	env := &fakeProvisioner{gate: make(chan struct{})}
	s := newTestSupervisor(t, testService(), env, WithProber(alwaysReady()))

	// Act
	var started int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.InitAndLaunch() {
				atomic.AddInt32(&started, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StateStarting, s.Status().State)
	close(env.gate)

	// Assert
	assert.Equal(t, StateReady, waitSettled(t, s).State)
	assert.Equal(t, int32(1), started)
	assert.Len(t, env.launched(), 1)
}

func TestWait_ContextCancelled(t *testing.T) {
	env := &fakeProvisioner{gate: make(chan struct{})}
	defer close(env.gate)
	s := newTestSupervisor(t, testService(), env)
	s.InitAndLaunch()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	st, err := s.Wait(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateStarting, st.State)
}

func TestWait_IdleReturnsImmediately(t *testing.T) {
	s := newTestSupervisor(t, testService(), &fakeProvisioner{})

	assert.Equal(t, Status{State: StateIdle}, waitSettled(t, s))
}

// =============================================================================
// Stop
// =============================================================================

func TestStop_ReadyToStoppedAndRestart(t *testing.T) {
	// Arrange
	env := &fakeProvisioner{}
	s := newTestSupervisor(t, testService(), env, WithProber(alwaysReady()))
	s.InitAndLaunch()
	require.Equal(t, StateReady, waitSettled(t, s).State)

	// Act
	require.NoError(t, s.Stop(context.Background()))

	// Assert
	assert.Equal(t, Status{State: StateStopped}, s.Status())
	assert.Equal(t, 1, env.launched()[0].StopCalls())
	assert.Nil(t, s.Process())

	require.NoError(t, s.Stop(context.Background()), "second stop is a no-op")
	assert.Equal(t, 1, env.launched()[0].StopCalls())

	require.True(t, s.InitAndLaunch())
	assert.Equal(t, StateReady, waitSettled(t, s).State)
	assert.Len(t, env.launched(), 2)
	assert.Equal(t, 1, env.createCount(), "existing environment is reused")
}

func TestStop_IdleIsNoop(t *testing.T) {
	s := newTestSupervisor(t, testService(), &fakeProvisioner{})

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateIdle, s.Status().State)
}

func TestStop_DuringProvisioningLeavesStatus(t *testing.T) {
	env := &fakeProvisioner{gate: make(chan struct{})}
	s := newTestSupervisor(t, testService(), env, WithProber(alwaysReady()))
	s.InitAndLaunch()

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStarting, s.Status().State)

	close(env.gate)
	assert.Equal(t, StateReady, waitSettled(t, s).State)
}

func TestStop_DuringReadinessFailsProvisioning(t *testing.T) {
	env := &fakeProvisioner{}
	s := newTestSupervisor(t, testService(), env, WithProber(neverReady()))
	s.InitAndLaunch()
	require.Eventually(t, func() bool { return s.Process() != nil }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, Status{State: StateError, Reason: ReasonExitedEarly}, waitSettled(t, s))
}

func TestRestart_StopsLeftoverProcess(t *testing.T) {
	svc := testService()
	svc.ReadinessTimeout = 50 * time.Millisecond
	env := &fakeProvisioner{}
	var ready atomic.Bool
	prober := probeFunc(func(context.Context, string) error {
		if ready.Load() {
			return nil
		}
		return errors.New("not yet")
	})
	s := newTestSupervisor(t, svc, env, WithProber(prober))

	s.InitAndLaunch()
	require.Equal(t, StateError, waitSettled(t, s).State)
	leftover := env.launched()[0]
	assert.Zero(t, leftover.StopCalls())

	ready.Store(true)
	s.InitAndLaunch()

	assert.Equal(t, StateReady, waitSettled(t, s).State)
	assert.Equal(t, 1, leftover.StopCalls())
}

func TestReady_ProcessExitMovesToStopped(t *testing.T) {
	env := &fakeProvisioner{}
	s := newTestSupervisor(t, testService(), env, WithProber(alwaysReady()))
	s.InitAndLaunch()
	require.Equal(t, StateReady, waitSettled(t, s).State)

	env.launched()[0].Exit(errors.New("signal: killed"))

	assert.Eventually(t, func() bool { return s.Status().State == StateStopped }, 2*time.Second, 5*time.Millisecond)
}

// =============================================================================
// Metrics and state machine
// =============================================================================

func TestSupervisor_RecordsMetrics(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := newTestSupervisor(t, testService(), &fakeProvisioner{}, WithProber(alwaysReady()), WithMetrics(metrics))

	s.InitAndLaunch()
	waitSettled(t, s)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SupervisorTransitionsTotal.WithLabelValues("svc", "starting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SupervisorTransitionsTotal.WithLabelValues("svc", "ready")))
}

func TestCanTransition(t *testing.T) {
	legal := map[State][]State{
		StateIdle:     {StateStarting},
		StateStarting: {StateReady, StateError},
		StateReady:    {StateStopped},
		StateError:    {StateStarting},
		StateStopped:  {StateStarting},
	}
	all := []State{StateIdle, StateStarting, StateReady, StateError, StateStopped}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, l := range legal[from] {
				if l == to {
					want = true
				}
			}
			assert.Equal(t, want, canTransition(from, to), "%s -> %s", from, to)
		}
	}
}
