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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bioimageit/biit-runtime/internal/observability"
	"github.com/bioimageit/biit-runtime/internal/util"
	"github.com/bioimageit/biit-runtime/services/environment"
)

var tracer = otel.Tracer("biit.supervisor")

// Provisioner is the slice of the environment manager a Supervisor needs.
//
// *environment.Manager implements it.
type Provisioner interface {
	EnsureRuntimeInstalled(ctx context.Context) error
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name string, spec environment.DependencySpec) error
	Launch(ctx context.Context, name, command string) (*environment.ManagedProcess, error)
}

var _ Provisioner = (*environment.Manager)(nil)

// =============================================================================
// Supervisor
// =============================================================================

// Supervisor manages the lifecycle of one service.
//
// # Description
//
// InitAndLaunch starts a provisioning sequence on a background goroutine:
// ensure the package manager, create the environment if absent, launch
// the command, then poll the readiness URL. The outcome is published as
// a Status transition. Wait blocks until the status leaves starting.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Transitions are serialized by
// a mutex; Status reads are lock-free.
//
// # Limitations
//
//   - Stop does not cancel an in-flight provisioning sequence. If the
//     process is already running it is terminated, and the sequence then
//     ends in error.
type Supervisor struct {
	svc     Service
	env     Provisioner
	prober  Prober
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	status  atomic.Pointer[Status]
	changed chan struct{}
	proc    *environment.ManagedProcess
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithMetrics records transitions and provisioning durations.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithProber replaces the default HTTP prober.
func WithProber(p Prober) Option {
	return func(s *Supervisor) { s.prober = p }
}

// New creates a Supervisor in the idle state.
//
// # Inputs
//
//   - svc: Service definition. Validated; unset durations get defaults.
//   - env: Environment provisioner, usually *environment.Manager.
//   - opts: Optional logger, metrics and prober.
//
// # Outputs
//
//   - *Supervisor: Idle supervisor.
//   - error: Non-nil if svc is invalid or env is nil.
func New(svc Service, env Provisioner, opts ...Option) (*Supervisor, error) {
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	if env == nil {
		return nil, errors.New("supervisor: provisioner is required")
	}

	s := &Supervisor{
		svc:     svc.withDefaults(),
		env:     env,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.prober == nil {
		s.prober = NewHTTPProber(nil)
	}
	s.logger = s.logger.With("component", "supervisor", "service", svc.Name)
	s.status.Store(&Status{State: StateIdle})
	return s, nil
}

// Name returns the service name.
func (s *Supervisor) Name() string {
	return s.svc.Name
}

// Service returns the service definition with defaults applied.
func (s *Supervisor) Service() Service {
	return s.svc
}

// Status returns the current status snapshot without locking.
func (s *Supervisor) Status() Status {
	return *s.status.Load()
}

// Process returns the managed process, or nil when none is running.
func (s *Supervisor) Process() *environment.ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// InitAndLaunch starts the service if it is not already starting or ready.
//
// # Description
//
// Moves to starting and spawns the provisioning sequence, returning
// immediately. A leftover process from an earlier failed attempt is
// terminated first.
//
// # Outputs
//
//   - bool: true if a provisioning sequence was started, false if the
//     service was already starting or ready.
func (s *Supervisor) InitAndLaunch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.status.Load().State
	if current == StateStarting || current == StateReady {
		return false
	}

	leftover := s.proc
	s.proc = nil
	s.setLocked(Status{State: StateStarting})

	util.SafeGo(func() {
		s.provision(leftover)
	}, func(p util.PanicInfo) {
		s.logger.Error("provisioning panicked", "panic", p.Value, "stack", p.Stack)
		s.transition(Status{State: StateError, Reason: fmt.Sprintf("provisioning panicked: %v", p.Value)})
	})
	return true
}

// Wait blocks until the status is not starting, or ctx is done.
//
// # Outputs
//
//   - Status: The first non-starting status observed.
//   - error: ctx.Err() if the context ended first.
func (s *Supervisor) Wait(ctx context.Context) (Status, error) {
	for {
		s.mu.Lock()
		st := *s.status.Load()
		ch := s.changed
		s.mu.Unlock()

		if st.State != StateStarting {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Stop terminates the managed process.
//
// # Description
//
// Sends SIGTERM to the process group, then SIGKILL after StopTimeout.
// A ready service moves to stopped. With nothing running Stop is a no-op.
// The status of an in-flight provisioning sequence is left alone.
//
// # Outputs
//
//   - error: Failure to signal the process, or ctx.Err().
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()

	if proc == nil {
		return nil
	}

	s.logger.Info("stopping service", "pid", proc.PID)
	if err := proc.Stop(ctx, s.svc.StopTimeout); err != nil {
		s.mu.Lock()
		if s.proc == nil {
			s.proc = proc
		}
		s.mu.Unlock()
		return fmt.Errorf("stop %s: %w", s.svc.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Load().State == StateReady {
		s.setLocked(Status{State: StateStopped})
	}
	return nil
}

// =============================================================================
// Provisioning
// =============================================================================

// provision runs the provisioning sequence and publishes its outcome.
func (s *Supervisor) provision(leftover *environment.ManagedProcess) {
	ctx, span := tracer.Start(context.Background(), "supervisor.Provision",
		trace.WithAttributes(
			attribute.String("service.name", s.svc.Name),
			attribute.String("service.env", s.svc.Env),
		),
	)
	defer span.End()
	start := time.Now()

	if leftover != nil {
		if err := leftover.Stop(ctx, s.svc.StopTimeout); err != nil {
			s.logger.Warn("failed to stop leftover process", "pid", leftover.PID, "error", err)
		}
	}

	err := s.launchAndWait(ctx)
	s.metrics.RecordProvisioning(s.svc.Name, time.Since(start).Seconds(), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("service failed to start", "error", err)
		s.transition(Status{State: StateError, Reason: err.Error()})
		return
	}

	s.logger.Info("service ready", "url", s.svc.ReadinessURL, "elapsed", time.Since(start))
	s.transition(Status{State: StateReady})
}

// launchAndWait provisions, launches and probes. The returned error is
// the status reason.
func (s *Supervisor) launchAndWait(ctx context.Context) error {
	if err := s.env.EnsureRuntimeInstalled(ctx); err != nil {
		return err
	}

	exists, err := s.env.Exists(ctx, s.svc.Env)
	if err != nil {
		return err
	}
	if !exists {
		s.logger.Info("creating environment", "env", s.svc.Env)
		if err := s.env.Create(ctx, s.svc.Env, s.svc.Spec); err != nil {
			return err
		}
	}

	proc, err := s.env.Launch(ctx, s.svc.Env, s.svc.Command)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	return s.waitReady(ctx, proc)
}

// waitReady polls the readiness URL until 200, process exit or timeout.
func (s *Supervisor) waitReady(ctx context.Context, proc *environment.ManagedProcess) error {
	ctx, cancel := context.WithTimeout(ctx, s.svc.ReadinessTimeout)
	defer cancel()

	ticker := time.NewTicker(s.svc.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		probeCtx, probeCancel := context.WithTimeout(ctx, util.EnforceMinTimeout(s.svc.PollInterval, time.Second))
		lastErr = s.prober.Probe(probeCtx, s.svc.ReadinessURL)
		probeCancel()
		if lastErr == nil {
			return nil
		}

		select {
		case <-proc.Done():
			return errors.New(ReasonExitedEarly)
		case <-ctx.Done():
			return fmt.Errorf("%w after %s: %v", ErrReadinessTimeout, s.svc.ReadinessTimeout, lastErr)
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Transitions
// =============================================================================

// transition applies st if it is a legal edge from the current state.
func (s *Supervisor) transition(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.setLocked(st) {
		return
	}
	if st.State != StateReady {
		return
	}
	if s.proc == nil {
		// Stopped between the successful probe and this transition.
		s.setLocked(Status{State: StateStopped})
		return
	}
	go s.watchExit(s.proc)
}

// setLocked stores st and wakes waiters. Caller holds mu.
func (s *Supervisor) setLocked(st Status) bool {
	from := s.status.Load().State
	if !canTransition(from, st.State) {
		s.logger.Warn("ignoring illegal transition", "from", from, "to", st.State)
		return false
	}
	if st.State != StateError {
		st.Reason = ""
	}
	s.status.Store(&st)
	close(s.changed)
	s.changed = make(chan struct{})

	s.metrics.RecordTransition(s.svc.Name, string(st.State))
	s.logger.Debug("status changed", "from", from, "to", st.State)
	return true
}

// watchExit moves a ready service to stopped if its process exits on its own.
func (s *Supervisor) watchExit(proc *environment.ManagedProcess) {
	<-proc.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != proc {
		return
	}
	s.proc = nil
	if s.status.Load().State == StateReady {
		s.logger.Warn("service process exited", "pid", proc.PID, "error", proc.Err())
		s.setLocked(Status{State: StateStopped})
	}
}
