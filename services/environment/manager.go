// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package environment provisions isolated package-manager environments and
// runs or launches processes inside them.
//
// # Overview
//
// A Manager owns one base directory:
//
//	<BaseDir>/bin/micromamba          package-manager binary (bootstrapped)
//	<BaseDir>/logs/<env>/environment.log
//	<BaseDir>/locks/env-<env>.lock    cross-process create lock
//	<RootPrefix>/envs/<env>/          the environments themselves
//
// Construct one Manager per host process and inject it wherever it is
// needed. Every operation appends a timestamped line to the environment's
// log, whatever its outcome.
package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bioimageit/biit-runtime/internal/observability"
	"github.com/bioimageit/biit-runtime/internal/process"
	"github.com/bioimageit/biit-runtime/internal/util"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Manager.
type Config struct {
	// BaseDir holds the binary, logs and locks. Required.
	BaseDir string

	// RootPrefix is the package-manager root. Default: <parent(BaseDir)>/micromamba_root.
	RootPrefix string

	// BinaryPath overrides <BaseDir>/bin/micromamba[.exe].
	BinaryPath string

	// DownloadURL overrides the bootstrap URL. "%s" is replaced by the platform.
	DownloadURL string

	// DownloadTimeout bounds the bootstrap download.
	DownloadTimeout time.Duration

	// CommandTimeout bounds each synchronous package-manager command.
	CommandTimeout time.Duration
}

// DefaultConfig returns a Config rooted at baseDir.
func DefaultConfig(baseDir string) Config {
	return Config{
		BaseDir:         baseDir,
		DownloadTimeout: util.DefaultDownloadTimeout,
		CommandTimeout:  util.DefaultCommandTimeout,
	}
}

func applyConfigDefaults(cfg Config, platform Platform) Config {
	if cfg.RootPrefix == "" {
		cfg.RootPrefix = filepath.Join(filepath.Dir(filepath.Clean(cfg.BaseDir)), "micromamba_root")
	}
	if cfg.BinaryPath == "" {
		name := "micromamba"
		if platform.Windows() {
			name += ".exe"
		}
		cfg.BinaryPath = filepath.Join(cfg.BaseDir, "bin", name)
	}
	cfg.DownloadTimeout = util.EnforceDefaultTimeout(cfg.DownloadTimeout, util.DefaultDownloadTimeout)
	cfg.CommandTimeout = util.EnforceDefaultTimeout(cfg.CommandTimeout, util.DefaultCommandTimeout)
	return cfg
}

// HTTPClient is the subset of *http.Client used for the bootstrap download.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// Manager
// =============================================================================

// Manager provisions environments and runs processes inside them.
//
// # Thread Safety
//
// Safe for concurrent use. Bootstrap is serialized; concurrent Create
// calls for one name share a single package-manager run, and a file lock
// serializes creates across host processes.
type Manager struct {
	cfg      Config
	proc     process.ProcessManager
	http     HTTPClient
	platform Platform
	registry Registry
	envLog   *EnvLog
	logger   *slog.Logger
	metrics  *observability.Metrics

	installMu sync.Mutex
	creates   singleflight.Group
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics enables metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithRegistry sets the environment registry used by Create and Describe.
func WithRegistry(r Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithHTTPClient replaces the bootstrap HTTP client.
func WithHTTPClient(c HTTPClient) Option {
	return func(m *Manager) { m.http = c }
}

// WithPlatform overrides host platform detection.
func WithPlatform(p Platform) Option {
	return func(m *Manager) { m.platform = p }
}

// NewManager creates a Manager.
//
// # Inputs
//
//   - cfg: Configuration. BaseDir is required.
//   - proc: Process manager (process.NewExecManager() in production).
//   - opts: Optional logger, metrics, registry, HTTP client, platform.
//
// # Outputs
//
//   - *Manager: Ready to use. Nothing is downloaded until EnsureRuntimeInstalled.
//   - error: Non-nil if BaseDir is empty or proc is nil.
func NewManager(cfg Config, proc process.ProcessManager, opts ...Option) (*Manager, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("environment manager: base dir is required")
	}
	if proc == nil {
		return nil, errors.New("environment manager: process manager is required")
	}

	m := &Manager{
		proc:     proc,
		http:     &http.Client{},
		platform: HostPlatform(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg = applyConfigDefaults(cfg, m.platform)
	m.envLog = NewEnvLog(m.cfg.BaseDir)
	m.logger = m.logger.With("component", "environment")
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// LogPath returns the per-environment log file path.
func (m *Manager) LogPath(name string) string {
	return m.envLog.Path(name)
}

// =============================================================================
// Queries
// =============================================================================

type envListOutput struct {
	Envs []string `json:"envs"`
}

// Exists reports whether an environment called name exists.
//
// # Description
//
// Queries the package manager (env list --json) and compares name with
// the base name of every listed environment path.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	m.appendLog(name, fmt.Sprintf("Checking whether environment '%s' exists", name))
	names, err := m.listNames(ctx, "exists", name)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// List returns the names of every environment under the root prefix.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.listNames(ctx, "list", "")
}

func (m *Manager) listNames(ctx context.Context, op, env string) ([]string, error) {
	start := time.Now()
	res, err := m.runPM(ctx, "env", "list", "--json")
	defer func() { m.metrics.RecordEnvironmentOp(op, time.Since(start).Seconds(), err == nil) }()
	if err != nil {
		err = &ProvisioningError{Env: env, Op: op, Err: err}
		return nil, err
	}

	var out envListOutput
	if err = json.Unmarshal(res.Stdout, &out); err != nil {
		err = &ProvisioningError{Env: env, Op: op, Err: fmt.Errorf("parse env list: %w", err)}
		return nil, err
	}

	rootDir := filepath.Clean(m.cfg.RootPrefix)
	names := make([]string, 0, len(out.Envs))
	for _, p := range out.Envs {
		p = filepath.Clean(p)
		if p == rootDir {
			continue
		}
		names = append(names, filepath.Base(p))
	}
	sort.Strings(names)
	return names, nil
}

// Describe returns what is known about an environment.
//
// Returns ErrNotFound when the environment does not exist. Without a
// registry, or for environments created elsewhere, Spec and CreatedAt are zero.
func (m *Manager) Describe(ctx context.Context, name string) (*Environment, error) {
	if m.registry != nil {
		env, err := m.registry.Get(ctx, name)
		if err == nil {
			return env, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	ok, err := m.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return m.record(name, DependencySpec{}, time.Time{}), nil
}

func (m *Manager) record(name string, spec DependencySpec, created time.Time) *Environment {
	return &Environment{
		Name:      name,
		Spec:      spec,
		Root:      filepath.Join(m.cfg.RootPrefix, "envs", name),
		LogPath:   m.LogPath(name),
		CreatedAt: created,
	}
}

// =============================================================================
// Create
// =============================================================================

// Create provisions a new environment.
//
// # Description
//
// Runs "create -y -n <name> python=<version> -c <channel>... <packages>",
// then "pip install <pip packages>" inside the environment when any are
// given. Concurrent calls for the same name in this process share one run;
// across processes a per-environment file lock serializes them. The shared
// run is bounded by CommandTimeout, not by any caller's ctx, so a caller
// that gives up does not fail the others.
//
// # Outputs
//
//   - error: Validation error, or *ProvisioningError wrapping the
//     *util.CommandError of the failed step.
func (m *Manager) Create(ctx context.Context, name string, spec DependencySpec) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}

	// The shared run must outlive any one caller: each caller below only
	// stops waiting when its own ctx ends.
	ch := m.creates.DoChan(name, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CommandTimeout)
		defer cancel()
		return nil, m.create(sctx, name, spec)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) create(ctx context.Context, name string, spec DependencySpec) (err error) {
	start := time.Now()
	defer func() { m.metrics.RecordEnvironmentOp("create", time.Since(start).Seconds(), err == nil) }()

	lock := process.NewFileLock(filepath.Join(m.cfg.BaseDir, "locks"), "env-"+name)
	if err := lock.Acquire(ctx); err != nil {
		return &ProvisioningError{Env: name, Op: "create", Err: err}
	}
	defer lock.Release()

	m.appendLog(name, fmt.Sprintf("Creating environment '%s'", name))
	m.logger.Info("creating environment", "env", name, "packages", spec.Packages)

	args := []string{"create", "-y", "-n", name, "python=" + spec.RuntimeVersion}
	for _, c := range spec.Channels {
		args = append(args, "-c", c)
	}
	args = append(args, spec.Packages...)

	if _, err := m.runLogged(ctx, name, args...); err != nil {
		return &ProvisioningError{Env: name, Op: "create", Err: err}
	}

	if len(spec.PipPackages) > 0 {
		m.appendLog(name, fmt.Sprintf("Installing pip dependencies: %s", strings.Join(spec.PipPackages, " ")))
		if _, err := m.Run(ctx, name, append([]string{"pip", "install"}, spec.PipPackages...)); err != nil {
			var perr *ProvisioningError
			if errors.As(err, &perr) {
				perr.Op = "create"
				return perr
			}
			return &ProvisioningError{Env: name, Op: "create", Err: err}
		}
	}

	if m.registry != nil {
		if err := m.registry.Put(ctx, *m.record(name, spec, time.Now().UTC())); err != nil {
			m.logger.Warn("failed to record environment", "env", name, "error", err)
		}
	}

	m.appendLog(name, fmt.Sprintf("Environment '%s' created successfully.", name))
	m.logger.Info("environment created", "env", name, "duration", time.Since(start))
	return nil
}

// =============================================================================
// Run and Launch
// =============================================================================

// Run executes a short command inside an environment and captures output.
//
// # Outputs
//
//   - *RunResult: Captured output. Also returned on non-zero exit.
//   - error: *ProvisioningError wrapping a *util.CommandError on failure.
func (m *Manager) Run(ctx context.Context, name string, command []string) (*RunResult, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if len(command) == 0 {
		return nil, &ProvisioningError{Env: name, Op: "run", Err: errors.New("empty command")}
	}
	start := time.Now()
	m.appendLog(name, fmt.Sprintf("Running short command in '%s': %s", name, strings.Join(command, " ")))

	args := append([]string{"run", "-n", name}, command...)
	res, err := m.runLogged(ctx, name, args...)
	m.metrics.RecordEnvironmentOp("run", time.Since(start).Seconds(), err == nil)

	var out *RunResult
	if res != nil {
		out = &RunResult{
			Stdout:   string(res.Stdout),
			Stderr:   string(res.Stderr),
			ExitCode: res.ExitCode,
			Duration: res.Duration,
		}
		m.appendLog(name, "STDOUT: "+strings.TrimSpace(out.Stdout))
		m.appendLog(name, "STDERR: "+strings.TrimSpace(out.Stderr))
	}
	if err != nil {
		return out, &ProvisioningError{Env: name, Op: "run", Err: err}
	}
	return out, nil
}

// Launch starts a long-running shell command inside an environment.
//
// # Description
//
// The process runs in its own process group with stdout and stderr
// appended to the environment log, and Launch returns as soon as it has
// been spawned. Readiness is the caller's concern.
//
// # Outputs
//
//   - *ManagedProcess: Handle to stop or wait on the process.
//   - error: *ProvisioningError if the process could not be spawned.
func (m *Manager) Launch(ctx context.Context, name, command string) (mp *ManagedProcess, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordEnvironmentOp("launch", time.Since(start).Seconds(), err == nil) }()

	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if strings.TrimSpace(command) == "" {
		return nil, &ProvisioningError{Env: name, Op: "launch", Err: errors.New("empty command")}
	}

	m.appendLog(name, fmt.Sprintf("Launching long process: %s", command))

	if err := m.EnsureRuntimeInstalled(ctx); err != nil {
		m.appendLog(name, "ERROR: "+err.Error())
		return nil, &ProvisioningError{Env: name, Op: "launch", Err: err}
	}

	out, err := m.envLog.Open(name)
	if err != nil {
		return nil, &ProvisioningError{Env: name, Op: "launch", Err: err}
	}
	defer out.Close()

	shell := []string{"bash", "-c", command}
	if m.platform.Windows() {
		shell = []string{"cmd", "/C", command}
	}
	args := append([]string{"--root-prefix", m.cfg.RootPrefix, "run", "-n", name}, shell...)

	h, err := m.proc.Start(ctx, process.StartSpec{
		Name:   m.cfg.BinaryPath,
		Args:   args,
		Output: out,
	})
	if err != nil {
		m.appendLog(name, "ERROR: "+err.Error())
		return nil, &ProvisioningError{Env: name, Op: "launch", Err: err}
	}

	m.appendLog(name, "Process launched.")
	m.logger.Info("process launched", "env", name, "pid", h.PID())
	return NewManagedProcess(name, command, m.LogPath(name), h), nil
}

// =============================================================================
// Helpers
// =============================================================================

// runPM runs the package manager with the root prefix and command timeout,
// installing the binary first if it is missing.
func (m *Manager) runPM(ctx context.Context, args ...string) (*process.Result, error) {
	if err := m.EnsureRuntimeInstalled(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	full := append([]string{"--root-prefix", m.cfg.RootPrefix}, args...)
	return m.proc.Run(ctx, m.cfg.BinaryPath, full...)
}

// runLogged is runPM with RUN and ERROR lines in the environment log.
func (m *Manager) runLogged(ctx context.Context, name string, args ...string) (*process.Result, error) {
	full := append([]string{"--root-prefix", m.cfg.RootPrefix}, args...)
	m.appendLog(name, "RUN: "+util.CommandLine(m.cfg.BinaryPath, full))

	res, err := m.runPM(ctx, args...)
	if err != nil {
		msg := util.ExtractStderr(err)
		if msg == "" {
			msg = err.Error()
		}
		m.appendLog(name, "ERROR: "+msg)
	}
	return res, err
}

// appendLog writes to the environment log. Failures are logged, not returned.
func (m *Manager) appendLog(name, message string) {
	if name == "" {
		return
	}
	if err := m.envLog.Append(name, message); err != nil {
		m.logger.Warn("failed to write environment log", "env", name, "error", err)
	}
}
