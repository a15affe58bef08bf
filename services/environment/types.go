// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package environment

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bioimageit/biit-runtime/internal/process"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultRuntimeVersion is the Python version used when none is given.
	DefaultRuntimeVersion = "3.10"

	// DefaultChannel is the conda channel used when none is given.
	DefaultChannel = "conda-forge"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// envValidate validates DependencySpec and environment names.
var envValidate *validator.Validate

var envNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func init() {
	envValidate = validator.New()
	_ = envValidate.RegisterValidation("envname", validateEnvName)
	_ = envValidate.RegisterValidation("pkgspec", validatePackageSpec)
}

// validateEnvName accepts names micromamba can use as a directory name.
func validateEnvName(fl validator.FieldLevel) bool {
	return envNamePattern.MatchString(fl.Field().String())
}

// validatePackageSpec rejects empty entries and entries that would be
// parsed as command-line flags.
func validatePackageSpec(fl validator.FieldLevel) bool {
	s := strings.TrimSpace(fl.Field().String())
	return s != "" && !strings.HasPrefix(s, "-")
}

// ValidateName reports whether name is a usable environment name.
func ValidateName(name string) error {
	if err := envValidate.Var(name, "required,max=64,envname"); err != nil {
		return fmt.Errorf("invalid environment name %q: %w", name, err)
	}
	return nil
}

// =============================================================================
// Dependency Spec
// =============================================================================

// DependencySpec describes what an environment must contain.
//
// # Description
//
// RuntimeVersion pins the interpreter (python=<version>). Packages are
// installed from Channels by the package manager, PipPackages afterwards
// with pip inside the new environment.
//
// # Examples
//
//	spec := DependencySpec{
//	    RuntimeVersion: "3.10",
//	    Packages:       []string{"code-server"},
//	    PipPackages:    []string{"napari[all]"},
//	}
type DependencySpec struct {
	RuntimeVersion string   `json:"runtimeVersion,omitempty" yaml:"runtimeVersion,omitempty" validate:"omitempty,max=32,pkgspec"`
	Packages       []string `json:"packages,omitempty" yaml:"packages,omitempty" validate:"dive,pkgspec"`
	PipPackages    []string `json:"pipPackages,omitempty" yaml:"pipPackages,omitempty" validate:"dive,pkgspec"`
	Channels       []string `json:"channels,omitempty" yaml:"channels,omitempty" validate:"dive,pkgspec"`
}

// WithDefaults returns a copy with RuntimeVersion and Channels filled in.
func (s DependencySpec) WithDefaults() DependencySpec {
	out := s
	if out.RuntimeVersion == "" {
		out.RuntimeVersion = DefaultRuntimeVersion
	}
	if len(out.Channels) == 0 {
		out.Channels = []string{DefaultChannel}
	}
	return out
}

// Validate checks the spec with go-playground/validator.
func (s DependencySpec) Validate() error {
	if err := envValidate.Struct(s); err != nil {
		return fmt.Errorf("invalid dependency spec: %w", err)
	}
	return nil
}

// =============================================================================
// Records
// =============================================================================

// Environment is what the manager knows about one environment.
type Environment struct {
	// Name is the unique environment name.
	Name string `json:"name"`

	// Spec is the dependency spec it was created with (zero if unknown).
	Spec DependencySpec `json:"spec"`

	// Root is the environment directory under the root prefix.
	Root string `json:"root"`

	// LogPath is the per-environment log file.
	LogPath string `json:"logPath"`

	// CreatedAt is when Create last succeeded (zero if unknown).
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// RunResult is the captured output of Run.
type RunResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
}

// ManagedProcess is a long-running process started by Launch.
//
// It is owned by whoever called Launch; the manager keeps no reference.
type ManagedProcess struct {
	// Env is the environment the process runs in.
	Env string

	// Command is the shell command line.
	Command string

	// PID is the process ID of the package-manager wrapper.
	PID int

	// StartedAt is when the process was spawned.
	StartedAt time.Time

	// LogPath receives the process output.
	LogPath string

	handle process.Handle
}

// NewManagedProcess wraps a handle. Used by the manager and by tests of
// packages that consume ManagedProcess.
func NewManagedProcess(env, command, logPath string, h process.Handle) *ManagedProcess {
	return &ManagedProcess{
		Env:       env,
		Command:   command,
		PID:       h.PID(),
		StartedAt: time.Now(),
		LogPath:   logPath,
		handle:    h,
	}
}

// Done is closed when the process exits.
func (p *ManagedProcess) Done() <-chan struct{} {
	return p.handle.Done()
}

// Exited reports whether the process has exited.
func (p *ManagedProcess) Exited() bool {
	select {
	case <-p.handle.Done():
		return true
	default:
		return false
	}
}

// Err returns the exit error after Done is closed.
func (p *ManagedProcess) Err() error {
	return p.handle.Err()
}

// Stop terminates the process group, escalating to a kill after grace.
func (p *ManagedProcess) Stop(ctx context.Context, grace time.Duration) error {
	return p.handle.Stop(ctx, grace)
}
