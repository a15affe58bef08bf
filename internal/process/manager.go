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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/bioimageit/biit-runtime/internal/util"
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Result holds the captured output of a synchronous command.
type Result struct {
	// Stdout is everything the command wrote to standard output.
	Stdout []byte

	// Stderr is everything the command wrote to standard error.
	Stderr []byte

	// ExitCode is the process exit status (0 on success).
	ExitCode int

	// Duration is the wall-clock time the command took.
	Duration time.Duration
}

// StartSpec describes a detached process.
type StartSpec struct {
	// Name is the executable name or path.
	Name string

	// Args are the command arguments.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env, when non-nil, replaces the inherited environment.
	Env []string

	// Output receives both stdout and stderr. Nil discards output.
	// Pass an *os.File to avoid an in-process copy goroutine.
	Output io.Writer
}

// Handle is a running detached process.
type Handle interface {
	// PID returns the operating-system process ID.
	PID() int

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// Err returns the exit error once Done is closed (nil for exit 0).
	Err() error

	// Stop terminates the whole process group.
	//
	// Sends a graceful termination signal, waits up to grace, then kills.
	// Returns nil when the process is gone; ctx bounds the total wait.
	Stop(ctx context.Context, grace time.Duration) error
}

// ProcessManager runs external programs.
//
// # Description
//
// Run is for short commands whose output the caller needs (package-manager
// queries and installs). Start is for services that outlive the call
// (code-server and friends).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ProcessManager interface {
	// Run executes a command and waits for it.
	//
	// # Outputs
	//
	//   - *Result: Always non-nil when the process ran, even on non-zero exit.
	//   - error: *util.CommandError on non-zero exit or start failure.
	//
	// # Examples
	//
	//	res, err := pm.Run(ctx, "micromamba", "run", "-n", "e1", "python", "-V")
	//	if err != nil {
	//	    log.Printf("stderr: %s", util.ExtractStderr(err))
	//	}
	Run(ctx context.Context, name string, args ...string) (*Result, error)

	// Start launches a detached process in its own process group.
	//
	// # Description
	//
	// Returns as soon as the process has been spawned. Cancelling ctx after
	// Start returns does not affect the process; use Handle.Stop.
	//
	// # Outputs
	//
	//   - Handle: The running process.
	//   - error: Non-nil if the process could not be spawned.
	Start(ctx context.Context, spec StartSpec) (Handle, error)
}

// -----------------------------------------------------------------------------
// Exec Implementation
// -----------------------------------------------------------------------------

// ExecManager implements ProcessManager with os/exec.
type ExecManager struct{}

// NewExecManager creates the production ProcessManager.
func NewExecManager() *ExecManager {
	return &ExecManager{}
}

// Run executes a command synchronously.
func (m *ExecManager) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: util.ExitCodeOf(err),
		Duration: time.Since(start),
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return res, util.NewCommandError(util.CommandLine(name, args), res.ExitCode, stderr.String(), err)
	}
	return res, nil
}

// Start launches a detached process in a new process group.
func (m *ExecManager) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Name == "" {
		return nil, errors.New("start: empty executable name")
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	if spec.Output != nil {
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, util.NewCommandError(util.CommandLine(spec.Name, spec.Args), -1, "", err)
	}

	h := &execHandle{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

var _ ProcessManager = (*ExecManager)(nil)

// execHandle tracks a process started by ExecManager.
type execHandle struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func (h *execHandle) PID() int { return h.pid }

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Stop sends a graceful signal to the group, then kills it after grace.
func (h *execHandle) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := terminateGroup(h.cmd); err != nil {
		select {
		case <-h.done:
			return nil
		default:
		}
		return fmt.Errorf("terminate pid %d: %w", h.pid, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		_ = killGroup(h.cmd)
		return ctx.Err()
	case <-timer.C:
	}

	if err := killGroup(h.cmd); err != nil {
		select {
		case <-h.done:
			return nil
		default:
		}
		return fmt.Errorf("kill pid %d: %w", h.pid, err)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Handle = (*execHandle)(nil)
