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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioimageit/biit-runtime/internal/process"
	"github.com/bioimageit/biit-runtime/internal/util"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestManager(t *testing.T, pm process.ProcessManager, opts ...Option) *Manager {
	t.Helper()
	base := filepath.Join(t.TempDir(), "micromamba")
	opts = append([]Option{WithPlatform(Platform{OS: "linux", Arch: "amd64"})}, opts...)
	m, err := NewManager(DefaultConfig(base), pm, opts...)
	require.NoError(t, err)
	installFakeBinary(t, m)
	return m
}

// installFakeBinary puts a stand-in package-manager binary in place so
// operations do not try to bootstrap.
func installFakeBinary(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Config().BinaryPath), 0o755))
	require.NoError(t, os.WriteFile(m.Config().BinaryPath, []byte("#!/bin/sh\n"), 0o755))
}

// pmArgs strips the leading "--root-prefix <dir>" from a recorded call.
func pmArgs(args []string) []string {
	if len(args) >= 2 && args[0] == "--root-prefix" {
		return args[2:]
	}
	return args
}

func envListJSON(root string, names ...string) []byte {
	paths := []string{fmt.Sprintf("%q", root)}
	for _, n := range names {
		paths = append(paths, fmt.Sprintf("%q", filepath.Join(root, "envs", n)))
	}
	return []byte(`{"envs":[` + strings.Join(paths, ",") + `]}`)
}

func readEnvLog(t *testing.T, m *Manager, name string) string {
	t.Helper()
	data, err := os.ReadFile(m.LogPath(name))
	require.NoError(t, err)
	return string(data)
}

// =============================================================================
// Construction
// =============================================================================

func TestNewManager_Defaults(t *testing.T) {
	base := filepath.Join(t.TempDir(), "micromamba")
	m, err := NewManager(DefaultConfig(base), &process.MockProcessManager{}, WithPlatform(Platform{OS: "linux", Arch: "amd64"}))
	require.NoError(t, err)

	cfg := m.Config()
	assert.Equal(t, filepath.Join(filepath.Dir(base), "micromamba_root"), cfg.RootPrefix)
	assert.Equal(t, filepath.Join(base, "bin", "micromamba"), cfg.BinaryPath)
	assert.Equal(t, filepath.Join(base, "logs", "e1", "environment.log"), m.LogPath("e1"))
	assert.Equal(t, util.DefaultCommandTimeout, cfg.CommandTimeout)
}

func TestNewManager_WindowsBinaryName(t *testing.T) {
	m, err := NewManager(DefaultConfig(t.TempDir()), &process.MockProcessManager{}, WithPlatform(Platform{OS: "windows", Arch: "amd64"}))
	require.NoError(t, err)
	assert.Equal(t, "micromamba.exe", filepath.Base(m.Config().BinaryPath))
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Config{}, &process.MockProcessManager{})
	assert.Error(t, err)
	_, err = NewManager(DefaultConfig(t.TempDir()), nil)
	assert.Error(t, err)
}

// =============================================================================
// Exists / List
// =============================================================================

// TestExists_MatchesBaseName verifies matching by the env path's base name.
//
// # Description
//
// A name that is only a substring of an existing environment must not match.
func TestExists_MatchesBaseName(t *testing.T) {
	pm := &process.MockProcessManager{}
	m := newTestManager(t, pm)
	root := m.Config().RootPrefix
	pm.RunFunc = func(ctx context.Context, name string, args ...string) (*process.Result, error) {
		return &process.Result{Stdout: envListJSON(root, "codeserver-env", "napari")}, nil
	}

	ok, err := m.Exists(context.Background(), "napari")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Exists(context.Background(), "codeserver")
	require.NoError(t, err)
	assert.False(t, ok)

	calls := pm.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, m.Config().BinaryPath, calls[0].Name)
	assert.Equal(t, []string{"--root-prefix", root, "env", "list", "--json"}, calls[0].Args)

	assert.Contains(t, readEnvLog(t, m, "napari"), "Checking whether environment 'napari' exists")
}

func TestList_SkipsRootPrefix(t *testing.T) {
	pm := &process.MockProcessManager{}
	m := newTestManager(t, pm)
	pm.RunFunc = func(ctx context.Context, name string, args ...string) (*process.Result, error) {
		return &process.Result{Stdout: envListJSON(m.Config().RootPrefix, "b-env", "a-env")}, nil
	}

	names, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a-env", "b-env"}, names)
}

func TestExists_Errors(t *testing.T) {
	pm := &process.MockProcessManager{}
	m := newTestManager(t, pm)

	pm.RunFunc = func(ctx context.Context, name string, args ...string) (*process.Result, error) {
		return &process.Result{Stdout: []byte("not json")}, nil
	}
	_, err := m.Exists(context.Background(), "e1")
	var perr *ProvisioningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "exists", perr.Op)

	pm.RunFunc = func(ctx context.Context, name string, args ...string) (*process.Result, error) {
		return &process.Result{ExitCode: 1}, util.NewCommandError("micromamba env list", 1, "broken root", nil)
	}
	_, err = m.Exists(context.Background(), "e1")
	assert.Equal(t, "broken root", util.ExtractStderr(err))

	_, err = m.Exists(context.Background(), "../escape")
	assert.Error(t, err)
}

// =============================================================================
// Create
// =============================================================================

func TestCreate_BuildsCommandAndInstallsPip(t *testing.T) {
	pm := &process.MockProcessManager{}
	m := newTestManager(t, pm)

	err := m.Create(context.Background(), "e1", DependencySpec{
		Packages:    []string{"code-server"},
		PipPackages: []string{"napari[all]"},
	})
	require.NoError(t, err)

	calls := pm.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"create", "-y", "-n", "e1", "python=3.10", "-c", "conda-forge", "code-server"}, pmArgs(calls[0].Args))
	assert.Equal(t, []string{"run", "-n", "e1", "pip", "install", "napari[all]"}, pmArgs(calls[1].Args))

	log := readEnvLog(t, m, "e1")
	assert.Contains(t, log, "Creating environment 'e1'")
	assert.Contains(t, log, "Installing pip dependencies: napari[all]")
	assert.Contains(t, log, "Environment 'e1' created successfully.")
}

func TestCreate_NoPipStepWithoutPipPackages(t *testing.T) {
	pm := &process.MockProcessManager{}
	m := newTestManager(t, pm)

	require.NoError(t, m.Create(context.Background(), "e1", DependencySpec{RuntimeVersion: "3.11"}))

	calls := pm.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Args, "python=3.11")
}

// TestCreate_FailureIsProvisioningError verifies the error chain and env log.
func TestCreate_FailureIsProvisioningError(t *testing.T) {
	pm := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) (*process.Result, error) {
			return &process.Result{ExitCode: 1}, util.NewCommandError("micromamba create", 1, "PackagesNotFoundError: nope", nil)
		},
	}
	m := newTestManager(t, pm)

	err := m.Create(context.Background(), "e1", DependencySpec{Packages: []string{"nope"}})

	var perr *ProvisioningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "e1", perr.Env)
	assert.Equal(t, "create", perr.Op)
	var cmdErr *util.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 1, cmdErr.ExitCode)

	log := readEnvLog(t, m, "e1")
	assert.Contains(t, log, "ERROR: PackagesNotFoundError: nope")
	assert.NotContains(t, log, "created successfully")
}

func TestCreate_PipFailureReportsCreate(t *testing.T) {
	pm := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) (*process.Result, error) {
			if pmArgs(args)[0] == "run" {
				return &process.Result{ExitCode: 1, Stderr: []byte("pip exploded")}, util.NewCommandError("pip", 1, "pip exploded", nil)
			}
			return &process.Result{}, nil
		},
	}
	m := newTestManager(t, pm)

	err := m.Create(context.Background(), "e1", DependencySpec{PipPackages: []string{"broken"}})

	var perr *ProvisioningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "create", perr.Op)
}

func TestCreate_RejectsInvalidInput(t *testing.T) {
	pm := &process.MockProcessManager{}
	m := newTestManager(t, pm)

	assert.Error(t, m.Create(context.Background(), "", DependencySpec{}))
	assert.Error(t, m.Create(context.Background(), "bad/name", DependencySpec{}))
	assert.Error(t, m.Create(context.Background(), "e1", DependencySpec{Packages: []string{"--override-channels"}}))
	assert.Error(t, m.Create(context.Background(), "e1", DependencySpec{PipPackages: []string{""}}))
	assert.Equal(t, 0, pm.CallCount("Run"))
}

// TestCreate_ConcurrentSameNameRunsOnce verifies concurrent creates collapse.
//
// # Description
//
// Five goroutines create the same environment while the package manager
// is blocked; exactly one create command runs and all callers succeed.
func TestCreate_ConcurrentSameNameRunsOnce(t *testing.T) {
	release := make(chan struct{})
	var creates int32
	pm := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) (*process.Result, error) {
			if pmArgs(args)[0] == "create" {
				atomic.AddInt32(&creates, 1)
				<-release
			}
			return &process.Result{}, nil
		},
	}
	m := newTestManager(t, pm)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Create(context.Background(), "shared", DependencySpec{})
		}(i)
	}

	time.Sleep(150 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&creates))
}

// TestCreate_CallerGivingUpDoesNotFailOthers verifies that the shared
// create run is not bound to the first caller's context.
//
// # Description
//
// Caller A starts the create with a short deadline; caller B joins with
// no deadline while the package manager is still running. A gets its own
// deadline error, B succeeds, and the package manager runs once.
func TestCreate_CallerGivingUpDoesNotFailOthers(t *testing.T) {
	var creates int32
	pm := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) (*process.Result, error) {
			if pmArgs(args)[0] == "create" {
				atomic.AddInt32(&creates, 1)
				select {
				case <-time.After(200 * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return &process.Result{}, nil
		},
	}
	m := newTestManager(t, pm)

	errA := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		errA <- m.Create(ctx, "shared", DependencySpec{})
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&creates) == 1 }, time.Second, time.Millisecond)

	errB := m.Create(context.Background(), "shared", DependencySpec{})

	assert.ErrorIs(t, <-errA, context.DeadlineExceeded)
	assert.NoError(t, errB)
	assert.Equal(t, int32(1), atomic.LoadInt32(&creates))
}

func TestCreate_RecordsInRegistry(t *testing.T) {
	reg, err := OpenRegistry(RegistryConfig{InMemory: true})
	require.NoError(t, err)
	defer reg.Close()

	pm := &process.MockProcessManager{}
	m := newTestManager(t, pm, WithRegistry(reg))

	spec := DependencySpec{Packages: []string{"code-server"}}
	require.NoError(t, m.Create(context.Background(), "e1", spec))

	env, err := m.Describe(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", env.Name)
	assert.Equal(t, []string{"code-server"}, env.Spec.Packages)
	assert.Equal(t, DefaultRuntimeVersion, env.Spec.RuntimeVersion)
	assert.False(t, env.CreatedAt.IsZero())
	assert.Equal(t, filepath.Join(m.Config().RootPrefix, "envs", "e1"), env.Root)
}

func TestDescribe_FallsBackToExists(t *testing.T) {
	pm := &process.MockProcessManager{}
	m := newTestManager(t, pm)
	pm.RunFunc = func(ctx context.Context, name string, args ...string) (*process.Result, error) {
		return &process.Result{Stdout: envListJSON(m.Config().RootPrefix, "external")}, nil
	}

	env, err := m.Describe(context.Background(), "external")
	require.NoError(t, err)
	assert.True(t, env.CreatedAt.IsZero())

	_, err = m.Describe(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Run / Launch
// =============================================================================

func TestRun_CapturesOutputAndLogs(t *testing.T) {
	pm := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) (*process.Result, error) {
			return &process.Result{Stdout: []byte("Python 3.10.14\n"), Stderr: []byte("warn\n")}, nil
		},
	}
	m := newTestManager(t, pm)

	res, err := m.Run(context.Background(), "e1", []string{"python", "-V"})
	require.NoError(t, err)
	assert.Equal(t, "Python 3.10.14\n", res.Stdout)
	assert.Equal(t, []string{"run", "-n", "e1", "python", "-V"}, pmArgs(pm.Calls()[0].Args))

	log := readEnvLog(t, m, "e1")
	assert.Contains(t, log, "Running short command in 'e1': python -V")
	assert.Contains(t, log, "STDOUT: Python 3.10.14")
	assert.Contains(t, log, "STDERR: warn")
}

func TestRun_NonZeroExit(t *testing.T) {
	pm := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) (*process.Result, error) {
			return &process.Result{ExitCode: 2, Stderr: []byte("boom")}, util.NewCommandError("micromamba run", 2, "boom", nil)
		},
	}
	m := newTestManager(t, pm)

	res, err := m.Run(context.Background(), "e1", []string{"false"})

	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.ExitCode)
	var perr *ProvisioningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "run", perr.Op)

	_, err = m.Run(context.Background(), "e1", nil)
	assert.Error(t, err)
}

func TestLaunch_StartsDetachedWithLogOutput(t *testing.T) {
	handle := process.NewMockHandle(777)
	var gotSpec process.StartSpec
	pm := &process.MockProcessManager{
		StartFunc: func(ctx context.Context, spec process.StartSpec) (process.Handle, error) {
			gotSpec = spec
			return handle, nil
		},
	}
	m := newTestManager(t, pm)

	mp, err := m.Launch(context.Background(), "e1", "code-server --auth none")
	require.NoError(t, err)

	assert.Equal(t, 777, mp.PID)
	assert.Equal(t, "e1", mp.Env)
	assert.Equal(t, m.LogPath("e1"), mp.LogPath)
	assert.Equal(t, m.Config().BinaryPath, gotSpec.Name)
	assert.Equal(t,
		[]string{"--root-prefix", m.Config().RootPrefix, "run", "-n", "e1", "bash", "-c", "code-server --auth none"},
		gotSpec.Args)
	_, isFile := gotSpec.Output.(*os.File)
	assert.True(t, isFile)

	assert.False(t, mp.Exited())
	require.NoError(t, mp.Stop(context.Background(), time.Second))
	assert.True(t, mp.Exited())
	assert.Equal(t, 1, handle.StopCalls())

	log := readEnvLog(t, m, "e1")
	assert.Contains(t, log, "Launching long process: code-server --auth none")
	assert.Contains(t, log, "Process launched.")
}

func TestLaunch_WindowsUsesCmd(t *testing.T) {
	var gotSpec process.StartSpec
	pm := &process.MockProcessManager{
		StartFunc: func(ctx context.Context, spec process.StartSpec) (process.Handle, error) {
			gotSpec = spec
			return process.NewMockHandle(1), nil
		},
	}
	m := newTestManager(t, pm, WithPlatform(Platform{OS: "windows", Arch: "amd64"}))

	_, err := m.Launch(context.Background(), "e1", "echo hi")
	require.NoError(t, err)
	assert.Equal(t, []string{"cmd", "/C", "echo hi"}, gotSpec.Args[len(gotSpec.Args)-3:])
}

func TestLaunch_StartFailure(t *testing.T) {
	pm := &process.MockProcessManager{
		StartFunc: func(ctx context.Context, spec process.StartSpec) (process.Handle, error) {
			return nil, errors.New("exec format error")
		},
	}
	m := newTestManager(t, pm)

	_, err := m.Launch(context.Background(), "e1", "serve")

	var perr *ProvisioningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "launch", perr.Op)
	assert.Contains(t, readEnvLog(t, m, "e1"), "ERROR: exec format error")
}
