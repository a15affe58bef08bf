// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioimageit/biit-runtime/internal/util"
)

// syncBuffer is a bytes.Buffer safe for the exec copy goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestExecManager_Run_CapturesOutput verifies stdout and stderr capture.
func TestExecManager_Run_CapturesOutput(t *testing.T) {
	pm := NewExecManager()

	res, err := pm.Run(context.Background(), "sh", "-c", "echo out; echo err >&2")

	require.NoError(t, err)
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
	assert.Equal(t, 0, res.ExitCode)
}

// TestExecManager_Run_NonZeroExit verifies the CommandError shape.
//
// # Description
//
// A failing command must still return its Result and a CommandError with
// the exit code and trimmed stderr.
func TestExecManager_Run_NonZeroExit(t *testing.T) {
	pm := NewExecManager()

	res, err := pm.Run(context.Background(), "sh", "-c", "echo nope >&2; exit 3")

	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.ExitCode)

	var cmdErr *util.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Equal(t, "nope", cmdErr.Stderr)
	assert.True(t, strings.HasPrefix(cmdErr.Command, "sh -c"))
}

// TestExecManager_Run_MissingBinary verifies exit code -1 for spawn failures.
func TestExecManager_Run_MissingBinary(t *testing.T) {
	pm := NewExecManager()

	_, err := pm.Run(context.Background(), "definitely-not-a-real-binary-xyz")

	require.Error(t, err)
	assert.Equal(t, -1, util.ExitCodeOf(err))
}

// TestExecManager_Start_WritesOutputAndExits verifies detached start and Done.
func TestExecManager_Start_WritesOutputAndExits(t *testing.T) {
	pm := NewExecManager()
	out := &syncBuffer{}

	h, err := pm.Start(context.Background(), StartSpec{
		Name:   "sh",
		Args:   []string{"-c", "echo hello"},
		Output: out,
	})
	require.NoError(t, err)
	assert.Greater(t, h.PID(), 0)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.NoError(t, h.Err())
	assert.Equal(t, "hello\n", out.String())
}

// TestExecManager_Start_StopKillsGroup verifies Stop terminates children too.
//
// # Description
//
// The shell spawns a grandchild sleep; stopping the handle must take down
// the whole group so the grandchild cannot keep the output file open.
func TestExecManager_Start_StopKillsGroup(t *testing.T) {
	pm := NewExecManager()
	logPath := filepath.Join(t.TempDir(), "out.log")
	f, err := os.Create(logPath)
	require.NoError(t, err)
	defer f.Close()

	h, err := pm.Start(context.Background(), StartSpec{
		Name:   "sh",
		Args:   []string{"-c", "sleep 30 & wait"},
		Output: f,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx, time.Second))

	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	// Stopping an exited process is a no-op.
	assert.NoError(t, h.Stop(ctx, time.Second))
}

// TestExecManager_Start_EscalatesToKill verifies SIGKILL after the grace period.
func TestExecManager_Start_EscalatesToKill(t *testing.T) {
	pm := NewExecManager()

	h, err := pm.Start(context.Background(), StartSpec{
		Name: "sh",
		Args: []string{"-c", "trap '' TERM; while true; do sleep 0.05; done"},
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, h.Stop(ctx, 200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

// TestExecManager_Start_CancelledContext verifies no spawn on a done context.
func TestExecManager_Start_CancelledContext(t *testing.T) {
	pm := NewExecManager()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pm.Start(ctx, StartSpec{Name: "sh", Args: []string{"-c", "true"}})
	assert.ErrorIs(t, err, context.Canceled)
}
