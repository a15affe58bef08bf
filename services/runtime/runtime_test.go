// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioimageit/biit-runtime/internal/process"
	"github.com/bioimageit/biit-runtime/pkg/logging"
	"github.com/bioimageit/biit-runtime/services/environment"
	"github.com/bioimageit/biit-runtime/services/pubsub"
	"github.com/bioimageit/biit-runtime/services/supervisor"
)

// newTestConfig prepares a base directory with a pre-installed package
// manager binary so no download happens.
func newTestConfig(t *testing.T) Config {
	t.Helper()
	base := filepath.Join(t.TempDir(), "micromamba")
	envCfg := environment.DefaultConfig(base)
	envCfg.BinaryPath = filepath.Join(base, "bin", "micromamba")
	require.NoError(t, os.MkdirAll(filepath.Dir(envCfg.BinaryPath), 0o755))
	require.NoError(t, os.WriteFile(envCfg.BinaryPath, []byte("#!/bin/sh\n"), 0o755))

	svc := supervisor.CodeServerService()
	svc.PollInterval = 10 * time.Millisecond
	return Config{
		Addr:            "127.0.0.1:0",
		Environment:     envCfg,
		Services:        []supervisor.Service{svc},
		ShutdownTimeout: 5 * time.Second,
	}
}

// envListPM answers "env list --json" with no environments.
func envListPM() *process.MockProcessManager {
	return &process.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) (*process.Result, error) {
			for _, a := range args {
				if a == "list" {
					return &process.Result{Stdout: []byte(`{"envs":[]}`)}, nil
				}
			}
			return &process.Result{}, nil
		},
	}
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Service: "biit", Quiet: true, Level: logging.LevelDebug})
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, quietLogger())
	assert.ErrorContains(t, err, "base directory")

	_, err = New(newTestConfig(t), nil)
	assert.Error(t, err)

	cfg := newTestConfig(t)
	cfg.AutoStart = []string{"nope"}
	_, err = New(cfg, quietLogger(), WithProcessManager(envListPM()))
	assert.ErrorIs(t, err, supervisor.ErrUnknownService)

	cfg = newTestConfig(t)
	cfg.Tracing.Exporter = "zipkin"
	_, err = New(cfg, quietLogger())
	assert.ErrorContains(t, err, "unknown trace exporter")
}

func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{})

	assert.Equal(t, "127.0.0.1:8765", cfg.Addr)
	assert.Equal(t, "release", cfg.GinMode)
	require.Len(t, cfg.Services, 1)
	assert.Equal(t, supervisor.CodeServerName, cfg.Services[0].Name)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

// TestServe_EndToEnd boots the host, auto-starts the service through the
// real environment manager, follows the relayed logs over WebSocket and
// shuts down cleanly.
func TestServe_EndToEnd(t *testing.T) {
	// Arrange
	cfg := newTestConfig(t)
	cfg.AutoStart = []string{supervisor.CodeServerName}
	var spans bytes.Buffer
	cfg.Tracing = TracingConfig{Exporter: TraceExporterStdout, Output: &spans}
	logger := quietLogger()
	defer logger.Close()
	pm := envListPM()

	svc, err := New(cfg, logger, WithProcessManager(pm), WithProber(readyProber{}))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx, ln) }()

	// Act: service reaches ready through create + launch.
	sup, err := svc.Supervisors().Get(supervisor.CodeServerName)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sup.Status().State == supervisor.StateReady }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, pm.CallCount("Start"))
	var created bool
	for _, c := range pm.Calls() {
		if strings.Contains(strings.Join(c.Args, " "), "create -y -n codeserver-env python=3.10") {
			created = true
		}
	}
	assert.True(t, created, "environment created before launch")

	resp, err := http.Get(base + "/v1/services/codeserver")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Logs are relayed onto the "logs" topic.
	wsCtx, wsCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wsCancel()
	viewer, err := pubsub.Dial(wsCtx, "ws"+strings.TrimPrefix(base, "http")+"/ws")
	require.NoError(t, err)
	defer viewer.Close()
	require.NoError(t, viewer.Subscribe(pubsub.TopicLogs))
	require.Eventually(t, func() bool { return svc.Coordinator().Subscribers(pubsub.TopicLogs) == 1 }, 2*time.Second, 5*time.Millisecond)

	marker := fmt.Sprintf("relay-marker-%d", time.Now().UnixNano())
	logger.Info(marker)
	var found bool
	for !found {
		got, err := viewer.Next(wsCtx)
		require.NoError(t, err)
		found = strings.Contains(string(got.Message), "| INFO | biit | "+marker)
	}

	// Shutdown stops the service and returns cleanly.
	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, supervisor.StateStopped, sup.Status().State)
	assert.Nil(t, logger.Exporter(), "relay detached on shutdown")
	assert.Contains(t, spans.String(), "supervisor.Provision")
}

// TestServe_StreamsEnvironmentLog verifies that lines appended to a
// supervised environment's log reach subscribers of its topic.
func TestServe_StreamsEnvironmentLog(t *testing.T) {
	// Arrange
	cfg := newTestConfig(t)
	cfg.DisableRelay = true
	logger := quietLogger()
	defer logger.Close()

	svc, err := New(cfg, logger, WithProcessManager(envListPM()), WithProber(readyProber{}))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-served
	}()

	env := supervisor.CodeServerService().Env
	topic := pubsub.EnvironmentTopic(env)
	wsCtx, wsCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wsCancel()
	viewer, err := pubsub.Dial(wsCtx, "ws://"+ln.Addr().String()+"/ws")
	require.NoError(t, err)
	defer viewer.Close()
	require.NoError(t, viewer.Subscribe(topic))
	require.Eventually(t, func() bool { return svc.Coordinator().Subscribers(topic) == 1 }, 2*time.Second, 5*time.Millisecond)

	// Act
	logPath := svc.Environments().LogPath(env)
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0o755))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("code-server listening on 127.0.0.1:3000\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Assert
	got, err := viewer.Next(wsCtx)
	require.NoError(t, err)
	assert.Equal(t, topic, got.Topic)
	assert.Equal(t, `"code-server listening on 127.0.0.1:3000"`, string(got.Message))
}

// TestNew_RelayForwardsToRemoteCoordinator verifies that RelayRemoteURL
// sends the log stream to another host's coordinator.
func TestNew_RelayForwardsToRemoteCoordinator(t *testing.T) {
	// Arrange: a remote coordinator with one "logs" subscriber.
	gin.SetMode(gin.TestMode)
	remote := pubsub.NewCoordinator(pubsub.Config{})
	defer remote.Close()
	router := gin.New()
	router.GET("/ws", pubsub.Handler(remote, nil))
	srv := httptest.NewServer(router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	viewer, err := pubsub.Dial(ctx, url)
	require.NoError(t, err)
	defer viewer.Close()
	require.NoError(t, viewer.Subscribe(pubsub.TopicLogs))
	require.Eventually(t, func() bool { return remote.Subscribers(pubsub.TopicLogs) == 1 }, 2*time.Second, 5*time.Millisecond)

	cfg := newTestConfig(t)
	cfg.RelayRemoteURL = url
	logger := quietLogger()
	defer logger.Close()
	svc, err := New(cfg, logger, WithProcessManager(envListPM()))
	require.NoError(t, err)
	defer svc.cleanup(context.Background())

	// Act
	marker := fmt.Sprintf("remote-marker-%d", time.Now().UnixNano())
	logger.Info(marker)

	// Assert
	var found bool
	for !found {
		got, err := viewer.Next(ctx)
		require.NoError(t, err)
		found = strings.Contains(string(got.Message), marker)
	}
}
