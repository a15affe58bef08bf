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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bioimageit/biit-runtime/internal/util"
	"github.com/bioimageit/biit-runtime/services/environment"
	"github.com/bioimageit/biit-runtime/services/pubsub"
	"github.com/bioimageit/biit-runtime/services/supervisor"
)

// Environments is the environment manager surface exposed over HTTP.
//
// *environment.Manager implements it.
type Environments interface {
	List(ctx context.Context) ([]string, error)
	Describe(ctx context.Context, name string) (*environment.Environment, error)
	Create(ctx context.Context, name string, spec environment.DependencySpec) error
	Run(ctx context.Context, name string, command []string) (*environment.RunResult, error)
}

var _ Environments = (*environment.Manager)(nil)

// Handlers holds the dependencies of the HTTP handlers.
type Handlers struct {
	Envs        Environments
	Supervisors *supervisor.Registry
	Coordinator *pubsub.Coordinator
	Logger      *slog.Logger
}

// ServiceStatus is one entry of GET /v1/services.
type ServiceStatus struct {
	Name string `json:"name"`
	supervisor.Status
	PID int `json:"pid,omitempty"`
}

// RunRequest is the body of POST /v1/environments/:name/run.
type RunRequest struct {
	Command []string `json:"command" binding:"required,min=1"`
}

// RunResponse is returned by POST /v1/environments/:name/run.
type RunResponse struct {
	*environment.RunResult
	Error string `json:"error,omitempty"`
}

// =============================================================================
// Health
// =============================================================================

// Health reports liveness and the number of pub/sub connections.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.Coordinator.Connections(),
	})
}

// =============================================================================
// Services
// =============================================================================

func (h *Handlers) serviceStatus(s *supervisor.Supervisor) ServiceStatus {
	st := ServiceStatus{Name: s.Name(), Status: s.Status()}
	if p := s.Process(); p != nil {
		st.PID = p.PID
	}
	return st
}

func (h *Handlers) lookupService(c *gin.Context) (*supervisor.Supervisor, bool) {
	s, err := h.Supervisors.Get(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return s, true
}

// ListServices returns the status of every supervised service.
func (h *Handlers) ListServices(c *gin.Context) {
	out := make([]ServiceStatus, 0)
	for _, name := range h.Supervisors.Names() {
		s, err := h.Supervisors.Get(name)
		if err != nil {
			continue
		}
		out = append(out, h.serviceStatus(s))
	}
	c.JSON(http.StatusOK, out)
}

// GetService returns one service's status.
func (h *Handlers) GetService(c *gin.Context) {
	s, ok := h.lookupService(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.serviceStatus(s))
}

// StartService starts provisioning and returns immediately with 202.
// With ?wait=true it blocks until the service leaves starting.
func (h *Handlers) StartService(c *gin.Context) {
	s, ok := h.lookupService(c)
	if !ok {
		return
	}
	started := s.InitAndLaunch()
	h.Logger.Info("service start requested", "service", s.Name(), "started", started)

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		if _, err := s.Wait(c.Request.Context()); err != nil {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error(), "status": h.serviceStatus(s)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"started": started, "status": h.serviceStatus(s)})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"started": started, "status": h.serviceStatus(s)})
}

// StopService terminates the service's process.
func (h *Handlers) StopService(c *gin.Context) {
	s, ok := h.lookupService(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.Service().StopTimeout+util.DefaultStopTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		h.Logger.Error("failed to stop service", "service", s.Name(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.serviceStatus(s))
}

// =============================================================================
// Environments
// =============================================================================

func validName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if err := environment.ValidateName(name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return name, true
}

// envError maps environment errors to a status code and body.
func envError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, environment.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		body := gin.H{"error": err.Error()}
		if stderr := util.ExtractStderr(err); stderr != "" {
			body["stderr"] = stderr
		}
		c.JSON(http.StatusInternalServerError, body)
	}
}

// ListEnvironments returns the names of every environment.
func (h *Handlers) ListEnvironments(c *gin.Context) {
	names, err := h.Envs.List(c.Request.Context())
	if err != nil {
		envError(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, names)
}

// GetEnvironment describes one environment.
func (h *Handlers) GetEnvironment(c *gin.Context) {
	name, ok := validName(c)
	if !ok {
		return
	}
	env, err := h.Envs.Describe(c.Request.Context(), name)
	if err != nil {
		envError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

// CreateEnvironment creates an environment from a DependencySpec body.
func (h *Handlers) CreateEnvironment(c *gin.Context) {
	name, ok := validName(c)
	if !ok {
		return
	}
	var spec environment.DependencySpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := spec.WithDefaults().Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.Envs.Create(c.Request.Context(), name, spec); err != nil {
		h.Logger.Error("environment creation failed", "env", name, "error", err)
		envError(c, err)
		return
	}
	env, err := h.Envs.Describe(c.Request.Context(), name)
	if err != nil {
		envError(c, err)
		return
	}
	c.JSON(http.StatusCreated, env)
}

// RunInEnvironment runs a short command and returns its captured output.
// A non-zero exit is reported in the body with status 200.
func (h *Handlers) RunInEnvironment(c *gin.Context) {
	name, ok := validName(c)
	if !ok {
		return
	}
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.Envs.Run(c.Request.Context(), name, req.Command)
	if res == nil {
		envError(c, err)
		return
	}
	resp := RunResponse{RunResult: res}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
