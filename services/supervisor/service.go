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
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bioimageit/biit-runtime/internal/util"
	"github.com/bioimageit/biit-runtime/services/environment"
)

var serviceValidate = validator.New()

// Service describes a long-running service managed by a Supervisor.
type Service struct {
	// Name identifies the service in the registry and in metrics.
	Name string `json:"name" yaml:"name" validate:"required,max=64"`

	// Env is the environment the service runs in.
	Env string `json:"env" yaml:"env" validate:"required"`

	// Spec provisions Env when it does not exist yet.
	Spec environment.DependencySpec `json:"spec" yaml:"spec" validate:"-"`

	// Command is the shell command line that starts the service.
	Command string `json:"command" yaml:"command" validate:"required"`

	// ReadinessURL must answer HTTP 200 once the service is up.
	ReadinessURL string `json:"readinessUrl" yaml:"readinessUrl" validate:"required,url"`

	// PollInterval is the readiness probe cadence. Default: 1s.
	PollInterval time.Duration `json:"pollInterval,omitempty" yaml:"pollInterval,omitempty"`

	// ReadinessTimeout bounds readiness polling. Default: 2m.
	ReadinessTimeout time.Duration `json:"readinessTimeout,omitempty" yaml:"readinessTimeout,omitempty"`

	// StopTimeout is the grace period before a kill. Default: 10s.
	StopTimeout time.Duration `json:"stopTimeout,omitempty" yaml:"stopTimeout,omitempty"`
}

// Validate checks required fields, the environment name and the spec.
func (s Service) Validate() error {
	if err := serviceValidate.Struct(s); err != nil {
		return fmt.Errorf("invalid service definition: %w", err)
	}
	if err := environment.ValidateName(s.Env); err != nil {
		return fmt.Errorf("invalid service definition: %w", err)
	}
	if err := s.Spec.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("invalid service definition: %w", err)
	}
	return nil
}

// withDefaults fills unset durations.
func (s Service) withDefaults() Service {
	s.PollInterval = util.EnforceMinTimeout(
		util.EnforceDefaultTimeout(s.PollInterval, util.DefaultPollInterval), util.MinPollInterval)
	s.ReadinessTimeout = util.EnforceDefaultTimeout(s.ReadinessTimeout, util.DefaultReadinessTimeout)
	s.StopTimeout = util.EnforceDefaultTimeout(s.StopTimeout, util.DefaultStopTimeout)
	return s
}

// CodeServerName is the registry name of the built-in code-server service.
const CodeServerName = "codeserver"

// CodeServerService returns the built-in code-server definition.
//
// The service installs the launch-file extension shipped next to the
// working directory, then serves the editor without authentication on
// the loopback interface.
func CodeServerService() Service {
	return Service{
		Name: CodeServerName,
		Env:  "codeserver-env",
		Spec: environment.DependencySpec{
			RuntimeVersion: "3.10",
			Packages:       []string{"code-server"},
		},
		Command: "code-server --install-extension launchfileauto-latest.vsix" +
			" && code-server --auth none --bind-addr 127.0.0.1:3000",
		ReadinessURL: "http://127.0.0.1:3000/healthz",
	}
}
