// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor runs managed services inside provisioned environments.
//
// A Supervisor owns one service: it provisions the service's environment,
// launches its command and polls a readiness URL. Callers observe progress
// only through Status and Wait; provisioning errors never cross the
// goroutine boundary any other way.
//
// State machine:
//
//	idle ──start──▶ starting ──probe ok──▶ ready ──stop──▶ stopped
//	                    │                                     │
//	                    └──timeout/failure──▶ error ◀─────────┘
//	error | stopped ──start──▶ starting
package supervisor

import "errors"

// State is the lifecycle state of a supervised service.
type State string

const (
	// StateIdle means the supervisor has never been started.
	StateIdle State = "idle"

	// StateStarting means a provisioning sequence is in flight.
	StateStarting State = "starting"

	// StateReady means the readiness probe succeeded.
	StateReady State = "ready"

	// StateError means provisioning failed. Status.Reason says why.
	StateError State = "error"

	// StateStopped means the service was stopped after being ready.
	StateStopped State = "stopped"
)

// ReasonExitedEarly is the error reason when the managed process exits
// before the readiness probe succeeds.
const ReasonExitedEarly = "process exited before becoming ready"

// ErrReadinessTimeout is wrapped into the error reason when the readiness
// probe never succeeded within ReadinessTimeout.
var ErrReadinessTimeout = errors.New("readiness timeout")

// Status is an immutable snapshot of a supervisor's state.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// canTransition reports whether from → to is an edge of the state machine.
func canTransition(from, to State) bool {
	switch to {
	case StateStarting:
		return from == StateIdle || from == StateError || from == StateStopped
	case StateReady, StateError:
		return from == StateStarting
	case StateStopped:
		return from == StateReady
	default:
		return false
	}
}
