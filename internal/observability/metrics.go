// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the runtime services.
//
// Metrics are constructed against an explicit prometheus.Registerer so the
// host can expose them on /metrics and tests can use private registries.
// Every Record method is a no-op on a nil *Metrics, which lets components
// treat metrics as optional.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "biit"

const (
	environmentSubsystem = "environment"
	supervisorSubsystem  = "supervisor"
	pubsubSubsystem      = "pubsub"
	logRelaySubsystem    = "logrelay"
)

// Metrics holds every collector exported by the runtime.
type Metrics struct {
	// EnvironmentOpsTotal counts environment operations.
	// Labels: op (bootstrap, exists, list, create, run, launch), status (success, error)
	EnvironmentOpsTotal *prometheus.CounterVec

	// EnvironmentOpSeconds measures environment operation latency.
	// Labels: op
	EnvironmentOpSeconds *prometheus.HistogramVec

	// SupervisorTransitionsTotal counts status transitions.
	// Labels: service, state
	SupervisorTransitionsTotal *prometheus.CounterVec

	// ProvisioningSeconds measures start-to-ready (or start-to-error) time.
	// Labels: service, outcome (ready, error)
	ProvisioningSeconds *prometheus.HistogramVec

	// PubSubConnections tracks currently connected clients.
	PubSubConnections prometheus.Gauge

	// PubSubPublishedTotal counts publish and broadcast calls.
	// Labels: kind (publish, broadcast)
	PubSubPublishedTotal *prometheus.CounterVec

	// PubSubDeliveredTotal counts messages queued to a connection.
	PubSubDeliveredTotal prometheus.Counter

	// PubSubDroppedTotal counts messages that reached no one.
	// Labels: reason (no_subscribers, queue_full)
	PubSubDroppedTotal *prometheus.CounterVec

	// PubSubInvalidFramesTotal counts inbound frames that were ignored.
	// Labels: reason (malformed, unknown_action)
	PubSubInvalidFramesTotal *prometheus.CounterVec

	// PubSubPermissionWaitsTotal counts wait_for_permission outcomes.
	// Labels: outcome (granted, timeout, cancelled)
	PubSubPermissionWaitsTotal *prometheus.CounterVec

	// LogRelayRecordsTotal counts log records by fate.
	// Labels: status (queued, sent, dropped)
	LogRelayRecordsTotal *prometheus.CounterVec

	// LogRelaySendFailuresTotal counts failed sink batches.
	LogRelaySendFailuresTotal prometheus.Counter
}

// NewMetrics creates and registers all collectors on reg.
//
// # Description
//
// Uses promauto.With so collectors land on the given registerer instead of
// the global default. Registering twice on the same registerer panics.
//
// # Inputs
//
//   - reg: Target registerer (prometheus.NewRegistry() in tests).
//
// # Outputs
//
//   - *Metrics: Ready to record.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EnvironmentOpsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: environmentSubsystem,
				Name:      "operations_total",
				Help:      "Environment operations by operation and status",
			},
			[]string{"op", "status"},
		),
		EnvironmentOpSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: environmentSubsystem,
				Name:      "operation_duration_seconds",
				Help:      "Environment operation latency in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600, 1800},
			},
			[]string{"op"},
		),
		SupervisorTransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: supervisorSubsystem,
				Name:      "transitions_total",
				Help:      "Supervisor status transitions by service and target state",
			},
			[]string{"service", "state"},
		),
		ProvisioningSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: supervisorSubsystem,
				Name:      "provisioning_duration_seconds",
				Help:      "Time from start request to ready or error",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900},
			},
			[]string{"service", "outcome"},
		),
		PubSubConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: pubsubSubsystem,
				Name:      "connections",
				Help:      "Currently connected pub/sub clients",
			},
		),
		PubSubPublishedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pubsubSubsystem,
				Name:      "published_total",
				Help:      "Messages accepted for fan-out by kind",
			},
			[]string{"kind"},
		),
		PubSubDeliveredTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pubsubSubsystem,
				Name:      "delivered_total",
				Help:      "Messages queued to a subscriber connection",
			},
		),
		PubSubDroppedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pubsubSubsystem,
				Name:      "dropped_total",
				Help:      "Messages dropped by reason",
			},
			[]string{"reason"},
		),
		PubSubInvalidFramesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pubsubSubsystem,
				Name:      "invalid_frames_total",
				Help:      "Inbound frames ignored by reason",
			},
			[]string{"reason"},
		),
		PubSubPermissionWaitsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pubsubSubsystem,
				Name:      "permission_waits_total",
				Help:      "wait_for_permission requests by outcome",
			},
			[]string{"outcome"},
		),
		LogRelayRecordsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: logRelaySubsystem,
				Name:      "records_total",
				Help:      "Log records by status",
			},
			[]string{"status"},
		),
		LogRelaySendFailuresTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: logRelaySubsystem,
				Name:      "send_failures_total",
				Help:      "Failed sink batches",
			},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// DropReason labels PubSubDroppedTotal.
type DropReason string

const (
	DropNoSubscribers DropReason = "no_subscribers"
	DropQueueFull     DropReason = "queue_full"
)

// FrameReason labels PubSubInvalidFramesTotal.
type FrameReason string

const (
	FrameMalformed     FrameReason = "malformed"
	FrameUnknownAction FrameReason = "unknown_action"
)

// =============================================================================
// Recording Helpers
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordEnvironmentOp records one environment operation.
func (m *Metrics) RecordEnvironmentOp(op string, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.EnvironmentOpsTotal.WithLabelValues(op, statusLabel(success)).Inc()
	m.EnvironmentOpSeconds.WithLabelValues(op).Observe(seconds)
}

// RecordTransition records a supervisor status transition.
func (m *Metrics) RecordTransition(service, state string) {
	if m == nil {
		return
	}
	m.SupervisorTransitionsTotal.WithLabelValues(service, state).Inc()
}

// RecordProvisioning records how long a provisioning sequence took.
func (m *Metrics) RecordProvisioning(service string, seconds float64, ready bool) {
	if m == nil {
		return
	}
	outcome := "ready"
	if !ready {
		outcome = "error"
	}
	m.ProvisioningSeconds.WithLabelValues(service, outcome).Observe(seconds)
}

// ConnectionOpened increments the connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.PubSubConnections.Inc()
}

// ConnectionClosed decrements the connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.PubSubConnections.Dec()
}

// RecordPublish records a publish (or broadcast) and its fan-out.
func (m *Metrics) RecordPublish(kind string, delivered int) {
	if m == nil {
		return
	}
	m.PubSubPublishedTotal.WithLabelValues(kind).Inc()
	m.PubSubDeliveredTotal.Add(float64(delivered))
}

// RecordDrop records a dropped message.
func (m *Metrics) RecordDrop(reason DropReason) {
	if m == nil {
		return
	}
	m.PubSubDroppedTotal.WithLabelValues(string(reason)).Inc()
}

// RecordInvalidFrame records an ignored inbound frame.
func (m *Metrics) RecordInvalidFrame(reason FrameReason) {
	if m == nil {
		return
	}
	m.PubSubInvalidFramesTotal.WithLabelValues(string(reason)).Inc()
}

// RecordPermissionWait records a wait_for_permission outcome.
func (m *Metrics) RecordPermissionWait(outcome string) {
	if m == nil {
		return
	}
	m.PubSubPermissionWaitsTotal.WithLabelValues(outcome).Inc()
}

// RecordRelay adds n records with the given status (queued, sent, dropped).
func (m *Metrics) RecordRelay(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LogRelayRecordsTotal.WithLabelValues(status).Add(float64(n))
}

// RecordRelayFailure records one failed sink batch.
func (m *Metrics) RecordRelayFailure() {
	if m == nil {
		return
	}
	m.LogRelaySendFailuresTotal.Inc()
}
