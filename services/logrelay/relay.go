// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logrelay forwards the process log stream onto a pub/sub topic.
//
// The Relay is a logging.LogExporter. Export formats the record and pushes
// it onto a bounded drop-oldest ring buffer without blocking the caller.
// A single consumer goroutine drains the buffer in batches and hands them
// to a Sink, retrying a failed batch with exponential backoff before
// taking new records.
package logrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bioimageit/biit-runtime/internal/observability"
	"github.com/bioimageit/biit-runtime/internal/util"
	"github.com/bioimageit/biit-runtime/pkg/logging"
	"github.com/bioimageit/biit-runtime/services/pubsub"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("logrelay: closed")

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Relay.
type Config struct {
	// Topic receives the records. Default: "logs".
	Topic string

	// Capacity bounds the queue; the oldest record is dropped beyond it.
	// Default: 1024.
	Capacity int

	// BatchSize is the maximum records per Sink.Send. Default: 64.
	BatchSize int

	// SendTimeout bounds one Sink.Send. Default: 5s.
	SendTimeout time.Duration

	// Backoff paces retries after a failed send.
	Backoff util.BackoffConfig
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		Topic:       pubsub.TopicLogs,
		Capacity:    1024,
		BatchSize:   64,
		SendTimeout: 5 * time.Second,
		Backoff:     util.DefaultBackoffConfig(),
	}
}

func applyConfigDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	cfg.SendTimeout = util.EnforceDefaultTimeout(cfg.SendTimeout, def.SendTimeout)
	if cfg.Backoff == (util.BackoffConfig{}) {
		cfg.Backoff = def.Backoff
	}
	return cfg
}

// =============================================================================
// Relay
// =============================================================================

// Relay is a LogExporter that publishes formatted records through a Sink.
//
// # Description
//
// Export never blocks: a stalled sink only fills the queue, and beyond
// Capacity the oldest records are dropped and counted. Records are
// delivered in order; a failed batch is retried first.
//
// # Thread Safety
//
// Export, Flush and Close are safe for concurrent use.
//
// # Limitations
//
//   - Delivery is at-most-once. Records still queued at Close are lost
//     unless Flush ran first.
type Relay struct {
	cfg     Config
	sink    Sink
	buf     *util.RingBuffer[string]
	logger  *slog.Logger
	metrics *observability.Metrics

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once

	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger for send failures. It must not export to
// this relay.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithMetrics counts queued, sent and dropped records.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// New creates a Relay and starts its consumer.
func New(cfg Config, sink Sink, opts ...Option) (*Relay, error) {
	if sink == nil {
		return nil, errors.New("logrelay: sink is required")
	}
	cfg = applyConfigDefaults(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:    cfg,
		sink:   sink,
		buf:    util.NewRingBuffer[string](cfg.Capacity),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	r.logger = r.logger.With("component", "logrelay")

	util.SafeGo(r.consume, func(p util.PanicInfo) {
		r.logger.Error("log relay consumer panicked", "panic", p.Value, "stack", p.Stack)
	})
	return r, nil
}

// Export formats entry and queues it. Never blocks.
func (r *Relay) Export(_ context.Context, entry logging.LogEntry) error {
	if r.closed.Load() {
		r.metrics.RecordRelay("dropped", 1)
		return nil
	}
	if r.buf.Push(Format(entry)) {
		r.metrics.RecordRelay("dropped", 1)
	}
	r.metrics.RecordRelay("queued", 1)
	r.wake()
	return nil
}

// Flush waits until every queued record has been sent, or ctx is done.
func (r *Relay) Flush(ctx context.Context) error {
	for {
		r.mu.Lock()
		if !r.busy && r.buf.Size() == 0 {
			r.mu.Unlock()
			return nil
		}
		w := make(chan struct{})
		r.waiters = append(r.waiters, w)
		r.mu.Unlock()
		r.wake()

		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return ErrClosed
		}
	}
}

// Close stops the consumer and closes the sink. Idempotent.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.stop)
		r.cancel()
		<-r.done
		err = r.sink.Close()
	})
	return err
}

// Dropped returns how many records were evicted from a full queue.
func (r *Relay) Dropped() int64 {
	return r.buf.DroppedCount()
}

// Queued returns how many records are waiting to be sent.
func (r *Relay) Queued() int {
	return r.buf.Size()
}

func (r *Relay) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// =============================================================================
// Consumer
// =============================================================================

// consume drains the queue until Close.
func (r *Relay) consume() {
	defer close(r.done)
	backoff := util.NewBackoff(r.cfg.Backoff)

	var batch []string
	for {
		if len(batch) == 0 {
			batch = r.take()
		}
		if len(batch) == 0 {
			select {
			case <-r.notify:
				continue
			case <-r.stop:
				return
			}
		}

		if err := r.send(batch); err != nil {
			r.metrics.RecordRelayFailure()
			delay := backoff.Next()
			r.logger.Warn("log relay send failed", "records", len(batch), "retry_in", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-r.stop:
				return
			}
			continue
		}

		r.metrics.RecordRelay("sent", len(batch))
		backoff.Reset()
		batch = nil
	}
}

// take pops the next batch and tracks whether the consumer holds records.
// When there is nothing left it releases Flush waiters.
func (r *Relay) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := r.buf.PopN(r.cfg.BatchSize)
	r.busy = len(batch) > 0
	if !r.busy {
		for _, w := range r.waiters {
			close(w)
		}
		r.waiters = nil
	}
	return batch
}

func (r *Relay) send(batch []string) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.SendTimeout)
	defer cancel()
	return r.sink.Send(ctx, r.cfg.Topic, batch)
}

var _ logging.LogExporter = (*Relay)(nil)

// =============================================================================
// Formatting
// =============================================================================

// Format renders entry as one relay line:
//
//	2024-03-09 14:05:07 | INFO | biit | service ready component=supervisor url=http://...
//
// Attributes are sorted by key; the component comes first.
func Format(entry logging.LogEntry) string {
	var b strings.Builder
	b.WriteString(entry.Timestamp.Format("2006-01-02 15:04:05"))
	b.WriteString(" | ")
	b.WriteString(entry.Level.String())
	b.WriteString(" | ")
	service := entry.Service
	if service == "" {
		service = "-"
	}
	b.WriteString(service)
	b.WriteString(" | ")
	b.WriteString(entry.Message)

	if entry.Component != "" {
		writeAttr(&b, logging.ComponentKey, entry.Component)
	}
	keys := make([]string, 0, len(entry.Attrs))
	for k := range entry.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeAttr(&b, k, entry.Attrs[k])
	}
	return b.String()
}

func writeAttr(b *strings.Builder, key string, value any) {
	s := fmt.Sprint(value)
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		s = fmt.Sprintf("%q", s)
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(s)
}
