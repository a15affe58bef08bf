// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bioimageit/biit-runtime/services/pubsub"
)

// Sink delivers batches of formatted records.
type Sink interface {
	// Send delivers records in order. A non-nil error means the whole
	// batch is retried.
	Send(ctx context.Context, topic string, records []string) error

	// Close releases the sink.
	Close() error
}

// Publisher publishes one message on a topic.
//
// *pubsub.Coordinator implements it.
type Publisher interface {
	Publish(topic string, message any) (int, error)
}

var _ Publisher = (*pubsub.Coordinator)(nil)

// =============================================================================
// In-process sink
// =============================================================================

// CoordinatorSink publishes onto a coordinator in the same process.
type CoordinatorSink struct {
	pub Publisher
}

// NewCoordinatorSink creates a sink publishing through pub.
func NewCoordinatorSink(pub Publisher) *CoordinatorSink {
	return &CoordinatorSink{pub: pub}
}

// Send publishes each record. Records without subscribers are dropped by
// the coordinator and are not an error.
func (s *CoordinatorSink) Send(ctx context.Context, topic string, records []string) error {
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.pub.Publish(topic, rec); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the coordinator is owned by the host.
func (s *CoordinatorSink) Close() error { return nil }

// =============================================================================
// Remote sink
// =============================================================================

// DialFunc opens a client connection to a coordinator.
type DialFunc func(ctx context.Context, url string) (*pubsub.Client, error)

// WebSocketSink publishes to a coordinator in another process.
//
// # Description
//
// The connection is dialed lazily. A read pump drains whatever the peer
// sends and marks the connection dead when the peer closes it, so the
// next Send redials instead of writing into a closed socket. Writes honor
// the Send deadline. The relay's backoff paces redial attempts.
//
// # Thread Safety
//
// Safe for concurrent use.
type WebSocketSink struct {
	url  string
	dial DialFunc

	mu     sync.Mutex
	client *pubsub.Client
	dead   chan struct{}
}

// NewWebSocketSink creates a sink for the coordinator endpoint at url.
// A nil dial uses pubsub.Dial.
func NewWebSocketSink(url string, dial DialFunc) *WebSocketSink {
	if dial == nil {
		dial = pubsub.Dial
	}
	return &WebSocketSink{url: url, dial: dial}
}

// Send publishes each record over the WebSocket.
func (s *WebSocketSink) Send(ctx context.Context, topic string, records []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil && s.isDead() {
		s.dropLocked()
	}
	if s.client == nil {
		c, err := s.dial(ctx, s.url)
		if err != nil {
			return err
		}
		s.client = c
		s.dead = make(chan struct{})
		go readPump(c, s.dead)
	}
	for _, rec := range records {
		if err := s.client.PublishContext(ctx, topic, rec); err != nil {
			s.dropLocked()
			return fmt.Errorf("publish to %s: %w", s.url, err)
		}
	}
	return nil
}

// readPump reads until the connection fails, then closes dead.
func readPump(c *pubsub.Client, dead chan struct{}) {
	defer close(dead)
	for {
		if _, err := c.Next(context.Background()); err != nil {
			return
		}
	}
}

func (s *WebSocketSink) isDead() bool {
	select {
	case <-s.dead:
		return true
	default:
		return false
	}
}

// dropLocked closes the current connection. Caller holds mu.
func (s *WebSocketSink) dropLocked() {
	_ = s.client.Close()
	s.client = nil
}

// Close closes the current connection, if any.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	peerGone := s.isDead()
	err := s.client.Close()
	s.client = nil
	if err != nil && !peerGone && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var (
	_ Sink = (*CoordinatorSink)(nil)
	_ Sink = (*WebSocketSink)(nil)
)
