// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bioimageit/biit-runtime/internal/observability"
	"github.com/bioimageit/biit-runtime/internal/util"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Coordinator.
type Config struct {
	// QueueSize bounds each connection's outbound queue. Default: 256.
	QueueSize int

	// PermissionTimeout bounds WaitForPermission. Zero waits until a
	// subscriber appears or the caller gives up.
	PermissionTimeout time.Duration

	// InboundRate limits frames read per second per connection.
	// Default: 200.
	InboundRate rate.Limit

	// InboundBurst is the limiter burst. Default: 50.
	InboundBurst int
}

// DefaultConfig returns the defaults used by the host process.
func DefaultConfig() Config {
	return Config{
		QueueSize:    256,
		InboundRate:  200,
		InboundBurst: 50,
	}
}

func applyConfigDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.InboundRate <= 0 {
		cfg.InboundRate = def.InboundRate
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = def.InboundBurst
	}
	return cfg
}

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator routes messages between connections by topic.
//
// # Description
//
// Publish is best-effort and at-most-once: with no subscribers the message
// is dropped, and a full outbound queue drops it for that connection only.
// Topics are created lazily on first subscribe and never deleted;
// disconnecting prunes the connection from every topic.
//
// # Thread Safety
//
// All methods are safe for concurrent use. State is owned by one event
// loop goroutine; methods submit closures to it and wait for them.
//
// # Limitations
//
//   - Publish and Broadcast do not log per message. Drops are counted in
//     metrics only.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	ops      chan func()
	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}

	// Owned by the loop goroutine.
	conns   map[*Connection]struct{}
	topics  map[string]map[*Connection]struct{}
	waiters map[string]map[chan struct{}]struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Pass a logger that does not feed the log
// relay, otherwise frame warnings are published back onto the loop.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics records connections, publishes and drops.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a Coordinator and starts its event loop.
//
// Call Close to stop the loop and close every connection.
func NewCoordinator(cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      applyConfigDefaults(cfg),
		ops:      make(chan func(), 1024),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
		conns:    make(map[*Connection]struct{}),
		topics:   make(map[string]map[*Connection]struct{}),
		waiters:  make(map[string]map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "pubsub")

	go c.loop()
	return c
}

// loop runs submitted closures until Close.
func (c *Coordinator) loop() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.ops:
			c.runOp(fn)
		case <-c.stop:
			for conn := range c.conns {
				conn.close()
				c.metrics.ConnectionClosed()
			}
			c.conns = map[*Connection]struct{}{}
			c.topics = map[string]map[*Connection]struct{}{}
			return
		}
	}
}

// runOp keeps a panicking closure from killing the loop.
func (c *Coordinator) runOp(fn func()) {
	defer util.RecoverPanic(func(p util.PanicInfo) {
		c.logger.Error("coordinator operation panicked", "panic", p.Value, "stack", p.Stack)
	})()
	fn()
}

// call runs fn on the loop and waits for it to finish.
func (c *Coordinator) call(fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case c.ops <- op:
	case <-c.stop:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.loopDone:
		return ErrClosed
	}
}

// Close stops the event loop and closes every connection. Idempotent.
func (c *Coordinator) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.loopDone
	return nil
}

// =============================================================================
// Connections and topics
// =============================================================================

// Connect registers a transport and starts its write pump.
func (c *Coordinator) Connect(t Transport) (*Connection, error) {
	conn := newConnection(t, c.cfg.QueueSize, c.cfg.InboundRate, c.cfg.InboundBurst)
	err := c.call(func() {
		c.conns[conn] = struct{}{}
	})
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	c.metrics.ConnectionOpened()
	go conn.writePump()
	c.logger.Debug("connection opened", "conn", conn.ID())
	return conn, nil
}

// Disconnect removes conn from every topic and closes it. Idempotent.
func (c *Coordinator) Disconnect(conn *Connection) {
	removed := false
	err := c.call(func() {
		if _, ok := c.conns[conn]; !ok {
			return
		}
		delete(c.conns, conn)
		for _, subs := range c.topics {
			delete(subs, conn)
		}
		removed = true
	})
	conn.close()
	if err == nil && removed {
		c.metrics.ConnectionClosed()
		c.logger.Debug("connection closed", "conn", conn.ID())
	}
}

// Subscribe adds conn to topic. Subscribing twice is a no-op, as is
// subscribing a disconnected connection.
//
// Pending WaitForPermission callers on topic are released.
func (c *Coordinator) Subscribe(conn *Connection, topic string) error {
	return c.call(func() {
		if _, ok := c.conns[conn]; !ok {
			return
		}
		subs, ok := c.topics[topic]
		if !ok {
			subs = make(map[*Connection]struct{})
			c.topics[topic] = subs
		}
		subs[conn] = struct{}{}

		for w := range c.waiters[topic] {
			close(w)
		}
		delete(c.waiters, topic)
	})
}

// Publish sends message to every subscriber of topic.
//
// # Outputs
//
//   - int: Number of connections the message was queued for.
//   - error: ErrClosed after Close.
func (c *Coordinator) Publish(topic string, message any) (int, error) {
	delivered := 0
	err := c.call(func() {
		subs := c.topics[topic]
		if len(subs) == 0 {
			c.metrics.RecordDrop(observability.DropNoSubscribers)
			return
		}
		m := Message{Topic: topic, Message: message}
		for conn := range subs {
			if conn.enqueue(m) {
				delivered++
			} else {
				c.metrics.RecordDrop(observability.DropQueueFull)
			}
		}
	})
	if err == nil {
		c.metrics.RecordPublish("publish", delivered)
	}
	return delivered, err
}

// Broadcast sends message to every connection under topic "broadcast".
func (c *Coordinator) Broadcast(message any) (int, error) {
	delivered := 0
	err := c.call(func() {
		m := Message{Topic: TopicBroadcast, Message: message}
		for conn := range c.conns {
			if conn.enqueue(m) {
				delivered++
			} else {
				c.metrics.RecordDrop(observability.DropQueueFull)
			}
		}
	})
	if err == nil {
		c.metrics.RecordPublish("broadcast", delivered)
	}
	return delivered, err
}

// WaitForPermission blocks until topic has at least one subscriber.
//
// # Description
//
// Returns true immediately if the topic already has a subscriber.
// Otherwise a waiter channel is registered and closed by the next
// Subscribe to topic. No polling is involved.
//
// # Outputs
//
//   - bool: true once a subscriber exists; false on timeout or error.
//   - error: nil on success and on PermissionTimeout; ctx.Err() if the
//     caller gave up; ErrClosed after Close.
func (c *Coordinator) WaitForPermission(ctx context.Context, topic string) (bool, error) {
	w := make(chan struct{})
	err := c.call(func() {
		if len(c.topics[topic]) > 0 {
			close(w)
			return
		}
		set, ok := c.waiters[topic]
		if !ok {
			set = make(map[chan struct{}]struct{})
			c.waiters[topic] = set
		}
		set[w] = struct{}{}
	})
	if err != nil {
		return false, err
	}

	var timeout <-chan time.Time
	if c.cfg.PermissionTimeout > 0 {
		timer := time.NewTimer(c.cfg.PermissionTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-w:
		c.metrics.RecordPermissionWait("granted")
		return true, nil
	case <-timeout:
		c.removeWaiter(topic, w)
		c.metrics.RecordPermissionWait("timeout")
		return false, nil
	case <-ctx.Done():
		c.removeWaiter(topic, w)
		c.metrics.RecordPermissionWait("cancelled")
		return false, ctx.Err()
	case <-c.loopDone:
		return false, ErrClosed
	}
}

func (c *Coordinator) removeWaiter(topic string, w chan struct{}) {
	_ = c.call(func() {
		if set, ok := c.waiters[topic]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(c.waiters, topic)
			}
		}
	})
}

// Subscribers returns the number of connections subscribed to topic.
func (c *Coordinator) Subscribers(topic string) int {
	n := 0
	_ = c.call(func() { n = len(c.topics[topic]) })
	return n
}

// Connections returns the number of open connections.
func (c *Coordinator) Connections() int {
	n := 0
	_ = c.call(func() { n = len(c.conns) })
	return n
}

// Topics returns every topic ever subscribed to.
func (c *Coordinator) Topics() []string {
	var out []string
	_ = c.call(func() {
		for t := range c.topics {
			out = append(out, t)
		}
	})
	return out
}

// =============================================================================
// Serving a transport
// =============================================================================

// Serve attaches t and handles its frames until the transport fails or
// ctx ends.
//
// # Description
//
// Frames are read and dispatched in arrival order, throttled by the
// per-connection rate limiter. Malformed frames and unknown actions are
// logged and ignored. wait_for_permission is answered asynchronously so
// that reading continues while the wait is pending.
//
// # Outputs
//
//   - error: The read error that ended the connection, or ctx.Err().
//     The connection is always disconnected on return.
func (c *Coordinator) Serve(ctx context.Context, t Transport) error {
	conn, err := c.Connect(t)
	if err != nil {
		return err
	}
	defer c.Disconnect(conn)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-ctx.Done():
			conn.close()
		}
	}()

	for {
		if err := conn.limiter.Wait(ctx); err != nil {
			return err
		}
		_, data, err := t.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.dispatch(ctx, conn, data)
	}
}

// dispatch handles one inbound frame.
func (c *Coordinator) dispatch(ctx context.Context, conn *Connection, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.metrics.RecordInvalidFrame(observability.FrameMalformed)
		c.logger.Warn("ignoring malformed frame", "conn", conn.ID(), "error", err)
		return
	}

	needsTopic := f.Action == ActionSubscribe || f.Action == ActionPublish || f.Action == ActionWaitForPermission
	if needsTopic && f.Topic == "" {
		c.metrics.RecordInvalidFrame(observability.FrameMalformed)
		c.logger.Warn("ignoring frame without topic", "conn", conn.ID(), "action", f.Action)
		return
	}

	var err error
	switch f.Action {
	case ActionSubscribe:
		err = c.Subscribe(conn, f.Topic)
	case ActionPublish:
		_, err = c.Publish(f.Topic, f.Message)
	case ActionBroadcast:
		_, err = c.Broadcast(f.Message)
	case ActionWaitForPermission:
		go c.answerPermission(ctx, conn, f.Topic)
	default:
		c.metrics.RecordInvalidFrame(observability.FrameUnknownAction)
		c.logger.Warn("ignoring unknown action", "conn", conn.ID(), "action", f.Action)
	}
	if err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Warn("frame handling failed", "conn", conn.ID(), "action", f.Action, "error", err)
	}
}

// answerPermission replies to a wait_for_permission frame.
func (c *Coordinator) answerPermission(ctx context.Context, conn *Connection, topic string) {
	ok, err := c.WaitForPermission(ctx, topic)
	if err != nil {
		return
	}
	conn.enqueue(Message{Topic: topic, Action: ActionWaitForPermission, Message: ok})
}
