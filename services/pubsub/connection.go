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
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Connection is one client attached to the Coordinator.
//
// # Description
//
// Outbound messages go through a bounded queue drained by a dedicated
// write pump, so a slow client never stalls the coordinator loop. When
// the queue is full the message is dropped for this connection only.
//
// # Thread Safety
//
// Safe for concurrent use.
type Connection struct {
	id        string
	transport Transport
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
}

func newConnection(t Transport, queueSize int, limit rate.Limit, burst int) *Connection {
	return &Connection{
		id:        uuid.NewString(),
		transport: t,
		out:       make(chan Message, queueSize),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(limit, burst),
	}
}

// ID returns the connection's UUID.
func (c *Connection) ID() string {
	return c.id
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// enqueue queues m without blocking. Returns false if the queue is full
// or the connection is closed.
func (c *Connection) enqueue(m Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- m:
		return true
	default:
		return false
	}
}

// writePump sends queued messages until the connection closes. A write
// error closes the transport, which ends the read loop in Serve.
func (c *Connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.out:
			if err := c.transport.WriteJSON(m); err != nil {
				c.close()
				return
			}
		}
	}
}

// close closes the transport once.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.transport.Close()
	})
}
