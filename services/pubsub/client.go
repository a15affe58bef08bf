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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a WebSocket client for a remote Coordinator.
//
// # Description
//
// Used by the CLI to follow topics and by the log relay to publish into a
// coordinator running in another process.
//
// # Thread Safety
//
// Writes are safe for concurrent use. Next and WaitForPermission read
// from the connection and must not be called concurrently.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pending []Received
}

// Dial connects to the coordinator WebSocket endpoint at url.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(MaxFrameSize)
	return &Client{conn: conn}, nil
}

// send writes one frame. The write deadline follows ctx, so a peer that
// stops reading cannot block the caller past it. A write interrupted by
// ctx leaves the connection unusable; Close it.
func (c *Client) send(ctx context.Context, f any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := c.conn.WriteJSON(f); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, err)
		}
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			return errors.Join(context.DeadlineExceeded, err)
		}
		return err
	}
	return nil
}

// Subscribe subscribes to topic.
func (c *Client) Subscribe(topic string) error {
	return c.send(context.Background(), Frame{Action: ActionSubscribe, Topic: topic})
}

// Publish publishes message on topic.
func (c *Client) Publish(topic string, message any) error {
	return c.PublishContext(context.Background(), topic, message)
}

// PublishContext publishes message on topic, giving up when ctx ends.
func (c *Client) PublishContext(ctx context.Context, topic string, message any) error {
	return c.send(ctx, Message{Topic: topic, Action: ActionPublish, Message: message})
}

// Broadcast sends message to every connection.
func (c *Client) Broadcast(message any) error {
	return c.send(context.Background(), Message{Action: ActionBroadcast, Message: message})
}

// WaitForPermission asks the coordinator to confirm that topic has a
// subscriber and waits for the reply. Frames received meanwhile are kept
// for Next.
func (c *Client) WaitForPermission(ctx context.Context, topic string) (bool, error) {
	if err := c.send(ctx, Frame{Action: ActionWaitForPermission, Topic: topic}); err != nil {
		return false, err
	}
	for {
		r, err := c.read(ctx)
		if err != nil {
			return false, err
		}
		if r.Action == ActionWaitForPermission && r.Topic == topic {
			return string(r.Message) == "true", nil
		}
		c.pending = append(c.pending, r)
	}
}

// Next returns the next received frame.
//
// A read interrupted by ctx leaves the connection unusable; Close it.
func (c *Client) Next(ctx context.Context) (Received, error) {
	if len(c.pending) > 0 {
		r := c.pending[0]
		c.pending = c.pending[1:]
		return r, nil
	}
	return c.read(ctx)
}

// read reads one frame, honoring ctx by moving the read deadline.
func (c *Client) read(ctx context.Context) (Received, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var r Received
	if err := c.conn.ReadJSON(&r); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Received{}, errors.Join(ctxErr, err)
		}
		return Received{}, err
	}
	return r, nil
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
