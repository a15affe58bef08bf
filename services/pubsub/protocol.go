// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pubsub implements topic-based publish/subscribe over duplex
// connections, usually WebSockets.
//
// A single Coordinator goroutine owns the connection set, the topic map
// and the permission waiters. Every mutation is a closure run on that
// goroutine, so no lock guards the topic map. Each connection has a read
// goroutine (frames are handled in arrival order) and a write pump that
// drains a bounded outbound queue.
//
// Wire format, one JSON object per WebSocket message:
//
//	client → server  {"action":"subscribe","topic":"t"}
//	                 {"action":"publish","topic":"t","message":<any>}
//	                 {"action":"broadcast","message":<any>}
//	                 {"action":"wait_for_permission","topic":"t"}
//	server → client  {"topic":"t","message":<any>}
//	                 {"topic":"broadcast","message":<any>}
//	                 {"topic":"t","action":"wait_for_permission","message":true}
package pubsub

import (
	"encoding/json"
	"errors"
)

// Inbound actions.
const (
	ActionSubscribe         = "subscribe"
	ActionPublish           = "publish"
	ActionBroadcast         = "broadcast"
	ActionWaitForPermission = "wait_for_permission"
)

// Well-known topics.
const (
	// TopicBroadcast is the topic stamped on Broadcast messages.
	TopicBroadcast = "broadcast"

	// TopicLogs carries the relayed process log stream.
	TopicLogs = "logs"

	// TopicEnvironmentPrefix prefixes the per-environment output topics.
	TopicEnvironmentPrefix = "environment."
)

// EnvironmentTopic returns the topic carrying env's log output.
func EnvironmentTopic(env string) string {
	return TopicEnvironmentPrefix + env
}

// ErrClosed is returned by operations on a closed Coordinator.
var ErrClosed = errors.New("pubsub: coordinator closed")

// Frame is an inbound client frame.
type Frame struct {
	Action  string          `json:"action"`
	Topic   string          `json:"topic,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// Message is an outbound frame.
type Message struct {
	Topic   string `json:"topic"`
	Action  string `json:"action,omitempty"`
	Message any    `json:"message"`
}

// Received is a frame read by Client. Message is left raw for the caller.
type Received struct {
	Topic   string          `json:"topic"`
	Action  string          `json:"action,omitempty"`
	Message json.RawMessage `json:"message"`
}

// Transport is one duplex message connection.
//
// *websocket.Conn from gorilla/websocket satisfies it. WriteJSON is only
// ever called from the connection's write pump; ReadMessage only from
// Serve. Close must unblock a pending ReadMessage.
type Transport interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}
