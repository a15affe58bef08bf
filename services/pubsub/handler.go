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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// MaxFrameSize caps inbound frames. Table payloads published by the
// desktop client can be large.
const MaxFrameSize = 10 * 1024 * 1024

var upgrader = websocket.Upgrader{
	// The coordinator only listens on loopback for the desktop client.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Handler upgrades the request to a WebSocket and serves it on coord.
//
// # Examples
//
//	router.GET("/ws", pubsub.Handler(coord, logger))
func Handler(coord *Coordinator, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("failed to upgrade websocket", "error", err)
			return
		}
		ws.SetReadLimit(MaxFrameSize)

		err = coord.Serve(c.Request.Context(), ws)
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			logger.Debug("websocket connection ended", "remote", c.Request.RemoteAddr, "error", err)
		}
	}
}

var _ Transport = (*websocket.Conn)(nil)
