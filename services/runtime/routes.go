// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bioimageit/biit-runtime/services/pubsub"
)

// SetupRoutes registers every HTTP route on router.
func SetupRoutes(router *gin.Engine, h *Handlers, gatherer prometheus.Gatherer) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/ws", pubsub.Handler(h.Coordinator, h.Logger))

	v1 := router.Group("/v1")
	{
		services := v1.Group("/services")
		{
			services.GET("", h.ListServices)
			services.GET("/:name", h.GetService)
			services.POST("/:name/start", h.StartService)
			services.POST("/:name/stop", h.StopService)
		}
		envs := v1.Group("/environments")
		{
			envs.GET("", h.ListEnvironments)
			envs.GET("/:name", h.GetEnvironment)
			envs.POST("/:name", h.CreateEnvironment)
			envs.POST("/:name/run", h.RunInEnvironment)
		}
	}
}

// requestLogger logs each request at debug level, errors at warn.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= 500 {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"elapsed", time.Since(start),
		)
	}
}
