// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/GeminiBridge/services/bridge/handlers"
	"github.com/AleutianAI/GeminiBridge/services/bridge/middleware"
)

// Options carries the wired dependencies for route registration.
type Options struct {
	Chat        *handlers.ChatHandler
	Models      *handlers.ModelsHandler
	Health      *handlers.HealthHandler
	RateLimiter *middleware.RateLimiter
	BearerToken string
}

// SetupRoutes registers all bridge endpoints.
//
// /health and /metrics are unauthenticated and not rate limited; the /v1
// group carries the rate limiter and bearer auth.
func SetupRoutes(router *gin.Engine, opts Options) {
	router.GET("/health", opts.Health.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(opts.RateLimiter.Middleware())
	v1.Use(middleware.Auth(opts.BearerToken))
	{
		v1.POST("/chat/completions", opts.Chat.HandleChatCompletions)
		v1.GET("/models", opts.Models.HandleListModels)
	}
}
