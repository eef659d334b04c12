// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/GeminiBridge/services/bridge/datatypes"
	"github.com/AleutianAI/GeminiBridge/services/bridge/queue"
)

// Version is the service version reported by /health. Overridden at
// build time via -ldflags.
var Version = "dev"

// HealthHandler serves GET /health.
type HealthHandler struct {
	queue *queue.Manager
}

// NewHealthHandler wires the health endpoint.
func NewHealthHandler(q *queue.Manager) *HealthHandler {
	return &HealthHandler{queue: q}
}

// HandleHealth reports service liveness plus a verbatim queue snapshot.
// Unauthenticated and exempt from rate limiting so load balancers and
// dashboards can always reach it.
func (h *HealthHandler) HandleHealth(c *gin.Context) {
	stats := h.queue.Stats()
	c.JSON(http.StatusOK, datatypes.HealthResponse{
		Status:  "ok",
		Service: "gemini-bridge",
		Version: Version,
		Queue: datatypes.QueueStatsView{
			ActiveRequests:    stats.ActiveRequests,
			QueuedRequests:    stats.QueuedRequests,
			TotalProcessed:    stats.TotalProcessed,
			AverageWaitTimeMs: stats.AverageWaitTimeMs,
			MaxConcurrent:     stats.MaxConcurrent,
		},
	})
}
