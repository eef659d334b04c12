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

	"github.com/AleutianAI/GeminiBridge/services/bridge/config"
	"github.com/AleutianAI/GeminiBridge/services/bridge/datatypes"
	"github.com/AleutianAI/GeminiBridge/services/bridge/observability"
)

// ModelsHandler serves GET /v1/models.
type ModelsHandler struct {
	mappings *config.ModelMappings
	metrics  *observability.BridgeMetrics
}

// NewModelsHandler wires the model listing endpoint.
func NewModelsHandler(mappings *config.ModelMappings, metrics *observability.BridgeMetrics) *ModelsHandler {
	return &ModelsHandler{mappings: mappings, metrics: metrics}
}

// HandleListModels returns the mapped model identifiers in the OpenAI
// list envelope. Clients use this for model pickers; the ids are the
// alias names, not the backend models they resolve to.
func (h *ModelsHandler) HandleListModels(c *gin.Context) {
	if h.metrics != nil {
		h.metrics.RecordRequest(observability.EndpointModels, "success")
	}
	c.JSON(http.StatusOK, datatypes.NewModelsListResponse(h.mappings.IDs()))
}
