// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the bridge's HTTP endpoints.
//
// # Request Flow
//
//	POST /v1/chat/completions
//	   │
//	   ├─► bind + validate request body
//	   ├─► resolve requested model to a backend model
//	   ├─► render messages into a flat prompt
//	   ├─► queue.Execute ──► executor (CLI with conflict retry)
//	   └─► JSON response, or pseudo-stream SSE when stream=true
//
// The pseudo-stream waits for the full CLI result and then replays it as
// the OpenAI chunk sequence (role, content, stop, [DONE]). Clients built
// against streaming APIs work unchanged; they just see one large content
// delta.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/GeminiBridge/pkg/logging"
	"github.com/AleutianAI/GeminiBridge/services/bridge/cli"
	"github.com/AleutianAI/GeminiBridge/services/bridge/config"
	"github.com/AleutianAI/GeminiBridge/services/bridge/datatypes"
	"github.com/AleutianAI/GeminiBridge/services/bridge/middleware"
	"github.com/AleutianAI/GeminiBridge/services/bridge/observability"
	"github.com/AleutianAI/GeminiBridge/services/bridge/prompt"
	"github.com/AleutianAI/GeminiBridge/services/bridge/queue"
)

// =============================================================================
// Dependencies
// =============================================================================

// Executor is the full retried execution sequence for one request.
// Satisfied by cli.RetryController; stubbed in tests.
type Executor interface {
	Execute(ctx context.Context, promptText, model, requestID string) cli.ExecutionResult
}

// ChatHandler serves POST /v1/chat/completions.
//
// # Thread Safety
//
// Safe for concurrent use; all dependencies are concurrency-safe.
type ChatHandler struct {
	queue    *queue.Manager
	executor Executor
	mappings *config.ModelMappings
	metrics  *observability.BridgeMetrics
}

// NewChatHandler wires the chat endpoint.
//
// metrics may be nil, in which case no metrics are recorded; tests use
// this to avoid registry setup.
func NewChatHandler(q *queue.Manager, exec Executor, mappings *config.ModelMappings, metrics *observability.BridgeMetrics) *ChatHandler {
	return &ChatHandler{queue: q, executor: exec, mappings: mappings, metrics: metrics}
}

// =============================================================================
// Handler
// =============================================================================

// HandleChatCompletions processes one chat completion request.
//
// # Description
//
// Validates the body, resolves the model, renders the prompt, and runs
// the execution under queue admission. Failures map to OpenAI error
// envelopes: timeouts (admission or CLI) become 504, everything else
// 500. Upstream stderr is logged server-side and never returned.
func (h *ChatHandler) HandleChatCompletions(c *gin.Context) {
	requestID := middleware.GetRequestID(c)
	endpoint := observability.EndpointChat

	var req datatypes.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("malformed chat completion body", "request_id", requestID, "error", err)
		h.record(endpoint, "error")
		c.JSON(http.StatusBadRequest,
			datatypes.InvalidRequestBody("request body is not valid JSON", ""))
		return
	}
	if req.Stream {
		endpoint = observability.EndpointChatStream
	}

	if err := req.Validate(); err != nil {
		slog.Warn("chat completion failed validation",
			"request_id", requestID, "error", err)
		h.record(endpoint, "error")
		c.JSON(http.StatusBadRequest,
			datatypes.InvalidRequestBody(datatypes.ValidationMessage(err), ""))
		return
	}

	model, mapped := h.mappings.Resolve(req.Model)
	if !mapped {
		slog.Info("unmapped model requested, using default",
			"request_id", requestID, "requested", req.Model, "backend", model)
	}

	promptText := prompt.Build(req.Messages)
	if promptText == "" {
		h.record(endpoint, "error")
		c.JSON(http.StatusBadRequest,
			datatypes.InvalidRequestBody("messages produced an empty prompt", "messages"))
		return
	}

	slog.Info("chat completion accepted",
		"request_id", requestID,
		"model", req.Model,
		"backend_model", model,
		"stream", req.Stream,
		"messages", len(req.Messages),
		"prompt_preview", logging.Preview(promptText, 50))

	arrival := time.Now()
	var result cli.ExecutionResult
	err := h.queue.Execute(c.Request.Context(), requestID, func(ctx context.Context) error {
		if h.metrics != nil {
			h.metrics.RecordQueueWait(time.Since(arrival).Seconds())
		}
		result = h.executor.Execute(ctx, promptText, model, requestID)
		return nil
	})
	h.snapshotQueue()

	if err != nil {
		h.respondQueueError(c, endpoint, requestID, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordExecution(executionStatus(result), float64(result.ElapsedMs)/1000.0)
	}

	if !result.Success {
		h.respondExecutionError(c, endpoint, requestID, result)
		return
	}

	h.record(endpoint, "success")
	if req.Stream {
		h.streamResponse(c, requestID, req.Model, result.Content)
		return
	}
	c.JSON(http.StatusOK, datatypes.NewChatCompletionResponse(requestID, req.Model, result.Content))
}

// =============================================================================
// Error Mapping
// =============================================================================

// respondQueueError maps admission failures onto client responses.
func (h *ChatHandler) respondQueueError(c *gin.Context, endpoint observability.Endpoint, requestID string, err error) {
	if errors.Is(err, queue.ErrAdmissionTimeout) {
		h.record(endpoint, "timeout")
		c.JSON(http.StatusGatewayTimeout,
			datatypes.ErrorBody("server is busy, request timed out waiting for an execution slot",
				"server_error", "timeout"))
		return
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful to write.
		slog.Info("request cancelled by client", "request_id", requestID)
		h.record(endpoint, "error")
		c.Abort()
		return
	}
	slog.Error("queue execution failed", "request_id", requestID, "error", err)
	h.record(endpoint, "error")
	c.JSON(http.StatusInternalServerError,
		datatypes.ErrorBody("internal server error", "server_error", "internal_error"))
}

// respondExecutionError maps CLI failures onto client responses. The
// result's stderr stays in the server logs.
func (h *ChatHandler) respondExecutionError(c *gin.Context, endpoint observability.Endpoint, requestID string, result cli.ExecutionResult) {
	slog.Error("CLI execution failed",
		"request_id", requestID,
		"exit_code", result.ExitCode,
		"error", result.Error,
		"stderr_preview", logging.Preview(result.Stderr, 200))

	// Only genuine timeouts map to 504; spawn failures share the -1 exit
	// code but are internal errors.
	if result.TimedOut {
		h.record(endpoint, "timeout")
		c.JSON(http.StatusGatewayTimeout,
			datatypes.ErrorBody("upstream model invocation timed out", "server_error", "timeout"))
		return
	}
	h.record(endpoint, "error")
	c.JSON(http.StatusInternalServerError,
		datatypes.ErrorBody("upstream model invocation failed", "server_error", "upstream_error"))
}

// executionStatus labels a result for the execution duration histogram.
func executionStatus(result cli.ExecutionResult) string {
	switch {
	case result.Success:
		return "success"
	case result.TimedOut:
		return "timeout"
	default:
		return "error"
	}
}

// =============================================================================
// Streaming
// =============================================================================

// streamResponse replays the completed result as the OpenAI chunk
// sequence: a role chunk, one content chunk, a stop chunk, then [DONE].
func (h *ChatHandler) streamResponse(c *gin.Context, requestID, model, content string) {
	writer, ok := newSSEWriter(c.Writer)
	if !ok {
		slog.Error("response writer does not support flushing", "request_id", requestID)
		c.JSON(http.StatusInternalServerError,
			datatypes.ErrorBody("streaming unsupported on this connection", "server_error", "internal_error"))
		return
	}
	c.Status(http.StatusOK)

	created := time.Now().Unix()
	stop := "stop"
	chunks := []datatypes.ChatCompletionChunk{
		datatypes.NewChatCompletionChunk(requestID, model, created,
			map[string]string{"role": "assistant"}, nil),
		datatypes.NewChatCompletionChunk(requestID, model, created,
			map[string]string{"content": content}, nil),
		datatypes.NewChatCompletionChunk(requestID, model, created,
			map[string]string{}, &stop),
	}

	for _, chunk := range chunks {
		if err := writer.WriteChunk(chunk); err != nil {
			slog.Warn("client disconnected mid-stream", "request_id", requestID, "error", err)
			return
		}
	}
	if err := writer.WriteDone(); err != nil {
		slog.Warn("failed to write stream terminator", "request_id", requestID, "error", err)
	}
}

// =============================================================================
// Metrics Helpers
// =============================================================================

func (h *ChatHandler) record(endpoint observability.Endpoint, status string) {
	if h.metrics != nil {
		h.metrics.RecordRequest(endpoint, status)
	}
}

// snapshotQueue pushes the current queue depth into the gauges.
func (h *ChatHandler) snapshotQueue() {
	if h.metrics == nil {
		return
	}
	stats := h.queue.Stats()
	h.metrics.SetQueueDepth(stats.ActiveRequests, stats.QueuedRequests)
}
