// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the bridge service.
//
// This file contains the OpenAI-compatible wire types accepted and emitted
// by the /v1 endpoints. The bridge only translates between these types and
// the CLI adapter; it never interprets message content.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Request Size Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Oversized payloads are rejected before queueing to bound memory use.
	MaxMessageContentBytes = 100 * 1000 // 100K characters

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	MaxMessagesPerRequest = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for bridge datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces the per-message content cap. Checks byte length
// (not rune count) so multi-byte payloads cannot bypass the limit.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Chat Completion Request Types
// =============================================================================

// Message is one turn of an OpenAI-format conversation.
//
// # Validation
//
//   - Role: required, one of "system", "user", "assistant"
//   - Content: required, at most MaxMessageContentBytes bytes
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
//
// # Description
//
// Mirrors the OpenAI chat completion request shape. Sampling parameters
// (temperature, top_p, max_tokens) are accepted for compatibility but not
// forwarded: the CLI backend does not expose them.
//
// # Validation
//
// Uses go-playground/validator:
//   - Model: required
//   - Messages: required, 1-100 elements, each element validated
//   - Messages[].Content: max 100,000 bytes per message
type ChatCompletionRequest struct {
	Model       string    `json:"model" validate:"required"`
	Messages    []Message `json:"messages" validate:"required,min=1,max=100,dive"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// Validate validates the ChatCompletionRequest fields.
//
// Call after binding the JSON body. The returned error is suitable for
// logging; use ErrorBody for the client-facing envelope.
func (r *ChatCompletionRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// Chat Completion Response Types
// =============================================================================

// ChatCompletionChoice is one completion alternative. The bridge always
// returns exactly one choice with finish_reason "stop".
type ChatCompletionChoice struct {
	Index        int               `json:"index"`
	Message      map[string]string `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// ChatCompletionResponse is the non-streaming response body.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
}

// NewChatCompletionResponse builds the single-choice response envelope.
func NewChatCompletionResponse(requestID, model, content string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{
			{
				Index:        0,
				Message:      map[string]string{"role": "assistant", "content": content},
				FinishReason: "stop",
			},
		},
	}
}

// ChunkChoice is one choice of a streaming chunk. FinishReason is a pointer
// so intermediate chunks serialize as "finish_reason": null, matching the
// OpenAI wire format exactly.
type ChunkChoice struct {
	Index        int               `json:"index"`
	Delta        map[string]string `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE data frame of a streaming response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// NewChatCompletionChunk builds a streaming chunk with a single choice.
// Pass a nil finishReason for intermediate chunks.
func NewChatCompletionChunk(requestID, model string, created int64, delta map[string]string, finishReason *string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{
			{Index: 0, Delta: delta, FinishReason: finishReason},
		},
	}
}

// =============================================================================
// Model Listing Types
// =============================================================================

// ModelInfo describes one model exposed by GET /v1/models.
type ModelInfo struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

// ModelsListResponse is the body of GET /v1/models.
type ModelsListResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// NewModelsListResponse wraps model identifiers in the OpenAI list envelope.
func NewModelsListResponse(ids []string) ModelsListResponse {
	models := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		models = append(models, ModelInfo{ID: id, Object: "model"})
	}
	return ModelsListResponse{Object: "list", Data: models}
}

// =============================================================================
// Error Envelope
// =============================================================================

// ErrorDetail is the inner object of the OpenAI error envelope.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// ErrorResponse is the OpenAI-compatible error body.
//
// Upstream detail (CLI stderr, container names) must never be placed in
// Message; it is logged server-side only.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorBody builds the client-facing error envelope.
func ErrorBody(message, errType, code string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType, Code: code}}
}

// InvalidRequestBody builds a 400-class envelope pointing at a parameter.
func InvalidRequestBody(message, param string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{
		Message: message,
		Type:    "invalid_request_error",
		Param:   param,
	}}
}

// =============================================================================
// Health Types
// =============================================================================

// QueueStatsView is the queue section of the health response, surfaced
// verbatim from the admission queue snapshot.
type QueueStatsView struct {
	ActiveRequests    int   `json:"active_requests"`
	QueuedRequests    int   `json:"queued_requests"`
	TotalProcessed    int64 `json:"total_processed"`
	AverageWaitTimeMs int64 `json:"average_wait_time_ms"`
	MaxConcurrent     int   `json:"max_concurrent"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string         `json:"status"`
	Service string         `json:"service"`
	Version string         `json:"version"`
	Queue   QueueStatsView `json:"queue"`
}

// ValidationMessage converts a validator error into a client-safe message.
// Field names are reported; submitted values are not echoed back.
func ValidationMessage(err error) string {
	if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
		fe := errs[0]
		return fmt.Sprintf("invalid value for %s (failed %s constraint)", fe.Field(), fe.Tag())
	}
	return "invalid request"
}
