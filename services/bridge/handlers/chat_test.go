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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GeminiBridge/services/bridge/cli"
	"github.com/AleutianAI/GeminiBridge/services/bridge/config"
	"github.com/AleutianAI/GeminiBridge/services/bridge/datatypes"
	"github.com/AleutianAI/GeminiBridge/services/bridge/middleware"
	"github.com/AleutianAI/GeminiBridge/services/bridge/queue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubExecutor returns a fixed result and records what it was asked to run.
type stubExecutor struct {
	mu     sync.Mutex
	result cli.ExecutionResult
	prompt string
	model  string
	calls  int
}

func (s *stubExecutor) Execute(ctx context.Context, promptText, model, requestID string) cli.ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.prompt = promptText
	s.model = model
	return s.result
}

// newChatRouter builds a router with the chat endpoint and its stub
// dependencies. No auth or rate limiting; those have their own tests.
func newChatRouter(t *testing.T, exec *stubExecutor) *gin.Engine {
	t.Helper()
	q := queue.NewManager(queue.Options{MaxConcurrent: 2, QueueTimeout: 5 * time.Second})
	mappings := config.NewModelMappings("")
	h := NewChatHandler(q, exec, mappings, nil)

	r := gin.New()
	r.Use(middleware.RequestID())
	r.POST("/v1/chat/completions", h.HandleChatCompletions)
	return r
}

func postChat(r *gin.Engine, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", &buf)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func chatRequest(model string, stream bool) datatypes.ChatCompletionRequest {
	return datatypes.ChatCompletionRequest{
		Model:  model,
		Stream: stream,
		Messages: []datatypes.Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "Hello"},
		},
	}
}

// =============================================================================
// Non-Streaming Tests
// =============================================================================

func TestHandleChatCompletions_Success(t *testing.T) {
	exec := &stubExecutor{result: cli.ExecutionResult{Success: true, Content: "Hi there!"}}
	r := newChatRouter(t, exec)

	w := postChat(r, chatRequest("gpt-3.5-turbo", false))

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "gpt-3.5-turbo", resp.Model, "response echoes the requested model")
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hi there!", resp.Choices[0].Message["content"])
	assert.Equal(t, "assistant", resp.Choices[0].Message["role"])
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)

	assert.Equal(t, "gemini-2.5-flash", exec.model, "alias resolves to the backend model")
	assert.Contains(t, exec.prompt, "[System]\nYou are helpful.")
	assert.Contains(t, exec.prompt, "[User]\nHello")
}

func TestHandleChatCompletions_GeminiPassthrough(t *testing.T) {
	exec := &stubExecutor{result: cli.ExecutionResult{Success: true, Content: "ok"}}
	r := newChatRouter(t, exec)

	w := postChat(r, chatRequest("gemini-2.5-pro", false))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gemini-2.5-pro", exec.model)
}

func TestHandleChatCompletions_UnknownModelFallsBack(t *testing.T) {
	exec := &stubExecutor{result: cli.ExecutionResult{Success: true, Content: "ok"}}
	r := newChatRouter(t, exec)

	w := postChat(r, chatRequest("some-exotic-model", false))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, config.DefaultModel, exec.model)
}

func TestHandleChatCompletions_BadJSON(t *testing.T) {
	exec := &stubExecutor{}
	r := newChatRouter(t, exec)

	w := postChat(r, `{"model": "gpt-4", "messages": [`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, exec.calls, "invalid bodies never reach the executor")
}

func TestHandleChatCompletions_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		body datatypes.ChatCompletionRequest
	}{
		{"missing model", datatypes.ChatCompletionRequest{
			Messages: []datatypes.Message{{Role: "user", Content: "hi"}},
		}},
		{"no messages", datatypes.ChatCompletionRequest{Model: "gpt-4"}},
		{"bad role", datatypes.ChatCompletionRequest{
			Model:    "gpt-4",
			Messages: []datatypes.Message{{Role: "tool", Content: "hi"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &stubExecutor{}
			r := newChatRouter(t, exec)

			w := postChat(r, tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var body datatypes.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "invalid_request_error", body.Error.Type)
			assert.Equal(t, 0, exec.calls)
		})
	}
}

func TestHandleChatCompletions_ExecutionFailure(t *testing.T) {
	exec := &stubExecutor{result: cli.ExecutionResult{
		Error:    "CLI exited with code 1",
		ExitCode: 1,
		Stderr:   "secret internal detail",
	}}
	r := newChatRouter(t, exec)

	w := postChat(r, chatRequest("gpt-4", false))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "server_error", body.Error.Type)
	assert.NotContains(t, w.Body.String(), "secret internal detail",
		"stderr must never reach the client")
}

func TestHandleChatCompletions_ExecutionTimeout(t *testing.T) {
	exec := &stubExecutor{result: cli.ExecutionResult{
		Error:    "CLI timed out after 30s",
		ExitCode: cli.TimeoutExitCode,
		TimedOut: true,
	}}
	r := newChatRouter(t, exec)

	w := postChat(r, chatRequest("gpt-4", false))

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	var body datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "timeout", body.Error.Code)
}

// TestHandleChatCompletions_SpawnFailureIsNotATimeout pins the error
// taxonomy: a missing CLI binary shares the -1 sentinel exit code with
// timeouts but must surface as an internal error, not a 504.
func TestHandleChatCompletions_SpawnFailureIsNotATimeout(t *testing.T) {
	exec := &stubExecutor{result: cli.ExecutionResult{
		Error:    `failed to start CLI: exec: "gemini": executable file not found in $PATH`,
		ExitCode: cli.TimeoutExitCode,
	}}
	r := newChatRouter(t, exec)

	w := postChat(r, chatRequest("gpt-4", false))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "upstream_error", body.Error.Code)
	assert.NotContains(t, w.Body.String(), "$PATH", "spawn detail stays server-side")
}

func TestHandleChatCompletions_AdmissionTimeout(t *testing.T) {
	exec := &stubExecutor{result: cli.ExecutionResult{Success: true, Content: "ok"}}

	q := queue.NewManager(queue.Options{MaxConcurrent: 1, QueueTimeout: 60 * time.Millisecond})
	mappings := config.NewModelMappings("")
	h := NewChatHandler(q, exec, mappings, nil)

	r := gin.New()
	r.Use(middleware.RequestID())
	r.POST("/v1/chat/completions", h.HandleChatCompletions)

	// Occupy the only slot.
	release := make(chan struct{})
	holderDone := make(chan struct{})
	go func() {
		defer close(holderDone)
		_ = q.Execute(context.Background(), "holder", func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		return q.Stats().ActiveRequests == 1
	}, time.Second, 5*time.Millisecond)

	w := postChat(r, chatRequest("gpt-4", false))

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, 0, exec.calls, "timed-out requests never execute")

	close(release)
	<-holderDone
}

// =============================================================================
// Streaming Tests
// =============================================================================

func TestHandleChatCompletions_Stream(t *testing.T) {
	exec := &stubExecutor{result: cli.ExecutionResult{Success: true, Content: "streamed answer"}}
	r := newChatRouter(t, exec)

	w := postChat(r, chatRequest("gpt-3.5-turbo", true))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	frames := parseSSEFrames(t, w.Body.String())
	require.Len(t, frames, 4, "role, content, stop, [DONE]")

	var role, content, stop datatypes.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &role))
	require.NoError(t, json.Unmarshal([]byte(frames[1]), &content))
	require.NoError(t, json.Unmarshal([]byte(frames[2]), &stop))

	assert.Equal(t, "chat.completion.chunk", role.Object)
	assert.Equal(t, "assistant", role.Choices[0].Delta["role"])
	assert.Nil(t, role.Choices[0].FinishReason)

	assert.Equal(t, "streamed answer", content.Choices[0].Delta["content"])
	assert.Nil(t, content.Choices[0].FinishReason)

	require.NotNil(t, stop.Choices[0].FinishReason)
	assert.Equal(t, "stop", *stop.Choices[0].FinishReason)
	assert.Empty(t, stop.Choices[0].Delta)

	assert.Equal(t, "[DONE]", frames[3])
}

func TestHandleChatCompletions_StreamIntermediateChunksHaveNullFinish(t *testing.T) {
	exec := &stubExecutor{result: cli.ExecutionResult{Success: true, Content: "x"}}
	r := newChatRouter(t, exec)

	w := postChat(r, chatRequest("gpt-4", true))

	frames := parseSSEFrames(t, w.Body.String())
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Contains(t, frames[0], `"finish_reason":null`,
		"intermediate chunks must serialize finish_reason as null")
}

// parseSSEFrames extracts the data payloads from a raw SSE body.
func parseSSEFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, line := range strings.Split(body, "\n") {
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			frames = append(frames, payload)
		}
	}
	require.NotEmpty(t, frames, "body %q has no SSE frames", body)
	return frames
}

// =============================================================================
// Concurrency Test
// =============================================================================

func TestHandleChatCompletions_ConcurrentRequests(t *testing.T) {
	exec := &stubExecutor{result: cli.ExecutionResult{Success: true, Content: "ok"}}
	r := newChatRouter(t, exec)

	const n = 8
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			w := postChat(r, chatRequest(fmt.Sprintf("gpt-%d", idx), false))
			codes[idx] = w.Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		assert.Equal(t, http.StatusOK, code, "request %d", i)
	}
	assert.Equal(t, n, exec.calls)
}
