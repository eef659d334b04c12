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
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/AleutianAI/GeminiBridge/services/bridge/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// ChunkWriter defines the contract for writing OpenAI-style SSE frames.
//
// # Description
//
// ChunkWriter abstracts SSE serialization so the streaming handler can be
// tested against an in-memory implementation. Each chunk is written as
// one "data: <json>\n\n" frame and flushed immediately; the stream ends
// with the literal "data: [DONE]\n\n" terminator OpenAI clients expect.
//
// # Thread Safety
//
// Implementations are used by a single request goroutine; no concurrent
// use is required.
type ChunkWriter interface {
	// WriteChunk serializes chunk as one SSE data frame and flushes it.
	WriteChunk(chunk datatypes.ChatCompletionChunk) error

	// WriteDone writes the [DONE] terminator frame and flushes it.
	WriteDone() error
}

// =============================================================================
// HTTP Implementation
// =============================================================================

// sseWriter writes SSE frames to an HTTP response.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// newSSEWriter sets the SSE response headers and returns a writer bound
// to w. The second return is false when w cannot flush, in which case
// streaming is not possible on this connection.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}, true
}

// WriteChunk serializes chunk as one SSE data frame and flushes it.
func (s *sseWriter) WriteChunk(chunk datatypes.ChatCompletionChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// WriteDone writes the [DONE] terminator frame and flushes it.
func (s *sseWriter) WriteDone() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("failed to write terminator: %w", err)
	}
	s.flusher.Flush()
	return nil
}

var _ ChunkWriter = (*sseWriter)(nil)
