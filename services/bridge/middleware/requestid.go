// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the bridge service.
//
// This package contains middleware for request identification, bearer
// token authentication, and per-client rate limiting.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	RequestID ──► assign UUID, resolve client IP
//	   │
//	   ▼
//	RateLimit ──► per-IP token bucket, 429 on exhaustion
//	   │
//	   ▼
//	Auth ──────► constant-time bearer token comparison
//	   │
//	   ▼
//	Handler
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// =============================================================================
// Context Keys
// =============================================================================

// requestIDKey is the context key for the per-request identifier.
const requestIDKey = "bridge_request_id"

// clientIPKey is the context key for the resolved client IP.
const clientIPKey = "bridge_client_ip"

// RequestIDHeader is echoed on every response for log correlation.
const RequestIDHeader = "X-Request-ID"

// =============================================================================
// Context Helpers
// =============================================================================

// GetRequestID returns the identifier assigned by RequestID, or "" when
// the middleware did not run.
func GetRequestID(c *gin.Context) string {
	if v, exists := c.Get(requestIDKey); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// GetClientIP returns the client IP resolved by RequestID, falling back
// to Gin's own resolution when the middleware did not run.
func GetClientIP(c *gin.Context) string {
	if v, exists := c.Get(clientIPKey); exists {
		if ip, ok := v.(string); ok {
			return ip
		}
	}
	return c.ClientIP()
}

// =============================================================================
// Request ID Middleware
// =============================================================================

// RequestID assigns every request a UUID and resolves the client IP.
//
// # Description
//
// The identifier names the CLI working directory, correlates log lines,
// and is echoed in the X-Request-ID response header. The client IP honors
// the first entry of X-Forwarded-For when present, since the bridge
// typically sits behind a local reverse proxy.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(requestIDKey, id)
		c.Set(clientIPKey, resolveClientIP(c))
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// resolveClientIP prefers the first X-Forwarded-For hop, then falls back
// to the socket peer.
func resolveClientIP(c *gin.Context) string {
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return c.ClientIP()
}
