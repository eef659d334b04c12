// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/GeminiBridge/pkg/logging"
	"github.com/AleutianAI/GeminiBridge/services/bridge/datatypes"
)

// =============================================================================
// Auth Middleware
// =============================================================================

// Auth creates a Gin middleware enforcing a single static bearer token.
//
// # Description
//
// Extracts the bearer token from the Authorization header and compares it
// against the configured token in constant time. A missing, malformed, or
// mismatched token aborts the request with 401 and an OpenAI-shaped error
// body.
//
// # Inputs
//
//   - token: The configured bearer token. Must be non-empty; the config
//     layer rejects empty tokens at startup.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin
//
// # Limitations
//
//   - Single shared token only; there is no per-user identity.
func Auth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got := extractBearerToken(c)
		if got == "" {
			slog.Warn("request missing bearer token",
				"request_id", GetRequestID(c),
				"client_ip", logging.MaskIP(GetClientIP(c)),
				"path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				datatypes.ErrorBody("missing bearer token", "invalid_request_error", "invalid_api_key"))
			return
		}

		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			slog.Warn("request with invalid bearer token",
				"request_id", GetRequestID(c),
				"client_ip", logging.MaskIP(GetClientIP(c)),
				"token", logging.MaskToken(got))
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				datatypes.ErrorBody("invalid bearer token", "invalid_request_error", "invalid_api_key"))
			return
		}

		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>". The scheme
// is case-insensitive per RFC 7235. Returns "" when missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
