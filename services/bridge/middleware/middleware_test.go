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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GeminiBridge/services/bridge/datatypes"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newRouter builds a router with RequestID plus the given middleware and
// a trivial OK handler.
func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestID())
	r.Use(mw...)
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"request_id": GetRequestID(c),
			"client_ip":  GetClientIP(c),
		})
	})
	return r
}

// =============================================================================
// Request ID Tests
// =============================================================================

func TestRequestID_AssignsUniqueIDs(t *testing.T) {
	r := newRouter()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		id := w.Header().Get(RequestIDHeader)
		require.NotEmpty(t, id, "response must carry X-Request-ID")
		assert.False(t, seen[id], "request ids must be unique")
		seen[id] = true
	}
}

func TestRequestID_ClientIPFromForwardedFor(t *testing.T) {
	r := newRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	r.ServeHTTP(w, req)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "203.0.113.9", body["client_ip"], "first forwarded hop wins")
}

// =============================================================================
// Auth Tests
// =============================================================================

func TestAuth(t *testing.T) {
	const token = "secret-bridge-token"

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid token", "Bearer secret-bridge-token", http.StatusOK},
		{"case-insensitive scheme", "bearer secret-bridge-token", http.StatusOK},
		{"wrong token", "Bearer wrong", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "secret-bridge-token", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret-bridge-token", http.StatusUnauthorized},
	}

	r := newRouter(Auth(token))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				var body datatypes.ErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, "invalid_request_error", body.Error.Type)
				assert.Equal(t, "invalid_api_key", body.Error.Code)
			}
		})
	}
}

func TestAuth_ResponseNeverEchoesToken(t *testing.T) {
	r := newRouter(Auth("secret-bridge-token"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer attacker-guess")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotContains(t, w.Body.String(), "attacker-guess")
	assert.NotContains(t, w.Body.String(), "secret-bridge-token")
}

// =============================================================================
// Rate Limit Tests
// =============================================================================

func TestRateLimiter_AllowsWithinBudget(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	defer rl.Close()
	r := newRouter(rl.Middleware())

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, "request %d within budget", i+1)
	}
}

func TestRateLimiter_RejectsOverBudget(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()

	var rejected int
	rl.OnRejected = func() { rejected++ }
	r := newRouter(rl.Middleware())

	statuses := make([]int, 3)
	for i := range statuses {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		r.ServeHTTP(w, req)
		statuses[i] = w.Code
		if w.Code == http.StatusTooManyRequests {
			var body datatypes.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "rate_limit_error", body.Error.Type)
			assert.NotEmpty(t, w.Header().Get("Retry-After"))
		}
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)
	assert.Equal(t, 1, rejected)
}

func TestRateLimiter_BudgetIsPerIP(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Close()
	r := newRouter(rl.Middleware())

	send := func(ip string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("X-Forwarded-For", ip)
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.1"))
	assert.Equal(t, http.StatusOK, send("203.0.113.2"), "a different client has its own budget")
}

func TestRateLimiter_RemainingHeader(t *testing.T) {
	rl := NewRateLimiter(10, time.Minute)
	defer rl.Close()
	r := newRouter(rl.Middleware())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
}
