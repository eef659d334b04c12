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
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/GeminiBridge/pkg/logging"
	"github.com/AleutianAI/GeminiBridge/services/bridge/datatypes"
)

// =============================================================================
// Rate Limiter
// =============================================================================

// clientLimiter pairs a token bucket with its last-seen time so idle
// entries can be evicted.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-client-IP request budget.
//
// # Description
//
// Each client IP gets an independent token bucket refilled at
// requests/window with a burst of the full budget. Buckets idle for more
// than two windows are evicted by a background goroutine, bounding memory
// against IP churn.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter

	limit rate.Limit
	burst int

	window time.Duration
	done   chan struct{}
	once   sync.Once

	// OnRejected is called once per rejected request. Optional; used for
	// metrics.
	OnRejected func()
}

// NewRateLimiter creates a limiter allowing requests per window for each
// client IP.
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	if requests < 1 {
		requests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(float64(requests) / window.Seconds()),
		burst:   requests,
		window:  window,
		done:    make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Middleware returns the Gin handler enforcing the limit.
//
// Rejected requests get 429 with an OpenAI-shaped error body and a
// Retry-After header. Allowed requests carry X-RateLimit-Remaining so
// well-behaved clients can self-throttle.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := GetClientIP(c)
		limiter := rl.clientFor(ip)

		if !limiter.Allow() {
			slog.Warn("rate limit exceeded",
				"request_id", GetRequestID(c),
				"client_ip", logging.MaskIP(ip))
			if rl.OnRejected != nil {
				rl.OnRejected()
			}
			c.Header("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				datatypes.ErrorBody("rate limit exceeded, slow down", "rate_limit_error", "rate_limit_exceeded"))
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
		c.Next()
	}
}

// clientFor returns the bucket for ip, creating it on first sight.
func (rl *RateLimiter) clientFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.clients[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

// evictLoop drops buckets that have been idle for two full windows.
func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * rl.window)
			rl.mu.Lock()
			for ip, cl := range rl.clients {
				if cl.lastSeen.Before(cutoff) {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

// Close stops the eviction goroutine. Safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.done) })
}
