// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cli

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Invoker is the single-attempt execution boundary the retry loop drives.
// Executor satisfies it; tests substitute stubs.
type Invoker interface {
	Run(ctx context.Context, prompt, model, requestID string) ExecutionResult
}

// settleDelay gives the docker daemon time to finish tearing down the
// reclaimed container before the name is reused.
const settleDelay = 500 * time.Millisecond

// backoffRange returns the randomized backoff bounds for a retry. Later
// retries back off harder: if the first quick retry collided again, the
// contention is not transient.
func backoffRange(retry int) (min, max time.Duration) {
	switch {
	case retry <= 1:
		return 100 * time.Millisecond, 300 * time.Millisecond
	case retry == 2:
		return 300 * time.Millisecond, 800 * time.Millisecond
	default:
		return 500 * time.Millisecond, 1500 * time.Millisecond
	}
}

// RetryController retries executions that failed on sandbox container
// name conflicts. Every other outcome, success or failure, is returned
// to the caller on the first attempt.
//
// # Description
//
// The controller makes at most maxRetries+1 invocations. Between a
// conflict and the next attempt it tries to free the contended name:
// first by waiting for the other invocation to finish naturally, then by
// force-removing the container, and finally sleeps a randomized backoff
// so concurrent retriers do not collide again in lockstep.
//
// # Thread Safety
//
// Safe for concurrent use; per-request state lives on the stack.
type RetryController struct {
	invoker   Invoker
	reclaimer Reclaimer

	// maxRetries is the number of re-invocations after the first attempt.
	// Zero disables retrying entirely.
	maxRetries int

	// conflictWait bounds the natural-release polling per conflict.
	conflictWait time.Duration

	// proactive enables a sweep of stopped sandbox containers before the
	// first attempt.
	proactive bool

	// OnConflictRetry is called once per conflict-triggered retry.
	// Optional; used for metrics.
	OnConflictRetry func()

	// sleep is overridable in tests to skip real delays.
	sleep func(ctx context.Context, d time.Duration)
}

// RetryOptions configures a RetryController.
type RetryOptions struct {
	MaxRetries   int
	ConflictWait time.Duration
	Proactive    bool
}

// NewRetryController wires the retry loop around an invoker and a
// reclaimer.
func NewRetryController(invoker Invoker, reclaimer Reclaimer, opts RetryOptions) *RetryController {
	return &RetryController{
		invoker:      invoker,
		reclaimer:    reclaimer,
		maxRetries:   opts.MaxRetries,
		conflictWait: opts.ConflictWait,
		proactive:    opts.Proactive,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		},
	}
}

// Execute runs the full attempt sequence for one request.
//
// # Outputs
//
//   - ExecutionResult: The first non-conflict outcome, or the last
//     conflict result once the retry budget is exhausted.
func (c *RetryController) Execute(ctx context.Context, prompt, model, requestID string) ExecutionResult {
	if c.proactive {
		c.reclaimer.SweepStopped(ctx)
	}

	var result ExecutionResult
	for attempt := 0; ; attempt++ {
		result = c.invoker.Run(ctx, prompt, model, requestID)
		if result.Success || !IsConflict(result.ExitCode, result.Stderr) {
			return result
		}

		if attempt >= c.maxRetries {
			slog.Error("sandbox conflict persisted through all retries",
				"request_id", requestID, "attempts", attempt+1)
			return result
		}
		if ctx.Err() != nil {
			return result
		}

		retry := attempt + 1
		slog.Warn("sandbox container name conflict, retrying",
			"request_id", requestID, "retry", retry, "max_retries", c.maxRetries)
		if c.OnConflictRetry != nil {
			c.OnConflictRetry()
		}

		c.recoverConflict(ctx, requestID, result.Stderr)

		min, max := backoffRange(retry)
		delay := settleDelay + min + time.Duration(rand.Int63n(int64(max-min)))
		slog.Debug("backing off before retry",
			"request_id", requestID, "retry", retry, "delay_ms", delay.Milliseconds())
		c.sleep(ctx, delay)
	}
}

// recoverConflict tries to free the contended container name: wait for
// natural release, then remove the stopped container, escalating to a
// forced removal when it will not stop on its own.
func (c *RetryController) recoverConflict(ctx context.Context, requestID, stderr string) {
	name := ExtractContainerName(stderr)
	if name == "" {
		slog.Warn("conflict message had no recognizable container name",
			"request_id", requestID)
		return
	}

	if c.reclaimer.WaitForNaturalRelease(ctx, name, c.conflictWait) {
		c.reclaimer.Reclaim(ctx, name, false)
		return
	}
	c.reclaimer.Reclaim(ctx, name, true)
}
