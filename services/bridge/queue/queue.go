// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue implements admission control for CLI executions.
//
// Every Gemini CLI invocation is slow (seconds) and exclusive (one child
// process plus one sandbox container). The queue bounds how many run at
// once, spaces out consecutive starts, and rejects requests that would
// wait too long, so a burst of API traffic degrades into ordered waiting
// instead of resource exhaustion.
//
// # Admission Flow
//
//	Execute(id, op)
//	   │
//	   ├─► record (id, now) in pending list        (observability only)
//	   ├─► sleep 10-50ms random jitter             (desynchronize bursts)
//	   ├─► acquire slot, bounded by queue timeout  (ErrAdmissionTimeout)
//	   ├─► sleep to honor min gap since last completion
//	   ├─► pending -> active, record wait time
//	   ├─► op(ctx)
//	   └─► active--, totalProcessed++, stamp completion, release slot
//
// # Fairness
//
// Pending entries are appended in call order, giving near-FIFO
// observability. Execution start order is only as fair as the semaphore's
// wake order, which is not specified to be strict FIFO; callers must not
// rely on strict ordering.
//
// # Timeout Accounting
//
// The queue timeout covers only the slot-acquisition wait. The
// pre-admission jitter (at most 50ms) and the min-gap sleep are excluded:
// jitter is a deliberate smoothing cost, and the gap sleep happens after
// admission has already succeeded.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// =============================================================================
// Errors
// =============================================================================

// ErrAdmissionTimeout is returned by Execute when no slot became available
// within the queue timeout. The operation was never invoked.
var ErrAdmissionTimeout = errors.New("queue admission timeout")

// =============================================================================
// Types
// =============================================================================

// Operation is one full (possibly retried) unit of work. The queue is
// ignorant of what it runs; callers return results through closures and
// use the error only to report operation-level failure.
type Operation func(ctx context.Context) error

// Stats is a point-in-time snapshot of queue state, surfaced verbatim by
// the health endpoint.
type Stats struct {
	ActiveRequests    int
	QueuedRequests    int
	TotalProcessed    int64
	AverageWaitTimeMs int64
	MaxConcurrent     int
}

// pendingEntry tracks one queued request for observability. It plays no
// part in execution ordering.
type pendingEntry struct {
	id       string
	enqueued time.Time
}

// Pre-admission jitter bounds. A burst of simultaneous requests otherwise
// races into the sandbox layer together and collides on container names.
const (
	jitterMin = 10 * time.Millisecond
	jitterMax = 50 * time.Millisecond
)

// Manager serializes access to the CLI behind a bounded slot count.
//
// # Description
//
// Manager is the single outward-facing entry point of the execution core.
// It owns all queue bookkeeping behind one mutex; the semaphore is the
// only blocking primitive and is never held while sleeping.
//
// # Invariants
//
//   - ActiveRequests never exceeds MaxConcurrent.
//   - Bookkeeping never leaks: a pending entry is removed on every exit
//     path, including admission timeout and operation panic.
//   - Two consecutive execution starts are separated by at least the
//     configured minimum gap, process-wide.
//
// # Thread Safety
//
// Safe for concurrent use from any number of goroutines.
type Manager struct {
	mu             sync.Mutex
	sem            *semaphore.Weighted
	capacity       int
	pending        []pendingEntry
	active         int
	totalProcessed int64
	totalWaitMs    int64
	lastCompletion time.Time

	queueTimeout time.Duration
	minGap       time.Duration

	// jitter is overridable in tests to remove randomness.
	jitter func() time.Duration
}

// Options configures a Manager.
type Options struct {
	// MaxConcurrent is the number of admission slots. Minimum 1.
	MaxConcurrent int

	// QueueTimeout bounds the slot-acquisition wait.
	QueueTimeout time.Duration

	// MinRequestGap is the minimum spacing between one completion and the
	// next execution start. Zero disables gap enforcement.
	MinRequestGap time.Duration
}

// NewManager creates an admission queue.
func NewManager(opts Options) *Manager {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	return &Manager{
		sem:          semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		capacity:     opts.MaxConcurrent,
		queueTimeout: opts.QueueTimeout,
		minGap:       opts.MinRequestGap,
		jitter: func() time.Duration {
			return jitterMin + time.Duration(rand.Int63n(int64(jitterMax-jitterMin)))
		},
	}
}

// =============================================================================
// Execution
// =============================================================================

// Execute runs op under admission control.
//
// # Description
//
// Blocks until a slot is available (bounded by the queue timeout), then
// invokes op and returns its error. On admission timeout, op is never
// invoked and ErrAdmissionTimeout is returned (wrapped with the request
// id); this is the only failure Execute itself produces.
//
// # Inputs
//
//   - ctx: Process-lifetime context. Cancellation aborts the admission
//     wait but does not interrupt an op that has already started.
//   - id: Unique request identifier, used for pending-list bookkeeping
//     and logging.
//   - op: The unit of work. Invoked at most once.
//
// # Outputs
//
//   - error: ErrAdmissionTimeout (wrapped), ctx error during admission,
//     or whatever op returned.
//
// # Limitations
//
//   - No caller-initiated cancellation once op has started.
//   - Execution start order is not strictly FIFO (see package doc).
func (m *Manager) Execute(ctx context.Context, id string, op Operation) error {
	enqueued := time.Now()

	m.mu.Lock()
	m.pending = append(m.pending, pendingEntry{id: id, enqueued: enqueued})
	// Capture the semaphore: SetCapacity may swap it mid-wait, and this
	// request must release the instance it acquired from.
	sem := m.sem
	m.mu.Unlock()

	admitted := false
	defer func() {
		if !admitted {
			m.removePending(id)
		}
	}()

	// Jitter before contending for a slot. Not counted against the queue
	// timeout (see package doc).
	delay := m.jitter()
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	slog.Debug("pre-admission jitter applied",
		"request_id", id, "delay_ms", delay.Milliseconds())

	acquireCtx, cancel := context.WithTimeout(ctx, m.queueTimeout)
	defer cancel()
	if err := sem.Acquire(acquireCtx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("request timed out waiting for admission",
				"request_id", id, "queue_timeout", m.queueTimeout)
			return fmt.Errorf("request %s: %w", id, ErrAdmissionTimeout)
		}
		return err
	}
	defer sem.Release(1)

	// Enforce minimum spacing from the previous completion. The lock is
	// not held while sleeping.
	if gap := m.gapDelay(); gap > 0 {
		slog.Debug("enforcing request gap", "request_id", id, "wait_ms", gap.Milliseconds())
		select {
		case <-time.After(gap):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	waitMs := time.Since(enqueued).Milliseconds()

	m.mu.Lock()
	m.removePendingLocked(id)
	m.active++
	m.totalWaitMs += waitMs
	m.mu.Unlock()
	admitted = true

	if waitMs > 100 {
		slog.Info("request dequeued after wait", "request_id", id, "wait_ms", waitMs)
	}

	// Completion bookkeeping runs even if op panics, so queue state stays
	// consistent while the panic propagates.
	defer func() {
		m.mu.Lock()
		m.active--
		m.totalProcessed++
		m.lastCompletion = time.Now()
		m.mu.Unlock()
	}()

	// Once admitted, the op runs to completion even if the caller
	// disconnects. Killing the CLI mid-run strands its sandbox container
	// and manufactures the very name conflicts recovery exists for; the
	// executor's own timeout is the only thing that interrupts a child.
	return op(context.WithoutCancel(ctx))
}

// gapDelay computes how long to sleep to honor the min-gap rule.
func (m *Manager) gapDelay() time.Duration {
	if m.minGap <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastCompletion.IsZero() {
		return 0
	}
	elapsed := time.Since(m.lastCompletion)
	if elapsed >= m.minGap {
		return 0
	}
	return m.minGap - elapsed
}

// removePending deletes the entry for id under the lock.
func (m *Manager) removePending(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removePendingLocked(id)
}

// removePendingLocked deletes the entry for id. Caller holds m.mu.
func (m *Manager) removePendingLocked(id string) {
	for i, e := range m.pending {
		if e.id == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// =============================================================================
// Observability
// =============================================================================

// Stats returns a consistent snapshot of queue state.
//
// AverageWaitTimeMs is totalWaitMs / totalProcessed, and 0 before the
// first completion.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg int64
	if m.totalProcessed > 0 {
		avg = m.totalWaitMs / m.totalProcessed
	}
	return Stats{
		ActiveRequests:    m.active,
		QueuedRequests:    len(m.pending),
		TotalProcessed:    m.totalProcessed,
		AverageWaitTimeMs: avg,
		MaxConcurrent:     m.capacity,
	}
}

// SetCapacity replaces the admission semaphore with a new one of size n.
//
// In-flight executions holding slots on the old semaphore are unaffected
// and release against it; the new capacity applies to subsequent
// admissions only. During the handover the real concurrency can briefly
// exceed n (old holders plus new admissions) — a documented disruption
// window, acceptable for an operator-driven tuning action.
func (m *Manager) SetCapacity(n int) {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	m.sem = semaphore.NewWeighted(int64(n))
	m.capacity = n
	m.mu.Unlock()

	slog.Info("queue capacity updated", "max_concurrent", n)
}
