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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// TimeoutExitCode is the sentinel exit code reported when the wall-clock
// timeout killed the CLI. Real processes cannot produce it.
const TimeoutExitCode = -1

// ExecutionResult is the classified outcome of one CLI run (or of a full
// retried sequence, when produced by RetryController).
type ExecutionResult struct {
	// Success reports a zero exit with non-empty output.
	Success bool

	// Content is the trimmed stdout. Set only on success.
	Content string

	// Error is a short operator-facing description of the failure. It is
	// safe to log but must never be returned to API clients verbatim.
	Error string

	// ExitCode is the CLI's exit status, or TimeoutExitCode.
	ExitCode int

	// TimedOut reports that the wall-clock budget expired. Spawn failures
	// share the TimeoutExitCode sentinel (no exit status exists in either
	// case), so callers classifying timeouts must check this flag, not
	// the exit code.
	TimedOut bool

	// Stderr is the captured error stream, kept for conflict
	// classification and diagnostics. Never exposed to API clients.
	Stderr string

	// ElapsedMs is the wall-clock duration of the invocation.
	ElapsedMs int64
}

// Executor runs one Gemini CLI invocation per call.
//
// # Description
//
// Each Run creates an isolated working directory under the OS temp root,
// invokes the CLI with the prompt on stdin, and classifies the outcome.
// The working directory is removed on every path, including timeout and
// start failure. The CLI writes sandbox scratch state into its working
// directory; sharing one directory across concurrent requests corrupts
// that state.
//
// # Thread Safety
//
// Safe for concurrent use: Run has no shared mutable state.
type Executor struct {
	runner  ProcessRunner
	cliPath string
	timeout time.Duration
	tmpRoot string
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// CLIPath is the Gemini CLI executable. Defaults to "gemini".
	CLIPath string

	// Timeout is the wall-clock budget for one invocation.
	Timeout time.Duration

	// TmpRoot overrides the working-directory parent. Defaults to the OS
	// temp directory. Used by tests.
	TmpRoot string
}

// NewExecutor creates an Executor backed by the given runner.
func NewExecutor(runner ProcessRunner, opts ExecutorOptions) *Executor {
	if opts.CLIPath == "" {
		opts.CLIPath = "gemini"
	}
	if opts.TmpRoot == "" {
		opts.TmpRoot = os.TempDir()
	}
	return &Executor{
		runner:  runner,
		cliPath: opts.CLIPath,
		timeout: opts.Timeout,
		tmpRoot: opts.TmpRoot,
	}
}

// Run invokes the CLI once with the prompt on stdin.
//
// # Inputs
//
//   - ctx: Caller context. The executor layers its own wall-clock timeout
//     on top.
//   - prompt: Full rendered prompt text, piped to stdin.
//   - model: Backend model identifier, passed via -m.
//   - requestID: Used for the working-directory name and log correlation.
//
// # Outputs
//
//   - ExecutionResult: Always populated; never an error return. Every
//     failure mode (non-zero exit, empty output, timeout, spawn failure)
//     is folded into the result so callers have one classification path.
func (e *Executor) Run(ctx context.Context, prompt, model, requestID string) ExecutionResult {
	start := time.Now()

	workdir := filepath.Join(e.tmpRoot, "gemini-bridge-"+requestID)
	if err := os.MkdirAll(workdir, 0o700); err != nil {
		return ExecutionResult{
			Error:     fmt.Sprintf("failed to create working directory: %v", err),
			ExitCode:  TimeoutExitCode,
			ElapsedMs: time.Since(start).Milliseconds(),
		}
	}
	defer func() {
		if err := os.RemoveAll(workdir); err != nil {
			slog.Warn("failed to remove CLI working directory",
				"request_id", requestID, "workdir", workdir, "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	slog.Debug("invoking CLI",
		"request_id", requestID, "model", model, "prompt_bytes", len(prompt))

	res, err := e.runner.Run(runCtx, RunRequest{
		Path:     e.cliPath,
		Args:     []string{"-m", model, "--sandbox"},
		Stdin:    []byte(prompt),
		Dir:      workdir,
		ViaShell: runtime.GOOS == "windows",
	})
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		slog.Error("CLI process failed to start",
			"request_id", requestID, "cli_path", e.cliPath, "error", err)
		return ExecutionResult{
			Error:     fmt.Sprintf("failed to start CLI: %v", err),
			ExitCode:  TimeoutExitCode,
			ElapsedMs: elapsed,
		}
	}

	if res.TimedOut {
		slog.Warn("CLI invocation timed out",
			"request_id", requestID, "timeout", e.timeout, "elapsed_ms", elapsed)
		return ExecutionResult{
			Error:     fmt.Sprintf("CLI timed out after %s", e.timeout),
			ExitCode:  TimeoutExitCode,
			TimedOut:  true,
			Stderr:    string(res.Stderr),
			ElapsedMs: elapsed,
		}
	}

	stdout := strings.TrimSpace(string(res.Stdout))
	stderr := string(res.Stderr)

	if res.ExitCode != 0 {
		slog.Warn("CLI exited non-zero",
			"request_id", requestID, "exit_code", res.ExitCode, "elapsed_ms", elapsed)
		return ExecutionResult{
			Error:     fmt.Sprintf("CLI exited with code %d", res.ExitCode),
			ExitCode:  res.ExitCode,
			Stderr:    stderr,
			ElapsedMs: elapsed,
		}
	}

	if stdout == "" {
		slog.Warn("CLI produced no output", "request_id", requestID, "elapsed_ms", elapsed)
		return ExecutionResult{
			Error:     "CLI produced no output",
			Stderr:    stderr,
			ElapsedMs: elapsed,
		}
	}

	slog.Info("CLI invocation complete",
		"request_id", requestID, "model", model,
		"elapsed_ms", elapsed, "output_bytes", len(stdout))
	return ExecutionResult{
		Success:   true,
		Content:   stdout,
		Stderr:    stderr,
		ElapsedMs: elapsed,
	}
}
