// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package cli adapts the Gemini command-line tool for the bridge.

The package has three layers, composed bottom-up:

  - ProcessRunner: a mockable boundary around os/exec. All child-process
    invocations (the Gemini CLI itself and the docker commands used for
    sandbox recovery) go through this interface so the upper layers are
    unit-testable without real processes.
  - Executor: one CLI invocation per call, with an isolated working
    directory, a wall-clock timeout, and outcome classification into an
    ExecutionResult value.
  - RetryController + SandboxReclaimer: a bounded retry loop that detects
    sandbox container name conflicts, waits for or reclaims the contended
    container, and re-invokes the Executor with randomized backoff.

# Design Rationale

Direct exec.Command calls are not testable because they execute real
processes. Abstracting execution behind ProcessRunner allows tests to
capture invocations and simulate every exit-code/stderr combination the
recovery logic must classify.
*/
package cli

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"sync"
)

// =============================================================================
// Interface Definition
// =============================================================================

// RunRequest describes one child-process invocation.
type RunRequest struct {
	// Path is the executable name or absolute path.
	Path string

	// Args are the command arguments (not including Path).
	Args []string

	// Stdin is piped to the child's standard input. May be nil.
	Stdin []byte

	// Dir is the working directory. Empty means the parent's directory.
	Dir string

	// ViaShell routes the invocation through the platform shell. The
	// Gemini CLI's Windows launcher is a batch script that misbehaves
	// when spawned directly, so on Windows the Executor sets this. It is
	// a correctness requirement of the external tool, not a security
	// relaxation: Path and Args are still passed as discrete arguments,
	// never interpolated into a command string.
	ViaShell bool
}

// RunResult is the raw outcome of one child-process invocation.
type RunResult struct {
	// Stdout and Stderr are the captured output streams.
	Stdout []byte
	Stderr []byte

	// ExitCode is the child's exit status. Valid only when the process
	// actually ran to completion (TimedOut false and no start error).
	ExitCode int

	// TimedOut reports that the context deadline killed the child.
	TimedOut bool
}

// ProcessRunner handles external process execution.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple
// goroutines: the admission queue runs several invocations in parallel.
//
// # Context Handling
//
// Run must respect context cancellation and deadlines by terminating the
// child process.
type ProcessRunner interface {
	// Run executes the request and waits for completion.
	//
	// # Outputs
	//
	//   - RunResult: Captured output, exit status, and timeout flag. A
	//     non-zero exit code is NOT an error: it is a classified outcome
	//     the caller interprets.
	//   - error: Non-nil only when the process could not be started at
	//     all (missing binary, bad working directory).
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// =============================================================================
// Implementation
// =============================================================================

// ExecRunner implements ProcessRunner using os/exec.
//
// This is the production implementation. Use MockRunner in tests.
type ExecRunner struct{}

// NewExecRunner creates the production process runner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the request and waits for completion.
func (r *ExecRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	path := req.Path
	args := req.Args
	if req.ViaShell && runtime.GOOS == "windows" {
		args = append([]string{"/c", path}, args...)
		path = "cmd"
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = req.Dir
	if req.Stdin != nil {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := RunResult{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}

	if ctx.Err() != nil {
		// The context killed the child; exit status is meaningless.
		result.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		// Start failure: binary not found, bad workdir, etc.
		return result, err
	}

	return result, nil
}

// =============================================================================
// Mock Implementation for Testing
// =============================================================================

// RunnerCall records one invocation of MockRunner for verification.
type RunnerCall struct {
	Path  string
	Args  []string
	Stdin []byte
	Dir   string
}

// MockRunner is a test double for ProcessRunner.
//
// Configure RunFunc before use; calling Run with a nil RunFunc panics.
// All invocations are recorded and retrievable via Calls.
//
// # Examples
//
//	mock := &MockRunner{
//	    RunFunc: func(ctx context.Context, req RunRequest) (RunResult, error) {
//	        if req.Path == "docker" {
//	            return RunResult{Stdout: []byte("false")}, nil
//	        }
//	        return RunResult{Stdout: []byte("answer")}, nil
//	    },
//	}
type MockRunner struct {
	// RunFunc is called when Run is invoked.
	RunFunc func(ctx context.Context, req RunRequest) (RunResult, error)

	mu    sync.Mutex
	calls []RunnerCall
}

// Run records the call and delegates to RunFunc.
func (m *MockRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, RunnerCall{
		Path:  req.Path,
		Args:  append([]string(nil), req.Args...),
		Stdin: append([]byte(nil), req.Stdin...),
		Dir:   req.Dir,
	})
	m.mu.Unlock()

	return m.RunFunc(ctx, req)
}

// Calls returns a copy of all recorded invocations.
func (m *MockRunner) Calls() []RunnerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunnerCall(nil), m.calls...)
}

// Ensure both implementations satisfy the interface.
var (
	_ ProcessRunner = (*ExecRunner)(nil)
	_ ProcessRunner = (*MockRunner)(nil)
)
