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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// daemonConflictStderr is the verbatim shape of the docker daemon's
// name-collision message.
const daemonConflictStderr = `docker: Error response from daemon: Conflict. The container name "/sandbox-0.23.0-0" is already in use by container "9f2c1a". You have to remove (or rename) that container to be able to reuse that name.`

func TestIsConflict(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		stderr   string
		want     bool
	}{
		{"daemon conflict message", 125, daemonConflictStderr, true},
		{"already in use, mixed case", 125, "name ALREADY IN USE", true},
		{"bare conflict keyword", 125, "Conflict. cannot create container", true},
		{"exit 125 without conflict text", 125, "docker: invalid flag --sandbx", false},
		{"conflict text with wrong exit code", 1, daemonConflictStderr, false},
		{"success", 0, "", false},
		{"timeout sentinel", TimeoutExitCode, daemonConflictStderr, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConflict(tt.exitCode, tt.stderr))
		})
	}
}

func TestExtractContainerName(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   string
	}{
		{"daemon message with slash prefix", daemonConflictStderr, "sandbox-0.23.0-0"},
		{"no slash prefix", `The container name "sandbox-x" is already in use by container "y".`, "sandbox-x"},
		{"single quotes", `container name '/sandbox-1' is already in use`, "sandbox-1"},
		{"case insensitive", `Container Name "/sandbox-2" Is Already In Use`, "sandbox-2"},
		{"no name present", "Conflict. something went wrong", ""},
		{"empty stderr", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractContainerName(tt.stderr))
		})
	}
}

// =============================================================================
// SandboxReclaimer Tests
// =============================================================================

// newTestReclaimer shortens the poll interval so tests run fast.
func newTestReclaimer(mock *MockRunner) *SandboxReclaimer {
	r := NewSandboxReclaimer(mock)
	r.pollInterval = time.Millisecond
	return r
}

func TestWaitForNaturalRelease_AlreadyGone(t *testing.T) {
	mock := &MockRunner{
		RunFunc: func(ctx context.Context, req RunRequest) (RunResult, error) {
			return RunResult{Stderr: []byte("Error: No such object: sandbox-x"), ExitCode: 1}, nil
		},
	}
	r := newTestReclaimer(mock)

	assert.True(t, r.WaitForNaturalRelease(context.Background(), "sandbox-x", time.Second))
	assert.Len(t, mock.Calls(), 1, "a missing container needs no polling")
}

func TestWaitForNaturalRelease_StopsMidWait(t *testing.T) {
	responses := []string{"true", "true", "false"}
	var call int
	mock := &MockRunner{
		RunFunc: func(ctx context.Context, req RunRequest) (RunResult, error) {
			out := responses[call]
			if call < len(responses)-1 {
				call++
			}
			return RunResult{Stdout: []byte(out + "\n")}, nil
		},
	}
	r := newTestReclaimer(mock)

	assert.True(t, r.WaitForNaturalRelease(context.Background(), "sandbox-x", time.Second))
	assert.GreaterOrEqual(t, len(mock.Calls()), 3)
}

func TestWaitForNaturalRelease_BudgetExpires(t *testing.T) {
	mock := &MockRunner{
		RunFunc: func(ctx context.Context, req RunRequest) (RunResult, error) {
			return RunResult{Stdout: []byte("true")}, nil
		},
	}
	r := newTestReclaimer(mock)

	begin := time.Now()
	assert.False(t, r.WaitForNaturalRelease(context.Background(), "sandbox-x", 20*time.Millisecond))
	assert.Less(t, time.Since(begin), time.Second)
}

func TestReclaim_Force(t *testing.T) {
	mock := &MockRunner{
		RunFunc: func(ctx context.Context, req RunRequest) (RunResult, error) {
			return RunResult{Stdout: []byte("sandbox-x")}, nil
		},
	}
	r := newTestReclaimer(mock)

	assert.True(t, r.Reclaim(context.Background(), "sandbox-x", true))

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "docker", calls[0].Path)
	assert.Equal(t, []string{"rm", "-f", "sandbox-x"}, calls[0].Args)
}

func TestReclaim_GentleOmitsForce(t *testing.T) {
	mock := &MockRunner{
		RunFunc: func(ctx context.Context, req RunRequest) (RunResult, error) {
			return RunResult{Stdout: []byte("sandbox-x")}, nil
		},
	}
	r := newTestReclaimer(mock)

	assert.True(t, r.Reclaim(context.Background(), "sandbox-x", false))

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"rm", "sandbox-x"}, calls[0].Args)
}

func TestReclaim_AlreadyGoneCountsAsSuccess(t *testing.T) {
	mock := &MockRunner{
		RunFunc: func(ctx context.Context, req RunRequest) (RunResult, error) {
			return RunResult{Stderr: []byte("Error: No such container: sandbox-x"), ExitCode: 1}, nil
		},
	}
	r := newTestReclaimer(mock)

	assert.True(t, r.Reclaim(context.Background(), "sandbox-x", false))
}

// sweepPSFilter returns the status filter of a docker ps call, or "" for
// any other command.
func sweepPSFilter(req RunRequest) string {
	if len(req.Args) < 6 || req.Args[0] != "ps" {
		return ""
	}
	return req.Args[5]
}

func TestSweepStopped(t *testing.T) {
	mock := &MockRunner{
		RunFunc: func(ctx context.Context, req RunRequest) (RunResult, error) {
			if sweepPSFilter(req) == "status=exited" {
				return RunResult{Stdout: []byte("sandbox-0.23.0-0\nsandbox-0.23.0-1\n")}, nil
			}
			return RunResult{}, nil
		},
	}
	r := newTestReclaimer(mock)

	removed := r.SweepStopped(context.Background())
	assert.Equal(t, 2, removed)

	calls := mock.Calls()
	require.Len(t, calls, 4, "one ps per status plus one rm per container")
	assert.Equal(t, []string{"rm", "sandbox-0.23.0-0"}, calls[1].Args)
	assert.Equal(t, []string{"rm", "sandbox-0.23.0-1"}, calls[2].Args)
}

func TestSweepStopped_RemovesCreatedContainers(t *testing.T) {
	// A container stuck in the created state never ran, but it still owns
	// its name and must be swept.
	mock := &MockRunner{
		RunFunc: func(ctx context.Context, req RunRequest) (RunResult, error) {
			if sweepPSFilter(req) == "status=created" {
				return RunResult{Stdout: []byte("sandbox-0.23.0-0\n")}, nil
			}
			return RunResult{}, nil
		},
	}
	r := newTestReclaimer(mock)

	removed := r.SweepStopped(context.Background())
	assert.Equal(t, 1, removed)

	calls := mock.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"rm", "sandbox-0.23.0-0"}, calls[2].Args)
}

func TestSweepStopped_NothingToDo(t *testing.T) {
	mock := &MockRunner{
		RunFunc: func(ctx context.Context, req RunRequest) (RunResult, error) {
			return RunResult{}, nil
		},
	}
	r := newTestReclaimer(mock)

	assert.Equal(t, 0, r.SweepStopped(context.Background()))
	assert.Len(t, mock.Calls(), 2, "no rm calls when both listings are empty")
}

func TestSweepStopped_SkipsForeignContainers(t *testing.T) {
	mock := &MockRunner{
		RunFunc: func(ctx context.Context, req RunRequest) (RunResult, error) {
			if sweepPSFilter(req) == "status=exited" {
				// The name filter is a substring match; a foreign container
				// can slip through.
				return RunResult{Stdout: []byte("my-sandbox-clone\nsandbox-0.23.0-0\n")}, nil
			}
			return RunResult{}, nil
		},
	}
	r := newTestReclaimer(mock)

	removed := r.SweepStopped(context.Background())
	assert.Equal(t, 1, removed)

	calls := mock.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"rm", "sandbox-0.23.0-0"}, calls[1].Args)
}
