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
	"regexp"
	"strings"
	"time"
)

// =============================================================================
// Conflict Classification
// =============================================================================

// dockerConflictExitCode is the docker daemon's exit code for a failed
// container create, including name collisions.
const dockerConflictExitCode = 125

// containerNameRe matches the daemon's name-collision message, e.g.
//
//	docker: Error response from daemon: Conflict. The container name
//	"/sandbox-0.23.0-0" is already in use by container "abc123".
var containerNameRe = regexp.MustCompile(`(?i)container name ["']?([^"' ]+)["']? is already in use`)

// IsConflict reports whether an execution failed because the CLI's
// sandbox container name was already taken by another container.
//
// Both conditions must hold: the docker create exit code AND a
// recognizable collision message. Exit 125 alone also covers unrelated
// daemon failures (bad flags, unreachable daemon) that no amount of
// retrying will fix.
func IsConflict(exitCode int, stderr string) bool {
	if exitCode != dockerConflictExitCode {
		return false
	}
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "already in use") || strings.Contains(lower, "conflict")
}

// ExtractContainerName pulls the contended container name out of the
// daemon's error message. Docker prefixes names with "/" in error output;
// the prefix is stripped. Returns "" when no name can be found, in which
// case recovery falls back to backoff-only retry.
func ExtractContainerName(stderr string) string {
	m := containerNameRe.FindStringSubmatch(stderr)
	if m == nil {
		return ""
	}
	return strings.TrimPrefix(m[1], "/")
}

// =============================================================================
// Sandbox Reclamation
// =============================================================================

// Reclaimer frees contended or leaked sandbox containers. Implemented by
// SandboxReclaimer; mocked in retry tests.
type Reclaimer interface {
	// WaitForNaturalRelease polls until the named container is gone or
	// stopped, or the wait budget expires. Returns true when the name is
	// free to remove (or already gone).
	WaitForNaturalRelease(ctx context.Context, name string, wait time.Duration) bool

	// Reclaim removes the named container. With force false the removal
	// only succeeds for stopped containers; force true also kills a
	// running one. Returns true when the name is available afterwards.
	Reclaim(ctx context.Context, name string, force bool) bool

	// SweepStopped removes all stopped sandbox containers, returning the
	// number removed. Run before the first attempt to clear leftovers
	// from crashed invocations.
	SweepStopped(ctx context.Context) int
}

// sandboxNamePrefix identifies containers created by the CLI's sandbox.
const sandboxNamePrefix = "sandbox-"

// SandboxReclaimer implements Reclaimer with docker CLI commands issued
// through a ProcessRunner.
//
// # Thread Safety
//
// Safe for concurrent use; every method is stateless apart from the
// injected runner.
type SandboxReclaimer struct {
	runner       ProcessRunner
	dockerPath   string
	pollInterval time.Duration
}

// NewSandboxReclaimer creates a reclaimer that shells out to docker.
func NewSandboxReclaimer(runner ProcessRunner) *SandboxReclaimer {
	return &SandboxReclaimer{
		runner:       runner,
		dockerPath:   "docker",
		pollInterval: time.Second,
	}
}

// docker runs one docker command and returns trimmed stdout plus whether
// the command succeeded.
func (r *SandboxReclaimer) docker(ctx context.Context, args ...string) (string, bool) {
	res, err := r.runner.Run(ctx, RunRequest{Path: r.dockerPath, Args: args})
	if err != nil {
		slog.Warn("docker command could not be started", "args", args, "error", err)
		return "", false
	}
	out := strings.TrimSpace(string(res.Stdout))
	if res.ExitCode != 0 {
		return out, false
	}
	return out, true
}

// isRunning inspects the container's state. The second return is false
// when the container does not exist.
func (r *SandboxReclaimer) isRunning(ctx context.Context, name string) (running, exists bool) {
	out, ok := r.docker(ctx, "inspect", "-f", "{{.State.Running}}", name)
	if !ok {
		return false, false
	}
	return out == "true", true
}

// WaitForNaturalRelease polls the container once per interval until it
// stops, disappears, or the wait budget runs out.
//
// The polite path: the previous invocation may be seconds from finishing,
// and letting it complete preserves its result.
func (r *SandboxReclaimer) WaitForNaturalRelease(ctx context.Context, name string, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		running, exists := r.isRunning(ctx, name)
		if !exists {
			slog.Info("contended sandbox container released", "container", name)
			return true
		}
		if !running {
			slog.Info("contended sandbox container stopped", "container", name)
			return true
		}
		if time.Now().After(deadline) {
			slog.Warn("contended sandbox container still running after wait",
				"container", name, "waited", wait)
			return false
		}
		select {
		case <-time.After(r.pollInterval):
		case <-ctx.Done():
			return false
		}
	}
}

// Reclaim removes the named container so its name can be reused.
func (r *SandboxReclaimer) Reclaim(ctx context.Context, name string, force bool) bool {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)

	out, ok := r.docker(ctx, args...)
	if !ok {
		// Removal of an already-gone container is still a success.
		res, err := r.runner.Run(ctx, RunRequest{
			Path: r.dockerPath,
			Args: []string{"inspect", "-f", "{{.State.Running}}", name},
		})
		if err == nil && res.ExitCode != 0 {
			return true
		}
		slog.Warn("failed to reclaim sandbox container",
			"container", name, "force", force, "output", out)
		return false
	}
	slog.Info("reclaimed sandbox container", "container", name, "force", force)
	return true
}

// SweepStopped lists non-running sandbox containers and removes them.
// Both exited and created containers hold their names; a container stuck
// in the created state (docker run killed before the container started)
// blocks name reuse just like an exited one.
func (r *SandboxReclaimer) SweepStopped(ctx context.Context) int {
	removed := 0
	for _, status := range []string{"exited", "created"} {
		out, ok := r.docker(ctx, "ps", "-a",
			"--filter", "name="+sandboxNamePrefix,
			"--filter", "status="+status,
			"--format", "{{.Names}}")
		if !ok || out == "" {
			continue
		}
		for _, name := range strings.Split(out, "\n") {
			name = strings.TrimSpace(name)
			if name == "" || !strings.HasPrefix(name, sandboxNamePrefix) {
				continue
			}
			if _, ok := r.docker(ctx, "rm", name); ok {
				removed++
			}
		}
	}
	if removed > 0 {
		slog.Info("swept stopped sandbox containers", "removed", removed)
	}
	return removed
}

var _ Reclaimer = (*SandboxReclaimer)(nil)
