// Package domain provides the coordination-layer entities shared by
// all services and adapters, plus the error taxonomy callers branch on.
package domain

import "errors"

var (
	// ErrStoreUnavailable marks a failed store call. Fatal for that
	// call; run loops retry with backoff instead of crashing.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrResultFinal is returned when a terminal result already exists
	// for the task. The original result is preserved; the caller has a
	// double-publication bug to chase.
	ErrResultFinal = errors.New("result already terminal")

	// ErrTaskTimeout is a caller-side give-up. The task keeps running
	// and its result is still durably recorded.
	ErrTaskTimeout = errors.New("task timeout")

	// ErrExecutorFailure is caught per invocation and contributes to
	// partial aggregation. It never escapes the dispatch stage.
	ErrExecutorFailure = errors.New("executor failure")

	// ErrSpawnFailure means a domain process did not become healthy
	// within the readiness window, or could not be created at all.
	ErrSpawnFailure = errors.New("domain spawn failure")

	// ErrHealthCheck marks a liveness probe miss. Expiry may be a
	// transient partition, so it triggers a respawn decision upstream,
	// never a crash here.
	ErrHealthCheck = errors.New("health check failed")

	// ErrNoRoute means the routing table matched nothing for a task.
	ErrNoRoute = errors.New("no matching route")
)
