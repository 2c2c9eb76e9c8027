/*
Copyright 2025 The FlakeGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package flakeerrors defines the error taxonomy shared by the ingestion
// pipeline, the host client and the job queue. Workers classify errors by
// Kind to decide between retrying, waiting for a rate-limit reset, and
// sending a job to the dead queue.
package flakeerrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	// BadRequest is a validation failure: bad payload, bad webhook
	// signature, bad parameters. Never retried.
	BadRequest Kind = "bad_request"
	// AuthFailure is an invalid or expired installation credential.
	AuthFailure Kind = "auth_failure"
	// RateLimited is upstream throttling. Retried at the indicated reset.
	RateLimited Kind = "rate_limited"
	// UpstreamUnavailable is a 5xx, network error or timeout. Retried
	// with backoff.
	UpstreamUnavailable Kind = "upstream_unavailable"
	// ArtifactTooLarge means an artifact exceeded a size cap. Terminal
	// for that artifact.
	ArtifactTooLarge Kind = "artifact_too_large"
	// ArtifactExpired means the artifact is no longer downloadable.
	// Terminal for that artifact.
	ArtifactExpired Kind = "artifact_expired"
	// ParseError is a malformed report. Terminal for that entry.
	ParseError Kind = "parse_error"
	// StoreConflict is a concurrent upsert race. Retried once
	// transparently by the store; if it persists, the store promotes
	// it to UpstreamUnavailable before the queue ever sees it.
	StoreConflict Kind = "store_conflict"
	// Internal is the catch-all. Retried once, dead on second failure.
	Internal Kind = "internal"
)

// Error carries a Kind along the cause chain.
type Error struct {
	Kind Kind
	// Reset is only set for RateLimited errors and tells callers when
	// the upstream budget is restored.
	Reset time.Time
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		if e.msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New returns an error of the given kind.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind. A nil err returns nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, msg: msg, cause: err}
}

// NewRateLimited returns a RateLimited error carrying the reset instant.
func NewRateLimited(reset time.Time, format string, args ...interface{}) error {
	return &Error{Kind: RateLimited, Reset: reset, msg: fmt.Sprintf(format, args...)}
}

// KindOf walks the cause chain and returns the outermost Kind, or
// Internal when no kind was attached.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// ResetOf returns the rate-limit reset carried by err, or the zero time.
func ResetOf(err error) time.Time {
	var e *Error
	if errors.As(err, &e) && e.Kind == RateLimited {
		return e.Reset
	}
	return time.Time{}
}

// MaxAttempts returns the per-error-class attempt budget used by the job
// queue, given the queue's configured default.
func MaxAttempts(kind Kind, queueDefault int) int {
	switch kind {
	case BadRequest, ArtifactTooLarge, ArtifactExpired:
		return 1
	case AuthFailure:
		// The host client already spent its one refresh attempt; the
		// job degrades rather than repeating host calls.
		return 1
	case ParseError, Internal:
		return 2
	default:
		return queueDefault
	}
}

// WaitsForReset reports whether retries of this kind should be delayed
// until the upstream rate budget resets rather than backed off.
func WaitsForReset(kind Kind) bool {
	return kind == RateLimited
}
