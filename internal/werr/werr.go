// Package werr implements the typed error taxonomy every component in the
// pipeline tags its failures with, so the orchestrator can decide retry vs.
// fail-stage vs. fail-job from the error alone instead of string matching.
package werr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the purposes of retry/propagation policy.
type Kind string

const (
	InvalidArgument      Kind = "invalid_argument"
	PermissionDenied     Kind = "permission_denied"
	NotFound             Kind = "not_found"
	Timeout              Kind = "timeout"
	RateLimited          Kind = "rate_limited"
	TransientExternal    Kind = "transient_external"
	PermanentExternal    Kind = "permanent_external"
	Internal             Kind = "internal"
	Cancelled            Kind = "cancelled"
	ResumeBudgetExhausted Kind = "resume_budget_exhausted"
	ServerShutdown       Kind = "server_shutdown"
)

// Error is a wrapped error carrying a Kind. Use errors.As to recover it.
type Error struct {
	Kind Kind
	Op   string // component/operation that raised it, e.g. "media.Probe"
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a Kind and an operation label.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an Error from a format string, avoiding a separate fmt.Errorf call.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// Retryable reports whether a stage-level retry loop should attempt err again.
// Timeout, RateLimited, and TransientExternal are the only retryable kinds;
// everything else (including untyped errors, treated as Internal) is not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Timeout, RateLimited, TransientExternal:
		return true
	default:
		return false
	}
}
