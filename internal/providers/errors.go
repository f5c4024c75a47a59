package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies pipeline errors into the closed policy taxonomy.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindUpstreamTimeout   Kind = "upstream_timeout"
	KindUpstreamTransient Kind = "upstream_transient"
	KindUpstreamAuth      Kind = "upstream_auth"
	KindUpstreamPermanent Kind = "upstream_permanent"
	KindParse             Kind = "parse"
	KindLockUnavailable   Kind = "lock_unavailable"
	KindCASConflict       Kind = "cas_conflict"
	KindBudgetExceeded    Kind = "budget_exceeded"
)

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// KindOf extracts the Kind from err, defaulting to upstream_transient for
// unclassified errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindUpstreamTimeout
	}
	return KindUpstreamTransient
}

// ClassifyStatus maps an HTTP status to an error kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindUpstreamAuth
	case status == 429:
		return KindUpstreamTransient
	case status >= 500:
		return KindUpstreamTransient
	case status >= 400:
		return KindUpstreamPermanent
	default:
		return KindUpstreamTransient
	}
}

// Retryable reports whether the policy allows another attempt.
func Retryable(kind Kind) bool {
	return kind == KindUpstreamTimeout || kind == KindUpstreamTransient
}
