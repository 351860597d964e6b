// Package errs provides structured error classification for cascade
// execution. Errors carry a stable Kind so wards, retry machinery, and the
// session error ledger can make decisions without string matching, while
// still implementing the standard error interface and supporting
// errors.Is/As.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a cascade error into a small set of stable categories.
type Kind string

const (
	// KindProvider is an LLM/API failure, including empty-content responses
	// that cannot be ignored.
	KindProvider Kind = "provider_error"
	// KindTool is a failed tool invocation; the content is a structured
	// error the model can see next turn.
	KindTool Kind = "tool_error"
	// KindValidation is a ward or schema validator returning invalid.
	KindValidation Kind = "validation_error"
	// KindParse is tool-call JSON malformed beyond the rebalancing repair.
	KindParse Kind = "parse_error"
	// KindTimeout is a suspending call exceeding its budget.
	KindTimeout Kind = "timeout_error"
	// KindCanceled is an external cancellation.
	KindCanceled Kind = "canceled_error"
	// KindCandidateExhaustion means all candidate branches failed.
	KindCandidateExhaustion Kind = "candidate_exhaustion_error"
	// KindPolicy is a quota, rate-limit, or security denial surfaced to the
	// cell loop.
	KindPolicy Kind = "policy_error"
)

// Error is a classified cascade error.
type Error struct {
	// Kind is the stable error category.
	Kind Kind
	// Cell names the cell that raised the error, when known.
	Cell string
	// Message is the human-readable summary.
	Message string
	// Metadata carries structured diagnostics (per-branch summaries for
	// candidate exhaustion, HTTP status for provider errors, …).
	Metadata map[string]any
	// Cause links to the underlying error for errors.Is/As.
	Cause error
}

// New constructs a classified error.
func New(kind Kind, cell, message string) *Error {
	return &Error{Kind: kind, Cell: cell, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, cell string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cell: cell, Message: cause.Error(), Cause: cause}
}

// Errorf constructs a classified error from a format string.
func Errorf(kind Kind, cell, format string, args ...any) *Error {
	return &Error{Kind: kind, Cell: cell, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cell != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Cell, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// WithMetadata attaches a metadata key/value and returns the error.
func (e *Error) WithMetadata(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// KindOf returns the Kind of err. Context cancellation and deadline errors
// classify as canceled/timeout even when unwrapped from plain errors; any
// other unclassified error reports KindProvider, the dominant failure source
// in a model loop.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindProvider
	}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }
