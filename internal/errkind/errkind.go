// Package errkind classifies errors into the kinds the pipeline cares about.
// Kinds drive retry decisions in the queue and exit codes in the CLI; they
// are deliberately a closed set.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// Internal is the zero kind: unexpected logic errors.
	Internal Kind = iota

	// Validation covers malformed input (bad dates, unknown LCCN shapes).
	// Never retried.
	Validation

	// NotFound covers missing referenced entities.
	NotFound

	// Conflict covers unique-key violations and duplicate promotions.
	// The existing identifier travels with the error where known.
	Conflict

	// TransientUpstream covers 429/5xx and network timeouts. Retried with
	// backoff by the queue up to max_attempts.
	TransientUpstream

	// PermanentUpstream is a transient failure that exhausted its retries,
	// or a non-retryable 4xx from the archive.
	PermanentUpstream

	// ResourceExhausted covers disk full, lost leases, and full queues.
	ResourceExhausted

	// CorruptData covers bad image bytes and malformed HOCR. The task fails
	// immediately with no retry.
	CorruptData
)

// String returns the kind name used in logs and task rows.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case TransientUpstream:
		return "transient_upstream"
	case PermanentUpstream:
		return "permanent_upstream"
	case ResourceExhausted:
		return "resource_exhausted"
	case CorruptData:
		return "corrupt_data"
	default:
		return "internal"
	}
}

// Error wraps an underlying error with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a format string.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. Returns nil if err is nil.
// If err already carries a kind, the outer kind wins.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Of returns the kind carried by err, or Internal if none.
func Of(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && Of(err) == kind
}

// Retryable reports whether the queue should retry a task that failed
// with this error.
func Retryable(err error) bool {
	switch Of(err) {
	case TransientUpstream, ResourceExhausted:
		return true
	default:
		return false
	}
}

// ExitCode maps an error to the CLI exit code contract:
// 0 success, 1 generic, 2 usage, 3 not-found, 4 conflict, 5 upstream.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch Of(err) {
	case Validation:
		return 2
	case NotFound:
		return 3
	case Conflict:
		return 4
	case TransientUpstream, PermanentUpstream:
		return 5
	default:
		return 1
	}
}
