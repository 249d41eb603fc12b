// Package errdefs defines the error kinds shared across Mastiff packages.
//
// Every failure surfaced by a store, the queue plane, the registry, or the
// executor wraps exactly one of these sentinels. Callers classify errors
// with errors.Is (or the Is* helpers) instead of matching message strings,
// and the API layer maps each kind to an HTTP status in one place.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks requests rejected before any work happened:
	// malformed payloads, unknown artifact types, empty chains, format
	// mismatches.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks lookups of entities that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrIllegalState marks operations valid in general but not against the
	// entity's current state, such as cancelling a finished run or deleting
	// a module with work in flight.
	ErrIllegalState = errors.New("illegal state")

	// ErrUnavailable marks entities that exist but cannot serve right now:
	// inactive or unhealthy modules, an unreachable queue plane.
	ErrUnavailable = errors.New("unavailable")

	// ErrTimeout marks operations that exceeded their deadline.
	ErrTimeout = errors.New("timed out")

	// ErrWorkerFailed marks tasks a module executed and reported as failed.
	// The module ran; its answer was an error.
	ErrWorkerFailed = errors.New("worker failed")

	// ErrInternal marks everything else: storage corruption, codec failures,
	// bugs.
	ErrInternal = errors.New("internal error")
)

// InvalidInput wraps err as an invalid-input error. A nil err returns the
// bare sentinel behavior via message-only wrapping.
func InvalidInput(format string, args ...any) error {
	return wrap(ErrInvalidInput, format, args...)
}

// NotFound wraps a not-found error for the named entity.
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// IllegalState wraps an illegal-state error.
func IllegalState(format string, args ...any) error {
	return wrap(ErrIllegalState, format, args...)
}

// Unavailable wraps an unavailable error.
func Unavailable(format string, args ...any) error {
	return wrap(ErrUnavailable, format, args...)
}

// Timeout wraps a timeout error.
func Timeout(format string, args ...any) error {
	return wrap(ErrTimeout, format, args...)
}

// WorkerFailed wraps a worker-reported failure.
func WorkerFailed(format string, args ...any) error {
	return wrap(ErrWorkerFailed, format, args...)
}

// Internal wraps an internal error.
func Internal(format string, args ...any) error {
	return wrap(ErrInternal, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// IsInvalidInput reports whether err is an invalid-input error.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsIllegalState reports whether err is an illegal-state error.
func IsIllegalState(err error) bool { return errors.Is(err, ErrIllegalState) }

// IsUnavailable reports whether err is an unavailable error.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsWorkerFailed reports whether err is a worker-reported failure.
func IsWorkerFailed(err error) bool { return errors.Is(err, ErrWorkerFailed) }

// IsInternal reports whether err is an internal error.
func IsInternal(err error) bool { return errors.Is(err, ErrInternal) }

// Kind returns the short machine-readable label for err's kind, or "internal"
// when the error carries no known sentinel. Labels appear in step outcomes
// and API error bodies.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsInvalidInput(err):
		return "invalid_input"
	case IsNotFound(err):
		return "not_found"
	case IsIllegalState(err):
		return "illegal_state"
	case IsUnavailable(err):
		return "unavailable"
	case IsTimeout(err):
		return "timeout"
	case IsWorkerFailed(err):
		return "worker_failure"
	default:
		return "internal"
	}
}
