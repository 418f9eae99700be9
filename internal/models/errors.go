package models

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy. Transient and
// RateLimited are retriable; everything else is surfaced as-is.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient marks retriable I/O failures (timeouts, 5xx).
	KindTransient
	// KindRateLimited marks exchange throttling; the caller must
	// penalize the relevant rate bucket before retrying.
	KindRateLimited
	// KindRejected marks a business-level rejection. Never retried.
	KindRejected
	// KindUnauthorized marks missing or invalid credentials.
	KindUnauthorized
	// KindNotFound marks a missing entity.
	KindNotFound
	// KindInvalid marks malformed input from the control surface.
	KindInvalid
	// KindConflict marks an operation illegal in the current state.
	KindConflict
	// KindInvariant marks a violated engine invariant. Fatal to the
	// current operation; state must not have been mutated.
	KindInvariant
	// KindFatal marks unrecoverable corruption. The process must not
	// continue trading.
	KindFatal
	// KindInternal marks everything else.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "Transient"
	case KindRateLimited:
		return "RateLimited"
	case KindRejected:
		return "Rejected"
	case KindUnauthorized:
		return "Unauthorized"
	case KindNotFound:
		return "NotFound"
	case KindInvalid:
		return "Invalid"
	case KindConflict:
		return "Conflict"
	case KindInvariant:
		return "Invariant"
	case KindFatal:
		return "Fatal"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// EngineError is the typed error carried across component boundaries.
type EngineError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *EngineError) Unwrap() error { return e.Err }

// NewError builds a typed error with no cause.
func NewError(kind Kind, reason string) *EngineError {
	return &EngineError{Kind: kind, Reason: reason}
}

// WrapError builds a typed error around a cause.
func WrapError(kind Kind, reason string, err error) *EngineError {
	return &EngineError{Kind: kind, Reason: reason, Err: err}
}

// ErrKind extracts the Kind from err, unwrapping as needed.
func ErrKind(err error) Kind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is retriable with backoff.
func IsTransient(err error) bool { return ErrKind(err) == KindTransient }

// IsRateLimited reports whether err requires a rate-bucket penalty.
func IsRateLimited(err error) bool { return ErrKind(err) == KindRateLimited }

// IsRejected reports whether err is a non-retriable business rejection.
func IsRejected(err error) bool { return ErrKind(err) == KindRejected }

// IsNotFound reports whether err marks a missing entity.
func IsNotFound(err error) bool { return ErrKind(err) == KindNotFound }

// Rejection reasons produced by the SafetyGate, in validation order.
const (
	ReasonKillSwitchTripped    = "KillSwitchTripped"
	ReasonMinBalance           = "MinBalance"
	ReasonAdjustedPositionSize = "AdjustedPositionSize"
	ReasonHeatExceeded         = "HeatExceeded"
	ReasonLossStreakHalt       = "LossStreakHalt"
	ReasonDailyLossTripped     = "DailyLossTripped"
	ReasonSlippageExceeded     = "SlippageExceeded"
)
