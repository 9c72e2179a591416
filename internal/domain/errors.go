package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned for operations on unknown or already-closed
	// positions and for cache misses.
	ErrNotFound = errors.New("not found")
	// ErrBadResetToken is returned when a manual reset token does not match.
	ErrBadResetToken = errors.New("reset token mismatch")
	// ErrLockHeld is returned when a per-position lock is already held.
	ErrLockHeld = errors.New("lock already held")
)

// ValidationError describes a malformed or disallowed trade intent. It is
// surfaced synchronously before any exchange call and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// RiskLimitError describes a quantitative risk limit violation. Limit names
// the violated limit so rejections can be logged precisely.
type RiskLimitError struct {
	Limit   string
	Allowed decimal.Decimal
	Actual  decimal.Decimal
}

func (e *RiskLimitError) Error() string {
	return fmt.Sprintf("risk limit %s exceeded: allowed %s, actual %s",
		e.Limit, e.Allowed.String(), e.Actual.String())
}

// ExchangeError wraps a failure from the exchange gateway. Transient marks
// network, rate-limit, and 5xx failures that are safe to retry with backoff;
// everything else (rejections, bad parameters) must not be retried.
type ExchangeError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange: %s: %v", e.Op, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a transient exchange error.
func IsTransient(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && ee.Transient
}
