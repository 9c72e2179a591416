package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BreakerState is the circuit breaker state machine:
// ACTIVE -> TRIPPED -> MANUAL_RESET_REQUIRED -> ACTIVE.
type BreakerState string

const (
	BreakerActive      BreakerState = "ACTIVE"
	BreakerTripped     BreakerState = "TRIPPED"
	BreakerManualReset BreakerState = "MANUAL_RESET_REQUIRED"
	BreakerRecovering  BreakerState = "RECOVERING"
)

// BreakerStatus is the live circuit breaker record for one trading day.
// ResetToken is minted only on entering MANUAL_RESET_REQUIRED and is the sole
// way to re-enable trading before the next day boundary.
type BreakerStatus struct {
	Day        string // trading day, YYYY-MM-DD (UTC)
	State      BreakerState
	DailyPnL   decimal.Decimal
	TradeCount int
	ResetToken string
	TrippedAt  *time.Time
	UpdatedAt  time.Time
}

// Halted reports whether the breaker currently rejects all new intents.
func (s BreakerStatus) Halted() bool {
	return s.State == BreakerTripped || s.State == BreakerManualReset
}
