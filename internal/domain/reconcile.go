package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconcileOutcome is the tagged result of comparing one position against
// the exchange. The "exchange has a position we don't know about" case must
// never collapse into a boolean and get silently dropped.
type ReconcileOutcome string

const (
	ReconcileMatch         ReconcileOutcome = "match"
	ReconcileCorrected     ReconcileOutcome = "corrected"          // local quantity corrected to exchange value
	ReconcileClosedMissing ReconcileOutcome = "closed_missing"     // closed locally; absent on exchange
	ReconcileFlagged       ReconcileOutcome = "flagged_for_review" // unknown exchange position, manual review
)

// ReconcileResult is the ephemeral outcome of auditing one position (or one
// unknown exchange position) against the exchange's authoritative state.
type ReconcileResult struct {
	PositionID        string
	Symbol            string
	Outcome           ReconcileOutcome
	LocalQuantity     decimal.Decimal
	ExchangeQuantity  decimal.Decimal
	Discrepancy       decimal.Decimal // signed relative discrepancy
	ExceededThreshold bool
	Note              string
	CheckedAt         time.Time
}
