package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeIntent is emitted by the external decision component to propose a new
// position. Exactly one of Quantity or SizePct should be set; when Quantity
// is zero the executor sizes the trade as SizePct of capital at the current
// mark price.
type TradeIntent struct {
	ID            string // UUID for dedup
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	SizePct       decimal.Decimal // fraction of capital, e.g. 0.05
	Leverage      int
	StopLossPct   decimal.Decimal // stop distance as fraction of entry, e.g. 0.03
	TakeProfitPct *decimal.Decimal
	Confidence    float64
	Reasoning     string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// PriceTick is a single market-data update for a symbol.
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}
