// Package domain defines the core types and interfaces of the trading risk
// core: positions, trade intents, protection records, circuit breaker state,
// reconciliation outcomes, and the store/cache/gateway contracts they flow
// through. All monetary values are fixed-point decimals.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// PositionStatus tracks the lifecycle state of a position.
type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "open"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusLiquidated PositionStatus = "liquidated"
)

// Position represents a leveraged position. Positions are owned exclusively
// by the lifecycle service and mutated only through its API; every open
// position carries a stop loss on the correct side of its entry price.
type Position struct {
	ID            string
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	CurrentPrice  *decimal.Decimal // nil until the first tick arrives
	Leverage      int
	StopLoss      decimal.Decimal
	TakeProfit    *decimal.Decimal
	Status        PositionStatus
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	CloseReason   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      *time.Time
}

// Notional returns quantity * entry_price * leverage, the effective exposure
// of the position.
func (p Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice).Mul(decimal.NewFromInt(int64(p.Leverage)))
}

// PnLAt returns the profit or loss of the position if it were marked at the
// given price: (price-entry)*qty*leverage for longs, mirrored for shorts.
func (p Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	lev := decimal.NewFromInt(int64(p.Leverage))
	switch p.Side {
	case SideShort:
		return p.EntryPrice.Sub(price).Mul(p.Quantity).Mul(lev)
	default:
		return price.Sub(p.EntryPrice).Mul(p.Quantity).Mul(lev)
	}
}

// LossFraction returns the raw adverse price move at the given mark as a
// fraction of the entry price (positive when the position is under water,
// negative when in profit). Leverage and the configured stop distance play
// no part here: the emergency layer keys off this number alone.
func (p Position) LossFraction(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	var move decimal.Decimal
	if p.Side == SideShort {
		move = price.Sub(p.EntryPrice)
	} else {
		move = p.EntryPrice.Sub(price)
	}
	return move.Div(p.EntryPrice)
}

// StopBreached reports whether the given mark price has crossed the
// configured stop loss.
func (p Position) StopBreached(price decimal.Decimal) bool {
	if p.Side == SideShort {
		return price.GreaterThanOrEqual(p.StopLoss)
	}
	return price.LessThanOrEqual(p.StopLoss)
}

// TakeProfitReached reports whether the given mark price has reached the
// optional take profit.
func (p Position) TakeProfitReached(price decimal.Decimal) bool {
	if p.TakeProfit == nil {
		return false
	}
	if p.Side == SideShort {
		return price.LessThanOrEqual(*p.TakeProfit)
	}
	return price.GreaterThanOrEqual(*p.TakeProfit)
}
