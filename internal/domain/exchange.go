package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderType is the subset of exchange order types the core places.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderRequest describes a single order sent to the exchange gateway.
// ReduceOnly orders can only shrink an existing position, never open or flip
// one; every protective order the core places is reduce-only.
type OrderRequest struct {
	Symbol     string
	Side       Side // direction of the resulting fill, not of the position
	Quantity   decimal.Decimal
	Type       OrderType
	ReduceOnly bool
	StopPrice  *decimal.Decimal // required for STOP_MARKET
}

// OrderAck is the exchange's acknowledgement of a placed order.
type OrderAck struct {
	OrderID  string
	Status   string
	AvgPrice decimal.Decimal // zero until filled
}

// ExchangePosition is the exchange's authoritative view of a position.
type ExchangePosition struct {
	Symbol     string
	Quantity   decimal.Decimal // absolute size; zero means flat
	EntryPrice decimal.Decimal
	Side       Side
}

// ExchangeGateway is the async surface to the exchange. Any call may fail
// transiently; callers retry transient failures with bounded backoff and
// treat everything else as final. FetchPosition returns ErrNotFound when the
// exchange reports no position for the symbol.
type ExchangeGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	FetchPosition(ctx context.Context, symbol string) (ExchangePosition, error)
	FetchAllPositions(ctx context.Context) ([]ExchangePosition, error)
}
