// Package feed routes market-data ticks into the core: the price cache for
// the protection layers and the lifecycle manager for unrealized P&L.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

// ticksChannel is the signal bus channel external feeders may publish on, in
// addition to the direct mark-price stream.
const ticksChannel = "ticks"

// Lifecycle is the slice of the position lifecycle API the router drives.
type Lifecycle interface {
	GetActivePositions(ctx context.Context, symbol string) ([]domain.Position, error)
	UpdatePrice(ctx context.Context, positionID string, price decimal.Decimal) (domain.Position, error)
}

// TickRouter fans each price tick out to the cache and to every open
// position on the tick's symbol.
type TickRouter struct {
	prices    domain.PriceCache
	bus       domain.SignalBus
	lifecycle Lifecycle
	logger    *slog.Logger
}

// NewTickRouter creates a TickRouter.
func NewTickRouter(prices domain.PriceCache, bus domain.SignalBus, lifecycle Lifecycle, logger *slog.Logger) *TickRouter {
	return &TickRouter{
		prices:    prices,
		bus:       bus,
		lifecycle: lifecycle,
		logger:    logger.With(slog.String("component", "tick_router")),
	}
}

// Handle processes one tick: cache first (the protection layers read from
// there), then unrealized P&L on every open position for the symbol.
func (r *TickRouter) Handle(ctx context.Context, tick domain.PriceTick) {
	if err := r.prices.SetPrice(ctx, tick.Symbol, tick.Price, tick.Timestamp); err != nil {
		r.logger.WarnContext(ctx, "cache price failed",
			slog.String("symbol", tick.Symbol),
			slog.String("error", err.Error()))
	}

	open, err := r.lifecycle.GetActivePositions(ctx, tick.Symbol)
	if err != nil {
		r.logger.WarnContext(ctx, "list open positions failed",
			slog.String("symbol", tick.Symbol),
			slog.String("error", err.Error()))
		return
	}

	for _, pos := range open {
		if _, err := r.lifecycle.UpdatePrice(ctx, pos.ID, tick.Price); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue // closed since the snapshot
			}
			r.logger.WarnContext(ctx, "price update failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
		}
	}
}

// Run subscribes to the bus ticks channel and handles each message until ctx
// ends. The WebSocket stream calls Handle directly; this path serves
// external feeders publishing through Redis.
func (r *TickRouter) Run(ctx context.Context) error {
	ch, err := r.bus.Subscribe(ctx, ticksChannel)
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "tick router started")
	defer r.logger.Info("tick router stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var tick domain.PriceTick
			if err := json.Unmarshal(data, &tick); err != nil {
				r.logger.Debug("bad tick payload", slog.Int("payload_len", len(data)))
				continue
			}
			if tick.Symbol == "" || !tick.Price.IsPositive() {
				continue
			}
			r.Handle(ctx, tick)
		}
	}
}
