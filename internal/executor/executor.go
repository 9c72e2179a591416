// Package executor turns approved trade intents into protected positions.
package executor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
	"tradeguard/internal/retry"
	"tradeguard/internal/service"
)

// BreakerReader exposes the cached circuit breaker snapshot.
type BreakerReader interface {
	Status() domain.BreakerStatus
}

// Protector starts the three protection layers for a freshly opened position.
type Protector interface {
	Start(ctx context.Context, pos domain.Position) error
}

// ReconcileTrigger requests an immediate reconciliation sweep.
type ReconcileTrigger interface {
	Trigger()
}

// Executor reads trade intents from a channel and runs each through the full
// pipeline: dedup, expiry, risk validation, entry order, position creation,
// protection start, reconciliation trigger.
type Executor struct {
	intentCh  <-chan domain.TradeIntent
	lifecycle *service.LifecycleService
	validator *service.RiskValidator
	breaker   BreakerReader
	gateway   domain.ExchangeGateway
	prices    domain.PriceCache
	protector Protector
	reconcile ReconcileTrigger
	dedup     *Dedup
	logger    *slog.Logger

	cleanupInterval time.Duration
}

// New creates an Executor that reads intents from intentCh.
func New(
	intentCh <-chan domain.TradeIntent,
	lifecycle *service.LifecycleService,
	validator *service.RiskValidator,
	breaker BreakerReader,
	gateway domain.ExchangeGateway,
	prices domain.PriceCache,
	protector Protector,
	reconcile ReconcileTrigger,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		intentCh:        intentCh,
		lifecycle:       lifecycle,
		validator:       validator,
		breaker:         breaker,
		gateway:         gateway,
		prices:          prices,
		protector:       protector,
		reconcile:       reconcile,
		dedup:           NewDedup(2 * time.Minute),
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: 30 * time.Second,
	}
}

// Run processes intents until ctx is cancelled or the channel closes.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "executor started")
	defer e.logger.Info("executor stopped")

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case intent, ok := <-e.intentCh:
			if !ok {
				return nil
			}
			e.process(ctx, intent)

		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
}

// process runs one intent through the full pipeline.
func (e *Executor) process(ctx context.Context, intent domain.TradeIntent) {
	log := e.logger.With(
		slog.String("intent_id", intent.ID),
		slog.String("symbol", intent.Symbol),
		slog.String("side", string(intent.Side)),
	)

	// 1. Deduplication.
	if e.dedup.IsDuplicate(intent.ID) {
		log.Debug("intent deduplicated, skipping")
		return
	}

	// 2. Expiry.
	if !intent.ExpiresAt.IsZero() && time.Now().UTC().After(intent.ExpiresAt) {
		log.Warn("intent expired, skipping", slog.Time("expires_at", intent.ExpiresAt))
		return
	}

	// 3. Mark price. No tick, no trade.
	markPrice, _, err := e.prices.GetPrice(ctx, intent.Symbol)
	if err != nil {
		log.Warn("no mark price available, skipping", slog.String("error", err.Error()))
		return
	}

	// 4. Risk validation against a point-in-time book snapshot.
	book, err := e.lifecycle.BookSnapshot(ctx)
	if err != nil {
		log.Error("book snapshot failed", slog.String("error", err.Error()))
		return
	}
	validation := e.validator.Validate(intent, markPrice, book, e.breaker.Status())
	if !validation.Approved {
		log.Warn("intent rejected",
			slog.String("reasons", strings.Join(validation.Reasons, "; ")))
		return
	}

	// 5. Size and derive protective prices from the intended entry.
	quantity := e.validator.SizeQuantity(intent, markPrice)
	if !quantity.IsPositive() {
		log.Warn("intent sizes to zero quantity, skipping")
		return
	}
	stopLoss := stopPrice(intent.Side, markPrice, intent.StopLossPct)
	var takeProfit *decimal.Decimal
	if intent.TakeProfitPct != nil {
		tp := profitPrice(intent.Side, markPrice, *intent.TakeProfitPct)
		takeProfit = &tp
	}

	// 6. Entry order.
	cfg := retry.Default()
	cfg.RetryIf = domain.IsTransient
	ack, err := retry.DoWithResult(ctx, cfg, func() (domain.OrderAck, error) {
		return e.gateway.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:   intent.Symbol,
			Side:     intent.Side,
			Quantity: quantity,
			Type:     domain.OrderTypeMarket,
		})
	})
	if err != nil {
		log.Error("entry order failed", slog.String("error", err.Error()))
		return
	}

	entryPrice := markPrice
	if ack.AvgPrice.IsPositive() {
		entryPrice = ack.AvgPrice
	}

	// 7. Create the local position. A failure here leaves us exposed on the
	// venue, so unwind the fill before giving up.
	pos, err := e.lifecycle.CreatePosition(ctx, service.CreateParams{
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Quantity:   quantity,
		EntryPrice: entryPrice,
		Leverage:   intent.Leverage,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	})
	if err != nil {
		log.Error("create position failed, unwinding fill", slog.String("error", err.Error()))
		e.unwind(ctx, intent.Symbol, intent.Side, quantity)
		return
	}

	// 8. Arm the protection layers.
	if err := e.protector.Start(ctx, pos); err != nil {
		log.Error("protection start failed", slog.String("error", err.Error()))
	}

	// 9. Reconcile right after execution.
	e.reconcile.Trigger()

	log.Info("intent executed",
		slog.String("position_id", pos.ID),
		slog.String("entry_price", entryPrice.String()),
		slog.String("quantity", quantity.String()),
		slog.String("order_id", ack.OrderID))
}

// unwind flattens a fill whose local position could not be created.
func (e *Executor) unwind(ctx context.Context, symbol string, side domain.Side, quantity decimal.Decimal) {
	exit := domain.SideShort
	if side == domain.SideShort {
		exit = domain.SideLong
	}

	cfg := retry.Aggressive()
	cfg.RetryIf = domain.IsTransient
	err := retry.Do(ctx, cfg, func() error {
		_, perr := e.gateway.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:     symbol,
			Side:       exit,
			Quantity:   quantity,
			Type:       domain.OrderTypeMarket,
			ReduceOnly: true,
		})
		return perr
	})
	if err != nil {
		// Reconciliation will flag the orphaned exchange position.
		e.logger.ErrorContext(ctx, "unwind failed, exchange position orphaned",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()))
	}
}

// stopPrice computes the stop at the configured distance on the loss side of
// entry.
func stopPrice(side domain.Side, entry, distancePct decimal.Decimal) decimal.Decimal {
	if side == domain.SideShort {
		return entry.Mul(decimal.NewFromInt(1).Add(distancePct))
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(distancePct))
}

// profitPrice computes the take profit on the win side of entry.
func profitPrice(side domain.Side, entry, distancePct decimal.Decimal) decimal.Decimal {
	if side == domain.SideShort {
		return entry.Mul(decimal.NewFromInt(1).Sub(distancePct))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(distancePct))
}
