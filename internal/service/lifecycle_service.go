// Package service implements the position lifecycle manager and the
// pre-trade risk validator.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

// Close reasons with special handling. Emergency and breaker closes are
// recorded as liquidations.
const (
	CloseReasonManual     = "manual"
	CloseReasonStopLoss   = "stop_loss"
	CloseReasonTakeProfit = "take_profit"
	CloseReasonEmergency  = "emergency_liquidation"
	CloseReasonBreaker    = "circuit_breaker"
	CloseReasonNotOnVenue = "not found on exchange"
)

// positionLockTTL bounds how long a close can hold the per-position lock.
const positionLockTTL = 10 * time.Second

// PnLSink receives the realized P&L of every close so the day's running
// total is folded into the circuit breaker.
type PnLSink interface {
	RecordTrade(ctx context.Context, pnl decimal.Decimal)
}

// CreateParams are the inputs to CreatePosition.
type CreateParams struct {
	Symbol     string
	Side       domain.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   int
	StopLoss   decimal.Decimal
	TakeProfit *decimal.Decimal
}

// LifecycleService owns creation, price updates and closure of positions.
// Every mutation of a single position is linearized through the per-id lock
// so the protection layers and ordinary closes never race on a stale read.
type LifecycleService struct {
	positions domain.PositionStore
	prices    domain.PriceCache
	locks     domain.LockManager
	bus       domain.SignalBus
	audit     domain.AuditStore
	logger    *slog.Logger

	capital        decimal.Decimal
	maxPositionPct decimal.Decimal
	maxExposurePct decimal.Decimal
	minLeverage    int
	maxLeverage    int
	symbols        map[string]bool

	pnlSink PnLSink
}

// LifecycleConfig carries the risk limits the lifecycle manager enforces
// itself, independent of the pre-trade validator.
type LifecycleConfig struct {
	Capital        decimal.Decimal
	MaxPositionPct decimal.Decimal
	MaxExposurePct decimal.Decimal
	MinLeverage    int
	MaxLeverage    int
	Symbols        []string
}

// NewLifecycleService creates a LifecycleService with all required dependencies.
func NewLifecycleService(
	cfg LifecycleConfig,
	positions domain.PositionStore,
	prices domain.PriceCache,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *LifecycleService {
	symbols := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s] = true
	}
	return &LifecycleService{
		positions:      positions,
		prices:         prices,
		locks:          locks,
		bus:            bus,
		audit:          audit,
		logger:         logger.With(slog.String("component", "lifecycle")),
		capital:        cfg.Capital,
		maxPositionPct: cfg.MaxPositionPct,
		maxExposurePct: cfg.MaxExposurePct,
		minLeverage:    cfg.MinLeverage,
		maxLeverage:    cfg.MaxLeverage,
		symbols:        symbols,
	}
}

// SetPnLSink installs the sink that receives realized P&L on every close.
// Wired after construction to break the breaker <-> lifecycle cycle.
func (s *LifecycleService) SetPnLSink(sink PnLSink) {
	s.pnlSink = sink
}

// CreatePosition validates, persists and announces a new OPEN position.
func (s *LifecycleService) CreatePosition(ctx context.Context, p CreateParams) (domain.Position, error) {
	if !s.symbols[p.Symbol] {
		return domain.Position{}, &domain.ValidationError{Field: "symbol", Reason: fmt.Sprintf("unsupported symbol %q", p.Symbol)}
	}
	if p.Side != domain.SideLong && p.Side != domain.SideShort {
		return domain.Position{}, &domain.ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", p.Side)}
	}
	if !p.Quantity.IsPositive() {
		return domain.Position{}, &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if !p.EntryPrice.IsPositive() {
		return domain.Position{}, &domain.ValidationError{Field: "entry_price", Reason: "must be positive"}
	}
	if p.Leverage < s.minLeverage || p.Leverage > s.maxLeverage {
		return domain.Position{}, &domain.ValidationError{
			Field:  "leverage",
			Reason: fmt.Sprintf("%d outside [%d,%d]", p.Leverage, s.minLeverage, s.maxLeverage),
		}
	}
	if p.StopLoss.IsZero() {
		return domain.Position{}, &domain.ValidationError{Field: "stop_loss", Reason: "required"}
	}
	if err := checkStopSide(p.Side, p.EntryPrice, p.StopLoss); err != nil {
		return domain.Position{}, err
	}

	now := time.Now().UTC()
	pos := domain.Position{
		ID:         uuid.New().String(),
		Symbol:     p.Symbol,
		Side:       p.Side,
		Quantity:   p.Quantity,
		EntryPrice: p.EntryPrice,
		Leverage:   p.Leverage,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Status:     domain.PositionStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	notional := pos.Notional()
	maxNotional := s.capital.Mul(s.maxPositionPct)
	if notional.GreaterThan(maxNotional) {
		return domain.Position{}, &domain.RiskLimitError{Limit: "position_notional", Allowed: maxNotional, Actual: notional}
	}

	exposure, err := s.GetTotalExposure(ctx)
	if err != nil {
		return domain.Position{}, fmt.Errorf("lifecycle: total exposure: %w", err)
	}
	maxExposure := s.capital.Mul(s.maxExposurePct)
	if exposure.Add(notional).GreaterThan(maxExposure) {
		return domain.Position{}, &domain.RiskLimitError{Limit: "total_exposure", Allowed: maxExposure, Actual: exposure.Add(notional)}
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("lifecycle: create position: %w", err)
	}

	s.announce(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
		"quantity":    pos.Quantity.String(),
		"entry_price": pos.EntryPrice.String(),
		"leverage":    pos.Leverage,
		"stop_loss":   pos.StopLoss.String(),
		"notional":    notional.String(),
	})

	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.String("entry_price", pos.EntryPrice.String()),
		slog.String("quantity", pos.Quantity.String()),
		slog.Int("leverage", pos.Leverage),
	)

	return pos, nil
}

// UpdatePrice recomputes unrealized P&L at the given mark and flags, without
// acting on, stop-loss and take-profit crossings. Enforcement belongs to the
// protection layers. It holds the same per-id lock as ClosePosition so a
// close landing mid-update can never be overwritten by the stale OPEN
// snapshot read here.
func (s *LifecycleService) UpdatePrice(ctx context.Context, positionID string, price decimal.Decimal) (domain.Position, error) {
	unlock, err := s.locks.Acquire(ctx, "position:"+positionID, positionLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			// A close is in flight; this tick is stale by definition.
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("lifecycle: lock position %q: %w", positionID, err)
	}
	defer unlock()

	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("lifecycle: get position %q: %w", positionID, err)
	}
	if pos.Status != domain.PositionStatusOpen {
		return domain.Position{}, domain.ErrNotFound
	}

	pos.CurrentPrice = &price
	pos.UnrealizedPnL = pos.PnLAt(price)
	pos.UpdatedAt = time.Now().UTC()

	if err := s.positions.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("lifecycle: update position %q: %w", positionID, err)
	}

	if pos.StopBreached(price) {
		s.logger.WarnContext(ctx, "stop loss crossed",
			slog.String("position_id", pos.ID),
			slog.String("price", price.String()),
			slog.String("stop_loss", pos.StopLoss.String()),
		)
	}
	if pos.TakeProfitReached(price) {
		s.logger.InfoContext(ctx, "take profit crossed",
			slog.String("position_id", pos.ID),
			slog.String("price", price.String()),
		)
	}

	return pos, nil
}

// CorrectQuantity sets a position's quantity to the exchange-reported value
// and recomputes unrealized P&L at the best known mark. Reconciliation calls
// this instead of writing the store directly so the correction is linearized
// through the same per-id lock as every other mutation.
func (s *LifecycleService) CorrectQuantity(ctx context.Context, positionID string, quantity decimal.Decimal) (domain.Position, error) {
	unlock, err := s.locks.Acquire(ctx, "position:"+positionID, positionLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("lifecycle: lock position %q: %w", positionID, err)
	}
	defer unlock()

	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	if pos.Status != domain.PositionStatusOpen {
		return domain.Position{}, domain.ErrNotFound
	}

	mark := s.markPrice(ctx, pos)
	pos.Quantity = quantity
	pos.CurrentPrice = &mark
	pos.UnrealizedPnL = pos.PnLAt(mark)
	pos.UpdatedAt = time.Now().UTC()

	if err := s.positions.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("lifecycle: correct position %q: %w", positionID, err)
	}

	s.logger.WarnContext(ctx, "position quantity corrected",
		slog.String("position_id", pos.ID),
		slog.String("quantity", quantity.String()),
	)
	return pos, nil
}

// ClosePosition finalizes a position at the given price. The guarded store
// update means exactly one caller wins when layers race; every other caller
// gets ErrNotFound and no second P&L entry exists.
func (s *LifecycleService) ClosePosition(ctx context.Context, positionID string, closePrice decimal.Decimal, reason string) (domain.Position, error) {
	unlock, err := s.locks.Acquire(ctx, "position:"+positionID, positionLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			// Someone else is closing right now; treat as already closed.
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("lifecycle: lock position %q: %w", positionID, err)
	}
	defer unlock()

	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	if pos.Status != domain.PositionStatusOpen {
		return domain.Position{}, domain.ErrNotFound
	}

	now := time.Now().UTC()
	pos.CurrentPrice = &closePrice
	pos.RealizedPnL = pos.PnLAt(closePrice)
	pos.UnrealizedPnL = decimal.Zero
	pos.CloseReason = reason
	pos.ClosedAt = &now
	pos.Status = domain.PositionStatusClosed
	if reason == CloseReasonEmergency || reason == CloseReasonBreaker {
		pos.Status = domain.PositionStatusLiquidated
	}

	if err := s.positions.Close(ctx, pos); err != nil {
		return domain.Position{}, err
	}

	if s.pnlSink != nil {
		s.pnlSink.RecordTrade(ctx, pos.RealizedPnL)
	}

	s.announce(ctx, "position_closed", map[string]any{
		"position_id":  pos.ID,
		"symbol":       pos.Symbol,
		"close_price":  closePrice.String(),
		"realized_pnl": pos.RealizedPnL.String(),
		"reason":       reason,
		"status":       string(pos.Status),
	})

	s.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("close_price", closePrice.String()),
		slog.String("realized_pnl", pos.RealizedPnL.String()),
		slog.String("reason", reason),
	)

	return pos, nil
}

// CloseAll closes every OPEN position at its latest mark. Failures are
// logged and the sweep continues; it returns the number of positions closed.
func (s *LifecycleService) CloseAll(ctx context.Context, reason string) int {
	open, err := s.positions.GetOpen(ctx, "")
	if err != nil {
		s.logger.ErrorContext(ctx, "close all: list open positions failed",
			slog.String("error", err.Error()))
		return 0
	}

	closed := 0
	for _, pos := range open {
		price := s.markPrice(ctx, pos)
		if _, err := s.ClosePosition(ctx, pos.ID, price, reason); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue // someone else got there first
			}
			s.logger.ErrorContext(ctx, "close all: close failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
			continue
		}
		closed++
	}
	return closed
}

// GetPosition returns a single position by id.
func (s *LifecycleService) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	return s.positions.GetByID(ctx, id)
}

// GetActivePositions returns all OPEN positions, optionally filtered by symbol.
func (s *LifecycleService) GetActivePositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	return s.positions.GetOpen(ctx, symbol)
}

// ListHistory returns closed and liquidated positions, newest first.
func (s *LifecycleService) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	return s.positions.ListHistory(ctx, opts)
}

// GetTotalExposure sums the notional of every OPEN position.
func (s *LifecycleService) GetTotalExposure(ctx context.Context) (decimal.Decimal, error) {
	open, err := s.positions.GetOpen(ctx, "")
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, pos := range open {
		total = total.Add(pos.Notional())
	}
	return total, nil
}

// GetDailyPnl returns the day's P&L: realized on closed positions plus
// unrealized on currently open ones.
func (s *LifecycleService) GetDailyPnl(ctx context.Context, day string) (decimal.Decimal, error) {
	realized, err := s.positions.DailyRealizedPnL(ctx, day)
	if err != nil {
		return decimal.Zero, err
	}

	open, err := s.positions.GetOpen(ctx, "")
	if err != nil {
		return decimal.Zero, err
	}
	total := realized
	for _, pos := range open {
		total = total.Add(pos.UnrealizedPnL)
	}
	return total, nil
}

// BookSnapshot returns the point-in-time view the risk validator checks
// against.
func (s *LifecycleService) BookSnapshot(ctx context.Context) (domain.BookSnapshot, error) {
	open, err := s.positions.GetOpen(ctx, "")
	if err != nil {
		return domain.BookSnapshot{}, err
	}
	snap := domain.BookSnapshot{OpenCount: len(open), TotalExposure: decimal.Zero}
	for _, pos := range open {
		snap.TotalExposure = snap.TotalExposure.Add(pos.Notional())
	}
	return snap, nil
}

// Capital returns the configured account capital.
func (s *LifecycleService) Capital() decimal.Decimal {
	return s.capital
}

// markPrice resolves the best known mark for a position: cache first, then
// the last stored mark, then entry.
func (s *LifecycleService) markPrice(ctx context.Context, pos domain.Position) decimal.Decimal {
	if price, _, err := s.prices.GetPrice(ctx, pos.Symbol); err == nil {
		return price
	}
	if pos.CurrentPrice != nil {
		return *pos.CurrentPrice
	}
	return pos.EntryPrice
}

// announce writes an audit event and publishes it on the signal bus; both
// are best effort.
func (s *LifecycleService) announce(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}

	detail["event"] = event
	payload, _ := json.Marshal(detail)
	if err := s.bus.Publish(ctx, "events:positions", payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

// checkStopSide verifies the stop sits on the loss side of entry.
func checkStopSide(side domain.Side, entry, stop decimal.Decimal) error {
	if side == domain.SideShort {
		if stop.LessThanOrEqual(entry) {
			return &domain.ValidationError{Field: "stop_loss", Reason: "must be above entry for short"}
		}
		return nil
	}
	if stop.GreaterThanOrEqual(entry) {
		return &domain.ValidationError{Field: "stop_loss", Reason: "must be below entry for long"}
	}
	return nil
}
