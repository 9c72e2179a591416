// Package reconcile audits locally-tracked positions against the exchange's
// authoritative state and heals drift.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

// Lifecycle is the slice of the position lifecycle API reconciliation heals
// through. Going through the lifecycle rather than the store keeps every
// correction behind the same per-position lock as ordinary closes.
type Lifecycle interface {
	ClosePosition(ctx context.Context, id string, closePrice decimal.Decimal, reason string) (domain.Position, error)
	CorrectQuantity(ctx context.Context, id string, quantity decimal.Decimal) (domain.Position, error)
}

// Config holds reconciliation parameters.
type Config struct {
	Interval     time.Duration
	ThresholdPct decimal.Decimal // relative discrepancy above which local state is corrected
}

// Service compares every locally OPEN position with the exchange and applies
// the three-way outcome: match, corrected (exchange is ground truth), or
// flagged for review (unknown exchange positions are never silently
// adopted). It runs on a fixed period and immediately after every order
// execution.
type Service struct {
	cfg       Config
	positions domain.PositionStore
	prices    domain.PriceCache
	gateway   domain.ExchangeGateway
	lifecycle Lifecycle
	audit     domain.AuditStore
	bus       domain.SignalBus
	logger    *slog.Logger

	trigger chan struct{}
}

// New creates a reconciliation Service.
func New(
	cfg Config,
	positions domain.PositionStore,
	prices domain.PriceCache,
	gateway domain.ExchangeGateway,
	lifecycle Lifecycle,
	audit domain.AuditStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		positions: positions,
		prices:    prices,
		gateway:   gateway,
		lifecycle: lifecycle,
		audit:     audit,
		bus:       bus,
		logger:    logger.With(slog.String("component", "reconcile")),
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger requests an immediate sweep, called after every order execution.
// Coalesces when a sweep is already pending.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run sweeps on the configured period and on every Trigger until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.trigger:
		}

		results := s.ReconcileAll(ctx)
		for _, r := range results {
			if r.Outcome != domain.ReconcileMatch {
				s.logger.WarnContext(ctx, "reconciliation discrepancy",
					slog.String("position_id", r.PositionID),
					slog.String("symbol", r.Symbol),
					slog.String("outcome", string(r.Outcome)),
					slog.String("note", r.Note))
			}
		}
	}
}

// ReconcileAll audits every locally OPEN position and scans for exchange
// positions unknown locally. Each position is an isolated fault domain: a
// failure on one never aborts the sweep.
func (s *Service) ReconcileAll(ctx context.Context) []domain.ReconcileResult {
	open, err := s.positions.GetOpen(ctx, "")
	if err != nil {
		s.logger.ErrorContext(ctx, "list open positions failed", slog.String("error", err.Error()))
		return nil
	}

	results := make([]domain.ReconcileResult, 0, len(open))
	localSymbols := make(map[string]bool, len(open))
	for _, pos := range open {
		localSymbols[pos.Symbol] = true
		results = append(results, s.reconcileOne(ctx, pos))
	}

	// Scan the venue for positions we do not know about.
	exPositions, err := s.gateway.FetchAllPositions(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "fetch all positions failed", slog.String("error", err.Error()))
		return results
	}
	for _, ex := range exPositions {
		if localSymbols[ex.Symbol] {
			continue
		}
		r := domain.ReconcileResult{
			Symbol:           ex.Symbol,
			Outcome:          domain.ReconcileFlagged,
			ExchangeQuantity: ex.Quantity,
			Note:             "exchange position with no local record; risk parameters unknown, manual review required",
			CheckedAt:        time.Now().UTC(),
		}
		results = append(results, r)
		s.logger.ErrorContext(ctx, "unknown exchange position flagged for review",
			slog.String("symbol", ex.Symbol),
			slog.String("quantity", ex.Quantity.String()))
		s.announce(ctx, "reconcile_flagged", map[string]any{
			"symbol":   ex.Symbol,
			"quantity": ex.Quantity.String(),
		})
	}

	return results
}

// reconcileOne compares one local position against the exchange.
func (s *Service) reconcileOne(ctx context.Context, pos domain.Position) domain.ReconcileResult {
	result := domain.ReconcileResult{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		LocalQuantity: pos.Quantity,
		CheckedAt:     time.Now().UTC(),
	}

	ex, err := s.gateway.FetchPosition(ctx, pos.Symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return s.closeMissing(ctx, pos, result)
		}
		// Transient exchange trouble: report a match-by-default nothing-done
		// outcome and let the next sweep retry.
		result.Outcome = domain.ReconcileMatch
		result.Note = "exchange unreachable, skipped: " + err.Error()
		return result
	}

	result.ExchangeQuantity = ex.Quantity
	result.Discrepancy = relativeDiscrepancy(pos.Quantity, ex.Quantity)
	result.ExceededThreshold = result.Discrepancy.Abs().GreaterThan(s.cfg.ThresholdPct)

	if !result.ExceededThreshold {
		result.Outcome = domain.ReconcileMatch
		return result
	}

	// Exchange is ground truth: correct the local record through the
	// lifecycle so the write holds the per-position lock.
	if _, err := s.lifecycle.CorrectQuantity(ctx, pos.ID, ex.Quantity); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Closed between the snapshot and the correction.
			result.Outcome = domain.ReconcileMatch
			result.Note = "position closed during sweep"
			return result
		}
		result.Outcome = domain.ReconcileMatch
		result.Note = "correction failed: " + err.Error()
		s.logger.ErrorContext(ctx, "quantity correction failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
		return result
	}

	result.Outcome = domain.ReconcileCorrected
	result.Note = "local quantity corrected to exchange value"
	s.announce(ctx, "reconcile_corrected", map[string]any{
		"position_id":  pos.ID,
		"symbol":       pos.Symbol,
		"local_qty":    result.LocalQuantity.String(),
		"exchange_qty": ex.Quantity.String(),
		"discrepancy":  result.Discrepancy.String(),
	})
	return result
}

// closeMissing closes a position the exchange no longer has, rather than
// leaving it dangling locally.
func (s *Service) closeMissing(ctx context.Context, pos domain.Position, result domain.ReconcileResult) domain.ReconcileResult {
	price := pos.EntryPrice
	if pos.CurrentPrice != nil {
		price = *pos.CurrentPrice
	} else if mark, _, err := s.prices.GetPrice(ctx, pos.Symbol); err == nil {
		price = mark
	}

	if _, err := s.lifecycle.ClosePosition(ctx, pos.ID, price, "not found on exchange"); err != nil && !errors.Is(err, domain.ErrNotFound) {
		result.Outcome = domain.ReconcileMatch
		result.Note = "close of missing position failed: " + err.Error()
		return result
	}

	result.Outcome = domain.ReconcileClosedMissing
	result.Note = "closed locally; exchange reports flat"
	s.announce(ctx, "reconcile_closed_missing", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
	})
	return result
}

// relativeDiscrepancy returns (exchange-local)/local, signed; zero when the
// local quantity is zero.
func relativeDiscrepancy(local, exchange decimal.Decimal) decimal.Decimal {
	if local.IsZero() {
		return decimal.Zero
	}
	return exchange.Sub(local).Div(local)
}

func (s *Service) announce(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}

	detail["event"] = event
	payload, _ := json.Marshal(detail)
	if err := s.bus.Publish(ctx, "events:reconcile", payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
