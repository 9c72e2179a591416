// Package breaker implements the process-wide daily-loss circuit breaker.
//
// All state mutations funnel through one actor goroutine; callers send
// requests and read a cached snapshot. Concurrent closes therefore can never
// under-count loss and miss a trip.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

// Liquidator closes every open position; the breaker invokes it on trip.
// It must tolerate partial failure internally and report how many closed.
type Liquidator func(ctx context.Context, reason string) int

// Config holds the breaker parameters.
type Config struct {
	Capital      decimal.Decimal
	DailyLossPct decimal.Decimal // trip floor as fraction of capital, e.g. 0.07
}

type command struct {
	apply func(ctx context.Context)
	done  chan struct{}
}

// Breaker is the circuit breaker actor. Construct with New, install the
// liquidator, then call Run on its own goroutine before sending requests.
type Breaker struct {
	store  domain.BreakerStore
	audit  domain.AuditStore
	bus    domain.SignalBus
	logger *slog.Logger

	capital decimal.Decimal
	floor   decimal.Decimal // negative: capital * dailyLossPct * -1

	liquidate Liquidator

	cmds     chan command
	snapshot atomic.Value // domain.BreakerStatus

	// now is injectable for day-boundary tests.
	now func() time.Time
}

// New creates a Breaker. Run must be started before any other method is used.
func New(cfg Config, store domain.BreakerStore, audit domain.AuditStore, bus domain.SignalBus, logger *slog.Logger) *Breaker {
	b := &Breaker{
		store:   store,
		audit:   audit,
		bus:     bus,
		logger:  logger.With(slog.String("component", "breaker")),
		capital: cfg.Capital,
		floor:   cfg.Capital.Mul(cfg.DailyLossPct).Neg(),
		cmds:    make(chan command, 64),
		now:     time.Now,
	}
	b.snapshot.Store(domain.BreakerStatus{State: domain.BreakerActive})
	return b
}

// SetLiquidator installs the close-all hook. Wired after construction to
// break the breaker <-> lifecycle cycle.
func (b *Breaker) SetLiquidator(l Liquidator) {
	b.liquidate = l
}

// Status returns the latest snapshot. Safe from any goroutine.
func (b *Breaker) Status() domain.BreakerStatus {
	return b.snapshot.Load().(domain.BreakerStatus)
}

// Run owns all breaker state. It loads (or creates) today's record, then
// serves requests and day-boundary ticks until ctx ends.
func (b *Breaker) Run(ctx context.Context) error {
	status, err := b.loadState(ctx)
	if err != nil {
		return fmt.Errorf("breaker: load state: %w", err)
	}
	b.commit(ctx, status)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.dailyAutoReset(ctx)
		case cmd := <-b.cmds:
			b.dailyAutoReset(ctx)
			cmd.apply(ctx)
			if cmd.done != nil {
				close(cmd.done)
			}
		}
	}
}

// RecordTrade folds one close's realized P&L into the day's total and runs
// the trip check. Implements the lifecycle's PnLSink.
func (b *Breaker) RecordTrade(ctx context.Context, pnl decimal.Decimal) {
	b.send(ctx, func(actorCtx context.Context) {
		status := b.Status()
		status.DailyPnL = status.DailyPnL.Add(pnl)
		status.TradeCount++
		b.commit(actorCtx, status)
		b.checkTrip(actorCtx)
	})
}

// CheckDailyLoss evaluates the given day P&L against the floor, tripping the
// breaker when breached. Used by the periodic evaluation loop with the
// realized-plus-unrealized total.
func (b *Breaker) CheckDailyLoss(ctx context.Context, currentPnl decimal.Decimal) {
	b.send(ctx, func(actorCtx context.Context) {
		status := b.Status()
		status.DailyPnL = currentPnl
		b.commit(actorCtx, status)
		b.checkTrip(actorCtx)
	})
}

// ManualReset re-enables trading on exact token match. A wrong token returns
// ErrBadResetToken without revealing partial matches.
func (b *Breaker) ManualReset(ctx context.Context, token string) error {
	var resErr error
	b.sendWait(ctx, func(actorCtx context.Context) {
		status := b.Status()
		if status.State != domain.BreakerManualReset {
			resErr = fmt.Errorf("breaker: state %s does not accept manual reset", status.State)
			return
		}
		if token == "" || token != status.ResetToken {
			resErr = domain.ErrBadResetToken
			return
		}

		status.State = domain.BreakerActive
		status.ResetToken = ""
		b.commit(actorCtx, status)

		b.logger.InfoContext(actorCtx, "breaker manually reset")
		b.announce(actorCtx, "breaker_reset", map[string]any{"day": status.Day})
	})
	return resErr
}

// Floor returns the configured daily loss floor (a negative amount).
func (b *Breaker) Floor() decimal.Decimal {
	return b.floor
}

// --------------------------------------------------------------------------
// Actor internals. Everything below runs on the Run goroutine only.
// --------------------------------------------------------------------------

func (b *Breaker) send(ctx context.Context, apply func(context.Context)) {
	select {
	case b.cmds <- command{apply: apply}:
	case <-ctx.Done():
	}
}

func (b *Breaker) sendWait(ctx context.Context, apply func(context.Context)) {
	done := make(chan struct{})
	select {
	case b.cmds <- command{apply: apply, done: done}:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// checkTrip runs the trip sequence when the floor is breached: TRIPPED,
// liquidate everything, then MANUAL_RESET_REQUIRED with a fresh token.
func (b *Breaker) checkTrip(ctx context.Context) {
	status := b.Status()
	if status.State != domain.BreakerActive || status.DailyPnL.GreaterThan(b.floor) {
		return
	}

	now := b.now().UTC()
	status.State = domain.BreakerTripped
	status.TrippedAt = &now
	b.commit(ctx, status)

	b.logger.ErrorContext(ctx, "daily loss floor breached, tripping breaker",
		slog.String("daily_pnl", status.DailyPnL.String()),
		slog.String("floor", b.floor.String()),
	)

	closed := 0
	if b.liquidate != nil {
		closed = b.liquidate(ctx, "circuit_breaker")
	}

	status = b.Status()
	status.State = domain.BreakerManualReset
	status.ResetToken = uuid.New().String()
	b.commit(ctx, status)

	b.logger.ErrorContext(ctx, "breaker requires manual reset",
		slog.Int("positions_closed", closed))

	b.announce(ctx, "breaker_tripped", map[string]any{
		"day":              status.Day,
		"daily_pnl":        status.DailyPnL.String(),
		"floor":            b.floor.String(),
		"positions_closed": closed,
	})
}

// dailyAutoReset rolls to a fresh ACTIVE record at the day boundary. A
// breaker in MANUAL_RESET_REQUIRED survives the boundary untouched.
func (b *Breaker) dailyAutoReset(ctx context.Context) {
	status := b.Status()
	today := b.today()
	if status.Day == today || status.State == domain.BreakerManualReset {
		return
	}

	fresh := domain.BreakerStatus{
		Day:   today,
		State: domain.BreakerActive,
	}
	b.commit(ctx, fresh)
	b.logger.InfoContext(ctx, "breaker day rollover", slog.String("day", today))
}

// commit persists the status and refreshes the snapshot. Persistence errors
// are logged, not fatal: the in-memory state remains authoritative for the
// rest of the day.
func (b *Breaker) commit(ctx context.Context, status domain.BreakerStatus) {
	status.UpdatedAt = b.now().UTC()
	if status.Day == "" {
		status.Day = b.today()
	}
	b.snapshot.Store(status)

	if err := b.store.Upsert(ctx, status); err != nil {
		b.logger.ErrorContext(ctx, "persist breaker state failed",
			slog.String("error", err.Error()))
	}
}

// loadState resurrects the breaker record at boot. Today's row wins; with no
// row for today yet, a halt pending from a previous day carries over into the
// fresh day, so a restart across the UTC boundary never slips past a required
// manual reset.
func (b *Breaker) loadState(ctx context.Context) (domain.BreakerStatus, error) {
	today := b.today()
	status, err := b.store.Get(ctx, today)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.BreakerStatus{}, err
	}

	prev, err := b.store.Latest(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.BreakerStatus{Day: today, State: domain.BreakerActive}, nil
		}
		return domain.BreakerStatus{}, err
	}
	if prev.State == domain.BreakerManualReset {
		prev.Day = today
		prev.DailyPnL = decimal.Zero
		prev.TradeCount = 0
		return prev, nil
	}
	return domain.BreakerStatus{Day: today, State: domain.BreakerActive}, nil
}

func (b *Breaker) today() string {
	return b.now().UTC().Format("2006-01-02")
}

func (b *Breaker) announce(ctx context.Context, event string, detail map[string]any) {
	if err := b.audit.Log(ctx, event, detail); err != nil {
		b.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}

	detail["event"] = event
	payload, _ := json.Marshal(detail)
	if err := b.bus.Publish(ctx, "events:breaker", payload); err != nil {
		b.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
