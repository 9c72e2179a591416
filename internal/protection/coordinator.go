// Package protection runs the per-position stop-loss guard: three
// independently-failing layers that converge on closing a position once its
// stop is breached.
//
// Layer 1 is a reduce-only stop order resting on the exchange. Layer 2 is a
// local monitor re-reading the mark on a fixed period and issuing a market
// close when the stop condition holds. Layer 3 is an emergency backstop
// keyed off raw loss percentage, independent of the configured stop
// distance. All three start together and stand down the instant the
// position leaves OPEN by any path.
package protection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
	"tradeguard/internal/retry"
)

// Lifecycle is the slice of the position lifecycle API the layers act
// through.
type Lifecycle interface {
	GetPosition(ctx context.Context, id string) (domain.Position, error)
	ClosePosition(ctx context.Context, id string, closePrice decimal.Decimal, reason string) (domain.Position, error)
}

// Config holds the protection layer parameters.
type Config struct {
	MonitorInterval   time.Duration   // layer-2 period
	EmergencyInterval time.Duration   // layer-3 period
	EmergencyLossPct  decimal.Decimal // layer-3 raw-loss threshold, fraction of entry
}

// guard is the live state for one protected position.
type guard struct {
	mu     sync.Mutex
	record domain.Protection
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// trigger records the acting layer; only the first caller wins.
func (g *guard) trigger(layer domain.ProtectionLayer, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.record.TriggeredLayer != "" {
		return false
	}
	g.record.TriggeredLayer = layer
	g.record.TriggeredAt = &now
	return true
}

func (g *guard) snapshot() domain.Protection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.record
}

// Coordinator owns one guard per open position.
type Coordinator struct {
	cfg       Config
	lifecycle Lifecycle
	gateway   domain.ExchangeGateway
	prices    domain.PriceCache
	audit     domain.AuditStore
	bus       domain.SignalBus
	logger    *slog.Logger

	mu     sync.Mutex
	guards map[string]*guard
}

// NewCoordinator creates a Coordinator with all required dependencies.
func NewCoordinator(
	cfg Config,
	lifecycle Lifecycle,
	gateway domain.ExchangeGateway,
	prices domain.PriceCache,
	audit domain.AuditStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		lifecycle: lifecycle,
		gateway:   gateway,
		prices:    prices,
		audit:     audit,
		bus:       bus,
		logger:    logger.With(slog.String("component", "protection")),
		guards:    make(map[string]*guard),
	}
}

// Start brings up all three layers for the given position. It is an error to
// start protection twice for the same position.
func (c *Coordinator) Start(ctx context.Context, pos domain.Position) error {
	if pos.Status != domain.PositionStatusOpen {
		return fmt.Errorf("protection: position %s is not open", pos.ID)
	}

	c.mu.Lock()
	if _, exists := c.guards[pos.ID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("protection: position %s already protected", pos.ID)
	}

	guardCtx, cancel := context.WithCancel(ctx)
	g := &guard{
		cancel: cancel,
		record: domain.Protection{
			PositionID:      pos.ID,
			Symbol:          pos.Symbol,
			StopPrice:       pos.StopLoss,
			MonitorActive:   true,
			EmergencyActive: true,
			StartedAt:       time.Now().UTC(),
		},
	}
	c.guards[pos.ID] = g
	c.mu.Unlock()

	// Layer 1: rest a reduce-only stop on the exchange. A failure here is
	// logged, not fatal; layers 2 and 3 still guard the position.
	orderID, err := c.placeStopOrder(ctx, pos)
	g.mu.Lock()
	if err != nil {
		c.logger.ErrorContext(ctx, "exchange stop order failed, relying on local layers",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
	} else {
		g.record.ExchangeOrderID = orderID
		g.record.ExchangeOrderActive = true
	}
	g.mu.Unlock()

	g.wg.Add(2)
	go c.monitorLoop(guardCtx, g)
	go c.emergencyLoop(guardCtx, g)

	c.logger.InfoContext(ctx, "protection started",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("stop_price", pos.StopLoss.String()),
		slog.Bool("exchange_order", err == nil),
	)
	return nil
}

// Resume starts protection for every position in positions that does not
// already have a guard, used at boot to re-arm open positions.
func (c *Coordinator) Resume(ctx context.Context, positions []domain.Position) {
	for _, pos := range positions {
		if err := c.Start(ctx, pos); err != nil {
			c.logger.WarnContext(ctx, "resume protection failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
		}
	}
}

// Stop tears down the guard for a position: cancels the layers and, when a
// resting exchange stop exists, cancels it best effort.
func (c *Coordinator) Stop(ctx context.Context, positionID string) {
	c.mu.Lock()
	g, ok := c.guards[positionID]
	if ok {
		delete(c.guards, positionID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	g.cancel()
	g.wg.Wait()

	rec := g.snapshot()
	if rec.ExchangeOrderActive && rec.ExchangeOrderID != "" {
		if err := c.gateway.CancelOrder(ctx, rec.Symbol, rec.ExchangeOrderID); err != nil {
			c.logger.WarnContext(ctx, "cancel exchange stop failed",
				slog.String("position_id", positionID),
				slog.String("order_id", rec.ExchangeOrderID),
				slog.String("error", err.Error()))
		}
	}

	c.logger.InfoContext(ctx, "protection stopped", slog.String("position_id", positionID))
}

// Protections returns a snapshot of every live guard.
func (c *Coordinator) Protections() []domain.Protection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Protection, 0, len(c.guards))
	for _, g := range c.guards {
		out = append(out, g.snapshot())
	}
	return out
}

// --------------------------------------------------------------------------
// Layers
// --------------------------------------------------------------------------

// monitorLoop is layer 2: every MonitorInterval it re-reads the mark and
// closes the position at market when the stop condition holds, regardless of
// the exchange order's fate.
func (c *Coordinator) monitorLoop(ctx context.Context, g *guard) {
	defer g.wg.Done()

	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pos, ok := c.stillOpen(ctx, g)
		if !ok {
			// Either the guard is being torn down (ctx cancels shortly)
			// or the read failed; both resolve on a later cycle.
			continue
		}

		price, _, err := c.prices.GetPrice(ctx, pos.Symbol)
		if err != nil {
			continue // no tick yet; next cycle
		}

		switch {
		case pos.StopBreached(price):
			c.act(ctx, g, pos, price, domain.LayerAppMonitor, "stop_loss")
		case pos.TakeProfitReached(price):
			c.act(ctx, g, pos, price, domain.LayerAppMonitor, "take_profit")
		}
	}
}

// emergencyLoop is layer 3: every EmergencyInterval it computes the raw
// adverse move and force-closes past the configured threshold, backstopping
// both other layers.
func (c *Coordinator) emergencyLoop(ctx context.Context, g *guard) {
	defer g.wg.Done()

	ticker := time.NewTicker(c.cfg.EmergencyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pos, ok := c.stillOpen(ctx, g)
		if !ok {
			continue
		}

		price, _, err := c.prices.GetPrice(ctx, pos.Symbol)
		if err != nil {
			continue
		}

		if pos.LossFraction(price).GreaterThanOrEqual(c.cfg.EmergencyLossPct) {
			c.logger.ErrorContext(ctx, "EMERGENCY: raw loss past threshold, force closing",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.Symbol),
				slog.String("loss_fraction", pos.LossFraction(price).String()),
				slog.String("threshold", c.cfg.EmergencyLossPct.String()),
			)
			c.act(ctx, g, pos, price, domain.LayerEmergency, "emergency_liquidation")
		}
	}
}

// stillOpen is every layer's first action each cycle: verify the position is
// still OPEN and stand down silently once it is not. A closed position being
// "closed again" is a no-op, never an error. Standing down requires proof:
// only ErrNotFound or a terminal status tears the guard down, while a store
// read failure leaves all layers armed for the next cycle.
func (c *Coordinator) stillOpen(ctx context.Context, g *guard) (domain.Position, bool) {
	id := g.snapshot().PositionID
	pos, err := c.lifecycle.GetPosition(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			go c.Stop(context.WithoutCancel(ctx), id)
			return domain.Position{}, false
		}
		c.logger.WarnContext(ctx, "position read failed, keeping guard armed",
			slog.String("position_id", id),
			slog.String("error", err.Error()))
		return domain.Position{}, false
	}
	if pos.Status != domain.PositionStatusOpen {
		go c.Stop(context.WithoutCancel(ctx), id)
		return domain.Position{}, false
	}
	return pos, true
}

// act closes the position through the exchange and the local store, records
// the acting layer, and tears the guard down. Another layer having acted
// first makes this a silent no-op.
func (c *Coordinator) act(ctx context.Context, g *guard, pos domain.Position, price decimal.Decimal, layer domain.ProtectionLayer, reason string) {
	now := time.Now().UTC()
	if !g.trigger(layer, now) {
		return
	}

	fillPrice := c.marketClose(ctx, pos, price)

	if _, err := c.lifecycle.ClosePosition(ctx, pos.ID, fillPrice, reason); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Someone else closed it between our read and our write.
			go c.Stop(context.WithoutCancel(ctx), pos.ID)
			return
		}
		// Leave the trigger recorded but let the next cycle (or the next
		// layer) converge on the close rather than crash.
		c.logger.ErrorContext(ctx, "protective close failed",
			slog.String("position_id", pos.ID),
			slog.String("layer", string(layer)),
			slog.String("error", err.Error()))
		g.mu.Lock()
		g.record.TriggeredLayer = ""
		g.record.TriggeredAt = nil
		g.mu.Unlock()
		return
	}

	c.announce(ctx, "protection_triggered", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"layer":       string(layer),
		"reason":      reason,
		"price":       fillPrice.String(),
	})

	go c.Stop(context.WithoutCancel(ctx), pos.ID)
}

// marketClose sends the reduce-only market order that flattens the position,
// retrying transient failures aggressively. A permanent rejection usually
// means the venue is already flat (the resting stop filled), so the caller
// proceeds with the local close either way. It returns the best known fill
// price.
func (c *Coordinator) marketClose(ctx context.Context, pos domain.Position, price decimal.Decimal) decimal.Decimal {
	cfg := retry.Aggressive()
	cfg.RetryIf = domain.IsTransient
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "close order retry",
			slog.String("position_id", pos.ID),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}

	ack, err := retry.DoWithResult(ctx, cfg, func() (domain.OrderAck, error) {
		return c.gateway.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       closeSide(pos.Side),
			Quantity:   pos.Quantity,
			Type:       domain.OrderTypeMarket,
			ReduceOnly: true,
		})
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "close order not accepted, closing local record anyway",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
		return price
	}
	if ack.AvgPrice.IsPositive() {
		return ack.AvgPrice
	}
	return price
}

// placeStopOrder rests the layer-1 reduce-only stop on the exchange.
func (c *Coordinator) placeStopOrder(ctx context.Context, pos domain.Position) (string, error) {
	cfg := retry.Default()
	cfg.RetryIf = domain.IsTransient

	stop := pos.StopLoss
	ack, err := retry.DoWithResult(ctx, cfg, func() (domain.OrderAck, error) {
		return c.gateway.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       closeSide(pos.Side),
			Quantity:   pos.Quantity,
			Type:       domain.OrderTypeStopMarket,
			ReduceOnly: true,
			StopPrice:  &stop,
		})
	})
	if err != nil {
		return "", err
	}
	return ack.OrderID, nil
}

// closeSide maps a position's direction to the fill direction that flattens
// it.
func closeSide(side domain.Side) domain.Side {
	if side == domain.SideLong {
		return domain.SideShort
	}
	return domain.SideLong
}

func (c *Coordinator) announce(ctx context.Context, event string, detail map[string]any) {
	if err := c.audit.Log(ctx, event, detail); err != nil {
		c.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}

	detail["event"] = event
	payload, _ := json.Marshal(detail)
	if err := c.bus.Publish(ctx, "events:protection", payload); err != nil {
		c.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
