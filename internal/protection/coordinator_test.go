package protection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

type fakeLifecycle struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	closes    []string // reasons, in order
	getErrs   int      // GetPosition failures to serve before succeeding
}

func newFakeLifecycle(positions ...domain.Position) *fakeLifecycle {
	f := &fakeLifecycle{positions: make(map[string]domain.Position)}
	for _, pos := range positions {
		f.positions[pos.ID] = pos
	}
	return f
}

func (f *fakeLifecycle) GetPosition(_ context.Context, id string) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErrs > 0 {
		f.getErrs--
		return domain.Position{}, errors.New("store timeout")
	}
	pos, ok := f.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (f *fakeLifecycle) ClosePosition(_ context.Context, id string, closePrice decimal.Decimal, reason string) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, ok := f.positions[id]
	if !ok || pos.Status != domain.PositionStatusOpen {
		return domain.Position{}, domain.ErrNotFound
	}
	pos.Status = domain.PositionStatusClosed
	pos.CurrentPrice = &closePrice
	pos.RealizedPnL = pos.PnLAt(closePrice)
	pos.CloseReason = reason
	f.positions[id] = pos
	f.closes = append(f.closes, reason)
	return pos, nil
}

func (f *fakeLifecycle) closeReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closes...)
}

func (f *fakeLifecycle) status(id string) domain.PositionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[id].Status
}

type fakeGateway struct {
	mu        sync.Mutex
	orders    []domain.OrderRequest
	cancels   []string
	failStops bool
}

func (g *fakeGateway) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failStops && req.Type == domain.OrderTypeStopMarket {
		return domain.OrderAck{}, &domain.ExchangeError{Op: "place order", Err: errors.New("rejected")}
	}
	g.orders = append(g.orders, req)
	return domain.OrderAck{OrderID: "o1", Status: "NEW"}, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, _, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, orderID)
	return nil
}

func (g *fakeGateway) FetchPosition(_ context.Context, _ string) (domain.ExchangePosition, error) {
	return domain.ExchangePosition{}, domain.ErrNotFound
}

func (g *fakeGateway) FetchAllPositions(_ context.Context) ([]domain.ExchangePosition, error) {
	return nil, nil
}

func (g *fakeGateway) placed() []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.OrderRequest(nil), g.orders...)
}

func (g *fakeGateway) cancelled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancels...)
}

type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func newMemPriceCache() *memPriceCache {
	return &memPriceCache{prices: make(map[string]decimal.Decimal)}
}

func (c *memPriceCache) SetPrice(_ context.Context, symbol string, price decimal.Decimal, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
	return nil
}

func (c *memPriceCache) GetPrice(_ context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price, ok := c.prices[symbol]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return price, time.Now(), nil
}

func (c *memPriceCache) GetPrices(_ context.Context, _ []string) (map[string]decimal.Decimal, error) {
	return nil, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{Event: event, Detail: detail})
	return nil
}

func (a *memAudit) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memBus struct{}

func (memBus) Publish(_ context.Context, _ string, _ []byte) error { return nil }
func (memBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

// --------------------------------------------------------------------------
// Fixture
// --------------------------------------------------------------------------

func openLong() domain.Position {
	return domain.Position{
		ID:         "p1",
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		Quantity:   d("0.001"),
		EntryPrice: d("50000"),
		Leverage:   10,
		StopLoss:   d("49000"),
		Status:     domain.PositionStatusOpen,
	}
}

type protectionFixture struct {
	coord     *Coordinator
	lifecycle *fakeLifecycle
	gateway   *fakeGateway
	prices    *memPriceCache
}

// newFixture uses millisecond intervals so the layers cycle fast under test.
func newFixture(t *testing.T, cfg Config, positions ...domain.Position) *protectionFixture {
	t.Helper()
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = 10 * time.Millisecond
	}
	if cfg.EmergencyInterval == 0 {
		cfg.EmergencyInterval = 10 * time.Millisecond
	}
	if cfg.EmergencyLossPct.IsZero() {
		cfg.EmergencyLossPct = d("0.15")
	}

	f := &protectionFixture{
		lifecycle: newFakeLifecycle(positions...),
		gateway:   &fakeGateway{},
		prices:    newMemPriceCache(),
	}
	f.coord = NewCoordinator(cfg, f.lifecycle, f.gateway, f.prices, &memAudit{}, memBus{}, slog.Default())
	return f
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestStartPlacesExchangeStop(t *testing.T) {
	pos := openLong()
	f := newFixture(t, Config{MonitorInterval: time.Hour, EmergencyInterval: time.Hour}, pos)

	require.NoError(t, f.coord.Start(context.Background(), pos))
	defer f.coord.Stop(context.Background(), pos.ID)

	orders := f.gateway.placed()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderTypeStopMarket, orders[0].Type)
	assert.True(t, orders[0].ReduceOnly)
	assert.Equal(t, domain.SideShort, orders[0].Side) // closing a long sells
	require.NotNil(t, orders[0].StopPrice)
	assert.True(t, pos.StopLoss.Equal(*orders[0].StopPrice))

	records := f.coord.Protections()
	require.Len(t, records, 1)
	assert.True(t, records[0].ExchangeOrderActive)
	assert.True(t, records[0].MonitorActive)
	assert.True(t, records[0].EmergencyActive)
}

func TestStartRejectsNonOpen(t *testing.T) {
	pos := openLong()
	pos.Status = domain.PositionStatusClosed
	f := newFixture(t, Config{}, pos)

	assert.Error(t, f.coord.Start(context.Background(), pos))
}

func TestStartRejectsDuplicate(t *testing.T) {
	pos := openLong()
	f := newFixture(t, Config{MonitorInterval: time.Hour, EmergencyInterval: time.Hour}, pos)

	require.NoError(t, f.coord.Start(context.Background(), pos))
	defer f.coord.Stop(context.Background(), pos.ID)

	assert.Error(t, f.coord.Start(context.Background(), pos))
}

func TestMonitorClosesOnStopBreach(t *testing.T) {
	pos := openLong()
	// Emergency layer parked so layer 2 acts alone.
	f := newFixture(t, Config{EmergencyInterval: time.Hour}, pos)
	ctx := context.Background()

	require.NoError(t, f.prices.SetPrice(ctx, pos.Symbol, d("48900"), time.Now()))
	require.NoError(t, f.coord.Start(ctx, pos))

	require.Eventually(t, func() bool {
		return f.lifecycle.status(pos.ID) == domain.PositionStatusClosed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"stop_loss"}, f.lifecycle.closeReasons())

	// Guard tears itself down and cancels the resting stop.
	require.Eventually(t, func() bool {
		return len(f.coord.Protections()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"o1"}, f.gateway.cancelled())
}

func TestMonitorClosesOnTakeProfit(t *testing.T) {
	pos := openLong()
	tp := d("52000")
	pos.TakeProfit = &tp
	f := newFixture(t, Config{EmergencyInterval: time.Hour}, pos)
	ctx := context.Background()

	require.NoError(t, f.prices.SetPrice(ctx, pos.Symbol, d("52100"), time.Now()))
	require.NoError(t, f.coord.Start(ctx, pos))

	require.Eventually(t, func() bool {
		return f.lifecycle.status(pos.ID) == domain.PositionStatusClosed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"take_profit"}, f.lifecycle.closeReasons())
}

func TestEmergencyCloseOnRawLoss(t *testing.T) {
	pos := openLong()
	// Monitor parked; the 16% raw move must be caught by layer 3 alone.
	f := newFixture(t, Config{MonitorInterval: time.Hour}, pos)
	ctx := context.Background()

	require.NoError(t, f.prices.SetPrice(ctx, pos.Symbol, d("42000"), time.Now()))
	require.NoError(t, f.coord.Start(ctx, pos))

	require.Eventually(t, func() bool {
		return f.lifecycle.status(pos.ID) == domain.PositionStatusClosed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"emergency_liquidation"}, f.lifecycle.closeReasons())
}

func TestEmergencyIgnoresSmallLoss(t *testing.T) {
	pos := openLong()
	f := newFixture(t, Config{MonitorInterval: time.Hour}, pos)
	ctx := context.Background()

	// 10% raw loss: breaches the 2% stop but not the 15% emergency line.
	// With the monitor parked nothing may act.
	require.NoError(t, f.prices.SetPrice(ctx, pos.Symbol, d("45000"), time.Now()))
	require.NoError(t, f.coord.Start(ctx, pos))
	defer f.coord.Stop(ctx, pos.ID)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.PositionStatusOpen, f.lifecycle.status(pos.ID))
	assert.Empty(t, f.lifecycle.closeReasons())
}

func TestLayersStandDownWhenClosedElsewhere(t *testing.T) {
	pos := openLong()
	f := newFixture(t, Config{}, pos)
	ctx := context.Background()

	require.NoError(t, f.prices.SetPrice(ctx, pos.Symbol, d("50000"), time.Now()))
	require.NoError(t, f.coord.Start(ctx, pos))

	// Manual close from outside the protection path.
	_, err := f.lifecycle.ClosePosition(ctx, pos.ID, d("50000"), "manual")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.coord.Protections()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Only the manual close happened; no protective close fired.
	assert.Equal(t, []string{"manual"}, f.lifecycle.closeReasons())
}

func TestExchangeStopFailureStillGuards(t *testing.T) {
	pos := openLong()
	f := newFixture(t, Config{EmergencyInterval: time.Hour}, pos)
	f.gateway.failStops = true
	ctx := context.Background()

	require.NoError(t, f.prices.SetPrice(ctx, pos.Symbol, d("48900"), time.Now()))
	require.NoError(t, f.coord.Start(ctx, pos))

	records := f.coord.Protections()
	require.Len(t, records, 1)
	assert.False(t, records[0].ExchangeOrderActive)

	// Layer 2 still converges on the close.
	require.Eventually(t, func() bool {
		return f.lifecycle.status(pos.ID) == domain.PositionStatusClosed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"stop_loss"}, f.lifecycle.closeReasons())
}

func TestTransientReadErrorKeepsGuardArmed(t *testing.T) {
	pos := openLong()
	f := newFixture(t, Config{EmergencyInterval: time.Hour}, pos)
	ctx := context.Background()

	// Benign mark, then a burst of store read failures.
	require.NoError(t, f.prices.SetPrice(ctx, pos.Symbol, d("50000"), time.Now()))
	f.lifecycle.mu.Lock()
	f.lifecycle.getErrs = 3
	f.lifecycle.mu.Unlock()

	require.NoError(t, f.coord.Start(ctx, pos))

	// Several cycles of read trouble: the guard and the resting exchange stop
	// must both survive.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.coord.Protections(), 1)
	assert.Empty(t, f.gateway.cancelled())
	assert.Equal(t, domain.PositionStatusOpen, f.lifecycle.status(pos.ID))

	// Once reads recover the layer is still live and catches the breach.
	require.NoError(t, f.prices.SetPrice(ctx, pos.Symbol, d("48900"), time.Now()))
	require.Eventually(t, func() bool {
		return f.lifecycle.status(pos.ID) == domain.PositionStatusClosed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"stop_loss"}, f.lifecycle.closeReasons())
}

func TestStopIdempotent(t *testing.T) {
	pos := openLong()
	f := newFixture(t, Config{MonitorInterval: time.Hour, EmergencyInterval: time.Hour}, pos)
	ctx := context.Background()

	require.NoError(t, f.coord.Start(ctx, pos))
	f.coord.Stop(ctx, pos.ID)
	f.coord.Stop(ctx, pos.ID) // second stop is a no-op

	assert.Empty(t, f.coord.Protections())
	assert.Equal(t, []string{"o1"}, f.gateway.cancelled())
}
