package breaker

import (
	"context"
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

type memBreakerStore struct {
	mu   sync.Mutex
	rows map[string]domain.BreakerStatus
}

func newMemBreakerStore() *memBreakerStore {
	return &memBreakerStore{rows: make(map[string]domain.BreakerStatus)}
}

func (s *memBreakerStore) Get(_ context.Context, day string) (domain.BreakerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.rows[day]
	if !ok {
		return domain.BreakerStatus{}, domain.ErrNotFound
	}
	return status, nil
}

func (s *memBreakerStore) Latest(_ context.Context) (domain.BreakerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest domain.BreakerStatus
	for day, status := range s.rows {
		if day > latest.Day {
			latest = status
		}
	}
	if latest.Day == "" {
		return domain.BreakerStatus{}, domain.ErrNotFound
	}
	return latest, nil
}

func (s *memBreakerStore) Upsert(_ context.Context, status domain.BreakerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[status.Day] = status
	return nil
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
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: make(map[string][][]byte)}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

type countingLiquidator struct {
	mu      sync.Mutex
	calls   int
	reasons []string
	closed  int
}

func (l *countingLiquidator) liquidate(_ context.Context, reason string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.reasons = append(l.reasons, reason)
	return l.closed
}

type breakerFixture struct {
	brk    *Breaker
	store  *memBreakerStore
	liq    *countingLiquidator
	cancel context.CancelFunc
}

// startBreaker runs the actor with a 2626.96 capital / 7% floor config, so
// the trip floor is -183.8872.
func startBreaker(t *testing.T) *breakerFixture {
	t.Helper()
	store := newMemBreakerStore()
	liq := &countingLiquidator{closed: 2}

	brk := New(Config{
		Capital:      d("2626.96"),
		DailyLossPct: d("0.07"),
	}, store, &memAudit{}, newMemBus(), slog.Default())
	brk.SetLiquidator(liq.liquidate)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = brk.Run(ctx) }()
	t.Cleanup(cancel)

	// Wait for the actor to load today's record.
	require.Eventually(t, func() bool {
		return brk.Status().Day != ""
	}, time.Second, 5*time.Millisecond)

	return &breakerFixture{brk: brk, store: store, liq: liq, cancel: cancel}
}

func waitState(t *testing.T, brk *Breaker, state domain.BreakerState) domain.BreakerStatus {
	t.Helper()
	require.Eventually(t, func() bool {
		return brk.Status().State == state
	}, time.Second, 5*time.Millisecond)
	return brk.Status()
}

func TestFloor(t *testing.T) {
	f := startBreaker(t)
	assert.True(t, d("-183.8872").Equal(f.brk.Floor()))
}

func TestRecordTradeAccumulates(t *testing.T) {
	f := startBreaker(t)
	ctx := context.Background()

	f.brk.RecordTrade(ctx, d("25.50"))
	f.brk.RecordTrade(ctx, d("-10.00"))

	require.Eventually(t, func() bool {
		return f.brk.Status().TradeCount == 2
	}, time.Second, 5*time.Millisecond)

	status := f.brk.Status()
	assert.True(t, d("15.5").Equal(status.DailyPnL))
	assert.Equal(t, domain.BreakerActive, status.State)
}

func TestTripOnDailyLoss(t *testing.T) {
	f := startBreaker(t)
	ctx := context.Background()

	// -200 breaches the -183.8872 floor.
	f.brk.RecordTrade(ctx, d("-200.00"))

	status := waitState(t, f.brk, domain.BreakerManualReset)
	assert.NotEmpty(t, status.ResetToken)
	assert.NotNil(t, status.TrippedAt)
	assert.Equal(t, 1, f.liq.calls)
	assert.Equal(t, []string{"circuit_breaker"}, f.liq.reasons)
}

func TestNoTripAboveFloor(t *testing.T) {
	f := startBreaker(t)
	ctx := context.Background()

	f.brk.RecordTrade(ctx, d("-183.88"))

	require.Eventually(t, func() bool {
		return f.brk.Status().TradeCount == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.BreakerActive, f.brk.Status().State)
	assert.Equal(t, 0, f.liq.calls)
}

func TestCheckDailyLossTripsOnUnrealized(t *testing.T) {
	f := startBreaker(t)
	ctx := context.Background()

	f.brk.CheckDailyLoss(ctx, d("-190.00"))

	waitState(t, f.brk, domain.BreakerManualReset)
	assert.Equal(t, 1, f.liq.calls)
}

func TestManualReset(t *testing.T) {
	f := startBreaker(t)
	ctx := context.Background()

	f.brk.RecordTrade(ctx, d("-200.00"))
	status := waitState(t, f.brk, domain.BreakerManualReset)

	// Wrong token is rejected.
	err := f.brk.ManualReset(ctx, "not-the-token")
	assert.ErrorIs(t, err, domain.ErrBadResetToken)
	assert.Equal(t, domain.BreakerManualReset, f.brk.Status().State)

	// Exact token re-arms.
	err = f.brk.ManualReset(ctx, status.ResetToken)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerActive, f.brk.Status().State)
	assert.Empty(t, f.brk.Status().ResetToken)
}

func TestManualResetRequiresTrippedState(t *testing.T) {
	f := startBreaker(t)

	err := f.brk.ManualReset(context.Background(), "whatever")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrBadResetToken)
}

func TestFurtherTradesAfterTripDoNotRetrip(t *testing.T) {
	f := startBreaker(t)
	ctx := context.Background()

	f.brk.RecordTrade(ctx, d("-200.00"))
	waitState(t, f.brk, domain.BreakerManualReset)

	// Straggler close lands after the trip; no second liquidation sweep.
	f.brk.RecordTrade(ctx, d("-5.00"))
	require.Eventually(t, func() bool {
		return f.brk.Status().TradeCount == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.liq.calls)
}

func TestStatePersistedAcrossRestart(t *testing.T) {
	f := startBreaker(t)
	ctx := context.Background()

	f.brk.RecordTrade(ctx, d("-200.00"))
	status := waitState(t, f.brk, domain.BreakerManualReset)
	f.cancel()

	// A fresh breaker over the same store resumes the manual-reset state.
	brk2 := New(Config{
		Capital:      d("2626.96"),
		DailyLossPct: d("0.07"),
	}, f.store, &memAudit{}, newMemBus(), slog.Default())

	ctx2, cancel2 := context.WithCancel(context.Background())
	t.Cleanup(cancel2)
	go func() { _ = brk2.Run(ctx2) }()

	resumed := waitState(t, brk2, domain.BreakerManualReset)
	assert.Equal(t, status.ResetToken, resumed.ResetToken)
}

func TestManualResetSurvivesRestartAcrossDayBoundary(t *testing.T) {
	store := newMemBreakerStore()
	tripped := time.Date(2026, 8, 29, 22, 15, 0, 0, time.UTC)
	require.NoError(t, store.Upsert(context.Background(), domain.BreakerStatus{
		Day:        "2026-08-29",
		State:      domain.BreakerManualReset,
		DailyPnL:   d("-200.00"),
		TradeCount: 3,
		ResetToken: "tok-29",
		TrippedAt:  &tripped,
	}))

	// Restart lands on the next UTC day with no row for it yet.
	brk := New(Config{
		Capital:      d("2626.96"),
		DailyLossPct: d("0.07"),
	}, store, &memAudit{}, newMemBus(), slog.Default())
	brk.now = func() time.Time { return time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = brk.Run(ctx) }()

	resumed := waitState(t, brk, domain.BreakerManualReset)
	assert.Equal(t, "2026-08-30", resumed.Day)
	assert.Equal(t, "tok-29", resumed.ResetToken, "pending halt must carry its token into the new day")
	assert.True(t, resumed.DailyPnL.IsZero())

	// The exact token still re-arms.
	require.NoError(t, brk.ManualReset(ctx, "tok-29"))
	assert.Equal(t, domain.BreakerActive, brk.Status().State)
}

func TestActiveYesterdayStartsFreshDay(t *testing.T) {
	store := newMemBreakerStore()
	require.NoError(t, store.Upsert(context.Background(), domain.BreakerStatus{
		Day:        "2026-08-29",
		State:      domain.BreakerActive,
		DailyPnL:   d("-50.00"),
		TradeCount: 2,
	}))

	brk := New(Config{
		Capital:      d("2626.96"),
		DailyLossPct: d("0.07"),
	}, store, &memAudit{}, newMemBus(), slog.Default())
	brk.now = func() time.Time { return time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = brk.Run(ctx) }()

	require.Eventually(t, func() bool {
		return brk.Status().Day == "2026-08-30"
	}, time.Second, 5*time.Millisecond)

	status := brk.Status()
	assert.Equal(t, domain.BreakerActive, status.State)
	assert.True(t, status.DailyPnL.IsZero())
	assert.Equal(t, 0, status.TradeCount)
}
