package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
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

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// --------------------------------------------------------------------------
// Health
// --------------------------------------------------------------------------

func TestHealthCheckOK(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return nil },
	}, slog.Default())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["postgres"])
	assert.Equal(t, "ok", checks["redis"])
}

func TestHealthCheckDegraded(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, slog.Default())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "connection refused", checks["redis"])
}

// --------------------------------------------------------------------------
// Positions
// --------------------------------------------------------------------------

type fakePositions struct {
	open     []domain.Position
	history  []domain.Position
	byID     map[string]domain.Position
	lastOpts domain.ListOpts
	err      error
}

func (f *fakePositions) GetActivePositions(_ context.Context, symbol string) ([]domain.Position, error) {
	if f.err != nil {
		return nil, f.err
	}
	if symbol == "" {
		return f.open, nil
	}
	var out []domain.Position
	for _, p := range f.open {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePositions) GetPosition(_ context.Context, id string) (domain.Position, error) {
	if p, ok := f.byID[id]; ok {
		return p, nil
	}
	return domain.Position{}, domain.ErrNotFound
}

func (f *fakePositions) ListHistory(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	f.lastOpts = opts
	return f.history, f.err
}

func openPos(id, symbol string) domain.Position {
	return domain.Position{
		ID:         id,
		Symbol:     symbol,
		Side:       domain.SideLong,
		Quantity:   d("0.01"),
		EntryPrice: d("50000"),
		Leverage:   10,
		StopLoss:   d("49000"),
		Status:     domain.PositionStatusOpen,
	}
}

func TestListPositions(t *testing.T) {
	svc := &fakePositions{open: []domain.Position{openPos("p1", "BTCUSDT"), openPos("p2", "ETHUSDT")}}
	h := NewPositionHandler(svc, slog.Default())

	rec := httptest.NewRecorder()
	h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions?symbol=BTCUSDT", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["positions"], 1)
}

func TestListPositionsEmptyIsArray(t *testing.T) {
	h := NewPositionHandler(&fakePositions{}, slog.Default())

	rec := httptest.NewRecorder()
	h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"positions":[]`)
}

func TestGetPosition(t *testing.T) {
	svc := &fakePositions{byID: map[string]domain.Position{"p1": openPos("p1", "BTCUSDT")}}
	h := NewPositionHandler(svc, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/api/positions/p1", nil)
	req.SetPathValue("id", "p1")
	rec := httptest.NewRecorder()
	h.GetPosition(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BTCUSDT")
}

func TestGetPositionNotFound(t *testing.T) {
	h := NewPositionHandler(&fakePositions{}, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/api/positions/nope", nil)
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()
	h.GetPosition(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListHistoryParsesOpts(t *testing.T) {
	svc := &fakePositions{}
	h := NewPositionHandler(svc, slog.Default())

	rec := httptest.NewRecorder()
	h.ListHistory(rec, httptest.NewRequest(http.MethodGet,
		"/api/positions/history?limit=9999&offset=20&since=2026-08-01T00:00:00Z", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, svc.lastOpts.Limit, "limit is clamped")
	assert.Equal(t, 20, svc.lastOpts.Offset)
	require.NotNil(t, svc.lastOpts.Since)
	assert.Equal(t, 2026, svc.lastOpts.Since.Year())
}

// --------------------------------------------------------------------------
// Breaker
// --------------------------------------------------------------------------

type fakeBreakerSvc struct {
	status   domain.BreakerStatus
	resetErr error
	gotToken string
}

func (f *fakeBreakerSvc) Status() domain.BreakerStatus { return f.status }

func (f *fakeBreakerSvc) ManualReset(_ context.Context, token string) error {
	f.gotToken = token
	return f.resetErr
}

func TestBreakerStatusHidesResetToken(t *testing.T) {
	trippedAt := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	svc := &fakeBreakerSvc{status: domain.BreakerStatus{
		Day:        "2026-08-30",
		State:      domain.BreakerManualReset,
		DailyPnL:   d("-200.5"),
		TradeCount: 4,
		ResetToken: "super-secret-token",
		TrippedAt:  &trippedAt,
	}}
	h := NewBreakerHandler(svc, slog.Default())

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/breaker", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "super-secret-token")

	body := decodeBody(t, rec)
	assert.Equal(t, "MANUAL_RESET_REQUIRED", body["state"])
	assert.Equal(t, true, body["halted"])
	assert.Equal(t, "-200.5", body["daily_pnl"])
	assert.Equal(t, "2026-08-30T14:00:00Z", body["tripped_at"])
}

func TestBreakerReset(t *testing.T) {
	svc := &fakeBreakerSvc{}
	h := NewBreakerHandler(svc, slog.Default())

	rec := httptest.NewRecorder()
	h.Reset(rec, httptest.NewRequest(http.MethodPost, "/api/breaker/reset",
		strings.NewReader(`{"token":"tok-1"}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok-1", svc.gotToken)
	assert.Contains(t, rec.Body.String(), "ACTIVE")
}

func TestBreakerResetBadBody(t *testing.T) {
	h := NewBreakerHandler(&fakeBreakerSvc{}, slog.Default())

	rec := httptest.NewRecorder()
	h.Reset(rec, httptest.NewRequest(http.MethodPost, "/api/breaker/reset",
		strings.NewReader(`{not json`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBreakerResetMissingToken(t *testing.T) {
	h := NewBreakerHandler(&fakeBreakerSvc{}, slog.Default())

	rec := httptest.NewRecorder()
	h.Reset(rec, httptest.NewRequest(http.MethodPost, "/api/breaker/reset",
		strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBreakerResetWrongToken(t *testing.T) {
	h := NewBreakerHandler(&fakeBreakerSvc{resetErr: domain.ErrBadResetToken}, slog.Default())

	rec := httptest.NewRecorder()
	h.Reset(rec, httptest.NewRequest(http.MethodPost, "/api/breaker/reset",
		strings.NewReader(`{"token":"wrong"}`)))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBreakerResetWrongState(t *testing.T) {
	h := NewBreakerHandler(&fakeBreakerSvc{resetErr: errors.New("breaker not awaiting reset")}, slog.Default())

	rec := httptest.NewRecorder()
	h.Reset(rec, httptest.NewRequest(http.MethodPost, "/api/breaker/reset",
		strings.NewReader(`{"token":"tok-1"}`)))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

// --------------------------------------------------------------------------
// P&L
// --------------------------------------------------------------------------

type fakePnl struct {
	pnl      decimal.Decimal
	exposure decimal.Decimal
	gotDay   string
}

func (f *fakePnl) GetDailyPnl(_ context.Context, day string) (decimal.Decimal, error) {
	f.gotDay = day
	return f.pnl, nil
}

func (f *fakePnl) GetTotalExposure(_ context.Context) (decimal.Decimal, error) {
	return f.exposure, nil
}

func (f *fakePnl) Capital() decimal.Decimal { return d("2626.96") }

type fakeFloor struct{}

func (fakeFloor) Floor() decimal.Decimal { return d("-183.8872") }

func TestGetDailyPnl(t *testing.T) {
	svc := &fakePnl{pnl: d("-50.25"), exposure: d("1200")}
	h := NewPnlHandler(svc, fakeFloor{}, slog.Default())

	rec := httptest.NewRecorder()
	h.GetDaily(rec, httptest.NewRequest(http.MethodGet, "/api/pnl/daily?day=2026-08-30", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-08-30", svc.gotDay)

	body := decodeBody(t, rec)
	assert.Equal(t, "-50.25", body["pnl"])
	assert.Equal(t, "2626.96", body["capital"])
	assert.Equal(t, "-183.8872", body["floor"])
	assert.Equal(t, "1200", body["exposure"])
}

func TestGetDailyPnlDefaultsToToday(t *testing.T) {
	svc := &fakePnl{}
	h := NewPnlHandler(svc, fakeFloor{}, slog.Default())

	rec := httptest.NewRecorder()
	h.GetDaily(rec, httptest.NewRequest(http.MethodGet, "/api/pnl/daily", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), svc.gotDay)
}

func TestGetDailyPnlRejectsBadDay(t *testing.T) {
	h := NewPnlHandler(&fakePnl{}, fakeFloor{}, slog.Default())

	rec := httptest.NewRecorder()
	h.GetDaily(rec, httptest.NewRequest(http.MethodGet, "/api/pnl/daily?day=30-08-2026", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --------------------------------------------------------------------------
// Protections
// --------------------------------------------------------------------------

type fakeProtections struct {
	records []domain.Protection
}

func (f *fakeProtections) Protections() []domain.Protection { return f.records }

func TestListProtections(t *testing.T) {
	started := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	svc := &fakeProtections{records: []domain.Protection{{
		PositionID:          "p1",
		Symbol:              "BTCUSDT",
		StopPrice:           d("49000"),
		ExchangeOrderID:     "o1",
		ExchangeOrderActive: true,
		MonitorActive:       true,
		EmergencyActive:     true,
		StartedAt:           started,
	}}}
	h := NewProtectionHandler(svc, slog.Default())

	rec := httptest.NewRecorder()
	h.ListProtections(rec, httptest.NewRequest(http.MethodGet, "/api/protections", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	records := body["protections"].([]any)
	require.Len(t, records, 1)
	rec0 := records[0].(map[string]any)
	assert.Equal(t, "p1", rec0["position_id"])
	assert.Equal(t, "49000", rec0["stop_price"])
	assert.Equal(t, true, rec0["exchange_order_active"])
	assert.Equal(t, "2026-08-30T09:00:00Z", rec0["started_at"])
}

func TestListProtectionsEmpty(t *testing.T) {
	h := NewProtectionHandler(&fakeProtections{}, slog.Default())

	rec := httptest.NewRecorder()
	h.ListProtections(rec, httptest.NewRequest(http.MethodGet, "/api/protections", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"protections":[]`)
}
