package s3blob

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/domain"
)

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

type memBlobWriter struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
}

func newMemBlobWriter() *memBlobWriter {
	return &memBlobWriter{objects: make(map[string]string), types: make(map[string]string)}
}

func (w *memBlobWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objects[path] = string(body)
	w.types[path] = contentType
	return nil
}

type fakeHistoryStore struct {
	closed []domain.Position
}

func (s *fakeHistoryStore) Create(context.Context, domain.Position) error { return nil }
func (s *fakeHistoryStore) Update(context.Context, domain.Position) error { return nil }
func (s *fakeHistoryStore) Close(context.Context, domain.Position) error  { return nil }
func (s *fakeHistoryStore) GetByID(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (s *fakeHistoryStore) GetOpen(context.Context, string) ([]domain.Position, error) {
	return nil, nil
}

func (s *fakeHistoryStore) ListHistory(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.closed {
		if p.ClosedAt == nil {
			continue
		}
		if opts.Since != nil && p.ClosedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !p.ClosedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *fakeHistoryStore) DailyRealizedPnL(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	logged  []string
}

func (a *fakeAuditStore) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logged = append(a.logged, event)
	return nil
}

func (a *fakeAuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range a.entries {
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

var archiveDay = time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)

func closedOn(id string, closedAt time.Time) domain.Position {
	return domain.Position{
		ID:         id,
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		Quantity:   decimal.RequireFromString("0.01"),
		EntryPrice: decimal.RequireFromString("50000"),
		Leverage:   10,
		Status:     domain.PositionStatusClosed,
		ClosedAt:   &closedAt,
	}
}

func TestArchiveDayUploadsJSONL(t *testing.T) {
	writer := newMemBlobWriter()
	positions := &fakeHistoryStore{closed: []domain.Position{
		closedOn("p1", archiveDay.Add(10*time.Hour)),
		closedOn("p2", archiveDay.Add(20*time.Hour)),
		closedOn("p3", archiveDay.AddDate(0, 0, 1)), // next day, excluded
	}}
	audit := &fakeAuditStore{entries: []domain.AuditEntry{
		{ID: 1, Event: "position_opened", CreatedAt: archiveDay.Add(9 * time.Hour)},
	}}

	arc := NewArchiver(writer, positions, audit, slog.Default())
	require.NoError(t, arc.ArchiveDay(context.Background(), archiveDay))

	posBody, ok := writer.objects["archive/positions/2026-08-29.jsonl"]
	require.True(t, ok)
	lines := strings.Split(strings.TrimRight(posBody, "\n"), "\n")
	assert.Len(t, lines, 2, "one JSON object per line, next day excluded")
	assert.Contains(t, lines[0], "p1")
	assert.Equal(t, "application/x-ndjson", writer.types["archive/positions/2026-08-29.jsonl"])

	auditBody, ok := writer.objects["archive/audit/2026-08-29.jsonl"]
	require.True(t, ok)
	assert.Contains(t, auditBody, "position_opened")

	assert.Contains(t, audit.logged, "archive.positions")
	assert.Contains(t, audit.logged, "archive.audit")
}

func TestArchiveDayEmptyProducesNoObjects(t *testing.T) {
	writer := newMemBlobWriter()
	arc := NewArchiver(writer, &fakeHistoryStore{}, &fakeAuditStore{}, slog.Default())

	require.NoError(t, arc.ArchiveDay(context.Background(), archiveDay))

	assert.Empty(t, writer.objects)
}

func TestRunArchivesPreviousDayAtStartup(t *testing.T) {
	writer := newMemBlobWriter()
	positions := &fakeHistoryStore{closed: []domain.Position{
		closedOn("p1", archiveDay.Add(12*time.Hour)),
	}}
	arc := NewArchiver(writer, positions, &fakeAuditStore{}, slog.Default())
	arc.now = func() time.Time { return archiveDay.AddDate(0, 0, 1).Add(3 * time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- arc.Run(ctx) }()

	require.Eventually(t, func() bool {
		writer.mu.Lock()
		defer writer.mu.Unlock()
		_, ok := writer.objects["archive/positions/2026-08-29.jsonl"]
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
