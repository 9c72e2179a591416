package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. Update and Close both guard on the OPEN
// status: once a position has left OPEN its row is immutable, so a writer
// holding a stale snapshot can neither resurrect it nor record a second
// realized P&L no matter how many layers race.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	// Update replaces the live fields (quantity, mark, stops, unrealized
	// P&L) of a position that is still OPEN; ErrNotFound otherwise.
	Update(ctx context.Context, pos Position) error
	// Close transitions an OPEN position to its terminal status;
	// ErrNotFound otherwise.
	Close(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	// GetOpen returns all OPEN positions; symbol narrows the result when
	// non-empty.
	GetOpen(ctx context.Context, symbol string) ([]Position, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
	// DailyRealizedPnL sums realized P&L of positions closed on the given
	// trading day (YYYY-MM-DD, UTC).
	DailyRealizedPnL(ctx context.Context, day string) (decimal.Decimal, error)
}

// BreakerStore persists the one live circuit breaker record per trading day.
type BreakerStore interface {
	Get(ctx context.Context, day string) (BreakerStatus, error)
	// Latest returns the most recent record regardless of day, so a restart
	// after the day boundary can see a halt pending from the previous day.
	Latest(ctx context.Context) (BreakerStatus, error)
	Upsert(ctx context.Context, status BreakerStatus) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
