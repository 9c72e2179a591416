package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradeguard/internal/domain"
)

// BreakerStore implements domain.BreakerStore using PostgreSQL. One row per
// trading day.
type BreakerStore struct {
	pool *pgxpool.Pool
}

var _ domain.BreakerStore = (*BreakerStore)(nil)

// NewBreakerStore creates a new BreakerStore backed by the given connection pool.
func NewBreakerStore(pool *pgxpool.Pool) *BreakerStore {
	return &BreakerStore{pool: pool}
}

// Get returns the breaker record for the given trading day (YYYY-MM-DD, UTC),
// or ErrNotFound when none exists yet.
func (s *BreakerStore) Get(ctx context.Context, day string) (domain.BreakerStatus, error) {
	const query = `
		SELECT day::text, state, daily_pnl, trade_count, reset_token, tripped_at, updated_at
		FROM breaker_days
		WHERE day = $1::date`

	var st domain.BreakerStatus
	var state string
	err := s.pool.QueryRow(ctx, query, day).Scan(
		&st.Day, &state, &st.DailyPnL, &st.TradeCount,
		&st.ResetToken, &st.TrippedAt, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BreakerStatus{}, domain.ErrNotFound
		}
		return domain.BreakerStatus{}, fmt.Errorf("postgres: get breaker day %s: %w", day, err)
	}
	st.State = domain.BreakerState(state)
	return st, nil
}

// Latest returns the most recent breaker record regardless of day, or
// ErrNotFound when the table is empty.
func (s *BreakerStore) Latest(ctx context.Context) (domain.BreakerStatus, error) {
	const query = `
		SELECT day::text, state, daily_pnl, trade_count, reset_token, tripped_at, updated_at
		FROM breaker_days
		ORDER BY day DESC
		LIMIT 1`

	var st domain.BreakerStatus
	var state string
	err := s.pool.QueryRow(ctx, query).Scan(
		&st.Day, &state, &st.DailyPnL, &st.TradeCount,
		&st.ResetToken, &st.TrippedAt, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BreakerStatus{}, domain.ErrNotFound
		}
		return domain.BreakerStatus{}, fmt.Errorf("postgres: latest breaker day: %w", err)
	}
	st.State = domain.BreakerState(state)
	return st, nil
}

// Upsert writes the breaker record for its trading day, inserting or
// replacing as needed.
func (s *BreakerStore) Upsert(ctx context.Context, status domain.BreakerStatus) error {
	const query = `
		INSERT INTO breaker_days (day, state, daily_pnl, trade_count, reset_token, tripped_at, updated_at)
		VALUES ($1::date, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (day) DO UPDATE SET
			state       = EXCLUDED.state,
			daily_pnl   = EXCLUDED.daily_pnl,
			trade_count = EXCLUDED.trade_count,
			reset_token = EXCLUDED.reset_token,
			tripped_at  = EXCLUDED.tripped_at,
			updated_at  = NOW()`

	_, err := s.pool.Exec(ctx, query,
		status.Day, string(status.State), status.DailyPnL,
		status.TradeCount, status.ResetToken, status.TrippedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert breaker day %s: %w", status.Day, err)
	}
	return nil
}
