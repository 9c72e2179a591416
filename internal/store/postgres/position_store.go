package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, symbol, side, quantity, entry_price, current_price,
	leverage, stop_loss, take_profit, status, unrealized_pnl, realized_pnl,
	close_reason, created_at, updated_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string

	err := row.Scan(
		&p.ID, &p.Symbol, &side,
		&p.Quantity, &p.EntryPrice, &p.CurrentPrice,
		&p.Leverage, &p.StopLoss, &p.TakeProfit,
		&status, &p.UnrealizedPnL, &p.RealizedPnL,
		&p.CloseReason, &p.CreatedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, symbol, side, quantity, entry_price, current_price,
			leverage, stop_loss, take_profit, status, unrealized_pnl,
			realized_pnl, close_reason, created_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, NOW(), $15
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Side),
		p.Quantity, p.EntryPrice, p.CurrentPrice,
		p.Leverage, p.StopLoss, p.TakeProfit,
		string(p.Status), p.UnrealizedPnL,
		p.RealizedPnL, p.CloseReason, p.CreatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces the live fields of a position that is still OPEN. The
// status guard mirrors Close: a writer carrying a snapshot taken before the
// position closed bounces off with ErrNotFound instead of resurrecting the
// row. Terminal fields (status, realized P&L, close reason) only ever move
// through Close.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			quantity       = $2,
			current_price  = $3,
			stop_loss      = $4,
			take_profit    = $5,
			unrealized_pnl = $6,
			updated_at     = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Quantity, p.CurrentPrice,
		p.StopLoss, p.TakeProfit, p.UnrealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close finalizes a position. The status guard means only a position that is
// still open transitions; every later attempt sees ErrNotFound, so realized
// P&L is recorded exactly once no matter how many closers race.
func (s *PositionStore) Close(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			status         = $2,
			current_price  = $3,
			unrealized_pnl = 0,
			realized_pnl   = $4,
			close_reason   = $5,
			closed_at      = NOW(),
			updated_at     = NOW()
		WHERE id = $1 AND status = 'open'`

	status := p.Status
	if status != domain.PositionStatusLiquidated {
		status = domain.PositionStatusClosed
	}

	tag, err := s.pool.Exec(ctx, query,
		p.ID, string(status), p.CurrentPrice, p.RealizedPnL, p.CloseReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpen returns all open positions, optionally narrowed to one symbol.
func (s *PositionStore) GetOpen(ctx context.Context, symbol string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE status = 'open'`
	args := []any{}
	if symbol != "" {
		query += ` AND symbol = $1`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListHistory returns positions with pagination and optional time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}

// DailyRealizedPnL sums realized P&L over positions closed during the given
// UTC trading day.
func (s *PositionStore) DailyRealizedPnL(ctx context.Context, day string) (decimal.Decimal, error) {
	const query = `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM positions
		WHERE status IN ('closed', 'liquidated')
		  AND (closed_at AT TIME ZONE 'UTC')::date = $1::date`

	var sum decimal.Decimal
	if err := s.pool.QueryRow(ctx, query, day).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: daily realized pnl for %s: %w", day, err)
	}
	return sum, nil
}
