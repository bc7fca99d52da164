package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"dhan-agent-bot/internal/positions"
)

// PositionRepository persists ledger positions. It satisfies
// positions.Repository.
type PositionRepository struct {
	db *DB
}

// NewPositionRepository creates a position repository
func NewPositionRepository(db *DB) *PositionRepository {
	return &PositionRepository{db: db}
}

func metaJSON(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	return json.Marshal(meta)
}

// Create inserts a new position row
func (r *PositionRepository) Create(ctx context.Context, p *positions.Position) error {
	meta, err := metaJSON(p.Meta)
	if err != nil {
		return fmt.Errorf("encode position meta: %w", err)
	}
	query := `
		INSERT INTO positions (segment, security_id, symbol, status, quantity, entry_price, last_order_no, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		p.Segment, p.SecurityID, p.Symbol, p.Status, p.Quantity,
		p.EntryPrice, p.LastOrderNo, meta, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
}

// Update rewrites a position row
func (r *PositionRepository) Update(ctx context.Context, p *positions.Position) error {
	meta, err := metaJSON(p.Meta)
	if err != nil {
		return fmt.Errorf("encode position meta: %w", err)
	}
	query := `
		UPDATE positions
		SET status = $2, quantity = $3, entry_price = $4, exit_price = $5,
		    exited_at = $6, realized_pnl = $7, last_order_no = $8, meta = $9, updated_at = $10
		WHERE id = $1
	`
	// Decimals bind and scan natively through their driver.Valuer/sql.Scanner,
	// so the weighted average survives a restart without float rounding.
	var exitPrice, realized *decimal.Decimal
	if p.Status == positions.StatusClosed {
		exitPrice, realized = &p.ExitPrice, &p.RealizedPnL
	}
	_, err = r.db.Pool.Exec(
		ctx, query,
		p.ID, p.Status, p.Quantity, p.EntryPrice,
		exitPrice, p.ExitedAt, realized, p.LastOrderNo, meta, p.UpdatedAt,
	)
	return err
}

const positionColumns = `id, segment, security_id, symbol, status, quantity, entry_price,
	exit_price, exited_at, realized_pnl, last_order_no, meta, created_at, updated_at`

func scanPosition(row pgx.Row) (*positions.Position, error) {
	var (
		p         positions.Position
		exitPrice *decimal.Decimal
		realized  *decimal.Decimal
		meta      []byte
	)
	err := row.Scan(
		&p.ID, &p.Segment, &p.SecurityID, &p.Symbol, &p.Status, &p.Quantity,
		&p.EntryPrice, &exitPrice, &p.ExitedAt, &realized, &p.LastOrderNo, &meta,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if exitPrice != nil {
		p.ExitPrice = *exitPrice
	}
	if realized != nil {
		p.RealizedPnL = *realized
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Meta); err != nil {
			return nil, fmt.Errorf("decode position meta: %w", err)
		}
	}
	return &p, nil
}

// FindActive returns the active position for an instrument, or (nil, nil)
func (r *PositionRepository) FindActive(ctx context.Context, segment, securityID string) (*positions.Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE segment = $1 AND security_id = $2 AND status = 'active'`
	p, err := scanPosition(r.db.Pool.QueryRow(ctx, query, segment, securityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListOpen returns all active positions
func (r *PositionRepository) ListOpen(ctx context.Context) ([]*positions.Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE status = 'active'
		ORDER BY created_at`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*positions.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
