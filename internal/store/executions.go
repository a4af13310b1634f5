package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertExecution appends one execution row. Inserts are idempotent on
// dedup_key: re-inserting an identical execution is a no-op and reports
// inserted=false rather than creating a duplicate row.
func (s *Store) InsertExecution(ctx context.Context, e *Execution) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO executions
			(trade_id, symbol, side, exec_type, qty, price, r_mult, created_at, dedup_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TradeID, e.Symbol, e.Side, e.ExecType, e.Qty, e.Price,
		nullFloat(e.RMult), formatTS(e.CreatedAt), e.DedupKey)
	if err != nil {
		return false, fmt.Errorf("failed to insert execution: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert execution: %w", err)
	}
	return rows > 0, nil
}

// ListExecutions returns a trade's executions in insertion order.
func (s *Store) ListExecutions(ctx context.Context, tradeID int64) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trade_id, symbol, side, exec_type, qty, price, r_mult, created_at, dedup_key
		FROM executions WHERE trade_id = ? ORDER BY id`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var execs []Execution
	for rows.Next() {
		var e Execution
		var rMult sql.NullFloat64
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TradeID, &e.Symbol, &e.Side, &e.ExecType,
			&e.Qty, &e.Price, &rMult, &createdAt, &e.DedupKey); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if rMult.Valid {
			e.RMult = &rMult.Float64
		}
		e.CreatedAt = parseTS(createdAt)
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// ScaledOutQty sums scale-out quantity recorded for a trade.
func (s *Store) ScaledOutQty(ctx context.Context, tradeID int64) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(qty) FROM executions WHERE trade_id = ? AND exec_type = ?`,
		tradeID, ExecScaleOut).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum scale-outs: %w", err)
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Float64, nil
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
