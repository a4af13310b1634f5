package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Errors for trade persistence.
var (
	ErrTradeNotFound      = errors.New("trade not found")
	ErrTradeAlreadyClosed = errors.New("trade already closed")
)

const tradeColumns = `id, symbol, side, entry_price, exit_price, size, pnl_pct,
	opened_at, closed_at, stop_loss, take_profit, strategy_tag, param_set_id,
	entry_slippage_bps, exit_slippage_bps, schema_version, created_ts, updated_ts`

// InsertTrade persists a new open trade and returns its id.
func (s *Store) InsertTrade(ctx context.Context, t *Trade) (int64, error) {
	now := time.Now()
	t.SchemaVersion = CurrentSchemaVersion
	t.CreatedTS = now
	t.UpdatedTS = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (symbol, side, entry_price, size, opened_at,
			stop_loss, take_profit, strategy_tag, param_set_id,
			entry_slippage_bps, schema_version, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, t.Side, t.EntryPrice, t.Size, formatTS(t.OpenedAt),
		t.StopLoss, t.TakeProfit, t.StrategyTag, t.ParamSetID,
		t.EntrySlippageBps, t.SchemaVersion, formatTS(now), formatTS(now))
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read trade id: %w", err)
	}
	t.ID = id
	return id, nil
}

// GetTrade loads one trade by id.
func (s *Store) GetTrade(ctx context.Context, id int64) (*Trade, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	return scanTrade(row)
}

// GetOpenTradeBySymbol returns the open trade for a symbol, or ErrTradeNotFound.
func (s *Store) GetOpenTradeBySymbol(ctx context.Context, symbol string) (*Trade, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE symbol = ? AND exit_price IS NULL
		 ORDER BY id DESC LIMIT 1`, symbol)
	return scanTrade(row)
}

// UpdateEntry recomputes the weighted entry price and filled size after a
// partial fill.
func (s *Store) UpdateEntry(ctx context.Context, id int64, entryPrice, size float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trades SET entry_price = ?, size = ?, updated_ts = ? WHERE id = ?`,
		entryPrice, size, formatTS(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update trade entry: %w", err)
	}
	return nil
}

// UpdateStops persists revised protection levels.
func (s *Store) UpdateStops(ctx context.Context, id int64, stopLoss, takeProfit float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trades SET stop_loss = ?, take_profit = ?, updated_ts = ? WHERE id = ?`,
		stopLoss, takeProfit, formatTS(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update trade stops: %w", err)
	}
	return nil
}

// CloseTrade finalizes a trade exactly once. A second close attempt returns
// ErrTradeAlreadyClosed without touching the row.
func (s *Store) CloseTrade(ctx context.Context, id int64, exitPrice, pnlPct, exitSlippageBps float64, closedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET exit_price = ?, pnl_pct = ?, exit_slippage_bps = ?,
			closed_at = ?, updated_ts = ?
		WHERE id = ? AND exit_price IS NULL`,
		exitPrice, pnlPct, exitSlippageBps, formatTS(closedAt), formatTS(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to close trade: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to close trade: %w", err)
	}
	if rows == 0 {
		return ErrTradeAlreadyClosed
	}
	return nil
}

// ListOpenTrades returns all trades without an exit price.
func (s *Store) ListOpenTrades(ctx context.Context) ([]*Trade, error) {
	return s.listTrades(ctx, `SELECT `+tradeColumns+` FROM trades WHERE exit_price IS NULL ORDER BY id`)
}

// ListClosedTrades returns all finalized trades.
func (s *Store) ListClosedTrades(ctx context.Context) ([]*Trade, error) {
	return s.listTrades(ctx, `SELECT `+tradeColumns+` FROM trades WHERE exit_price IS NOT NULL ORDER BY closed_at`)
}

func (s *Store) listTrades(ctx context.Context, query string, args ...interface{}) ([]*Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// DailyRealizedPnLPct sums pnl_pct over trades closed on the given UTC day.
func (s *Store) DailyRealizedPnLPct(ctx context.Context, day time.Time) (float64, error) {
	start := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(pnl_pct) FROM trades
		WHERE closed_at IS NOT NULL AND closed_at >= ? AND closed_at < ?`,
		formatTS(start), formatTS(end)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to query daily pnl: %w", err)
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Float64, nil
}

// ConsecutiveLosses counts losing trades from the most recent close backwards
// until the first non-losing trade.
func (s *Store) ConsecutiveLosses(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pnl_pct FROM trades
		WHERE closed_at IS NOT NULL ORDER BY closed_at DESC LIMIT 100`)
	if err != nil {
		return 0, fmt.Errorf("failed to query consecutive losses: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var pnl sql.NullFloat64
		if err := rows.Scan(&pnl); err != nil {
			return 0, err
		}
		if !pnl.Valid || pnl.Float64 >= 0 {
			break
		}
		count++
	}
	return count, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	var t Trade
	var exitPrice, pnlPct sql.NullFloat64
	var openedAt, createdTS, updatedTS string
	var closedAt sql.NullString

	err := row.Scan(&t.ID, &t.Symbol, &t.Side, &t.EntryPrice, &exitPrice, &t.Size,
		&pnlPct, &openedAt, &closedAt, &t.StopLoss, &t.TakeProfit, &t.StrategyTag,
		&t.ParamSetID, &t.EntrySlippageBps, &t.ExitSlippageBps, &t.SchemaVersion,
		&createdTS, &updatedTS)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan trade: %w", err)
	}

	if exitPrice.Valid {
		t.ExitPrice = &exitPrice.Float64
	}
	if pnlPct.Valid {
		t.PnlPct = &pnlPct.Float64
	}
	t.OpenedAt = parseTS(openedAt)
	if closedAt.Valid {
		ts := parseTS(closedAt.String)
		t.ClosedAt = &ts
	}
	t.CreatedTS = parseTS(createdTS)
	t.UpdatedTS = parseTS(updatedTS)
	return &t, nil
}
