package store

import (
	"context"
	"fmt"
)

// legReturnPct is the percent return of one exit leg against the weighted
// entry price. Sign convention flips by side.
func legReturnPct(side string, entry, exit float64) float64 {
	if entry == 0 {
		return 0
	}
	if side == "SELL" || side == "SHORT" {
		return (entry - exit) / entry * 100
	}
	return (exit - entry) / entry * 100
}

// WeightedPnLPct computes the realized return of a trade across its
// scale-out legs plus the final exit: each leg contributes its return
// weighted by qty over the original position size.
func WeightedPnLPct(side string, entryPrice, size float64, scaleOuts []Execution, exitPrice, remaining float64) float64 {
	if size <= 0 {
		return 0
	}

	total := 0.0
	for _, leg := range scaleOuts {
		total += legReturnPct(side, entryPrice, leg.Price) * (leg.Qty / size)
	}
	total += legReturnPct(side, entryPrice, exitPrice) * (remaining / size)
	return total
}

// RecomputeClosedPnL recalculates pnl_pct for every closed trade from its
// persisted executions. Maintenance operation, used to backfill after a
// formula change. Returns the number of trades updated.
func (s *Store) RecomputeClosedPnL(ctx context.Context) (int, error) {
	trades, err := s.ListClosedTrades(ctx)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, t := range trades {
		execs, err := s.ListExecutions(ctx, t.ID)
		if err != nil {
			return updated, err
		}

		var scaleOuts []Execution
		scaledQty := 0.0
		exitPrice := *t.ExitPrice
		for _, e := range execs {
			switch e.ExecType {
			case ExecScaleOut:
				scaleOuts = append(scaleOuts, e)
				scaledQty += e.Qty
			case ExecClose:
				exitPrice = e.Price
			}
		}

		remaining := t.Size - scaledQty
		if remaining < 0 {
			remaining = 0
		}

		pnl := WeightedPnLPct(t.Side, t.EntryPrice, t.Size, scaleOuts, exitPrice, remaining)
		if t.PnlPct != nil && *t.PnlPct == pnl {
			continue
		}

		if _, err := s.db.ExecContext(ctx,
			`UPDATE trades SET pnl_pct = ? WHERE id = ?`, pnl, t.ID); err != nil {
			return updated, fmt.Errorf("failed to backfill trade %d: %w", t.ID, err)
		}
		updated++
	}

	s.logger.Info().Int("updated", updated).Int("scanned", len(trades)).Msg("pnl backfill complete")
	return updated, nil
}
