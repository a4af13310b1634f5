package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GuardEventFilter narrows a guard event query. Zero values mean "any".
type GuardEventFilter struct {
	Guard  string
	Symbol string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// InsertGuardEvent appends one guard decision row. Callers log and discard
// the returned error; a telemetry write failure never blocks the trading
// decision that triggered it.
func (s *Store) InsertGuardEvent(ctx context.Context, ev *GuardEvent) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	if ev.Severity == "" {
		ev.Severity = "info"
	}

	var extra interface{}
	if len(ev.Extra) > 0 {
		data, err := json.Marshal(ev.Extra)
		if err == nil {
			extra = string(data)
		}
	}

	blocked := 0
	if ev.Blocked {
		blocked = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guard_events (ts, guard, symbol, reason, extra_json, session_id, severity, blocked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTS(ev.TS), ev.Guard, nullString(ev.Symbol), ev.Reason, extra,
		ev.SessionID, ev.Severity, blocked, formatTS(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert guard event: %w", err)
	}
	return nil
}

// QueryGuardEvents returns events matching the filter, newest first.
func (s *Store) QueryGuardEvents(ctx context.Context, f GuardEventFilter) ([]GuardEvent, error) {
	query := `SELECT id, ts, guard, symbol, reason, extra_json, session_id, severity, blocked, created_at
		FROM guard_events WHERE 1=1`
	var args []interface{}

	if f.Guard != "" {
		query += ` AND guard = ?`
		args = append(args, f.Guard)
	}
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if !f.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, formatTS(f.Since))
	}
	if !f.Until.IsZero() {
		query += ` AND ts < ?`
		args = append(args, formatTS(f.Until))
	}
	query += ` ORDER BY ts DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query guard events: %w", err)
	}
	defer rows.Close()

	var events []GuardEvent
	for rows.Next() {
		var ev GuardEvent
		var ts, createdAt string
		var symbol, extraJSON sql.NullString
		var blocked int
		if err := rows.Scan(&ev.ID, &ts, &ev.Guard, &symbol, &ev.Reason,
			&extraJSON, &ev.SessionID, &ev.Severity, &blocked, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan guard event: %w", err)
		}
		ev.TS = parseTS(ts)
		ev.CreatedAt = parseTS(createdAt)
		ev.Symbol = symbol.String
		ev.Blocked = blocked != 0
		if extraJSON.Valid && extraJSON.String != "" {
			_ = json.Unmarshal([]byte(extraJSON.String), &ev.Extra)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CleanupGuardEvents deletes rows older than retentionDays. Returns rows removed.
func (s *Store) CleanupGuardEvents(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM guard_events WHERE ts < ?`, formatTS(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup guard events: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Int("retention_days", retentionDays).Msg("guard events pruned")
	}
	return removed, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
