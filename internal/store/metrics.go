package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertMetric appends one metric sample. Best-effort like guard events:
// callers log failures and move on.
func (s *Store) InsertMetric(ctx context.Context, key string, value float64, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (ts, key, value) VALUES (?, ?, ?)`,
		formatTS(ts), key, value)
	if err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}
	return nil
}

// InsertMetrics appends a batch of samples in one transaction.
func (s *Store) InsertMetrics(ctx context.Context, points []MetricPoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin metrics batch: %w", err)
	}
	for _, p := range points {
		ts := p.TS
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metrics (ts, key, value) VALUES (?, ?, ?)`,
			formatTS(ts), p.Key, p.Value); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert metric %s: %w", p.Key, err)
		}
	}
	return tx.Commit()
}

// MetricAverage returns the mean value of a key since the given time.
func (s *Store) MetricAverage(ctx context.Context, key string, since time.Time) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(value) FROM metrics WHERE key = ? AND ts >= ?`,
		key, formatTS(since)).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("failed to average metric %s: %w", key, err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

// CleanupMetrics deletes samples older than retentionDays.
func (s *Store) CleanupMetrics(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM metrics WHERE ts < ?`, formatTS(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup metrics: %w", err)
	}
	removed, _ := res.RowsAffected()
	return removed, nil
}
