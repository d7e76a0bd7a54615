package sqlite

import (
	"context"
	"database/sql"
	"errors"
)

// TakeRPMSlot prunes stale events, counts the live window, and records a new
// event unless the user is at the limit. The whole sequence runs in one
// transaction on the single-writer pool, so two concurrent callers at
// count == limit-1 cannot both pass.
func (s *Store) TakeRPMSlot(ctx context.Context, user string, limit int64, nowMs, windowMs int64) (bool, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	cutoff := nowMs - windowMs
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rpm_events WHERE user_ref = ? AND ts_ms < ?`, user, cutoff); err != nil {
		return false, err
	}

	var count int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rpm_events WHERE user_ref = ?`, user).Scan(&count); err != nil {
		return false, err
	}
	if count >= limit {
		// Commit so the prune survives even on rejection.
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rpm_events (user_ref, ts_ms) VALUES (?, ?)`, user, nowMs); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// AddDailyTokens increments the (user, day) token counter unless the result
// would exceed cap. Read, check, and upsert share one transaction.
func (s *Store) AddDailyTokens(ctx context.Context, user, day string, tokens, cap int64) (bool, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT tokens FROM quotas_daily WHERE user_ref = ? AND day = ?`, user, day).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if existing+tokens > cap {
		return false, tx.Rollback()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO quotas_daily (user_ref, day, tokens) VALUES (?, ?, ?)
		 ON CONFLICT(user_ref, day) DO UPDATE SET tokens = tokens + excluded.tokens`,
		user, day, tokens); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// DailyTokens returns the stored token count for (user, day).
func (s *Store) DailyTokens(ctx context.Context, user, day string) (int64, error) {
	var tokens int64
	err := s.read.QueryRowContext(ctx,
		`SELECT tokens FROM quotas_daily WHERE user_ref = ? AND day = ?`, user, day).Scan(&tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return tokens, err
}

// MonthTokens sums the user's tokens for days in [firstDay, lastDay].
func (s *Store) MonthTokens(ctx context.Context, user, firstDay, lastDay string) (int64, error) {
	var tokens int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens), 0) FROM quotas_daily
		 WHERE user_ref = ? AND day BETWEEN ? AND ?`,
		user, firstDay, lastDay).Scan(&tokens)
	return tokens, err
}
