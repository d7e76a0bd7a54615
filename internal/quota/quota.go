// Package quota enforces per-user request-rate and daily-token limits
// against the ledger.
package quota

import (
	"context"
	"fmt"
	"math"
	"time"

	pilot "github.com/routepilot/routepilot/internal"
	"github.com/routepilot/routepilot/internal/storage"
)

// rpmWindowMs is the sliding window for the RPM gate.
const rpmWindowMs = 60_000

// dayFormat is the quota day key layout.
const dayFormat = "2006-01-02"

// Enforcer wraps the ledger's serialized quota primitives with policy-level
// semantics: limit interpretation, day-key computation, and typed errors.
type Enforcer struct {
	store storage.QuotaStore
}

// New returns an Enforcer backed by the given quota store.
func New(store storage.QuotaStore) *Enforcer {
	return &Enforcer{store: store}
}

// AssertWithinRPM records one request for user, failing with a
// *pilot.QuotaError when the user already has limit events in the last
// 60 seconds. A limit of 0 disables the gate.
func (e *Enforcer) AssertWithinRPM(ctx context.Context, user string, limit int64) error {
	if limit <= 0 {
		return nil
	}
	ok, err := e.store.TakeRPMSlot(ctx, user, limit, time.Now().UnixMilli(), rpmWindowMs)
	if err != nil {
		return fmt.Errorf("rpm gate: %w", err)
	}
	if !ok {
		return &pilot.QuotaError{Kind: "rpm", Limit: limit}
	}
	return nil
}

// AddDailyTokens adds tokens to the user's counter for today in loc,
// failing with a *pilot.QuotaError when the increment would exceed cap.
// The day key is recomputed per call, so resets happen at local midnight
// without any scheduled job. A cap of 0 records usage without a ceiling.
func (e *Enforcer) AddDailyTokens(ctx context.Context, user string, tokens, cap int64, loc *time.Location) error {
	day := time.Now().In(loc).Format(dayFormat)
	effective := cap
	if effective <= 0 {
		effective = math.MaxInt64
	}
	ok, err := e.store.AddDailyTokens(ctx, user, day, tokens, effective)
	if err != nil {
		return fmt.Errorf("daily quota: %w", err)
	}
	if !ok {
		return &pilot.QuotaError{Kind: "daily", Limit: cap, When: day}
	}
	return nil
}

// UsageSummary reports the user's consumption for today and the current
// month in loc. The month range uses days 01..31; days that never existed
// simply have no rows.
func (e *Enforcer) UsageSummary(ctx context.Context, user string, loc *time.Location) (*pilot.UsageSummary, error) {
	now := time.Now().In(loc)
	day := now.Format(dayFormat)

	today, err := e.store.DailyTokens(ctx, user, day)
	if err != nil {
		return nil, fmt.Errorf("daily tokens: %w", err)
	}

	monthPrefix := now.Format("2006-01")
	month, err := e.store.MonthTokens(ctx, user, monthPrefix+"-01", monthPrefix+"-31")
	if err != nil {
		return nil, fmt.Errorf("month tokens: %w", err)
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return &pilot.UsageSummary{
		Day:         day,
		TokensToday: today,
		TokensMonth: month,
		ResetsAt:    midnight.Format(time.RFC3339),
	}, nil
}
