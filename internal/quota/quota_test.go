package quota

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	pilot "github.com/routepilot/routepilot/internal"
	"github.com/routepilot/routepilot/internal/storage/sqlite"
)

func newEnforcer(t *testing.T) *Enforcer {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func TestRPMZeroLimitDisablesGate(t *testing.T) {
	t.Parallel()
	e := newEnforcer(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if err := e.AssertWithinRPM(ctx, "u1", 0); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}

func TestRPMTripsWithTypedError(t *testing.T) {
	t.Parallel()
	e := newEnforcer(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := e.AssertWithinRPM(ctx, "u1", 2); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	err := e.AssertWithinRPM(ctx, "u1", 2)
	var qe *pilot.QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("err = %v, want *pilot.QuotaError", err)
	}
	if qe.Kind != "rpm" || qe.Limit != 2 {
		t.Errorf("quota error = %+v, want rpm/2", qe)
	}
}

func TestDailyTokensCapAndDayKey(t *testing.T) {
	t.Parallel()
	e := newEnforcer(t)
	ctx := context.Background()

	if err := e.AddDailyTokens(ctx, "u1", 450, 500, time.UTC); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := e.AddDailyTokens(ctx, "u1", 200, 500, time.UTC)
	var qe *pilot.QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("err = %v, want *pilot.QuotaError", err)
	}
	if qe.Kind != "daily" || qe.Limit != 500 {
		t.Errorf("quota error = %+v, want daily/500", qe)
	}
	if want := time.Now().UTC().Format("2006-01-02"); qe.When != want {
		t.Errorf("when = %q, want today %q", qe.When, want)
	}
}

func TestDailyTokensZeroCapRecordsWithoutCeiling(t *testing.T) {
	t.Parallel()
	e := newEnforcer(t)
	ctx := context.Background()

	if err := e.AddDailyTokens(ctx, "u1", 1_000_000, 0, time.UTC); err != nil {
		t.Fatalf("uncapped add: %v", err)
	}
	sum, err := e.UsageSummary(ctx, "u1", time.UTC)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TokensToday != 1_000_000 {
		t.Errorf("tokens today = %d, want 1000000", sum.TokensToday)
	}
}

func TestUsageSummaryFields(t *testing.T) {
	t.Parallel()
	e := newEnforcer(t)
	ctx := context.Background()

	if err := e.AddDailyTokens(ctx, "u1", 120, 0, time.UTC); err != nil {
		t.Fatalf("add: %v", err)
	}
	sum, err := e.UsageSummary(ctx, "u1", time.UTC)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	now := time.Now().UTC()
	if sum.Day != now.Format("2006-01-02") {
		t.Errorf("day = %q", sum.Day)
	}
	if sum.TokensToday != 120 || sum.TokensMonth < 120 {
		t.Errorf("today = %d month = %d", sum.TokensToday, sum.TokensMonth)
	}
	resets, err := time.Parse(time.RFC3339, sum.ResetsAt)
	if err != nil {
		t.Fatalf("resets_at parse: %v", err)
	}
	if !resets.After(now) {
		t.Errorf("resets_at = %v, want in the future", resets)
	}
}
