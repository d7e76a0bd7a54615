// Package storage defines the persistence interfaces backing the ledger.
package storage

import (
	"context"

	pilot "github.com/routepilot/routepilot/internal"
)

// ReceiptStore persists signed receipts and serves timelines.
type ReceiptStore interface {
	InsertReceipt(ctx context.Context, r *pilot.Receipt, payloadJSON []byte) error
	GetReceipt(ctx context.Context, id string) (*pilot.Receipt, string, error)
	// TimelineForTask returns all receipts sharing taskID in ascending ts order.
	TimelineForTask(ctx context.Context, taskID string) ([]*pilot.Receipt, error)
	// LastReceiptID returns the id of the most recent receipt for taskID,
	// or "" when none exists.
	LastReceiptID(ctx context.Context, taskID string) (string, error)
}

// TraceStore persists routing samples and serves the p95 query.
type TraceStore interface {
	InsertTrace(ctx context.Context, t *pilot.Trace) error
	// P95LatencyFor computes the 95th-percentile latency over the most
	// recent n traces whose route_final equals model. It returns nil and
	// zero samples when no trace for the model exists.
	P95LatencyFor(ctx context.Context, model string, n int) (p95 *int64, samples int, err error)
}

// QuotaStore holds the serialized quota primitives. Both operations run
// prune/read, check, and write inside a single transaction so concurrent
// callers cannot slip past the limit together.
type QuotaStore interface {
	// TakeRPMSlot prunes events older than nowMs-windowMs, counts the
	// remainder for user, and inserts a new event unless count >= limit.
	TakeRPMSlot(ctx context.Context, user string, limit int64, nowMs, windowMs int64) (ok bool, err error)
	// AddDailyTokens adds tokens to (user, day) unless the result would
	// exceed cap, in which case nothing is written.
	AddDailyTokens(ctx context.Context, user, day string, tokens, cap int64) (ok bool, err error)
	DailyTokens(ctx context.Context, user, day string) (int64, error)
	// MonthTokens sums tokens for days between firstDay and lastDay inclusive.
	MonthTokens(ctx context.Context, user, firstDay, lastDay string) (int64, error)
}

// SessionStore persists chat sessions and their ordered messages.
type SessionStore interface {
	CreateSession(ctx context.Context, s *pilot.Session) error
	GetSession(ctx context.Context, id string) (*pilot.Session, error)
	InsertMessage(ctx context.Context, m *pilot.SessionMessage) error
	// RecentMessages returns the last limit messages in ascending ts order.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]pilot.SessionMessage, error)
}

// Store combines all ledger interfaces.
type Store interface {
	ReceiptStore
	TraceStore
	QuotaStore
	SessionStore
	Ping(ctx context.Context) error
	Close() error
}
