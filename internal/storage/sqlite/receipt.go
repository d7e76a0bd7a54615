package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	pilot "github.com/routepilot/routepilot/internal"
)

// InsertReceipt persists a receipt row. Receipts are immutable: the row is
// inserted once and never updated.
func (s *Store) InsertReceipt(ctx context.Context, r *pilot.Receipt, payloadJSON []byte) error {
	reasons, err := json.Marshal(r.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	var meta any
	if r.Meta != nil {
		b, err := json.Marshal(r.Meta)
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
		meta = string(b)
	}

	_, err = s.write.ExecContext(ctx, `INSERT INTO receipts
		(id, ts, policy, route_primary, route_final, fallback_count, reasons,
		 latency_ms, first_token_ms, task_id, parent_id,
		 prompt_tokens, completion_tokens, cost_usd,
		 prompt_hash, policy_hash, agent, meta, payload_json, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TS, r.Policy, r.RoutePrimary, r.RouteFinal, r.FallbackCount, string(reasons),
		r.LatencyMs, nullInt64(r.FirstTokenMs), nullString(r.TaskID), nullString(r.ParentID),
		r.PromptTokens, r.CompletionTokens, r.CostUSD,
		r.PromptHash, r.PolicyHash, nullString(r.Agent), meta, string(payloadJSON), r.Signature,
	)
	return err
}

// GetReceipt returns a receipt and its stored payload JSON by id.
func (s *Store) GetReceipt(ctx context.Context, id string) (*pilot.Receipt, string, error) {
	row := s.read.QueryRowContext(ctx, selectReceipt+` WHERE id = ?`, id)
	r, payload, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", pilot.ErrNotFound
	}
	return r, payload, err
}

// TimelineForTask returns all receipts for taskID in ascending ts order.
func (s *Store) TimelineForTask(ctx context.Context, taskID string) ([]*pilot.Receipt, error) {
	rows, err := s.read.QueryContext(ctx, selectReceipt+` WHERE task_id = ? ORDER BY ts ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*pilot.Receipt
	for rows.Next() {
		r, _, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastReceiptID returns the id of the most recent receipt for taskID.
func (s *Store) LastReceiptID(ctx context.Context, taskID string) (string, error) {
	var id string
	err := s.read.QueryRowContext(ctx,
		`SELECT id FROM receipts WHERE task_id = ? ORDER BY ts DESC, id DESC LIMIT 1`, taskID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

const selectReceipt = `SELECT id, ts, policy, route_primary, route_final, fallback_count, reasons,
	latency_ms, first_token_ms, task_id, parent_id,
	prompt_tokens, completion_tokens, cost_usd,
	prompt_hash, policy_hash, agent, meta, payload_json, signature
	FROM receipts`

// scanTarget matches both *sql.Row and *sql.Rows.
type scanTarget interface {
	Scan(dest ...any) error
}

func scanReceipt(row scanTarget) (*pilot.Receipt, string, error) {
	var (
		r            pilot.Receipt
		reasons      string
		firstTokenMs sql.NullInt64
		taskID       sql.NullString
		parentID     sql.NullString
		agent        sql.NullString
		meta         sql.NullString
		payload      string
	)
	err := row.Scan(
		&r.ID, &r.TS, &r.Policy, &r.RoutePrimary, &r.RouteFinal, &r.FallbackCount, &reasons,
		&r.LatencyMs, &firstTokenMs, &taskID, &parentID,
		&r.PromptTokens, &r.CompletionTokens, &r.CostUSD,
		&r.PromptHash, &r.PolicyHash, &agent, &meta, &payload, &r.Signature,
	)
	if err != nil {
		return nil, "", err
	}
	if err := json.Unmarshal([]byte(reasons), &r.Reasons); err != nil {
		return nil, "", fmt.Errorf("unmarshal reasons: %w", err)
	}
	if firstTokenMs.Valid {
		r.FirstTokenMs = &firstTokenMs.Int64
	}
	r.TaskID = taskID.String
	r.ParentID = parentID.String
	r.Agent = agent.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Meta); err != nil {
			return nil, "", fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	return &r, payload, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
