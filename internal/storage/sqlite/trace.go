package sqlite

import (
	"context"
	"slices"

	pilot "github.com/routepilot/routepilot/internal"
)

// InsertTrace appends a routing sample.
func (s *Store) InsertTrace(ctx context.Context, t *pilot.Trace) error {
	_, err := s.write.ExecContext(ctx, `INSERT INTO traces
		(ts, user_ref, policy, route_primary, route_final, latency_ms, tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TS, nullString(t.UserRef), t.Policy, t.RoutePrimary, t.RouteFinal,
		t.LatencyMs, t.Tokens, t.CostUSD,
	)
	return err
}

// P95LatencyFor computes the 95th-percentile latency over the most recent n
// traces for model. Returns (nil, 0) when the model has no traces at all.
// With k available rows the percentile is sorted_asc[floor(0.95*(k-1))].
func (s *Store) P95LatencyFor(ctx context.Context, model string, n int) (*int64, int, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT latency_ms FROM traces WHERE route_final = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		model, n,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var lats []int64
	for rows.Next() {
		var l int64
		if err := rows.Scan(&l); err != nil {
			return nil, 0, err
		}
		lats = append(lats, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(lats) == 0 {
		return nil, 0, nil
	}

	slices.Sort(lats)
	idx := int(0.95 * float64(len(lats)-1))
	p95 := lats[idx]
	return &p95, len(lats), nil
}
