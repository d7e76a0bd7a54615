package router

import (
	"context"
	"log/slog"
)

// prePickMinSamples is the minimum trace count for the primary before the
// ladder may be reordered. Below it, observed p95 is too noisy to act on.
const prePickMinSamples = 10

// buildLadder returns the ordered list of models to visit. When the
// primary's recent p95 exceeds the target with enough samples, the backup
// with the lowest observed p95 is promoted to the front; ties resolve to
// the earliest configured backup. Otherwise the configured order stands.
func (s *Supervisor) buildLadder(ctx context.Context, opts Options) []string {
	ladder := make([]string, 0, len(opts.Primary)+len(opts.Backups))
	ladder = append(ladder, opts.Primary...)
	ladder = append(ladder, opts.Backups...)

	if len(opts.Primary) == 0 || len(opts.Backups) == 0 || opts.TargetP95Ms <= 0 {
		return ladder
	}

	primary := opts.Primary[0]
	p95, samples, err := s.traces.P95LatencyFor(ctx, primary, opts.WindowN)
	if err != nil {
		slog.Warn("p95 lookup failed, keeping configured order", "model", primary, "error", err)
		return ladder
	}
	if p95 == nil || samples < prePickMinSamples || *p95 <= opts.TargetP95Ms {
		return ladder
	}

	best := ""
	var bestP95 int64
	for _, b := range opts.Backups {
		bp, _, err := s.traces.P95LatencyFor(ctx, b, opts.WindowN)
		if err != nil || bp == nil {
			continue
		}
		if best == "" || *bp < bestP95 {
			best = b
			bestP95 = *bp
		}
	}
	if best == "" {
		return ladder
	}

	slog.Info("pre-pick: promoting backup",
		"primary", primary, "primary_p95_ms", *p95,
		"target_p95_ms", opts.TargetP95Ms,
		"promoted", best, "promoted_p95_ms", bestP95,
	)

	reordered := make([]string, 0, len(ladder))
	reordered = append(reordered, best)
	reordered = append(reordered, opts.Primary...)
	for _, b := range opts.Backups {
		if b != best {
			reordered = append(reordered, b)
		}
	}
	return reordered
}
