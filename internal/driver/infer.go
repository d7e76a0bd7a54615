package driver

import (
	"context"
	"io"
	"log/slog"
	"time"

	pilot "github.com/routepilot/routepilot/internal"
	"github.com/routepilot/routepilot/internal/provider/sseutil"
)

// InferRequest is one single-shot inference.
type InferRequest struct {
	User       string
	PolicyName string
	Input      string
	Attachment string // extracted attachment text, already formatted
	Shadow     string // optional shadow model, run silently after success
	Sink       io.Writer
}

// InferResult reports the completed inference.
type InferResult struct {
	ReceiptID        string
	Route            *pilot.RouteResult
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Infer runs one supervised inference end to end. Steps are strictly
// ordered; a failure at any step leaves everything below it unwritten. The
// receipt lands before the daily-token gate, so a quota trip on accounting
// still leaves the receipt in the ledger; the trace is written last so a
// partial call can never skew p95.
func (d *Driver) Infer(ctx context.Context, req InferRequest) (*InferResult, error) {
	p, err := d.policies.Load(req.PolicyName)
	if err != nil {
		return nil, err
	}
	policyHash := p.Hash()

	if err := d.quota.AssertWithinRPM(ctx, req.User, p.Tenancy.PerUserRPM); err != nil {
		d.countQuotaReject(err)
		return nil, err
	}

	userContent := buildUserContent(req.Input, req.Attachment)
	promptHash := pilot.HashHex([]byte(userContent))

	var messages []pilot.Message
	if p.Gen != nil && p.Gen.System != "" {
		messages = append(messages, pilot.Message{Role: "system", Content: p.Gen.System})
	}
	messages = append(messages, pilot.Message{Role: "user", Content: userContent})

	res, err := d.router.Run(ctx, routerOptions(p, messages, req.Sink, d.flags))
	if err != nil {
		return nil, err
	}

	prompt, completion := d.reconcileUsage(ctx, res.RouteFinal, messages, res)
	cost := d.rates.EstimateCost(res.RouteFinal, prompt, completion)

	var meta map[string]any
	if d.flags.SnapshotInput {
		meta = map[string]any{"input": snapshot(req.Input)}
	}
	r := &pilot.Receipt{
		Policy:           p.Name,
		RoutePrimary:     p.Routing.Primary[0],
		RouteFinal:       res.RouteFinal,
		FallbackCount:    res.FallbackCount,
		Reasons:          res.Reasons,
		LatencyMs:        res.LatencyMs,
		FirstTokenMs:     res.FirstTokenMs,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		CostUSD:          cost,
		PromptHash:       promptHash,
		PolicyHash:       policyHash,
		Meta:             meta,
	}
	id, err := d.recorder.Write(ctx, r)
	if err != nil {
		return nil, err
	}
	d.metrics.ReceiptsWritten.Inc()

	out := &InferResult{
		ReceiptID:        id,
		Route:            res,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		CostUSD:          cost,
	}

	if err := d.quota.AddDailyTokens(ctx, req.User, int64(prompt+completion), p.Tenancy.PerUserDailyTokens, p.Location()); err != nil {
		d.countQuotaReject(err)
		return out, err
	}

	if err := d.store.InsertTrace(ctx, &pilot.Trace{
		TS:           pilot.NowTS(time.Now()),
		UserRef:      req.User,
		Policy:       p.Name,
		RoutePrimary: p.Routing.Primary[0],
		RouteFinal:   res.RouteFinal,
		LatencyMs:    res.LatencyMs,
		Tokens:       prompt + completion,
		CostUSD:      cost,
	}); err != nil {
		return out, err
	}

	if req.Shadow != "" {
		d.runShadow(ctx, req.Shadow, p.Name, messages, promptHash, policyHash)
	}
	return out, nil
}

// runShadow issues a silent single-attempt call on the shadow model and
// writes a marker receipt. Shadow failures never surface; the main result
// has already been returned to the user path.
func (d *Driver) runShadow(ctx context.Context, model, policyName string, messages []pilot.Message, promptHash, policyHash string) {
	p, err := d.policies.Load(policyName)
	if err != nil {
		slog.Debug("shadow skipped: policy reload failed", "error", err)
		return
	}

	opts := routerOptions(p, messages, &sseutil.CaptureWriter{}, d.flags)
	opts.Primary = []string{model}
	opts.Backups = nil
	opts.MaxAttempts = 1
	opts.TargetP95Ms = 0
	opts.ChaosPrimaryStall = false
	opts.ChaosHTTP5XX = false

	if _, err := d.router.Run(ctx, opts); err != nil {
		slog.Debug("shadow run failed", "model", model, "error", err)
		return
	}

	r := &pilot.Receipt{
		Policy:       policyName,
		RoutePrimary: model,
		RouteFinal:   model,
		Reasons:      []string{"shadow"},
		PromptHash:   promptHash,
		PolicyHash:   policyHash,
		Meta:         map[string]any{"shadow": true},
	}
	if _, err := d.recorder.Write(ctx, r); err != nil {
		slog.Debug("shadow receipt failed", "model", model, "error", err)
		return
	}
	d.metrics.ReceiptsWritten.Inc()
}
