// Package driver orchestrates complete invocations: quota gates, routed
// streaming calls, usage reconciliation, receipts, and traces.
package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	pilot "github.com/routepilot/routepilot/internal"
	"github.com/routepilot/routepilot/internal/config"
	"github.com/routepilot/routepilot/internal/quota"
	"github.com/routepilot/routepilot/internal/rates"
	"github.com/routepilot/routepilot/internal/receipts"
	"github.com/routepilot/routepilot/internal/router"
	"github.com/routepilot/routepilot/internal/storage"
	"github.com/routepilot/routepilot/internal/telemetry"
)

// Fallback usage estimates when the gateway reports nothing and the probe
// is disabled or fails. Coarse on purpose; not billing-grade.
const (
	defaultPromptTokens     = 300
	defaultCompletionTokens = 200
)

// snapshotLimit caps the input snapshot stored in receipt meta.
const snapshotLimit = 2000

// Prober issues the non-streaming usage probe.
type Prober interface {
	Complete(ctx context.Context, req *pilot.ChatRequest) (*pilot.ChatResponse, error)
}

// Deps are the collaborators a Driver needs.
type Deps struct {
	Policies *config.Loader
	Agents   *config.Registry
	Store    storage.Store
	Quota    *quota.Enforcer
	Recorder *receipts.Recorder
	Rates    *rates.Table
	Router   *router.Supervisor
	Prober   Prober
	Metrics  *telemetry.Metrics
	Flags    config.Flags
}

// Driver runs single-shot inferences and multi-turn chat sessions.
type Driver struct {
	policies *config.Loader
	agents   *config.Registry
	store    storage.Store
	quota    *quota.Enforcer
	recorder *receipts.Recorder
	rates    *rates.Table
	router   *router.Supervisor
	prober   Prober
	metrics  *telemetry.Metrics
	flags    config.Flags
}

// New returns a Driver wired from deps.
func New(d Deps) *Driver {
	return &Driver{
		policies: d.Policies,
		agents:   d.Agents,
		store:    d.Store,
		quota:    d.Quota,
		recorder: d.Recorder,
		rates:    d.Rates,
		router:   d.Router,
		prober:   d.Prober,
		metrics:  d.Metrics,
		flags:    d.Flags,
	}
}

// routerOptions derives supervisor options from a policy.
func routerOptions(p *config.Policy, messages []pilot.Message, sink io.Writer, flags config.Flags) router.Options {
	backoff := make([]time.Duration, len(p.Strategy.BackoffMs))
	for i, ms := range p.Strategy.BackoffMs {
		backoff[i] = time.Duration(ms) * time.Millisecond
	}
	var gen config.GenParams
	if p.Gen != nil {
		gen = *p.Gen
	}
	return router.Options{
		Primary:           p.Routing.Primary,
		Backups:           p.Routing.Backups,
		TargetP95Ms:       p.Objectives.P95LatencyMs,
		WindowN:           p.Routing.P95WindowN,
		Messages:          messages,
		MaxTokens:         p.Objectives.MaxTokens,
		StallAfter:        time.Duration(p.Strategy.FallbackOnLatencyMs) * time.Millisecond,
		MaxAttempts:       p.Strategy.MaxAttempts,
		Backoff:           backoff,
		FirstChunkGate:    time.Duration(p.Strategy.FirstChunkGateMs) * time.Millisecond,
		EscalateAfter:     p.Strategy.EscalateAfterFallbacks,
		Gen:               gen,
		PerModel:          p.Routing.Params,
		Sink:              sink,
		ChaosPrimaryStall: flags.ChaosPrimaryStall,
		ChaosHTTP5XX:      flags.ChaosHTTP5xx,
	}
}

// buildUserContent joins the user input with an optional attachment block.
// The prompt hash covers exactly this string.
func buildUserContent(input, attachment string) string {
	if attachment == "" {
		return input
	}
	return input + "\n\n" + attachment
}

// reconcileUsage resolves token counts: header-reported values win; the
// optional non-stream probe runs next; otherwise coarse defaults apply.
func (d *Driver) reconcileUsage(ctx context.Context, model string, messages []pilot.Message, res *pilot.RouteResult) (prompt, completion int) {
	if res.UsagePrompt != nil && res.UsageCompletion != nil {
		return *res.UsagePrompt, *res.UsageCompletion
	}
	if d.flags.UsageProbe && d.prober != nil {
		resp, err := d.prober.Complete(ctx, &pilot.ChatRequest{
			Model:     model,
			Messages:  messages,
			MaxTokens: 1,
		})
		if err == nil && resp.Usage != nil {
			return resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		}
		slog.Debug("usage probe failed, using defaults", "model", model, "error", err)
	}
	prompt, completion = defaultPromptTokens, defaultCompletionTokens
	if res.UsagePrompt != nil {
		prompt = *res.UsagePrompt
	}
	if res.UsageCompletion != nil {
		completion = *res.UsageCompletion
	}
	return prompt, completion
}

// countQuotaReject bumps the quota metric when err is a quota trip.
func (d *Driver) countQuotaReject(err error) {
	var qe *pilot.QuotaError
	if errors.As(err, &qe) {
		d.metrics.QuotaRejects.WithLabelValues(qe.Kind).Inc()
	}
}

// snapshot truncates content for receipt meta storage.
func snapshot(content string) string {
	if len(content) > snapshotLimit {
		return content[:snapshotLimit]
	}
	return content
}
