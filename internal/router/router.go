// Package router implements the streaming failover supervisor: it builds
// the route ladder, issues gateway calls, watches for stalls, classifies
// failures, and retries with backoff until a model delivers.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	pilot "github.com/routepilot/routepilot/internal"
	"github.com/routepilot/routepilot/internal/config"
	"github.com/routepilot/routepilot/internal/provider"
	"github.com/routepilot/routepilot/internal/provider/sseutil"
	"github.com/routepilot/routepilot/internal/telemetry"
)

// Streamer is the gateway surface the supervisor depends on.
type Streamer interface {
	StreamChat(ctx context.Context, req *pilot.ChatRequest) (*http.Response, error)
}

// P95Source serves recent-latency percentiles for pre-pick decisions.
type P95Source interface {
	P95LatencyFor(ctx context.Context, model string, n int) (p95 *int64, samples int, err error)
}

// Options parameterize one supervised call.
type Options struct {
	Primary []string
	Backups []string

	TargetP95Ms int64
	WindowN     int

	Messages  []pilot.Message
	MaxTokens int

	StallAfter     time.Duration // cancel an attempt with no first delta after this
	MaxAttempts    int
	Backoff        []time.Duration // per-attempt sleeps; last value repeats
	FirstChunkGate time.Duration   // buffer window before the sink sees bytes
	EscalateAfter  int

	Gen      config.GenParams
	PerModel map[string]config.GenParams

	Sink io.Writer

	ChaosPrimaryStall bool
	ChaosHTTP5XX      bool
}

// Supervisor runs supervised streaming calls over a route ladder.
type Supervisor struct {
	client  Streamer
	traces  P95Source
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	// Escalate surfaces repeated fallbacks to an operator. Defaults to a
	// slog warning; tests replace it.
	Escalate func(msg string)
}

// New returns a Supervisor. metrics may not be nil.
func New(client Streamer, traces P95Source, metrics *telemetry.Metrics) *Supervisor {
	return &Supervisor{
		client:  client,
		traces:  traces,
		metrics: metrics,
		tracer:  telemetry.Tracer("routepilot/router"),
		Escalate: func(msg string) {
			slog.Warn("route escalation", "msg", msg)
		},
	}
}

// errStall marks an attempt cancelled by the stall timer, or a stream that
// ended without ever producing a content delta.
var errStall = errors.New("stall: no first delta")

// attemptOutcome carries per-attempt measurements applied to the result
// only when the attempt succeeds.
type attemptOutcome struct {
	firstTokenMs    int64
	usagePrompt     *int
	usageCompletion *int
}

// Run executes the supervised call and returns the result record, or a
// *pilot.RouterError naming every failed attempt once the ladder or the
// attempt budget is exhausted.
func (s *Supervisor) Run(ctx context.Context, opts Options) (*pilot.RouteResult, error) {
	ctx, span := s.tracer.Start(ctx, "router.run")
	defer span.End()

	start := time.Now()
	ladder := s.buildLadder(ctx, opts)
	span.SetAttributes(attribute.StringSlice("route.ladder", ladder))

	res := &pilot.RouteResult{Reasons: []string{}}
	var failed []pilot.RouterAttempt
	escalated := false

	attempts := 0
	for _, model := range ladder {
		if attempts >= opts.MaxAttempts {
			break
		}
		attempts++

		out, err := s.tryRoute(ctx, model, opts)
		if err == nil {
			res.RouteFinal = model
			res.LatencyMs = time.Since(start).Milliseconds()
			res.FirstTokenMs = &out.firstTokenMs
			res.UsagePrompt = out.usagePrompt
			res.UsageCompletion = out.usageCompletion
			s.metrics.AttemptsTotal.WithLabelValues(model, "ok").Inc()
			s.metrics.FirstTokenSeconds.WithLabelValues(model).Observe(float64(out.firstTokenMs) / 1000.0)
			s.metrics.StreamDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
			return res, nil
		}
		if ctx.Err() != nil && !errors.Is(err, errStall) {
			// The caller cancelled the whole run; stop retrying.
			return nil, ctx.Err()
		}

		reason := classify(err)
		res.Reasons = append(res.Reasons, reason)
		res.FallbackCount++
		failed = append(failed, attemptRecord(model, err))
		s.metrics.AttemptsTotal.WithLabelValues(model, reason).Inc()
		s.metrics.FallbacksTotal.WithLabelValues(reason).Inc()
		slog.LogAttrs(ctx, slog.LevelWarn, "route attempt failed",
			slog.String("model", model),
			slog.String("reason", reason),
			slog.Int("fallback_count", res.FallbackCount),
		)

		if opts.EscalateAfter > 0 && !escalated && res.FallbackCount >= opts.EscalateAfter {
			escalated = true
			s.metrics.Escalations.Inc()
			s.Escalate(fmt.Sprintf("%d consecutive fallbacks; last model %s (%s)", res.FallbackCount, model, reason))
		}

		if attempts < opts.MaxAttempts && len(opts.Backoff) > 0 {
			idx := min(res.FallbackCount-1, len(opts.Backoff)-1)
			select {
			case <-time.After(opts.Backoff[idx]):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, &pilot.RouterError{Attempts: failed}
}

// tryRoute performs a single attempt against one model.
func (s *Supervisor) tryRoute(ctx context.Context, model string, opts Options) (*attemptOutcome, error) {
	attemptStart := time.Now()

	// Chaos toggles fault the configured primary only, so failover to a
	// backup stays observable end to end.
	if len(opts.Primary) > 0 && model == opts.Primary[0] {
		if opts.ChaosPrimaryStall {
			select {
			case <-time.After(opts.StallAfter + 50*time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, errStall
		}
		if opts.ChaosHTTP5XX {
			return nil, &pilot.GatewayError{Status: 503, Body: "chaos: synthetic upstream failure"}
		}
	}

	gp := opts.Gen.Merge(opts.PerModel[model])
	req := &pilot.ChatRequest{
		Model:       model,
		Messages:    opts.Messages,
		MaxTokens:   opts.MaxTokens,
		Stream:      true,
		Temperature: gp.Temperature,
		TopP:        gp.TopP,
		Stop:        gp.Stop,
	}
	if gp.JSONMode != nil && *gp.JSONMode {
		req.ResponseFormat = &pilot.ResponseFormat{Type: "json_object"}
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stalled atomic.Bool
	stall := time.AfterFunc(opts.StallAfter, func() {
		stalled.Store(true)
		cancel()
	})
	defer stall.Stop()

	resp, err := s.client.StreamChat(callCtx, req)
	if err != nil {
		if stalled.Load() {
			return nil, errStall
		}
		return nil, err
	}
	defer resp.Body.Close()

	// The gate holds bytes back so a stall mid-window can be reclassified
	// without torn output reaching the sink.
	gate := newGateWriter(opts.Sink, attemptStart.Add(opts.FirstChunkGate))
	out := &attemptOutcome{}
	sawDelta := false

	err = sseutil.Demux(resp.Body, func(delta string) error {
		if !sawDelta {
			sawDelta = true
			stall.Stop()
			out.firstTokenMs = time.Since(attemptStart).Milliseconds()
		}
		return gate.WriteDelta(delta)
	})
	if err != nil {
		if stalled.Load() {
			return nil, errStall
		}
		return nil, err
	}
	if !sawDelta {
		return nil, errStall
	}
	if err := gate.Flush(); err != nil {
		return nil, err
	}

	out.usagePrompt, out.usageCompletion = provider.UsageFromHeaders(resp.Header)
	return out, nil
}

// classify maps an attempt error to its failover reason tag.
func classify(err error) string {
	if errors.Is(err, errStall) {
		return "stall"
	}
	var ge *pilot.GatewayError
	if errors.As(err, &ge) {
		switch {
		case ge.Status == http.StatusTooManyRequests:
			return "rate_limit"
		case ge.Status >= 500:
			return "5xx"
		default:
			return fmt.Sprintf("http_%d", ge.Status)
		}
	}
	return "error"
}

func attemptRecord(model string, err error) pilot.RouterAttempt {
	a := pilot.RouterAttempt{Model: model, Message: err.Error()}
	var ge *pilot.GatewayError
	if errors.As(err, &ge) {
		a.Status = ge.Status
		a.Message = ge.Body
	}
	return a
}
