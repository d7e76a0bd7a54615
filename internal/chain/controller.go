package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	pilot "github.com/routepilot/routepilot/internal"
	"github.com/routepilot/routepilot/internal/config"
	"github.com/routepilot/routepilot/internal/httpfetch"
	"github.com/routepilot/routepilot/internal/provider/sseutil"
	"github.com/routepilot/routepilot/internal/rates"
	"github.com/routepilot/routepilot/internal/receipts"
	"github.com/routepilot/routepilot/internal/router"
	"github.com/routepilot/routepilot/internal/storage"
	"github.com/routepilot/routepilot/internal/telemetry"
)

// defaultSystem is used when an agent spec carries no system prompt.
const defaultSystem = "You are a precise assistant. Respond with a single strict JSON object and nothing else."

// Hop usage fallback when the gateway reports nothing.
const (
	fallbackPromptTokens     = 300
	fallbackCompletionTokens = 200
)

// Deps are the collaborators a Controller needs.
type Deps struct {
	Policies *config.Loader
	Agents   *config.Registry
	Store    storage.Store
	Recorder *receipts.Recorder
	Rates    *rates.Table
	Router   *router.Supervisor
	Fetcher  *httpfetch.Fetcher
	Metrics  *telemetry.Metrics
	Flags    config.Flags
}

// Controller executes typed sub-agent hops and composes them into chains.
type Controller struct {
	policies *config.Loader
	agents   *config.Registry
	store    storage.Store
	recorder *receipts.Recorder
	rates    *rates.Table
	router   *router.Supervisor
	fetcher  *httpfetch.Fetcher
	metrics  *telemetry.Metrics
	flags    config.Flags
	tracer   trace.Tracer
}

// New returns a Controller wired from deps.
func New(d Deps) *Controller {
	return &Controller{
		tracer:   telemetry.Tracer("routepilot/chain"),
		policies: d.Policies,
		agents:   d.Agents,
		store:    d.Store,
		recorder: d.Recorder,
		rates:    d.Rates,
		router:   d.Router,
		fetcher:  d.Fetcher,
		metrics:  d.Metrics,
		flags:    d.Flags,
	}
}

// HopResult is the outcome of one sub-agent hop.
type HopResult struct {
	Output     map[string]any
	ReceiptID  string
	OverBudget bool
}

// RunHop executes one envelope against its agent: pre-flight input
// validation, optional tool pre-fetch, a forced-JSON routed call with a
// silent sink, extraction of the last balanced JSON object, post-flight
// output warnings, and a lineage receipt plus trace. extraMeta, when
// non-nil, is merged into the receipt meta.
func (c *Controller) RunHop(ctx context.Context, env *pilot.TaskEnvelope, extraMeta map[string]any) (*HopResult, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	ctx, span := c.tracer.Start(ctx, "chain.hop",
		trace.WithAttributes(attribute.String("agent", env.Agent)))
	defer span.End()
	spec, err := c.agents.Get(env.Agent)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown agent %q", pilot.ErrBadEnvelope, env.Agent)
	}
	policyName := env.Policy
	if policyName == "" {
		policyName = spec.Policy
	}
	p, err := c.policies.Load(policyName)
	if err != nil {
		return nil, err
	}

	if issues := checkSchema(env.Input, spec.InputSchema); len(issues) > 0 {
		return nil, fmt.Errorf("%w: agent %s input: %s", pilot.ErrBadEnvelope, env.Agent, strings.Join(issues, "; "))
	}

	if c.flags.DryRun {
		c.metrics.ChainHops.WithLabelValues(env.Agent).Inc()
		return &HopResult{Output: dryRunStub(env.Agent)}, nil
	}

	payload := map[string]any{"input": env.Input}
	if env.Context != nil {
		payload["context"] = env.Context
	}
	if env.Constraints != nil {
		payload["constraints"] = env.Constraints
	}
	if results := c.preFetch(ctx, spec, env.Input); results != nil {
		payload["tool_results"] = map[string]any{"http_fetch": results}
	}
	userJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal hop payload: %w", err)
	}

	system := spec.System
	if system == "" {
		system = defaultSystem
	}
	messages := []pilot.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: string(userJSON)},
	}

	capture := &sseutil.CaptureWriter{}
	opts := c.hopRouterOptions(p, messages, capture, env.Budget)
	res, err := c.router.Run(ctx, opts)
	if err != nil {
		return nil, err
	}

	raw, err := lastJSONObject(capture.String())
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", env.Agent, err)
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(raw), &output); err != nil {
		return nil, fmt.Errorf("agent %s: %w", env.Agent, pilot.ErrNoOutput)
	}

	for _, issue := range checkSchema(output, spec.OutputSchema) {
		slog.Warn("agent output schema mismatch", "agent", env.Agent, "issue", issue)
	}

	prompt, completion := fallbackPromptTokens, fallbackCompletionTokens
	if res.UsagePrompt != nil {
		prompt = *res.UsagePrompt
	}
	if res.UsageCompletion != nil {
		completion = *res.UsageCompletion
	}
	cost := c.rates.EstimateCost(res.RouteFinal, prompt, completion)

	overBudget := (env.Budget.CostUSD > 0 && cost > env.Budget.CostUSD) ||
		(env.Budget.TimeMs > 0 && res.LatencyMs > env.Budget.TimeMs) ||
		res.FallbackCount >= 2

	meta := map[string]any{}
	for k, v := range extraMeta {
		meta[k] = v
	}
	if overBudget {
		meta["over_budget"] = true
	}
	if len(meta) == 0 {
		meta = nil
	}

	r := &pilot.Receipt{
		Policy:           p.Name,
		RoutePrimary:     p.Routing.Primary[0],
		RouteFinal:       res.RouteFinal,
		FallbackCount:    res.FallbackCount,
		Reasons:          res.Reasons,
		LatencyMs:        res.LatencyMs,
		FirstTokenMs:     res.FirstTokenMs,
		TaskID:           env.TaskID,
		ParentID:         env.ParentID,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		CostUSD:          cost,
		PromptHash:       pilot.HashHex(userJSON),
		PolicyHash:       p.Hash(),
		Agent:            env.Agent,
		Meta:             meta,
	}
	id, err := c.recorder.Write(ctx, r)
	if err != nil {
		return nil, err
	}
	c.metrics.ReceiptsWritten.Inc()
	c.metrics.ChainHops.WithLabelValues(env.Agent).Inc()

	if err := c.store.InsertTrace(ctx, &pilot.Trace{
		TS:           pilot.NowTS(time.Now()),
		Policy:       p.Name,
		RoutePrimary: p.Routing.Primary[0],
		RouteFinal:   res.RouteFinal,
		LatencyMs:    res.LatencyMs,
		Tokens:       prompt + completion,
		CostUSD:      cost,
	}); err != nil {
		return nil, err
	}

	return &HopResult{Output: output, ReceiptID: id, OverBudget: overBudget}, nil
}

// hopRouterOptions derives supervisor options for one hop. The envelope's
// time budget caps the hop by standing in for the stall cutoff, and JSON
// mode is always forced so outputs stay machine-parseable.
func (c *Controller) hopRouterOptions(p *config.Policy, messages []pilot.Message, sink *sseutil.CaptureWriter, budget pilot.Budget) router.Options {
	backoff := make([]time.Duration, len(p.Strategy.BackoffMs))
	for i, ms := range p.Strategy.BackoffMs {
		backoff[i] = time.Duration(ms) * time.Millisecond
	}
	var gen config.GenParams
	if p.Gen != nil {
		gen = *p.Gen
	}
	jsonMode := true
	gen.JSONMode = &jsonMode

	maxTokens := p.Objectives.MaxTokens
	if budget.Tokens > 0 && budget.Tokens < maxTokens {
		maxTokens = budget.Tokens
	}
	stall := time.Duration(p.Strategy.FallbackOnLatencyMs) * time.Millisecond
	if budget.TimeMs > 0 {
		stall = time.Duration(budget.TimeMs) * time.Millisecond
	}

	return router.Options{
		Primary:           p.Routing.Primary,
		Backups:           p.Routing.Backups,
		TargetP95Ms:       p.Objectives.P95LatencyMs,
		WindowN:           p.Routing.P95WindowN,
		Messages:          messages,
		MaxTokens:         maxTokens,
		StallAfter:        stall,
		MaxAttempts:       p.Strategy.MaxAttempts,
		Backoff:           backoff,
		FirstChunkGate:    time.Duration(p.Strategy.FirstChunkGateMs) * time.Millisecond,
		EscalateAfter:     p.Strategy.EscalateAfterFallbacks,
		Gen:               gen,
		PerModel:          p.Routing.Params,
		Sink:              sink,
		ChaosPrimaryStall: c.flags.ChaosPrimaryStall,
		ChaosHTTP5XX:      c.flags.ChaosHTTP5xx,
	}
}

// preFetch runs the http_fetch tool when the agent lists it, the input
// carries an ids array, and a URL template is configured.
func (c *Controller) preFetch(ctx context.Context, spec *pilot.AgentSpec, input map[string]any) []map[string]any {
	if !spec.HasTool("http_fetch") || c.fetcher == nil || !c.fetcher.Enabled() {
		return nil
	}
	ids := stringSlice(input["ids"])
	if len(ids) == 0 {
		return nil
	}
	return c.fetcher.FetchIDs(ctx, ids)
}

// validateEnvelope checks the fields every hop requires.
func validateEnvelope(env *pilot.TaskEnvelope) error {
	switch {
	case env == nil:
		return pilot.ErrBadEnvelope
	case env.EnvelopeVersion != pilot.EnvelopeVersion:
		return fmt.Errorf("%w: unsupported envelopeVersion %q", pilot.ErrBadEnvelope, env.EnvelopeVersion)
	case env.TaskID == "":
		return fmt.Errorf("%w: missing taskId", pilot.ErrBadEnvelope)
	case env.Agent == "":
		return fmt.Errorf("%w: missing agent", pilot.ErrBadEnvelope)
	}
	return nil
}

// dryRunStub returns the deterministic offline output for an agent family.
func dryRunStub(agent string) map[string]any {
	switch {
	case strings.HasPrefix(agent, "Triage"):
		return map[string]any{"intent": "dry-run", "fields": []any{}}
	case strings.HasPrefix(agent, "Retriever"), strings.HasPrefix(agent, "Aggregator"):
		return map[string]any{"records": []any{}}
	case strings.HasPrefix(agent, "Writer"):
		return map[string]any{"draft": ""}
	}
	return map[string]any{}
}

// stringSlice coerces a decoded JSON array, or a native string slice, into
// []string, dropping non-string entries.
func stringSlice(raw any) []string {
	switch list := raw.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, e := range list {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
