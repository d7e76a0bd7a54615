package driver

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	pilot "github.com/routepilot/routepilot/internal"
	"github.com/routepilot/routepilot/internal/config"
	"github.com/routepilot/routepilot/internal/quota"
	"github.com/routepilot/routepilot/internal/rates"
	"github.com/routepilot/routepilot/internal/receipts"
	"github.com/routepilot/routepilot/internal/router"
	"github.com/routepilot/routepilot/internal/storage/sqlite"
	"github.com/routepilot/routepilot/internal/telemetry"
	"github.com/routepilot/routepilot/internal/testutil"
)

const driverPolicies = `
policies:
  default:
    objectives:
      p95_latency_ms: 800
      max_cost_usd: 0
      max_tokens: 128
    routing:
      primary: [m]
    strategy:
      fallback_on_latency_ms: 2000
    tenancy:
      per_user_daily_tokens: 0
      per_user_rpm: 0
    gen:
      system: Be helpful.
  capped:
    objectives:
      p95_latency_ms: 800
      max_cost_usd: 0
      max_tokens: 128
    routing:
      primary: [m]
    strategy:
      fallback_on_latency_ms: 2000
    tenancy:
      per_user_daily_tokens: 100
      per_user_rpm: 0
  rpm1:
    objectives:
      p95_latency_ms: 800
      max_cost_usd: 0
      max_tokens: 128
    routing:
      primary: [m]
    strategy:
      fallback_on_latency_ms: 2000
    tenancy:
      per_user_daily_tokens: 0
      per_user_rpm: 1
`

func newTestDriver(t *testing.T, streamer *testutil.FakeStreamer, flags config.Flags) (*Driver, *sqlite.Store) {
	t.Helper()

	dir := t.TempDir()
	store, err := sqlite.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	path := filepath.Join(dir, "policies.yaml")
	if err := os.WriteFile(path, []byte(driverPolicies), 0o644); err != nil {
		t.Fatalf("write policies: %v", err)
	}

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	return New(Deps{
		Policies: config.NewLoader(path),
		Agents:   config.BuiltinAgents(),
		Store:    store,
		Quota:    quota.New(store),
		Recorder: receipts.New(store, receipts.Options{Secret: "test-secret"}),
		Rates:    rates.NewTable(nil),
		Router:   router.New(streamer, store, metrics),
		Metrics:  metrics,
		Flags:    flags,
	}), store
}

func okStreamer(reply string, headers map[string]string) *testutil.FakeStreamer {
	return &testutil.FakeStreamer{
		StreamFn: func(_ context.Context, _ *pilot.ChatRequest) (*http.Response, error) {
			return testutil.SSEResponse(testutil.SSEBody(reply), headers), nil
		},
	}
}

func traceSamples(t *testing.T, store *sqlite.Store, model string) int {
	t.Helper()
	_, n, err := store.P95LatencyFor(context.Background(), model, 100)
	if err != nil {
		t.Fatalf("P95LatencyFor: %v", err)
	}
	return n
}

func TestInferWritesReceiptAndTrace(t *testing.T) {
	t.Parallel()

	d, store := newTestDriver(t, okStreamer("Hello.", map[string]string{
		"x-usage-prompt-tokens":     "12",
		"x-usage-completion-tokens": "7",
	}), config.Flags{})

	var sink strings.Builder
	out, err := d.Infer(context.Background(), InferRequest{
		User:       "u1",
		PolicyName: "default",
		Input:      "say hello",
		Sink:       &sink,
	})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if sink.String() != "Hello." {
		t.Errorf("sink = %q", sink.String())
	}
	if out.PromptTokens != 12 || out.CompletionTokens != 7 {
		t.Errorf("usage = %d/%d, want header values", out.PromptTokens, out.CompletionTokens)
	}

	r, _, err := store.GetReceipt(context.Background(), out.ReceiptID)
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if r.Policy != "default" || r.RouteFinal != "m" {
		t.Errorf("receipt = %+v", r)
	}
	if r.PromptHash != pilot.HashHex([]byte("say hello")) {
		t.Errorf("prompt hash = %q, want hash of the raw input", r.PromptHash)
	}
	if n := traceSamples(t, store, "m"); n != 1 {
		t.Errorf("trace samples = %d, want 1", n)
	}
}

func TestInferAttachmentExtendsPromptHash(t *testing.T) {
	t.Parallel()

	d, store := newTestDriver(t, okStreamer("ok", nil), config.Flags{})

	out, err := d.Infer(context.Background(), InferRequest{
		User:       "u1",
		PolicyName: "default",
		Input:      "summarize",
		Attachment: "file contents",
		Sink:       &strings.Builder{},
	})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	r, _, err := store.GetReceipt(context.Background(), out.ReceiptID)
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	want := pilot.HashHex([]byte("summarize\n\nfile contents"))
	if r.PromptHash != want {
		t.Errorf("prompt hash = %q, want input plus attachment", r.PromptHash)
	}
}

func TestInferSnapshotInputMeta(t *testing.T) {
	t.Parallel()

	d, store := newTestDriver(t, okStreamer("ok", nil), config.Flags{SnapshotInput: true})

	out, err := d.Infer(context.Background(), InferRequest{
		User:       "u1",
		PolicyName: "default",
		Input:      "remember this",
		Sink:       &strings.Builder{},
	})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	r, _, err := store.GetReceipt(context.Background(), out.ReceiptID)
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if r.Meta["input"] != "remember this" {
		t.Errorf("meta = %v, want input snapshot", r.Meta)
	}
}

// fakeProber scripts the non-stream usage probe and records the request.
type fakeProber struct {
	req  *pilot.ChatRequest
	resp *pilot.ChatResponse
	err  error
}

func (p *fakeProber) Complete(_ context.Context, req *pilot.ChatRequest) (*pilot.ChatResponse, error) {
	p.req = req
	return p.resp, p.err
}

func TestUsageProbeFillsMissingCounts(t *testing.T) {
	t.Parallel()

	// No usage headers on the stream, so the enabled probe supplies counts.
	d, store := newTestDriver(t, okStreamer("ok", nil), config.Flags{UsageProbe: true})
	probe := &fakeProber{resp: &pilot.ChatResponse{
		Usage: &pilot.Usage{PromptTokens: 21, CompletionTokens: 13},
	}}
	d.prober = probe

	out, err := d.Infer(context.Background(), InferRequest{
		User:       "u1",
		PolicyName: "default",
		Input:      "hi",
		Sink:       &strings.Builder{},
	})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if out.PromptTokens != 21 || out.CompletionTokens != 13 {
		t.Errorf("usage = %d/%d, want probed counts", out.PromptTokens, out.CompletionTokens)
	}
	if probe.req == nil {
		t.Fatal("probe never called")
	}
	if probe.req.MaxTokens != 1 || probe.req.Model != "m" {
		t.Errorf("probe request = model %q max_tokens %d, want m/1", probe.req.Model, probe.req.MaxTokens)
	}
	r, _, err := store.GetReceipt(context.Background(), out.ReceiptID)
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if r.PromptTokens != 21 || r.CompletionTokens != 13 {
		t.Errorf("receipt usage = %d/%d, want probed counts", r.PromptTokens, r.CompletionTokens)
	}
}

func TestUsageProbeSkippedWhenHeadersReport(t *testing.T) {
	t.Parallel()

	d, _ := newTestDriver(t, okStreamer("ok", map[string]string{
		"x-usage-prompt-tokens":     "5",
		"x-usage-completion-tokens": "3",
	}), config.Flags{UsageProbe: true})
	probe := &fakeProber{resp: &pilot.ChatResponse{
		Usage: &pilot.Usage{PromptTokens: 99, CompletionTokens: 99},
	}}
	d.prober = probe

	out, err := d.Infer(context.Background(), InferRequest{
		User:       "u1",
		PolicyName: "default",
		Input:      "hi",
		Sink:       &strings.Builder{},
	})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if out.PromptTokens != 5 || out.CompletionTokens != 3 {
		t.Errorf("usage = %d/%d, want header values", out.PromptTokens, out.CompletionTokens)
	}
	if probe.req != nil {
		t.Error("probe called despite header-reported usage")
	}
}

func TestUsageProbeFailureFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	d, _ := newTestDriver(t, okStreamer("ok", nil), config.Flags{UsageProbe: true})
	d.prober = &fakeProber{err: &pilot.GatewayError{Status: 500, Body: "probe down"}}

	out, err := d.Infer(context.Background(), InferRequest{
		User:       "u1",
		PolicyName: "default",
		Input:      "hi",
		Sink:       &strings.Builder{},
	})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if out.PromptTokens != 300 || out.CompletionTokens != 200 {
		t.Errorf("usage = %d/%d, want coarse defaults after probe failure", out.PromptTokens, out.CompletionTokens)
	}
}

func TestInferDailyQuotaTripKeepsReceipt(t *testing.T) {
	t.Parallel()

	// No usage headers, so the 300/200 defaults apply and blow the 100-token
	// daily cap. The receipt must survive the trip; the trace must not land.
	d, store := newTestDriver(t, okStreamer("ok", nil), config.Flags{})

	out, err := d.Infer(context.Background(), InferRequest{
		User:       "u1",
		PolicyName: "capped",
		Input:      "hi",
		Sink:       &strings.Builder{},
	})
	var qe *pilot.QuotaError
	if !errors.As(err, &qe) || qe.Kind != "daily" {
		t.Fatalf("err = %v, want daily quota trip", err)
	}
	if out == nil || out.ReceiptID == "" {
		t.Fatal("no receipt id alongside the quota error")
	}
	if _, _, err := store.GetReceipt(context.Background(), out.ReceiptID); err != nil {
		t.Errorf("receipt missing after quota trip: %v", err)
	}
	if n := traceSamples(t, store, "m"); n != 0 {
		t.Errorf("trace samples = %d, want none after quota trip", n)
	}
}

func TestInferRPMGateBlocksBeforeCall(t *testing.T) {
	t.Parallel()

	streamer := okStreamer("ok", nil)
	d, store := newTestDriver(t, streamer, config.Flags{})

	req := InferRequest{User: "u1", PolicyName: "rpm1", Input: "hi", Sink: &strings.Builder{}}
	if _, err := d.Infer(context.Background(), req); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := d.Infer(context.Background(), req)
	var qe *pilot.QuotaError
	if !errors.As(err, &qe) || qe.Kind != "rpm" {
		t.Fatalf("err = %v, want rpm quota trip", err)
	}
	if got := len(streamer.CalledModels()); got != 1 {
		t.Errorf("gateway calls = %d, want the blocked turn never dialed", got)
	}
	if n := traceSamples(t, store, "m"); n != 1 {
		t.Errorf("trace samples = %d, want 1", n)
	}
}

func TestInferShadowRunsSilently(t *testing.T) {
	t.Parallel()

	streamer := &testutil.FakeStreamer{
		PerModel: map[string]func(ctx context.Context, req *pilot.ChatRequest) (*http.Response, error){
			"m": func(_ context.Context, _ *pilot.ChatRequest) (*http.Response, error) {
				return testutil.SSEResponse(testutil.SSEBody("main"), nil), nil
			},
			"shadow-m": func(_ context.Context, _ *pilot.ChatRequest) (*http.Response, error) {
				return testutil.SSEResponse(testutil.SSEBody("shadow"), nil), nil
			},
		},
	}
	d, _ := newTestDriver(t, streamer, config.Flags{})

	var sink strings.Builder
	if _, err := d.Infer(context.Background(), InferRequest{
		User:       "u1",
		PolicyName: "default",
		Input:      "hi",
		Shadow:     "shadow-m",
		Sink:       &sink,
	}); err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if sink.String() != "main" {
		t.Errorf("sink = %q, shadow output must not leak", sink.String())
	}
	models := streamer.CalledModels()
	if len(models) != 2 || models[1] != "shadow-m" {
		t.Errorf("models = %v, want shadow call after main", models)
	}
}

func TestSessionTurnsChainReceipts(t *testing.T) {
	t.Parallel()

	d, store := newTestDriver(t, okStreamer("reply", nil), config.Flags{})
	ctx := context.Background()

	sess, err := d.StartSession(ctx, "u1", "Writer", "default")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	first, err := d.Turn(ctx, TurnRequest{SessionID: sess.ID, Input: "turn one", Sink: &strings.Builder{}})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if first.Reply != "reply" {
		t.Errorf("reply = %q", first.Reply)
	}
	second, err := d.Turn(ctx, TurnRequest{SessionID: sess.ID, Input: "turn two", Sink: &strings.Builder{}})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}

	r1, _, err := store.GetReceipt(ctx, first.ReceiptID)
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	r2, _, err := store.GetReceipt(ctx, second.ReceiptID)
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if r1.TaskID != sess.ID || r2.TaskID != sess.ID {
		t.Errorf("task ids = %q %q, want session id", r1.TaskID, r2.TaskID)
	}
	if r1.ParentID != "" {
		t.Errorf("first parent = %q, want root", r1.ParentID)
	}
	if r2.ParentID != first.ReceiptID {
		t.Errorf("second parent = %q, want %q", r2.ParentID, first.ReceiptID)
	}

	msgs, err := store.RecentMessages(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want user/assistant per turn", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %q %q", msgs[0].Role, msgs[1].Role)
	}
}

func TestStartSessionRejectsUnknownAgent(t *testing.T) {
	t.Parallel()

	d, _ := newTestDriver(t, okStreamer("ok", nil), config.Flags{})
	_, err := d.StartSession(context.Background(), "u1", "Nobody", "default")
	var ce *pilot.ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want *pilot.ConfigError", err)
	}
}
