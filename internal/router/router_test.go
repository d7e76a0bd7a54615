package router

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	pilot "github.com/routepilot/routepilot/internal"
	"github.com/routepilot/routepilot/internal/telemetry"
	"github.com/routepilot/routepilot/internal/testutil"
)

func newSupervisor(client *testutil.FakeStreamer, traces *testutil.FakeP95) *Supervisor {
	if traces == nil {
		traces = &testutil.FakeP95{}
	}
	return New(client, traces, telemetry.NewMetrics(prometheus.NewRegistry()))
}

func okModel(deltas ...string) func(context.Context, *pilot.ChatRequest) (*http.Response, error) {
	return func(context.Context, *pilot.ChatRequest) (*http.Response, error) {
		return testutil.SSEResponse(testutil.SSEBody(deltas...), nil), nil
	}
}

func stallModel() func(context.Context, *pilot.ChatRequest) (*http.Response, error) {
	return func(ctx context.Context, _ *pilot.ChatRequest) (*http.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func failModel(status int, body string) func(context.Context, *pilot.ChatRequest) (*http.Response, error) {
	return func(context.Context, *pilot.ChatRequest) (*http.Response, error) {
		return nil, &pilot.GatewayError{Status: status, Body: body}
	}
}

func baseOptions(sink *bytes.Buffer) Options {
	return Options{
		Primary:     []string{"A"},
		Backups:     []string{"B"},
		Messages:    []pilot.Message{{Role: "user", Content: "hi"}},
		MaxTokens:   64,
		StallAfter:  500 * time.Millisecond,
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Millisecond},
		Sink:        sink,
	}
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	client := &testutil.FakeStreamer{PerModel: map[string]func(context.Context, *pilot.ChatRequest) (*http.Response, error){
		"A": okModel("Hi ", "there"),
	}}
	s := newSupervisor(client, nil)

	var sink bytes.Buffer
	res, err := s.Run(context.Background(), baseOptions(&sink))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sink.String(); got != "Hi there" {
		t.Errorf("sink = %q, want %q", got, "Hi there")
	}
	if res.RouteFinal != "A" {
		t.Errorf("route_final = %q, want A", res.RouteFinal)
	}
	if res.FallbackCount != 0 || len(res.Reasons) != 0 {
		t.Errorf("fallbacks = %d reasons = %v, want none", res.FallbackCount, res.Reasons)
	}
	if res.FirstTokenMs == nil || *res.FirstTokenMs < 0 {
		t.Errorf("first_token_ms = %v, want recorded", res.FirstTokenMs)
	}
}

func TestStallFailsOverToBackup(t *testing.T) {
	t.Parallel()

	client := &testutil.FakeStreamer{PerModel: map[string]func(context.Context, *pilot.ChatRequest) (*http.Response, error){
		"A": stallModel(),
		"B": okModel("from B"),
	}}
	s := newSupervisor(client, nil)

	var sink bytes.Buffer
	opts := baseOptions(&sink)
	opts.StallAfter = 100 * time.Millisecond
	res, err := s.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RouteFinal != "B" || res.FallbackCount != 1 {
		t.Errorf("route_final = %q fallbacks = %d, want B / 1", res.RouteFinal, res.FallbackCount)
	}
	if len(res.Reasons) != 1 || res.Reasons[0] != "stall" {
		t.Errorf("reasons = %v, want [stall]", res.Reasons)
	}
	if got := sink.String(); got != "from B" {
		t.Errorf("sink = %q, want only B's output", got)
	}
}

func TestServerErrorFailsOver(t *testing.T) {
	t.Parallel()

	client := &testutil.FakeStreamer{PerModel: map[string]func(context.Context, *pilot.ChatRequest) (*http.Response, error){
		"A": failModel(503, "Service Unavailable"),
		"B": okModel("ok"),
	}}
	s := newSupervisor(client, nil)

	var sink bytes.Buffer
	res, err := s.Run(context.Background(), baseOptions(&sink))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RouteFinal != "B" {
		t.Errorf("route_final = %q, want B", res.RouteFinal)
	}
	if len(res.Reasons) != 1 || res.Reasons[0] != "5xx" {
		t.Errorf("reasons = %v, want [5xx]", res.Reasons)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{errStall, "stall"},
		{&pilot.GatewayError{Status: 429}, "rate_limit"},
		{&pilot.GatewayError{Status: 500}, "5xx"},
		{&pilot.GatewayError{Status: 503}, "5xx"},
		{&pilot.GatewayError{Status: 404}, "http_404"},
		{errors.New("boom"), "error"},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got != tc.want {
			t.Errorf("classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestExhaustionAggregatesAttempts(t *testing.T) {
	t.Parallel()

	client := &testutil.FakeStreamer{PerModel: map[string]func(context.Context, *pilot.ChatRequest) (*http.Response, error){
		"A": failModel(500, "a down"),
		"B": failModel(429, "slow down"),
	}}
	s := newSupervisor(client, nil)

	var sink bytes.Buffer
	_, err := s.Run(context.Background(), baseOptions(&sink))
	var re *pilot.RouterError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *pilot.RouterError", err)
	}
	if len(re.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(re.Attempts))
	}
	if re.Attempts[0].Model != "A" || re.Attempts[0].Status != 500 {
		t.Errorf("attempt[0] = %+v", re.Attempts[0])
	}
	if re.Attempts[1].Model != "B" || re.Attempts[1].Status != 429 {
		t.Errorf("attempt[1] = %+v", re.Attempts[1])
	}
}

func TestMaxAttemptsBoundsLadder(t *testing.T) {
	t.Parallel()

	client := &testutil.FakeStreamer{PerModel: map[string]func(context.Context, *pilot.ChatRequest) (*http.Response, error){
		"A": failModel(500, "down"),
		"B": failModel(500, "down"),
		"C": okModel("never reached"),
	}}
	s := newSupervisor(client, nil)

	var sink bytes.Buffer
	opts := baseOptions(&sink)
	opts.Backups = []string{"B", "C"}
	opts.MaxAttempts = 2
	_, err := s.Run(context.Background(), opts)
	var re *pilot.RouterError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *pilot.RouterError", err)
	}
	if got := client.CalledModels(); len(got) != 2 {
		t.Errorf("called models = %v, want exactly 2 attempts", got)
	}
}

func TestBackoffRepeatsLastElement(t *testing.T) {
	t.Parallel()

	client := &testutil.FakeStreamer{PerModel: map[string]func(context.Context, *pilot.ChatRequest) (*http.Response, error){
		"A": failModel(500, "down"),
		"B": failModel(500, "down"),
		"C": failModel(500, "down"),
	}}
	s := newSupervisor(client, nil)

	var sink bytes.Buffer
	opts := baseOptions(&sink)
	opts.Backups = []string{"B", "C"}
	opts.Backoff = []time.Duration{30 * time.Millisecond}

	start := time.Now()
	_, err := s.Run(context.Background(), opts)
	if err == nil {
		t.Fatal("want exhaustion error")
	}
	// Two inter-attempt sleeps, both using the single ladder entry.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 60ms from repeated backoff", elapsed)
	}
}

func TestEscalationFiresAtThreshold(t *testing.T) {
	t.Parallel()

	client := &testutil.FakeStreamer{PerModel: map[string]func(context.Context, *pilot.ChatRequest) (*http.Response, error){
		"A": failModel(500, "down"),
		"B": okModel("ok"),
	}}
	s := newSupervisor(client, nil)

	var toasts []string
	s.Escalate = func(msg string) { toasts = append(toasts, msg) }

	var sink bytes.Buffer
	opts := baseOptions(&sink)
	opts.EscalateAfter = 1
	if _, err := s.Run(context.Background(), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(toasts) != 1 {
		t.Fatalf("escalations = %d, want exactly 1", len(toasts))
	}
}

func TestEscalationFiresOnceBeyondThreshold(t *testing.T) {
	t.Parallel()

	client := &testutil.FakeStreamer{PerModel: map[string]func(context.Context, *pilot.ChatRequest) (*http.Response, error){
		"A": failModel(500, "down"),
		"B": failModel(500, "down"),
		"C": okModel("ok"),
	}}
	s := newSupervisor(client, nil)

	var toasts []string
	s.Escalate = func(msg string) { toasts = append(toasts, msg) }

	var sink bytes.Buffer
	opts := baseOptions(&sink)
	opts.Backups = []string{"B", "C"}
	opts.EscalateAfter = 1
	res, err := s.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FallbackCount != 2 {
		t.Fatalf("fallbacks = %d, want 2", res.FallbackCount)
	}
	if len(toasts) != 1 {
		t.Fatalf("escalations = %d, want one toast despite further fallbacks", len(toasts))
	}
}

func TestChaosPrimaryStall(t *testing.T) {
	t.Parallel()

	client := &testutil.FakeStreamer{PerModel: map[string]func(context.Context, *pilot.ChatRequest) (*http.Response, error){
		"B": okModel("backup"),
	}}
	s := newSupervisor(client, nil)

	var sink bytes.Buffer
	opts := baseOptions(&sink)
	opts.StallAfter = 20 * time.Millisecond
	opts.ChaosPrimaryStall = true
	res, err := s.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RouteFinal != "B" || res.Reasons[0] != "stall" {
		t.Errorf("route_final = %q reasons = %v, want B via stall", res.RouteFinal, res.Reasons)
	}
	// The chaos fault fires before the gateway is touched.
	for _, m := range client.CalledModels() {
		if m == "A" {
			t.Error("primary reached the gateway despite chaos stall")
		}
	}
}

func TestChaosHTTP5xx(t *testing.T) {
	t.Parallel()

	client := &testutil.FakeStreamer{PerModel: map[string]func(context.Context, *pilot.ChatRequest) (*http.Response, error){
		"B": okModel("backup"),
	}}
	s := newSupervisor(client, nil)

	var sink bytes.Buffer
	opts := baseOptions(&sink)
	opts.ChaosHTTP5XX = true
	res, err := s.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RouteFinal != "B" || res.Reasons[0] != "5xx" {
		t.Errorf("route_final = %q reasons = %v, want B via 5xx", res.RouteFinal, res.Reasons)
	}
}

func TestUsageHeadersFlowIntoResult(t *testing.T) {
	t.Parallel()

	client := &testutil.FakeStreamer{PerModel: map[string]func(context.Context, *pilot.ChatRequest) (*http.Response, error){
		"A": func(context.Context, *pilot.ChatRequest) (*http.Response, error) {
			return testutil.SSEResponse(testutil.SSEBody("hi"), map[string]string{
				"x-usage-prompt-tokens":     "12",
				"x-usage-completion-tokens": "7",
			}), nil
		},
	}}
	s := newSupervisor(client, nil)

	var sink bytes.Buffer
	res, err := s.Run(context.Background(), baseOptions(&sink))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.UsagePrompt == nil || *res.UsagePrompt != 12 {
		t.Errorf("usage prompt = %v, want 12", res.UsagePrompt)
	}
	if res.UsageCompletion == nil || *res.UsageCompletion != 7 {
		t.Errorf("usage completion = %v, want 7", res.UsageCompletion)
	}
}
