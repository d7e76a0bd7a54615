// Package testutil provides configurable fakes and SSE helpers shared by
// router, driver, and chain tests.
package testutil

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	pilot "github.com/routepilot/routepilot/internal"
)

// FakeStreamer is a scripted router.Streamer. Responses are returned per
// model; unscripted models yield a 404 gateway error.
type FakeStreamer struct {
	mu sync.Mutex
	// StreamFn, when set, handles every call.
	StreamFn func(ctx context.Context, req *pilot.ChatRequest) (*http.Response, error)
	// PerModel maps a model name to its canned response factory.
	PerModel map[string]func(ctx context.Context, req *pilot.ChatRequest) (*http.Response, error)
	// Calls records the models attempted, in order.
	Calls []string
}

// StreamChat implements router.Streamer.
func (f *FakeStreamer) StreamChat(ctx context.Context, req *pilot.ChatRequest) (*http.Response, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, req.Model)
	f.mu.Unlock()
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	if fn, ok := f.PerModel[req.Model]; ok {
		return fn(ctx, req)
	}
	return nil, &pilot.GatewayError{Status: 404, Body: "no script for model " + req.Model}
}

// CalledModels returns a copy of the attempted model order.
func (f *FakeStreamer) CalledModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// FakeP95 is a canned router.P95Source.
type FakeP95 struct {
	// P95 and Samples are keyed by model. Absent models report no data.
	P95     map[string]int64
	Samples map[string]int
}

// P95LatencyFor implements router.P95Source.
func (f *FakeP95) P95LatencyFor(_ context.Context, model string, _ int) (*int64, int, error) {
	v, ok := f.P95[model]
	if !ok {
		return nil, 0, nil
	}
	return &v, f.Samples[model], nil
}

// SSEBody builds an event-stream body from content deltas, terminated by
// the [DONE] sentinel.
func SSEBody(deltas ...string) string {
	var b strings.Builder
	for _, d := range deltas {
		b.WriteString(`data: {"choices":[{"delta":{"content":"` + d + `"}}]}` + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

// SSEResponse wraps an event-stream body in a 200 response with optional
// usage headers.
func SSEResponse(body string, headers map[string]string) *http.Response {
	h := http.Header{"Content-Type": []string{"text/event-stream"}}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: 200,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}
