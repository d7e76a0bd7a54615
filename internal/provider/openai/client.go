// Package openai implements the typed client for the upstream
// OpenAI-compatible gateway.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	pilot "github.com/routepilot/routepilot/internal"
)

const completionsPath = "/v1/chat/completions"

// Client issues chat-completion calls against a single gateway base URL.
// Auth is handled by the HTTP client's transport chain.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a gateway client. baseURL is the gateway origin without the
// /v1 suffix, e.g. "https://gateway.example.com".
func New(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

// StreamChat sends a streaming chat completion request and returns the open
// response. The caller must drain and close resp.Body on every exit path.
// A non-2xx status is converted to *pilot.GatewayError with the body
// truncated to 300 bytes.
func (c *Client) StreamChat(ctx context.Context, req *pilot.ChatRequest) (*http.Response, error) {
	outReq := *req
	outReq.Stream = true

	resp, err := c.post(ctx, &outReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &pilot.GatewayError{Status: resp.StatusCode, Body: pilot.ShortBody(body)}
	}
	return resp, nil
}

// Complete sends a non-streaming chat completion request. Used by the usage
// probe, which reads usage.{prompt_tokens,completion_tokens} from the body.
func (c *Client) Complete(ctx context.Context, req *pilot.ChatRequest) (*pilot.ChatResponse, error) {
	outReq := *req
	outReq.Stream = false

	resp, err := c.post(ctx, &outReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &pilot.GatewayError{Status: resp.StatusCode, Body: pilot.ShortBody(body)}
	}

	var out pilot.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gateway: decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, req *pilot.ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway: do request: %w", err)
	}
	return resp, nil
}
