// Package pilot defines domain types shared across RoutePilot components.
// This package has no project imports -- it is the dependency root.
package pilot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// --- Gateway wire types (OpenAI-compatible) ---

// Message is a single chat message sent to the gateway.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat selects the output mode of the completion.
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatRequest is the body POSTed to /v1/chat/completions.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// Usage holds token counts reported by the gateway.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is a single completion choice in a non-streaming response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatResponse is a non-streaming chat completion response. RoutePilot only
// issues non-streaming calls for the usage probe, so most fields are unused.
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// --- Routing ---

// RouteResult is the outcome of one supervised routed call.
type RouteResult struct {
	RouteFinal      string
	FallbackCount   int
	LatencyMs       int64
	FirstTokenMs    *int64
	Reasons         []string
	UsagePrompt     *int
	UsageCompletion *int
}

// --- Ledger rows ---

// Receipt is the immutable, signed record of one completed invocation.
// Field order below is the canonical payload order; the HMAC signature is
// computed over the JSON marshalling of this struct after redaction.
type Receipt struct {
	ID               string         `json:"id"`
	TS               string         `json:"ts"`
	Policy           string         `json:"policy"`
	RoutePrimary     string         `json:"route_primary"`
	RouteFinal       string         `json:"route_final"`
	FallbackCount    int            `json:"fallback_count"`
	Reasons          []string       `json:"reasons"`
	LatencyMs        int64          `json:"latency_ms"`
	FirstTokenMs     *int64         `json:"first_token_ms,omitempty"`
	TaskID           string         `json:"task_id,omitempty"`
	ParentID         string         `json:"parent_id,omitempty"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	CostUSD          float64        `json:"cost_usd"`
	PromptHash       string         `json:"prompt_hash"`
	PolicyHash       string         `json:"policy_hash"`
	Agent            string         `json:"agent,omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`

	// Signature is stored alongside the payload, never inside it.
	Signature string `json:"-"`
}

// PayloadJSON returns the canonical JSON payload the signature covers.
func (r *Receipt) PayloadJSON() ([]byte, error) {
	return json.Marshal(r)
}

// Trace is a lightweight routing sample consumed by the p95 query.
type Trace struct {
	TS           string
	UserRef      string
	Policy       string
	RoutePrimary string
	RouteFinal   string
	LatencyMs    int64
	Tokens       int
	CostUSD      float64
}

// UsageSummary reports per-user token consumption for the current day and month.
type UsageSummary struct {
	Day         string `json:"day"`
	TokensToday int64  `json:"tokens_today"`
	TokensMonth int64  `json:"tokens_month"`
	ResetsAt    string `json:"resets_at"`
}

// Session is one persisted multi-turn conversation.
type Session struct {
	ID         string
	CreatedAt  time.Time
	UserRef    string
	AgentName  string
	PolicyName string
}

// SessionMessage is one message within a session's ordered history.
type SessionMessage struct {
	ID        int64
	SessionID string
	Role      string // "system", "user", "assistant"
	Content   string
	TS        time.Time
}

// --- Sub-agent envelopes ---

// EnvelopeVersion is the only task envelope version this build understands.
const EnvelopeVersion = "1"

// Budget caps a single sub-agent hop.
type Budget struct {
	Tokens  int     `json:"tokens"`
	CostUSD float64 `json:"costUsd"`
	TimeMs  int64   `json:"timeMs"`
}

// TaskEnvelope is the typed call record passed into a sub-agent hop.
// Envelopes are values; they are never persisted.
type TaskEnvelope struct {
	EnvelopeVersion string         `json:"envelopeVersion"`
	TaskID          string         `json:"taskId"`
	ParentID        string         `json:"parentId,omitempty"`
	Agent           string         `json:"agent"`
	Policy          string         `json:"policy"`
	Budget          Budget         `json:"budget"`
	Input           map[string]any `json:"input"`
	Context         map[string]any `json:"context,omitempty"`
	Constraints     map[string]any `json:"constraints,omitempty"`
}

// AgentSpec is the declarative definition of a typed sub-agent.
// Schemas use a permissive subset: top-level type, property types, required.
type AgentSpec struct {
	Name         string         `yaml:"name" json:"name"`
	Policy       string         `yaml:"policy" json:"policy"`
	System       string         `yaml:"system,omitempty" json:"system,omitempty"`
	Tools        []string       `yaml:"tools,omitempty" json:"tools,omitempty"`
	InputSchema  map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	OutputSchema map[string]any `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
}

// HasTool reports whether the agent lists the named tool.
func (a *AgentSpec) HasTool(name string) bool {
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// --- Shared helpers ---

// HashHex returns the hex-encoded SHA-256 of data.
func HashHex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// TSFormat is the timestamp layout used for receipt and trace rows:
// ISO-8601 UTC with millisecond precision, sortable as text.
const TSFormat = "2006-01-02T15:04:05.000Z"

// NowTS formats t as a ledger timestamp.
func NowTS(t time.Time) string {
	return t.UTC().Format(TSFormat)
}
