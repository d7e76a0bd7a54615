package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/maypok86/otter/v2"
	"go.yaml.in/yaml/v3"

	pilot "github.com/routepilot/routepilot/internal"
)

// GenParams are generation defaults, applied policy-wide via Policy.Gen and
// overridden per model via Routing.Params.
type GenParams struct {
	System      string   `yaml:"system,omitempty" json:"system,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	TopP        *float64 `yaml:"top_p,omitempty" json:"top_p,omitempty"`
	Stop        []string `yaml:"stop,omitempty" json:"stop,omitempty"`
	JSONMode    *bool    `yaml:"json_mode,omitempty" json:"json_mode,omitempty"`
}

// Merge returns p overlaid with the non-zero fields of o.
func (p GenParams) Merge(o GenParams) GenParams {
	out := p
	if o.System != "" {
		out.System = o.System
	}
	if o.Temperature != nil {
		out.Temperature = o.Temperature
	}
	if o.TopP != nil {
		out.TopP = o.TopP
	}
	if len(o.Stop) > 0 {
		out.Stop = o.Stop
	}
	if o.JSONMode != nil {
		out.JSONMode = o.JSONMode
	}
	return out
}

// Objectives are routing targets and ceilings.
type Objectives struct {
	P95LatencyMs int64   `yaml:"p95_latency_ms" json:"p95_latency_ms"`
	MaxCostUSD   float64 `yaml:"max_cost_usd" json:"max_cost_usd"` // informational
	MaxTokens    int     `yaml:"max_tokens" json:"max_tokens"`
}

// Routing lists the candidate models and the pre-pick window.
type Routing struct {
	Primary    []string             `yaml:"primary" json:"primary"`
	Backups    []string             `yaml:"backups,omitempty" json:"backups,omitempty"`
	P95WindowN int                  `yaml:"p95_window_n,omitempty" json:"p95_window_n"`
	Params     map[string]GenParams `yaml:"params,omitempty" json:"params,omitempty"`
}

// Strategy controls the failover supervisor.
type Strategy struct {
	FallbackOnLatencyMs    int64   `yaml:"fallback_on_latency_ms" json:"fallback_on_latency_ms"`
	MaxAttempts            int     `yaml:"max_attempts,omitempty" json:"max_attempts"`
	BackoffMs              []int64 `yaml:"backoff_ms,omitempty" json:"backoff_ms"`
	FirstChunkGateMs       int64   `yaml:"first_chunk_gate_ms,omitempty" json:"first_chunk_gate_ms"`
	EscalateAfterFallbacks int     `yaml:"escalate_after_fallbacks,omitempty" json:"escalate_after_fallbacks"`
}

// Tenancy holds per-user quota limits.
type Tenancy struct {
	PerUserDailyTokens int64  `yaml:"per_user_daily_tokens" json:"per_user_daily_tokens"`
	PerUserRPM         int64  `yaml:"per_user_rpm" json:"per_user_rpm"`
	Timezone           string `yaml:"timezone,omitempty" json:"timezone"`
}

// Policy is a named configuration bundle consumed by the router, drivers,
// quota gates, and sub-agent controller.
type Policy struct {
	Name       string     `yaml:"-" json:"name"`
	Objectives Objectives `yaml:"objectives" json:"objectives"`
	Routing    Routing    `yaml:"routing" json:"routing"`
	Strategy   Strategy   `yaml:"strategy" json:"strategy"`
	Tenancy    Tenancy    `yaml:"tenancy" json:"tenancy"`
	Gen        *GenParams `yaml:"gen,omitempty" json:"gen,omitempty"`
}

// Hash returns the SHA-256 of the canonical (default-filled) JSON form.
func (p *Policy) Hash() string {
	b, _ := json.Marshal(p)
	return pilot.HashHex(b)
}

// Location resolves the policy timezone, falling back to UTC.
func (p *Policy) Location() *time.Location {
	loc, err := time.LoadLocation(p.Tenancy.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// applyDefaults fills unset fields with schema defaults.
func (p *Policy) applyDefaults() {
	if p.Routing.P95WindowN <= 0 {
		p.Routing.P95WindowN = 50
	}
	if p.Objectives.MaxTokens <= 0 {
		p.Objectives.MaxTokens = 1024
	}
	if p.Strategy.FallbackOnLatencyMs <= 0 {
		p.Strategy.FallbackOnLatencyMs = 1500
	}
	if p.Strategy.MaxAttempts <= 0 {
		p.Strategy.MaxAttempts = 3
	}
	if len(p.Strategy.BackoffMs) == 0 {
		p.Strategy.BackoffMs = []int64{250, 500, 1000}
	}
	if p.Strategy.EscalateAfterFallbacks <= 0 {
		p.Strategy.EscalateAfterFallbacks = 2
	}
	if p.Tenancy.Timezone == "" {
		p.Tenancy.Timezone = "UTC"
	}
}

// validate checks the closed policy schema, collecting one issue per problem.
func (p *Policy) validate() []pilot.PolicyIssue {
	var issues []pilot.PolicyIssue
	if len(p.Routing.Primary) == 0 {
		issues = append(issues, pilot.PolicyIssue{Path: "routing.primary", Message: "must list at least one model"})
	}
	for i, m := range p.Routing.Primary {
		if m == "" {
			issues = append(issues, pilot.PolicyIssue{Path: fmt.Sprintf("routing.primary[%d]", i), Message: "empty model name"})
		}
	}
	for i, m := range p.Routing.Backups {
		if m == "" {
			issues = append(issues, pilot.PolicyIssue{Path: fmt.Sprintf("routing.backups[%d]", i), Message: "empty model name"})
		}
	}
	for i, b := range p.Strategy.BackoffMs {
		if b < 0 {
			issues = append(issues, pilot.PolicyIssue{Path: fmt.Sprintf("strategy.backoff_ms[%d]", i), Message: "must be >= 0"})
		}
	}
	if p.Strategy.FirstChunkGateMs < 0 {
		issues = append(issues, pilot.PolicyIssue{Path: "strategy.first_chunk_gate_ms", Message: "must be >= 0"})
	}
	if p.Tenancy.PerUserDailyTokens < 0 {
		issues = append(issues, pilot.PolicyIssue{Path: "tenancy.per_user_daily_tokens", Message: "must be >= 0"})
	}
	if p.Tenancy.PerUserRPM < 0 {
		issues = append(issues, pilot.PolicyIssue{Path: "tenancy.per_user_rpm", Message: "must be >= 0"})
	}
	if _, err := time.LoadLocation(p.Tenancy.Timezone); err != nil {
		issues = append(issues, pilot.PolicyIssue{Path: "tenancy.timezone", Message: "unknown IANA timezone " + p.Tenancy.Timezone})
	}
	return issues
}

// PolicyFile is the on-disk shape: a map of named policies.
type PolicyFile struct {
	Policies map[string]*Policy `yaml:"policies"`
}

// ParsePolicies parses a policy YAML document with strict field checking
// and ${VAR} env expansion. Unknown keys are rejected.
func ParsePolicies(data []byte) (*PolicyFile, error) {
	data = expandEnv(data)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var pf PolicyFile
	if err := dec.Decode(&pf); err != nil {
		return nil, &pilot.PolicyError{Issues: []pilot.PolicyIssue{{Path: "(document)", Message: err.Error()}}}
	}
	return &pf, nil
}

// LoadPolicies reads and parses a policy YAML file.
func LoadPolicies(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &pilot.PolicyError{Issues: []pilot.PolicyIssue{{Path: "(file)", Message: err.Error()}}}
	}
	return ParsePolicies(data)
}

// Get returns the named policy, default-filled and validated.
func (pf *PolicyFile) Get(name string) (*Policy, error) {
	p, ok := pf.Policies[name]
	if !ok {
		return nil, &pilot.PolicyError{Name: name, Issues: []pilot.PolicyIssue{{Path: "(name)", Message: "no such policy"}}}
	}
	p.Name = name
	p.applyDefaults()
	if issues := p.validate(); len(issues) > 0 {
		return nil, &pilot.PolicyError{Name: name, Issues: issues}
	}
	return p, nil
}

// policyCacheTTL keeps parsed policies hot across a burst of calls while
// still picking up file edits quickly.
const policyCacheTTL = 10 * time.Second

// Loader loads named policies from a YAML file, caching parsed results to
// avoid re-reading and re-validating on every call.
type Loader struct {
	path  string
	cache *otter.Cache[string, *Policy]
}

// NewLoader returns a Loader for the given policy file path.
func NewLoader(path string) *Loader {
	cache := otter.Must(&otter.Options[string, *Policy]{
		MaximumSize:      64,
		ExpiryCalculator: otter.ExpiryWriting[string, *Policy](policyCacheTTL),
	})
	return &Loader{path: path, cache: cache}
}

// Load returns the named policy, from cache when fresh.
func (l *Loader) Load(name string) (*Policy, error) {
	if p, ok := l.cache.GetIfPresent(name); ok {
		return p, nil
	}
	pf, err := LoadPolicies(l.path)
	if err != nil {
		return nil, err
	}
	p, err := pf.Get(name)
	if err != nil {
		return nil, err
	}
	l.cache.Set(name, p)
	return p, nil
}
