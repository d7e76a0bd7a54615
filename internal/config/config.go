// Package config handles environment configuration, policy YAML loading with
// validation and default-fill, and the agent spec registry.
package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	pilot "github.com/routepilot/routepilot/internal"
)

// Flags are ambient boolean toggles read once at startup and passed
// explicitly through the call graph. They are configuration, not global state.
type Flags struct {
	MirrorJSON        bool
	SnapshotInput     bool
	Redact            bool
	RedactFields      []string
	UsageProbe        bool
	EarlyStop         bool
	DryRun            bool
	ChaosPrimaryStall bool
	ChaosHTTP5xx      bool
}

// HTTPFetch configures the http_fetch tool.
type HTTPFetch struct {
	Allowlist   []string // host patterns, exact or "*.suffix"
	URLTemplate string   // must contain "{id}" when set
	MaxFetches  int      // entries fetched per hop, default 3
}

// Env is the process environment configuration.
type Env struct {
	GatewayBaseURL string
	GatewayAPIKey  string
	Secret         string // HMAC key for receipt signatures
	DBPath         string
	MirrorDir      string
	MetricsAddr    string // optional local metrics listener
	OTLPEndpoint   string // optional OTLP trace exporter endpoint
	Flags          Flags
	HTTPFetch      HTTPFetch
}

// DefaultSecret is the development HMAC key used when JWT_SECRET is unset.
const DefaultSecret = "dev-secret"

// FromEnv reads the process environment into an Env. Missing required
// variables produce a *pilot.ConfigError.
func FromEnv() (*Env, error) {
	e := &Env{
		GatewayBaseURL: strings.TrimRight(os.Getenv("AI_GATEWAY_BASE_URL"), "/"),
		GatewayAPIKey:  os.Getenv("AI_GATEWAY_API_KEY"),
		Secret:         os.Getenv("JWT_SECRET"),
		DBPath:         os.Getenv("ROUTEPILOT_DB"),
		MirrorDir:      os.Getenv("ROUTEPILOT_MIRROR_DIR"),
		MetricsAddr:    os.Getenv("ROUTEPILOT_METRICS_ADDR"),
		OTLPEndpoint:   os.Getenv("ROUTEPILOT_OTLP_ENDPOINT"),
	}
	if e.GatewayBaseURL == "" {
		return nil, &pilot.ConfigError{Name: "AI_GATEWAY_BASE_URL", Reason: "required"}
	}
	if e.GatewayAPIKey == "" {
		return nil, &pilot.ConfigError{Name: "AI_GATEWAY_API_KEY", Reason: "required"}
	}
	if e.Secret == "" {
		e.Secret = DefaultSecret
	}
	if e.DBPath == "" {
		e.DBPath = "routepilot.db"
	}
	if e.MirrorDir == "" {
		e.MirrorDir = "receipts"
	}

	e.Flags = Flags{
		MirrorJSON:        boolEnv("ROUTEPILOT_MIRROR_JSON"),
		SnapshotInput:     boolEnv("ROUTEPILOT_SNAPSHOT_INPUT"),
		Redact:            boolEnv("ROUTEPILOT_REDACT"),
		RedactFields:      splitList(os.Getenv("ROUTEPILOT_REDACT_FIELDS")),
		UsageProbe:        boolEnv("ROUTEPILOT_USAGE_PROBE"),
		EarlyStop:         boolEnv("ROUTEPILOT_EARLY_STOP"),
		DryRun:            boolEnv("ROUTEPILOT_DRY_RUN"),
		ChaosPrimaryStall: boolEnv("CHAOS_PRIMARY_STALL"),
		ChaosHTTP5xx:      boolEnv("CHAOS_HTTP_5XX"),
	}

	hf := HTTPFetch{
		Allowlist:   splitList(os.Getenv("HTTP_FETCH_ALLOWLIST")),
		URLTemplate: os.Getenv("HTTP_FETCH_URL_TEMPLATE"),
		MaxFetches:  3,
	}
	if hf.URLTemplate != "" && !strings.Contains(hf.URLTemplate, "{id}") {
		return nil, &pilot.ConfigError{Name: "HTTP_FETCH_URL_TEMPLATE", Reason: "must contain {id}"}
	}
	if raw := os.Getenv("HTTP_FETCH_MAX"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, &pilot.ConfigError{Name: "HTTP_FETCH_MAX", Reason: "must be a positive integer"}
		}
		hf.MaxFetches = n
	}
	e.HTTPFetch = hf

	return e, nil
}

// boolEnv reports whether the variable is set to the literal "1".
func boolEnv(name string) bool {
	return os.Getenv(name) == "1"
}

// splitList parses a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
// Unset variables are left verbatim.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}
