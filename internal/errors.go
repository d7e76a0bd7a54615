package pilot

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the RoutePilot domain.
var (
	ErrNotFound     = errors.New("not found")
	ErrNoOutput     = errors.New("no parseable JSON object in agent output")
	ErrBadEnvelope  = errors.New("invalid task envelope")
	ErrFetchBlocked = errors.New("http_fetch blocked")
)

// ConfigError reports a missing or invalid environment/config value.
type ConfigError struct {
	Name   string // env var or config key
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Name, e.Reason)
}

// PolicyIssue is a single validation failure inside a policy document.
type PolicyIssue struct {
	Path    string
	Message string
}

// PolicyError reports a missing or schema-invalid policy, with one entry
// per validation issue.
type PolicyError struct {
	Name   string
	Issues []PolicyIssue
}

func (e *PolicyError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("policy %q: invalid", e.Name)
	}
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.Path + ": " + is.Message
	}
	return fmt.Sprintf("policy %q: %s", e.Name, strings.Join(parts, "; "))
}

// QuotaError reports a tripped quota gate.
type QuotaError struct {
	Kind  string // "rpm" or "daily"
	Limit int64
	When  string // day key for daily quotas, empty for rpm
}

func (e *QuotaError) Error() string {
	if e.When != "" {
		return fmt.Sprintf("quota exceeded: %s limit %d (%s)", e.Kind, e.Limit, e.When)
	}
	return fmt.Sprintf("quota exceeded: %s limit %d", e.Kind, e.Limit)
}

// GatewayError is a non-successful HTTP response from the upstream gateway.
// Body is truncated to at most 300 bytes.
type GatewayError struct {
	Status int
	Body   string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway: HTTP %d: %s", e.Status, e.Body)
}

// ShortBody truncates an upstream error body for embedding in a GatewayError.
func ShortBody(b []byte) string {
	const maxBody = 300
	if len(b) > maxBody {
		b = b[:maxBody]
	}
	return string(b)
}

// RouterAttempt records one failed attempt inside a RouterError.
type RouterAttempt struct {
	Model   string `json:"model"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// RouterError aggregates every failed attempt after the route ladder is exhausted.
type RouterError struct {
	Attempts []RouterAttempt
}

func (e *RouterError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		if a.Status != 0 {
			parts[i] = fmt.Sprintf("%s: HTTP %d: %s", a.Model, a.Status, a.Message)
		} else {
			parts[i] = a.Model + ": " + a.Message
		}
	}
	return "router: all routes failed: " + strings.Join(parts, "; ")
}
