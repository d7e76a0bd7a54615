package config

import (
	"bytes"
	"os"

	"go.yaml.in/yaml/v3"

	pilot "github.com/routepilot/routepilot/internal"
)

// Registry resolves agent specs by name.
type Registry struct {
	agents map[string]*pilot.AgentSpec
}

// agentFile is the on-disk shape of an agents YAML document.
type agentFile struct {
	Agents []*pilot.AgentSpec `yaml:"agents"`
}

// BuiltinAgents returns the registry pre-seeded with the demo chain agents.
// The defaults assume a policy named "default" exists.
func BuiltinAgents() *Registry {
	specs := []*pilot.AgentSpec{
		{
			Name:   "Triage",
			Policy: "default",
			System: "You are a triage agent. Classify the request and decide which records are needed. Respond with strict JSON only.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{"type": "string"},
				},
				"required": []any{"question"},
			},
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"intent": map[string]any{"type": "string"},
					"fields": map[string]any{"type": "array"},
				},
				"required": []any{"intent"},
			},
		},
		{
			Name:   "Retriever",
			Policy: "default",
			Tools:  []string{"http_fetch"},
			System: "You are a retrieval agent. Return matching records. Respond with strict JSON only.",
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"records": map[string]any{"type": "array"},
				},
				"required": []any{"records"},
			},
		},
		{
			Name:   "RetrieverFast",
			Policy: "default",
			Tools:  []string{"http_fetch"},
			System: "You are a fast retrieval agent. Favor speed over completeness. Respond with strict JSON only.",
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"records": map[string]any{"type": "array"},
				},
				"required": []any{"records"},
			},
		},
		{
			Name:   "RetrieverAccurate",
			Policy: "default",
			Tools:  []string{"http_fetch"},
			System: "You are a thorough retrieval agent. Favor completeness over speed. Respond with strict JSON only.",
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"records": map[string]any{"type": "array"},
				},
				"required": []any{"records"},
			},
		},
		{
			Name:   "Aggregator",
			Policy: "default",
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"records": map[string]any{"type": "array"},
				},
				"required": []any{"records"},
			},
		},
		{
			Name:   "Writer",
			Policy: "default",
			System: "You are a writing agent. Draft the final answer from the provided records. Respond with strict JSON only.",
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"draft": map[string]any{"type": "string"},
				},
				"required": []any{"draft"},
			},
		},
	}
	m := make(map[string]*pilot.AgentSpec, len(specs))
	for _, s := range specs {
		m[s.Name] = s
	}
	return &Registry{agents: m}
}

// LoadAgents merges agent specs from a YAML file over the builtin registry.
// File entries replace builtins with the same name.
func LoadAgents(path string) (*Registry, error) {
	reg := BuiltinAgents()
	if path == "" {
		return reg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &pilot.ConfigError{Name: "agents file", Reason: err.Error()}
	}
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(data)))
	dec.KnownFields(true)
	var af agentFile
	if err := dec.Decode(&af); err != nil {
		return nil, &pilot.ConfigError{Name: "agents file", Reason: err.Error()}
	}
	for _, s := range af.Agents {
		if s.Name == "" {
			return nil, &pilot.ConfigError{Name: "agents file", Reason: "agent with empty name"}
		}
		reg.agents[s.Name] = s
	}
	return reg, nil
}

// Get returns the named agent spec.
func (r *Registry) Get(name string) (*pilot.AgentSpec, error) {
	s, ok := r.agents[name]
	if !ok {
		return nil, pilot.ErrNotFound
	}
	return s, nil
}
