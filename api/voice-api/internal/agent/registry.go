// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_agent

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cadenzaai/pkg/commons"
)

// GreeterKey is the default agent every session starts on and the
// fallback whenever selection fails.
const GreeterKey = "greeter"

// Spec is one registered specialist agent. Immutable after load.
type Spec struct {
	Key             string            `yaml:"key"`
	DisplayName     string            `yaml:"display_name"`
	SystemPrompt    string            `yaml:"system_prompt"`
	Description     string            `yaml:"description"`
	Tools           []string          `yaml:"tools"`
	CanEscalateTo   []string          `yaml:"can_escalate_to"`
	VoiceProfile    string            `yaml:"voice_profile"`
	Handles         []string          `yaml:"handles"`
	PromptOverrides map[string]string `yaml:"prompt_overrides"`
}

// CanEscalate reports whether key is a declared handoff target.
func (s *Spec) CanEscalate(key string) bool {
	for _, target := range s.CanEscalateTo {
		if target == key {
			return true
		}
	}
	return false
}

// CanHandle reports whether the agent's declared capability covers the
// utterance. An agent without a handles list accepts everything, which
// keeps the sticky default. Keywords match case-insensitively against
// the utterance and the session context values.
func (s *Spec) CanHandle(userText string, sessionContext map[string]string) bool {
	if len(s.Handles) == 0 {
		return true
	}
	text := strings.ToLower(userText)
	for _, keyword := range s.Handles {
		keyword = strings.ToLower(keyword)
		if strings.Contains(text, keyword) {
			return true
		}
		for _, value := range sessionContext {
			if strings.Contains(strings.ToLower(value), keyword) {
				return true
			}
		}
	}
	return false
}

// Prompt composes the effective system prompt: the base prompt plus every
// override whose session context key carries a value. Override lines are
// appended in key order so the prompt stays stable across turns.
func (s *Spec) Prompt(sessionContext map[string]string) string {
	if len(s.PromptOverrides) == 0 {
		return s.SystemPrompt
	}
	var keys []string
	for key := range s.PromptOverrides {
		if sessionContext[key] != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return s.SystemPrompt
	}
	sort.Strings(keys)
	prompt := strings.TrimRight(s.SystemPrompt, "\n")
	for _, key := range keys {
		prompt += "\n" + s.PromptOverrides[key]
	}
	return prompt
}

type registryFile struct {
	Agents []*Spec `yaml:"agents"`
}

// Registry maps agent keys to specs. Populated once at process start;
// read-only afterwards, so no locking.
type Registry struct {
	logger commons.Logger
	specs  map[string]*Spec
	order  []string
}

// LoadRegistry reads the declarative agent config from path.
func LoadRegistry(logger commons.Logger, path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, commons.E(commons.KindConfig, fmt.Errorf("agent registry: read %s: %w", path, err))
	}
	return ParseRegistry(logger, raw)
}

// ParseRegistry builds a registry from raw YAML. A greeter agent is
// mandatory: it is the selection fallback and the first responder.
func ParseRegistry(logger commons.Logger, raw []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, commons.E(commons.KindConfig, fmt.Errorf("agent registry: parse: %w", err))
	}
	if len(file.Agents) == 0 {
		return nil, commons.Ef(commons.KindConfig, "agent registry: no agents defined")
	}

	registry := &Registry{logger: logger, specs: map[string]*Spec{}}
	for _, spec := range file.Agents {
		if spec.Key == "" {
			return nil, commons.Ef(commons.KindConfig, "agent registry: agent with empty key")
		}
		if spec.SystemPrompt == "" {
			return nil, commons.Ef(commons.KindConfig, "agent registry: agent %q has no system prompt", spec.Key)
		}
		if _, exists := registry.specs[spec.Key]; exists {
			return nil, commons.Ef(commons.KindConfig, "agent registry: duplicate agent key %q", spec.Key)
		}
		registry.specs[spec.Key] = spec
		registry.order = append(registry.order, spec.Key)
	}
	if _, ok := registry.specs[GreeterKey]; !ok {
		return nil, commons.Ef(commons.KindConfig, "agent registry: required agent %q missing", GreeterKey)
	}

	logger.Infow("agent registry loaded", "agents", registry.order)
	return registry, nil
}

// Get returns the spec for key.
func (r *Registry) Get(key string) (*Spec, bool) {
	spec, ok := r.specs[key]
	return spec, ok
}

// Greeter returns the default agent.
func (r *Registry) Greeter() *Spec {
	return r.specs[GreeterKey]
}

// Keys returns agent keys in declaration order.
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	return keys
}

// Describe renders one line per agent for the intent classifier prompt.
func (r *Registry) Describe() string {
	out := ""
	for _, key := range r.order {
		spec := r.specs[key]
		description := spec.Description
		if description == "" {
			description = spec.DisplayName
		}
		out += fmt.Sprintf("- %s: %s\n", key, description)
	}
	return out
}
