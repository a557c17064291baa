// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	internal_llm "github.com/cadenzaai/api/voice-api/internal/llm"
	"github.com/cadenzaai/pkg/commons"
)

// Reserved tool names the orchestrator intercepts instead of executing.
const (
	HandoffToolName = "handoff_to"
	EndCallToolName = "end_call"
)

// SessionContext is what a tool sees of the session: identity plus the
// agent-namespaced scratch map. Values written here are persisted by the
// orchestrator when the turn commits.
type SessionContext struct {
	SessionID   string
	AgentKey    string
	Participant string
	Values      map[string]string
}

// ToolDescriptor is one callable tool. Execute returns the string fed
// back to the model; errors are reported to the model as tool failures,
// never to the caller's ear.
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      map[string]interface{}
	Idempotent  bool
	Execute     func(ctx context.Context, args json.RawMessage, session *SessionContext) (string, error)
}

// ToolStore holds every registered tool. Populated at startup alongside
// the agent registry; immutable afterwards.
type ToolStore struct {
	logger commons.Logger
	tools  map[string]*ToolDescriptor
}

// NewToolStore creates a store preloaded with the built-in tools.
func NewToolStore(logger commons.Logger, policyServiceURL string) *ToolStore {
	store := &ToolStore{logger: logger, tools: map[string]*ToolDescriptor{}}
	store.Register(newHandoffTool())
	store.Register(newEndCallTool())
	store.Register(newLookupPolicyTool(logger, policyServiceURL))
	return store
}

// Register adds a tool. Last registration wins, which lets deployments
// override a built-in.
func (s *ToolStore) Register(tool *ToolDescriptor) {
	s.tools[tool.Name] = tool
}

// Get returns the named tool.
func (s *ToolStore) Get(name string) (*ToolDescriptor, bool) {
	tool, ok := s.tools[name]
	return tool, ok
}

// SchemasFor resolves an agent's declared tool names into model-facing
// schemas, injecting handoff_to when the agent has escalation targets.
func (s *ToolStore) SchemasFor(spec *Spec) []internal_llm.ToolSchema {
	names := append([]string{}, spec.Tools...)
	if len(spec.CanEscalateTo) > 0 {
		names = append(names, HandoffToolName)
	}

	var schemas []internal_llm.ToolSchema
	for _, name := range names {
		tool, ok := s.tools[name]
		if !ok {
			s.logger.Warnw("agent declares unknown tool", "agent", spec.Key, "tool", name)
			continue
		}
		schemas = append(schemas, internal_llm.ToolSchema{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Schema,
		})
	}
	return schemas
}

// =============================================================================
// Built-in Tools
// =============================================================================

func newHandoffTool() *ToolDescriptor {
	return &ToolDescriptor{
		Name:        HandoffToolName,
		Description: "Transfer the conversation to another specialist agent. Use only when the caller's request is outside your domain.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"agent_key": map[string]interface{}{
					"type":        "string",
					"description": "Registry key of the agent to hand the caller to.",
				},
			},
			"required": []string{"agent_key"},
		},
		Idempotent: true,
		// Intercepted by the orchestrator; never executed directly.
		Execute: func(ctx context.Context, args json.RawMessage, session *SessionContext) (string, error) {
			return "", commons.Ef(commons.KindInternal, "handoff_to must be intercepted by the orchestrator")
		},
	}
}

func newEndCallTool() *ToolDescriptor {
	return &ToolDescriptor{
		Name:        EndCallToolName,
		Description: "End the call politely once the caller's need is fully resolved or the caller asks to hang up.",
		Schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Idempotent: true,
		Execute: func(ctx context.Context, args json.RawMessage, session *SessionContext) (string, error) {
			session.Values["end_call_requested"] = "true"
			return "The call will end after your goodbye message.", nil
		},
	}
}

// lookupPolicyArgs is the model-provided input for lookup_policy.
type lookupPolicyArgs struct {
	PolicyNumber string `json:"policy_number"`
}

func newLookupPolicyTool(logger commons.Logger, serviceURL string) *ToolDescriptor {
	client := resty.New().
		SetTimeout(8 * time.Second).
		SetRetryCount(1)

	return &ToolDescriptor{
		Name:        "lookup_policy",
		Description: "Look up an insurance policy by policy number and return holder details.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"policy_number": map[string]interface{}{
					"type":        "string",
					"description": "The policy number, e.g. A123.",
				},
			},
			"required": []string{"policy_number"},
		},
		Idempotent: true,
		Execute: func(ctx context.Context, args json.RawMessage, session *SessionContext) (string, error) {
			var input lookupPolicyArgs
			if err := json.Unmarshal(args, &input); err != nil {
				return "", commons.E(commons.KindProtocol, fmt.Errorf("lookup_policy: bad arguments: %w", err))
			}
			if input.PolicyNumber == "" {
				return "", commons.Ef(commons.KindProtocol, "lookup_policy: policy_number is required")
			}
			if serviceURL == "" {
				return "", commons.Ef(commons.KindConfig, "lookup_policy: policy service not configured")
			}

			response, err := client.R().
				SetContext(ctx).
				SetQueryParam("policy_number", input.PolicyNumber).
				Get(serviceURL)
			if err != nil {
				return "", commons.E(commons.KindUpstream, fmt.Errorf("lookup_policy: %w", err))
			}
			if response.IsError() {
				return "", commons.Ef(commons.KindUpstream, "lookup_policy: service returned %d", response.StatusCode())
			}
			return response.String(), nil
		},
	}
}
