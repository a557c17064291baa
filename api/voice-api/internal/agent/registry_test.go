// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzaai/pkg/commons"
)

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return logger
}

func TestParseRegistry_LoadsAgents(t *testing.T) {
	registry, err := ParseRegistry(newTestLogger(t), []byte(testRegistryYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"greeter", "claims"}, registry.Keys())

	greeter, ok := registry.Get("greeter")
	require.True(t, ok)
	assert.True(t, greeter.CanEscalate("claims"))
	assert.False(t, greeter.CanEscalate("billing"))
	assert.Equal(t, "warm", greeter.VoiceProfile)

	assert.Contains(t, registry.Describe(), "claims: Insurance policy")
}

func TestSpec_CanHandleMatchesUtteranceAndContext(t *testing.T) {
	spec := &Spec{
		Key:     "claims",
		Handles: []string{"claim", "policy"},
	}

	assert.True(t, spec.CanHandle("I want to file a CLAIM", nil))
	assert.True(t, spec.CanHandle("status please", map[string]string{"topic": "policy renewal"}))
	assert.False(t, spec.CanHandle("what are your opening hours", nil))
	assert.False(t, spec.CanHandle("status please", map[string]string{"topic": "weather"}))

	// No declared capability keeps the agent sticky for everything.
	open := &Spec{Key: "greeter"}
	assert.True(t, open.CanHandle("anything at all", nil))
}

func TestSpec_PromptAppliesOverridesFromContext(t *testing.T) {
	spec := &Spec{
		Key:          "claims",
		SystemPrompt: "You handle claims.",
		PromptOverrides: map[string]string{
			"policy_number": "The policy is already verified; do not ask again.",
			"vip":           "The caller is a priority customer.",
		},
	}

	assert.Equal(t, "You handle claims.", spec.Prompt(nil))
	assert.Equal(t, "You handle claims.", spec.Prompt(map[string]string{"unrelated": "x"}))

	prompt := spec.Prompt(map[string]string{"policy_number": "A123", "vip": "true"})
	assert.Equal(t,
		"You handle claims.\n"+
			"The policy is already verified; do not ask again.\n"+
			"The caller is a priority customer.",
		prompt)
}

func TestParseRegistry_RequiresGreeter(t *testing.T) {
	_, err := ParseRegistry(newTestLogger(t), []byte(`
agents:
  - key: claims
    display_name: Claims
    system_prompt: You handle claims.
`))
	require.Error(t, err)
	assert.Equal(t, commons.KindConfig, commons.KindOf(err))
}

func TestParseRegistry_RejectsDuplicateKeys(t *testing.T) {
	_, err := ParseRegistry(newTestLogger(t), []byte(`
agents:
  - key: greeter
    display_name: A
    system_prompt: p
  - key: greeter
    display_name: B
    system_prompt: p
`))
	require.Error(t, err)
}

func TestParseRegistry_RejectsMissingPrompt(t *testing.T) {
	_, err := ParseRegistry(newTestLogger(t), []byte(`
agents:
  - key: greeter
    display_name: Greeter
`))
	require.Error(t, err)
}

func TestToolStore_SchemasInjectHandoff(t *testing.T) {
	logger := newTestLogger(t)
	registry, err := ParseRegistry(logger, []byte(testRegistryYAML))
	require.NoError(t, err)
	tools := NewToolStore(logger, "")

	greeter, _ := registry.Get("greeter")
	schemas := tools.SchemasFor(greeter)
	var names []string
	for _, schema := range schemas {
		names = append(names, schema.Name)
	}
	assert.Equal(t, []string{EndCallToolName, HandoffToolName}, names)

	// Claims declares no escalation targets, so no handoff tool.
	claims, _ := registry.Get("claims")
	schemas = tools.SchemasFor(claims)
	names = names[:0]
	for _, schema := range schemas {
		names = append(names, schema.Name)
	}
	assert.NotContains(t, names, HandoffToolName)
	assert.Contains(t, names, "lookup_policy")
}
