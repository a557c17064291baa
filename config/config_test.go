// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func credentialedConfig(mode StreamingMode) *AppConfig {
	return &AppConfig{
		StreamingMode: mode,
		SpeechConfig:  SpeechConfig{SttURL: "wss://speech/stt", TtsURL: "wss://speech/tts"},
		LLMConfig: LLMConfig{
			Provider:  "openai",
			OpenAIKey: "sk-test",
		},
	}
}

func TestHasUpstreamCredentials(t *testing.T) {
	t.Run("complete media config passes", func(t *testing.T) {
		assert.True(t, credentialedConfig(StreamingModeMedia).HasUpstreamCredentials())
	})

	t.Run("missing provider key fails", func(t *testing.T) {
		cfg := credentialedConfig(StreamingModeMedia)
		cfg.LLMConfig.OpenAIKey = ""
		assert.False(t, cfg.HasUpstreamCredentials())
	})

	t.Run("anthropic provider checks its own key", func(t *testing.T) {
		cfg := credentialedConfig(StreamingModeMedia)
		cfg.LLMConfig.Provider = "anthropic"
		assert.False(t, cfg.HasUpstreamCredentials())
		cfg.LLMConfig.AnthropicKey = "sk-ant-test"
		assert.True(t, cfg.HasUpstreamCredentials())
	})

	t.Run("missing speech gateway fails", func(t *testing.T) {
		cfg := credentialedConfig(StreamingModeTranscription)
		cfg.SpeechConfig.TtsURL = ""
		assert.False(t, cfg.HasUpstreamCredentials())
	})

	t.Run("realtime voice mode requires the realtime endpoint", func(t *testing.T) {
		cfg := credentialedConfig(StreamingModeRealtimeVoice)
		assert.False(t, cfg.HasUpstreamCredentials())
		cfg.LLMConfig.RealtimeURL = "wss://llm/realtime"
		assert.True(t, cfg.HasUpstreamCredentials())
	})
}
