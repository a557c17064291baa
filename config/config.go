// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/cadenzaai/pkg/connectors"
)

// StreamingMode selects the pipeline shape for new sessions. The mode is
// pinned at session creation; switching mid-call is refused.
type StreamingMode string

const (
	// StreamingModeMedia - telephony media stream through STT -> orchestrator -> TTS.
	StreamingModeMedia StreamingMode = "media"
	// StreamingModeTranscription - browser audio through the same pipeline.
	StreamingModeTranscription StreamingMode = "transcription"
	// StreamingModeRealtimeVoice - end-to-end realtime voice model, bypasses
	// the orchestrator and turn router entirely.
	StreamingModeRealtimeVoice StreamingMode = "realtime_voice"
)

// PoolSizes caps concurrently leased handles per client pool.
type PoolSizes struct {
	STT int `mapstructure:"stt" validate:"required,min=1"`
	TTS int `mapstructure:"tts" validate:"required,min=1"`
	LLM int `mapstructure:"llm" validate:"required,min=1"`
}

// SpeechConfig points at the streaming speech gateway (STT + TTS websockets).
type SpeechConfig struct {
	SttURL string `mapstructure:"stt_url" validate:"required"`
	TtsURL string `mapstructure:"tts_url" validate:"required"`
	Key    string `mapstructure:"key"`
}

// LLMConfig selects and authenticates the chat-completion provider.
type LLMConfig struct {
	Provider     string `mapstructure:"provider" validate:"required,oneof=openai anthropic"`
	OpenAIKey    string `mapstructure:"openai_key"`
	AnthropicKey string `mapstructure:"anthropic_key"`
	Model        string `mapstructure:"model" validate:"required"`
	RealtimeURL  string `mapstructure:"realtime_url"`
}

// TelephonyConfig authenticates against the provider's call-automation API.
type TelephonyConfig struct {
	Endpoint     string `mapstructure:"endpoint" validate:"required"`
	AccessKey    string `mapstructure:"access_key"`
	SourceNumber string `mapstructure:"source_number"`
	CallbackURL  string `mapstructure:"callback_url"`
	MediaWsURL   string `mapstructure:"media_ws_url"`
}

// AppConfig is the root application configuration.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogFile  string `mapstructure:"log_file"`

	RedisConfig     connectors.RedisConfig `mapstructure:"redis" validate:"required"`
	SpeechConfig    SpeechConfig           `mapstructure:"speech" validate:"required"`
	LLMConfig       LLMConfig              `mapstructure:"llm" validate:"required"`
	TelephonyConfig TelephonyConfig        `mapstructure:"telephony" validate:"required"`

	StreamingMode StreamingMode `mapstructure:"streaming_mode" validate:"required,oneof=media transcription realtime_voice"`
	PoolSizes     PoolSizes     `mapstructure:"pool_sizes" validate:"required"`

	AgentConfigPath string `mapstructure:"agent_config_path" validate:"required"`

	TurnTimeoutMs             int     `mapstructure:"turn_timeout_ms" validate:"required,min=1000"`
	ToolTimeoutMs             int     `mapstructure:"tool_timeout_ms" validate:"required,min=100"`
	HistoryWindowTurns        int     `mapstructure:"history_window_turns" validate:"required,min=1"`
	BargeInStabilityThreshold float64 `mapstructure:"barge_in_stability_threshold" validate:"required,gt=0,lte=1"`
	BargeInMinAudioMs         int     `mapstructure:"barge_in_min_audio_ms" validate:"required,min=0"`
	SessionTTLSeconds         int     `mapstructure:"session_ttl_seconds" validate:"required,min=60"`

	GreetingPhrase string `mapstructure:"greeting_phrase" validate:"required"`
	FallbackPhrase string `mapstructure:"fallback_phrase" validate:"required"`
	GoodbyePhrase  string `mapstructure:"goodbye_phrase" validate:"required"`
}

// InitConfig wires viper for env-first configuration with an optional .env
// file (ENV_PATH overrides the lookup).
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "voice-api")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("REDIS__HOST", "localhost")
	v.SetDefault("REDIS__PORT", 6379)
	v.SetDefault("REDIS__PASSWORD", "")
	v.SetDefault("REDIS__DATABASE", 0)

	v.SetDefault("SPEECH__STT_URL", "")
	v.SetDefault("SPEECH__TTS_URL", "")
	v.SetDefault("SPEECH__KEY", "")

	v.SetDefault("LLM__PROVIDER", "openai")
	v.SetDefault("LLM__OPENAI_KEY", "")
	v.SetDefault("LLM__ANTHROPIC_KEY", "")
	v.SetDefault("LLM__MODEL", "gpt-4o-mini")
	v.SetDefault("LLM__REALTIME_URL", "")

	v.SetDefault("TELEPHONY__ENDPOINT", "")
	v.SetDefault("TELEPHONY__ACCESS_KEY", "")
	v.SetDefault("TELEPHONY__SOURCE_NUMBER", "")
	v.SetDefault("TELEPHONY__CALLBACK_URL", "")
	v.SetDefault("TELEPHONY__MEDIA_WS_URL", "")

	v.SetDefault("STREAMING_MODE", "transcription")
	v.SetDefault("POOL_SIZES__STT", 256)
	v.SetDefault("POOL_SIZES__TTS", 256)
	v.SetDefault("POOL_SIZES__LLM", 256)

	v.SetDefault("AGENT_CONFIG_PATH", "agents.yaml")
	v.SetDefault("POLICY_SERVICE_URL", "")

	v.SetDefault("TURN_TIMEOUT_MS", 30000)
	v.SetDefault("TOOL_TIMEOUT_MS", 10000)
	v.SetDefault("HISTORY_WINDOW_TURNS", 8)
	v.SetDefault("BARGE_IN_STABILITY_THRESHOLD", 0.3)
	v.SetDefault("BARGE_IN_MIN_AUDIO_MS", 120)
	v.SetDefault("SESSION_TTL_SECONDS", 86400)

	v.SetDefault("GREETING_PHRASE", "Hello! How can I help you today?")
	v.SetDefault("FALLBACK_PHRASE", "I'm sorry, I didn't catch that. Could you say it again?")
	v.SetDefault("GOODBYE_PHRASE", "Thank you for calling. Goodbye.")
}

// GetApplicationConfig unmarshals and validates the application config.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}

// HasUpstreamCredentials reports whether the credentials needed by the
// selected pipeline are present. Missing credentials at startup are fatal
// (exit code 2).
func (c *AppConfig) HasUpstreamCredentials() bool {
	switch c.LLMConfig.Provider {
	case "anthropic":
		if c.LLMConfig.AnthropicKey == "" {
			return false
		}
	default:
		if c.LLMConfig.OpenAIKey == "" {
			return false
		}
	}
	if c.StreamingMode == StreamingModeRealtimeVoice && c.LLMConfig.RealtimeURL == "" {
		return false
	}
	return c.SpeechConfig.SttURL != "" && c.SpeechConfig.TtsURL != ""
}
