// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internal_agent "github.com/cadenzaai/api/voice-api/internal/agent"
	internal_audio "github.com/cadenzaai/api/voice-api/internal/audio"
	internal_callcontrol "github.com/cadenzaai/api/voice-api/internal/callcontrol"
	internal_channel "github.com/cadenzaai/api/voice-api/internal/channel"
	internal_conductor "github.com/cadenzaai/api/voice-api/internal/conductor"
	internal_llm "github.com/cadenzaai/api/voice-api/internal/llm"
	internal_sessionstore "github.com/cadenzaai/api/voice-api/internal/sessionstore"
	internal_synthesizer "github.com/cadenzaai/api/voice-api/internal/synthesizer"
	internal_transcriber "github.com/cadenzaai/api/voice-api/internal/transcriber"
	voice_routers "github.com/cadenzaai/api/voice-api/router"
	"github.com/cadenzaai/config"
	"github.com/cadenzaai/pkg/commons"
	"github.com/cadenzaai/pkg/connectors"
	"github.com/cadenzaai/pkg/utils"
)

// Exit codes: 1 bad config, 2 missing upstream credentials, 3 redis
// unreachable.
const (
	exitConfig      = 1
	exitCredentials = 2
	exitRedis       = 3

	shutdownGrace = 5 * time.Second
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config init failed: %v\n", err)
		os.Exit(exitConfig)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(exitConfig)
	}

	loggerOpts := []commons.LoggerOption{commons.WithLevel(cfg.LogLevel)}
	if cfg.LogFile != "" {
		loggerOpts = append(loggerOpts, commons.WithRotatingFile(cfg.LogFile))
	}
	logger, err := commons.NewApplicationLogger(loggerOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(exitConfig)
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.HasUpstreamCredentials() {
		logger.Errorw("upstream credentials missing for selected pipeline",
			"provider", cfg.LLMConfig.Provider, "mode", cfg.StreamingMode)
		os.Exit(exitCredentials)
	}

	redis := connectors.NewRedisConnector(logger, cfg.RedisConfig)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redis.Ping(pingCtx); err != nil {
		pingCancel()
		logger.Errorw("redis unreachable", "error", err)
		os.Exit(exitRedis)
	}
	pingCancel()

	ownerID := utils.NewSessionID()
	logger = logger.With("worker", ownerID, "service", cfg.Name)

	store := internal_sessionstore.NewRedisStore(logger, redis, ownerID,
		time.Duration(cfg.SessionTTLSeconds)*time.Second)

	sampleRate := internal_audio.SampleRate16k
	if cfg.StreamingMode == config.StreamingModeRealtimeVoice {
		sampleRate = internal_audio.SampleRate24k
	}

	pools := internal_conductor.Pools{
		STT: internal_transcriber.NewPool(logger, cfg.PoolSizes.STT,
			cfg.SpeechConfig.SttURL, cfg.SpeechConfig.Key, sampleRate),
		TTS: internal_synthesizer.NewPool(logger, cfg.PoolSizes.TTS,
			cfg.SpeechConfig.TtsURL, cfg.SpeechConfig.Key, sampleRate),
		Chat: internal_llm.NewChatPool(logger, cfg.PoolSizes.LLM, func() (internal_llm.Executor, error) {
			if cfg.LLMConfig.Provider == "anthropic" {
				return internal_llm.NewAnthropicExecutor(logger, cfg.LLMConfig.AnthropicKey, cfg.LLMConfig.Model)
			}
			return internal_llm.NewOpenAIExecutor(logger, cfg.LLMConfig.OpenAIKey, cfg.LLMConfig.Model)
		}),
	}
	if cfg.LLMConfig.RealtimeURL != "" {
		pools.Realtime = internal_llm.NewRealtimePool(logger, cfg.PoolSizes.LLM,
			cfg.LLMConfig.RealtimeURL, cfg.LLMConfig.OpenAIKey, sampleRate)
	}

	registry, err := internal_agent.LoadRegistry(logger, cfg.AgentConfigPath)
	if err != nil {
		logger.Errorw("agent registry invalid", "path", cfg.AgentConfigPath, "error", err)
		os.Exit(exitConfig)
	}
	tools := internal_agent.NewToolStore(logger, vConfig.GetString("POLICY_SERVICE_URL"))

	orchestrator := internal_agent.NewOrchestrator(logger, registry, tools, store, pools.Chat,
		internal_agent.Config{
			HistoryWindowTurns: cfg.HistoryWindowTurns,
			ToolTimeout:        time.Duration(cfg.ToolTimeoutMs) * time.Millisecond,
			FallbackPhrase:     cfg.FallbackPhrase,
		})

	relay := internal_channel.NewRelay(logger)
	conductor := internal_conductor.New(logger, store, registry, orchestrator, pools, relay,
		internal_conductor.Config{
			GreetingPhrase:            cfg.GreetingPhrase,
			FallbackPhrase:            cfg.FallbackPhrase,
			GoodbyePhrase:             cfg.GoodbyePhrase,
			BargeInStabilityThreshold: cfg.BargeInStabilityThreshold,
			BargeInMinAudio:           time.Duration(cfg.BargeInMinAudioMs) * time.Millisecond,
			TurnTimeout:               time.Duration(cfg.TurnTimeoutMs) * time.Millisecond,
			HistoryWindowTurns:        cfg.HistoryWindowTurns,
		})

	provider := internal_callcontrol.NewRESTProvider(logger,
		cfg.TelephonyConfig.Endpoint, cfg.TelephonyConfig.AccessKey,
		cfg.TelephonyConfig.SourceNumber, cfg.TelephonyConfig.CallbackURL)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	voice_routers.HealthCheckRoutes(cfg, engine, logger, redis, conductor, pools, registry, provider)
	voice_routers.TalkRoutes(cfg, engine, logger, ownerID, store, conductor, relay, provider)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	go func() {
		logger.Infow("serving", "addr", server.Addr, "mode", cfg.StreamingMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Infow("shutdown requested", "activeSessions", conductor.ActiveSessions())

	// Stop accepting, give live sessions the grace window, then force.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("forced shutdown", "error", err)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	pools.STT.Close(closeCtx)
	pools.TTS.Close(closeCtx)
	if pools.Chat != nil {
		pools.Chat.Close(closeCtx)
	}
	if pools.Realtime != nil {
		pools.Realtime.Close(closeCtx)
	}
	if err := redis.Close(); err != nil {
		logger.Debugw("redis close failed", "error", err)
	}
	logger.Infow("shutdown complete")
}
