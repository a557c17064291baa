// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package voice_routers

import (
	"github.com/gin-gonic/gin"

	voice_health_api "github.com/cadenzaai/api/voice-api/api/health"
	voice_talk_api "github.com/cadenzaai/api/voice-api/api/talk"
	internal_agent "github.com/cadenzaai/api/voice-api/internal/agent"
	internal_callcontrol "github.com/cadenzaai/api/voice-api/internal/callcontrol"
	internal_channel "github.com/cadenzaai/api/voice-api/internal/channel"
	internal_conductor "github.com/cadenzaai/api/voice-api/internal/conductor"
	internal_sessionstore "github.com/cadenzaai/api/voice-api/internal/sessionstore"
	"github.com/cadenzaai/config"
	"github.com/cadenzaai/pkg/commons"
	"github.com/cadenzaai/pkg/connectors"
)

// HealthCheckRoutes mounts liveness, readiness and the agent listing.
func HealthCheckRoutes(
	cfg *config.AppConfig,
	engine *gin.Engine,
	logger commons.Logger,
	redis connectors.RedisConnector,
	conductor *internal_conductor.Conductor,
	pools internal_conductor.Pools,
	registry *internal_agent.Registry,
	provider internal_callcontrol.Provider,
) {
	logger.Infow("health routes mounted")
	hcApi := voice_health_api.New(cfg, logger, redis, conductor, pools, registry, provider)
	{
		engine.GET("/health", hcApi.Healthz)
		engine.GET("/readiness", hcApi.Readiness)
		engine.GET("/agents", hcApi.Agents)
	}
}

// TalkRoutes mounts the realtime websockets and the call-automation
// surface.
func TalkRoutes(
	cfg *config.AppConfig,
	engine *gin.Engine,
	logger commons.Logger,
	ownerID string,
	store internal_sessionstore.Store,
	conductor *internal_conductor.Conductor,
	relay *internal_channel.Relay,
	provider internal_callcontrol.Provider,
) {
	logger.Infow("talk routes mounted")
	talkApi := voice_talk_api.New(cfg, logger, ownerID, store, conductor, relay, provider)
	{
		engine.GET("/realtime", talkApi.Realtime)
		engine.GET("/call/stream", talkApi.CallStream)
		engine.GET("/dashboard/relay", talkApi.DashboardRelay)
		engine.POST("/call/incoming", talkApi.Incoming)
		engine.POST("/call/outbound", talkApi.Outbound)
		engine.POST("/call/hangup", talkApi.Hangup)
	}
}
