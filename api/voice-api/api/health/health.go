// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package voice_health_api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	internal_agent "github.com/cadenzaai/api/voice-api/internal/agent"
	internal_callcontrol "github.com/cadenzaai/api/voice-api/internal/callcontrol"
	internal_conductor "github.com/cadenzaai/api/voice-api/internal/conductor"
	"github.com/cadenzaai/config"
	"github.com/cadenzaai/pkg/commons"
	"github.com/cadenzaai/pkg/connectors"
)

// Component statuses surfaced by readiness.
const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// HealthApi serves liveness, readiness and the agent listing.
type HealthApi struct {
	cfg       *config.AppConfig
	logger    commons.Logger
	redis     connectors.RedisConnector
	conductor *internal_conductor.Conductor
	pools     internal_conductor.Pools
	registry  *internal_agent.Registry
	provider  internal_callcontrol.Provider
}

// New wires the health API.
func New(
	cfg *config.AppConfig,
	logger commons.Logger,
	redis connectors.RedisConnector,
	conductor *internal_conductor.Conductor,
	pools internal_conductor.Pools,
	registry *internal_agent.Registry,
	provider internal_callcontrol.Provider,
) *HealthApi {
	return &HealthApi{
		cfg:       cfg,
		logger:    logger,
		redis:     redis,
		conductor: conductor,
		pools:     pools,
		registry:  registry,
		provider:  provider,
	}
}

// Healthz reports liveness and the worker's active session count.
//
// @Router /health [get]
func (api *HealthApi) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"version":         api.cfg.Version,
		"active_sessions": api.conductor.ActiveSessions(),
	})
}

// readinessCheck is one dependency's verdict in the readiness report.
type readinessCheck struct {
	Component   string `json:"component"`
	Status      string `json:"status"`
	CheckTimeMs int64  `json:"check_time_ms"`
	Details     string `json:"details,omitempty"`
}

// Readiness checks each dependency. Redis down means unhealthy (503); a
// struggling client pool or unreachable telephony endpoint degrades the
// worker but keeps it serving.
//
// @Router /readiness [get]
func (api *HealthApi) Readiness(c *gin.Context) {
	checkCtx, checkCancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer checkCancel()

	var checks []readinessCheck
	overall := statusHealthy

	run := func(component string, failStatus string, fn func() error) {
		check := readinessCheck{Component: component, Status: statusHealthy}
		started := time.Now()
		if err := fn(); err != nil {
			check.Status = failStatus
			check.Details = err.Error()
			if failStatus == statusUnhealthy || overall == statusHealthy {
				overall = failStatus
			}
		}
		check.CheckTimeMs = time.Since(started).Milliseconds()
		checks = append(checks, check)
	}

	run("redis", statusUnhealthy, func() error { return api.redis.Ping(checkCtx) })
	run("stt_pool", statusDegraded, func() error { return poolError(api.pools.STT.Healthy()) })
	run("tts_pool", statusDegraded, func() error { return poolError(api.pools.TTS.Healthy()) })
	if api.pools.Chat != nil {
		run("llm_pool", statusDegraded, func() error { return poolError(api.pools.Chat.Healthy()) })
	}
	if api.cfg.TelephonyConfig.Endpoint != "" {
		run("telephony", statusDegraded, func() error { return api.provider.Ping(checkCtx) })
	}

	code := http.StatusOK
	if overall == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": overall, "checks": checks})
}

func poolError(healthy bool) error {
	if healthy {
		return nil
	}
	return errors.New("last handle creation failed")
}

// Agents lists the configured agent registry.
//
// @Router /agents [get]
func (api *HealthApi) Agents(c *gin.Context) {
	var agents []gin.H
	for _, key := range api.registry.Keys() {
		spec, ok := api.registry.Get(key)
		if !ok {
			continue
		}
		agents = append(agents, gin.H{
			"key":             spec.Key,
			"display_name":    spec.DisplayName,
			"description":     spec.Description,
			"tools":           spec.Tools,
			"can_escalate_to": spec.CanEscalateTo,
			"voice_profile":   spec.VoiceProfile,
		})
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "agents": agents})
}
