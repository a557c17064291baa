// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package voice_health_api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_agent "github.com/cadenzaai/api/voice-api/internal/agent"
	internal_conductor "github.com/cadenzaai/api/voice-api/internal/conductor"
	internal_pool "github.com/cadenzaai/api/voice-api/internal/pool"
	internal_synthesizer "github.com/cadenzaai/api/voice-api/internal/synthesizer"
	internal_transcriber "github.com/cadenzaai/api/voice-api/internal/transcriber"
	"github.com/cadenzaai/config"
	"github.com/cadenzaai/pkg/commons"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const healthRegistryYAML = `
agents:
  - key: greeter
    display_name: Greeter
    system_prompt: You greet callers.
    voice_profile: warm
`

type fakeRedis struct {
	pingErr error
}

func (f *fakeRedis) Client() *redis.Client          { return nil }
func (f *fakeRedis) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeRedis) Close() error                   { return nil }

type fakeProvider struct {
	pingErr error
}

func (f *fakeProvider) Answer(context.Context, string, string) (string, error) { return "", nil }
func (f *fakeProvider) PlaceCall(context.Context, string, string) (string, error) {
	return "", nil
}
func (f *fakeProvider) Hangup(context.Context, string) error { return nil }
func (f *fakeProvider) Ping(context.Context) error           { return f.pingErr }

type healthFixture struct {
	engine   *gin.Engine
	redis    *fakeRedis
	provider *fakeProvider
}

func newHealthFixture(t *testing.T, telephonyEndpoint string) *healthFixture {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	registry, err := internal_agent.ParseRegistry(logger, []byte(healthRegistryYAML))
	require.NoError(t, err)

	pools := internal_conductor.Pools{
		STT: internal_pool.New[internal_transcriber.Recognizer](logger, "stt", 1,
			func(ctx context.Context) (internal_transcriber.Recognizer, error) { return nil, nil }),
		TTS: internal_pool.New[internal_synthesizer.Synthesizer](logger, "tts", 1,
			func(ctx context.Context) (internal_synthesizer.Synthesizer, error) { return nil, nil }),
	}
	conductor := internal_conductor.New(logger, nil, registry, nil, pools, nil, internal_conductor.Config{})

	cfg := &config.AppConfig{
		Version:         "0.0.1-test",
		TelephonyConfig: config.TelephonyConfig{Endpoint: telephonyEndpoint},
	}

	f := &healthFixture{redis: &fakeRedis{}, provider: &fakeProvider{}}
	api := New(cfg, logger, f.redis, conductor, pools, registry, f.provider)

	f.engine = gin.New()
	f.engine.GET("/health", api.Healthz)
	f.engine.GET("/readiness", api.Readiness)
	f.engine.GET("/agents", api.Agents)
	return f
}

func (f *healthFixture) get(path string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, path, nil)
	f.engine.ServeHTTP(recorder, request)
	return recorder
}

type readinessResponse struct {
	Status string           `json:"status"`
	Checks []readinessCheck `json:"checks"`
}

func checkFor(t *testing.T, body readinessResponse, component string) readinessCheck {
	t.Helper()
	for _, check := range body.Checks {
		if check.Component == component {
			return check
		}
	}
	t.Fatalf("no %q check in %+v", component, body.Checks)
	return readinessCheck{}
}

func TestReadiness_HealthyReportsAllChecks(t *testing.T) {
	f := newHealthFixture(t, "https://calls.example")

	response := f.get("/readiness")
	require.Equal(t, http.StatusOK, response.Code)

	var body readinessResponse
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &body))
	assert.Equal(t, statusHealthy, body.Status)

	for _, component := range []string{"redis", "stt_pool", "tts_pool", "telephony"} {
		check := checkFor(t, body, component)
		assert.Equal(t, statusHealthy, check.Status, component)
		assert.GreaterOrEqual(t, check.CheckTimeMs, int64(0), component)
		assert.Empty(t, check.Details, component)
	}
}

func TestReadiness_RedisDownIsUnhealthy(t *testing.T) {
	f := newHealthFixture(t, "")
	f.redis.pingErr = commons.Ef(commons.KindTransport, "connection refused")

	response := f.get("/readiness")
	require.Equal(t, http.StatusServiceUnavailable, response.Code)

	var body readinessResponse
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &body))
	assert.Equal(t, statusUnhealthy, body.Status)
	check := checkFor(t, body, "redis")
	assert.Equal(t, statusUnhealthy, check.Status)
	assert.NotEmpty(t, check.Details)
}

func TestReadiness_UnreachableTelephonyDegrades(t *testing.T) {
	f := newHealthFixture(t, "https://calls.example")
	f.provider.pingErr = commons.Ef(commons.KindUpstream, "no route to host")

	response := f.get("/readiness")
	require.Equal(t, http.StatusOK, response.Code, "degraded keeps serving")

	var body readinessResponse
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &body))
	assert.Equal(t, statusDegraded, body.Status)
	assert.Equal(t, statusDegraded, checkFor(t, body, "telephony").Status)
}

func TestHealthz_ReportsActiveSessions(t *testing.T) {
	f := newHealthFixture(t, "")

	response := f.get("/health")
	require.Equal(t, http.StatusOK, response.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["active_sessions"])
}

func TestAgents_ListsRegistry(t *testing.T) {
	f := newHealthFixture(t, "")

	response := f.get("/agents")
	require.Equal(t, http.StatusOK, response.Code)

	var body struct {
		Status string `json:"status"`
		Agents []struct {
			Key         string `json:"key"`
			DisplayName string `json:"display_name"`
		} `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	require.Len(t, body.Agents, 1)
	assert.Equal(t, "greeter", body.Agents[0].Key)
	assert.Equal(t, "Greeter", body.Agents[0].DisplayName)
}
