// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package voice_talk_api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_sessionstore "github.com/cadenzaai/api/voice-api/internal/sessionstore"
	"github.com/cadenzaai/config"
	"github.com/cadenzaai/pkg/commons"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ============================================================================
// Fakes
// ============================================================================

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*internal_sessionstore.SessionRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*internal_sessionstore.SessionRecord{}}
}

func (s *fakeStore) Create(_ context.Context, record *internal_sessionstore.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.SessionID]; ok {
		return internal_sessionstore.ErrAlreadyExists
	}
	s.records[record.SessionID] = record.Clone()
	return nil
}

func (s *fakeStore) Load(_ context.Context, sessionID string) (*internal_sessionstore.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[sessionID]
	if !ok {
		return nil, internal_sessionstore.ErrNotFound
	}
	return record.Clone(), nil
}

func (s *fakeStore) Mutate(_ context.Context, sessionID string, fn func(*internal_sessionstore.SessionRecord) error) (*internal_sessionstore.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[sessionID]
	if !ok {
		return nil, internal_sessionstore.ErrNotFound
	}
	next := record.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version++
	s.records[sessionID] = next
	return next.Clone(), nil
}

func (s *fakeStore) Touch(context.Context, string) error { return nil }

func (s *fakeStore) BumpCancelEpoch(context.Context, string) (int64, error) { return 1, nil }

func (s *fakeStore) CancelEpoch(context.Context, string) (int64, error) { return 0, nil }

func (s *fakeStore) Subscribe(context.Context, string) (<-chan internal_sessionstore.Event, func(), error) {
	events := make(chan internal_sessionstore.Event)
	return events, func() { close(events) }, nil
}

func (s *fakeStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	return nil
}

func (s *fakeStore) only(t *testing.T) *internal_sessionstore.SessionRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.records, 1)
	for _, record := range s.records {
		return record.Clone()
	}
	return nil
}

type fakeProvider struct {
	mu        sync.Mutex
	answered  []string
	placed    []string
	hungUp    []string
	failCalls bool
}

func (p *fakeProvider) Answer(_ context.Context, incomingCallContext, mediaStreamURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCalls {
		return "", commons.Ef(commons.KindUpstream, "answer refused")
	}
	p.answered = append(p.answered, mediaStreamURL)
	return "call-a", nil
}

func (p *fakeProvider) PlaceCall(_ context.Context, targetE164, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCalls {
		return "", commons.Ef(commons.KindUpstream, "placement refused")
	}
	p.placed = append(p.placed, targetE164)
	return "call-b", nil
}

func (p *fakeProvider) Hangup(_ context.Context, callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCalls {
		return commons.Ef(commons.KindUpstream, "hangup refused")
	}
	p.hungUp = append(p.hungUp, callID)
	return nil
}

func (p *fakeProvider) Ping(context.Context) error { return nil }

// ============================================================================
// Fixture
// ============================================================================

type talkFixture struct {
	engine   *gin.Engine
	store    *fakeStore
	provider *fakeProvider
}

func newTalkFixture(t *testing.T, mode config.StreamingMode) *talkFixture {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	cfg := &config.AppConfig{
		StreamingMode: mode,
		TelephonyConfig: config.TelephonyConfig{
			Endpoint:    "https://calls.example",
			CallbackURL: "https://host/call/incoming",
			MediaWsURL:  "wss://host/call/stream",
		},
	}

	store := newFakeStore()
	provider := &fakeProvider{}
	api := New(cfg, logger, "worker-1", store, nil, nil, provider)

	engine := gin.New()
	engine.POST("/call/incoming", api.Incoming)
	engine.POST("/call/outbound", api.Outbound)
	engine.POST("/call/hangup", api.Hangup)

	return &talkFixture{engine: engine, store: store, provider: provider}
}

func (f *talkFixture) post(path, body string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	request.Header.Set("Content-Type", "application/json")
	f.engine.ServeHTTP(recorder, request)
	return recorder
}

// ============================================================================
// Webhook intake
// ============================================================================

func TestIncoming_AnswersOntoMediaSession(t *testing.T) {
	fixture := newTalkFixture(t, config.StreamingModeMedia)

	response := fixture.post("/call/incoming", `[
		{"type":"X.Communication.IncomingCall","data":{
			"incomingCallContext":"tok","from":{"rawId":"+15550111"},"to":{"rawId":"+15550100"}}}
	]`)
	require.Equal(t, http.StatusOK, response.Code)

	record := fixture.store.only(t)
	assert.Equal(t, internal_sessionstore.TransportTelephonyMedia, record.TransportKind)
	assert.Equal(t, 16000, record.SampleRate)
	assert.Equal(t, "+15550111", record.Participant)
	assert.Equal(t, "call-a", record.Context["call_id"])

	require.Len(t, fixture.provider.answered, 1)
	assert.Equal(t, "wss://host/call/stream?session_id="+record.SessionID, fixture.provider.answered[0])
}

func TestIncoming_RealtimeModeAllocatesRealtimeSession(t *testing.T) {
	fixture := newTalkFixture(t, config.StreamingModeRealtimeVoice)

	response := fixture.post("/call/incoming", `[
		{"type":"X.Communication.IncomingCall","data":{
			"incomingCallContext":"tok","from":{"rawId":"+15550112"},"to":{"rawId":"+15550100"}}}
	]`)
	require.Equal(t, http.StatusOK, response.Code)

	record := fixture.store.only(t)
	assert.Equal(t, internal_sessionstore.TransportTelephonyRealtime, record.TransportKind)
	assert.Equal(t, 24000, record.SampleRate)
}

func TestIncoming_MalformedPayloadIsRejected(t *testing.T) {
	fixture := newTalkFixture(t, config.StreamingModeMedia)

	response := fixture.post("/call/incoming", `{"not":"an array"}`)
	assert.Equal(t, http.StatusBadRequest, response.Code)
	assert.Empty(t, fixture.provider.answered)
}

// ============================================================================
// Call commands
// ============================================================================

func TestOutbound_PlacesCallAndAllocatesSession(t *testing.T) {
	fixture := newTalkFixture(t, config.StreamingModeMedia)

	response := fixture.post("/call/outbound", `{"target":"+15550123","session_hint":"alex"}`)
	require.Equal(t, http.StatusAccepted, response.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &body))
	require.Len(t, body, 1, "response carries session_id only")
	assert.NotEmpty(t, body["session_id"])

	record := fixture.store.only(t)
	assert.Equal(t, body["session_id"], record.SessionID)
	assert.Equal(t, "alex", record.Participant)
	assert.Equal(t, "call-b", record.Context["call_id"])
	assert.Equal(t, []string{"+15550123"}, fixture.provider.placed)
}

func TestOutbound_MissingTargetIsRejected(t *testing.T) {
	fixture := newTalkFixture(t, config.StreamingModeMedia)

	response := fixture.post("/call/outbound", `{"session_hint":"alex"}`)
	assert.Equal(t, http.StatusBadRequest, response.Code)
	assert.Empty(t, fixture.provider.placed)
}

func TestHangup_ResolvesCallAndReturnsNoContent(t *testing.T) {
	fixture := newTalkFixture(t, config.StreamingModeMedia)

	placed := fixture.post("/call/outbound", `{"target":"+15550123"}`)
	require.Equal(t, http.StatusAccepted, placed.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(placed.Body.Bytes(), &body))

	response := fixture.post("/call/hangup", `{"session_id":"`+body["session_id"]+`"}`)
	assert.Equal(t, http.StatusNoContent, response.Code)
	assert.Empty(t, response.Body.Bytes())
	assert.Equal(t, []string{"call-b"}, fixture.provider.hungUp)
}

func TestHangup_UnknownSessionIsNotFound(t *testing.T) {
	fixture := newTalkFixture(t, config.StreamingModeMedia)

	response := fixture.post("/call/hangup", `{"session_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, response.Code)
	assert.Empty(t, fixture.provider.hungUp)
}

func TestHangup_ProviderFailureIsBadGateway(t *testing.T) {
	fixture := newTalkFixture(t, config.StreamingModeMedia)

	placed := fixture.post("/call/outbound", `{"target":"+15550123"}`)
	require.Equal(t, http.StatusAccepted, placed.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(placed.Body.Bytes(), &body))

	fixture.provider.failCalls = true
	response := fixture.post("/call/hangup", `{"session_id":"`+body["session_id"]+`"}`)
	assert.Equal(t, http.StatusBadGateway, response.Code)
}
