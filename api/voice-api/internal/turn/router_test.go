// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_agent "github.com/cadenzaai/api/voice-api/internal/agent"
	internal_sessionstore "github.com/cadenzaai/api/voice-api/internal/sessionstore"
	"github.com/cadenzaai/pkg/commons"
)

const routerRegistryYAML = `
agents:
  - key: greeter
    display_name: Greeter
    system_prompt: You greet callers.
    voice_profile: warm
  - key: claims
    display_name: Claims
    system_prompt: You handle claims.
    voice_profile: formal
`

type memoryStore struct {
	mu      sync.Mutex
	records map[string]*internal_sessionstore.SessionRecord
	epoch   int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string]*internal_sessionstore.SessionRecord{}}
}

func (m *memoryStore) Create(ctx context.Context, record *internal_sessionstore.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.SessionID] = record.Clone()
	return nil
}

func (m *memoryStore) Load(ctx context.Context, sessionID string) (*internal_sessionstore.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[sessionID]
	if !ok {
		return nil, internal_sessionstore.ErrNotFound
	}
	return record.Clone(), nil
}

func (m *memoryStore) Mutate(ctx context.Context, sessionID string, fn func(*internal_sessionstore.SessionRecord) error) (*internal_sessionstore.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[sessionID]
	if !ok {
		return nil, internal_sessionstore.ErrNotFound
	}
	next := record.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version++
	m.records[sessionID] = next
	return next.Clone(), nil
}

func (m *memoryStore) Touch(ctx context.Context, sessionID string) error { return nil }
func (m *memoryStore) BumpCancelEpoch(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	return m.epoch, nil
}
func (m *memoryStore) CancelEpoch(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, nil
}
func (m *memoryStore) Subscribe(ctx context.Context, sessionID string) (<-chan internal_sessionstore.Event, func(), error) {
	events := make(chan internal_sessionstore.Event)
	return events, func() {}, nil
}
func (m *memoryStore) Delete(ctx context.Context, sessionID string) error { return nil }

// scriptedOrchestrator replays one event script per RunTurn call. A nil
// script blocks until the turn context dies.
type scriptedOrchestrator struct {
	mu      sync.Mutex
	scripts [][]internal_agent.Event
}

func (s *scriptedOrchestrator) RunTurn(ctx context.Context, record *internal_sessionstore.SessionRecord, userText string) <-chan internal_agent.Event {
	s.mu.Lock()
	var script []internal_agent.Event
	hasScript := len(s.scripts) > 0
	if hasScript {
		script = s.scripts[0]
		s.scripts = s.scripts[1:]
	}
	s.mu.Unlock()

	events := make(chan internal_agent.Event, len(script)+1)
	go func() {
		defer close(events)
		if script == nil {
			// Emit one chunk, then hang until cancelled.
			events <- internal_agent.Event{Type: internal_agent.EventTextChunk, Text: "I was saying"}
			<-ctx.Done()
			return
		}
		for _, event := range script {
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events
}

type recordingSpeaker struct {
	mu       sync.Mutex
	segments []string
	voices   []string
}

func (r *recordingSpeaker) SpeakSegment(ctx context.Context, text, voice string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, text)
	r.voices = append(r.voices, voice)
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	states   []internal_sessionstore.SessionState
	agents   []string
	chunks   []string
	reasons  []string
	endCalls int
}

func (r *recordingObserver) OnStateChange(state internal_sessionstore.SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recordingObserver) OnAgentChange(agentKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, agentKey)
}

func (r *recordingObserver) OnTextChunk(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, text)
}

func (r *recordingObserver) OnTurnServed(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *recordingObserver) OnEndCall() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endCalls++
}

type routerFixture struct {
	router   *Router
	store    *memoryStore
	speaker  *recordingSpeaker
	observer *recordingObserver
}

func newRouterFixture(t *testing.T, orchestrator Orchestrator) *routerFixture {
	return newRouterFixtureConfig(t, orchestrator, Config{
		TurnTimeout:        30 * time.Second,
		HistoryWindowTurns: 8,
		FallbackPhrase:     "Sorry, something went wrong.",
	})
}

func newRouterFixtureConfig(t *testing.T, orchestrator Orchestrator, config Config) *routerFixture {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	registry, err := internal_agent.ParseRegistry(logger, []byte(routerRegistryYAML))
	require.NoError(t, err)

	store := newMemoryStore()
	record := internal_sessionstore.NewSessionRecord("s-1", "worker-1", internal_sessionstore.TransportBrowser, "", 16000)
	require.NoError(t, record.Transition(internal_sessionstore.StateListening))
	require.NoError(t, store.Create(context.Background(), record))

	speaker := &recordingSpeaker{}
	observer := &recordingObserver{}
	router := NewRouter(logger, store, registry, orchestrator, speaker, observer, config)
	return &routerFixture{router: router, store: store, speaker: speaker, observer: observer}
}

func TestQueue_DropsOldestOnOverflow(t *testing.T) {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	q := NewQueue(logger)

	for i := 0; i < queueDepth; i++ {
		_, ok := q.Push(PendingTurn{Text: "t", EnqueuedAt: time.Now()})
		assert.True(t, ok)
	}
	dropped, ok := q.Push(PendingTurn{Text: "newest", EnqueuedAt: time.Now()})
	require.True(t, ok)
	require.NotNil(t, dropped, "overflow drops the oldest")
	assert.Equal(t, queueDepth, q.Len())
}

func TestQueue_PopHonorsContext(t *testing.T) {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	q := NewQueue(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = q.Pop(ctx)
	require.Error(t, err)
	assert.Equal(t, commons.KindCancelled, commons.KindOf(err))
}

func TestRouter_ServesTurnToCompletion(t *testing.T) {
	orchestrator := &scriptedOrchestrator{scripts: [][]internal_agent.Event{{
		{Type: internal_agent.EventTextChunk, Text: "Hello there. How can"},
		{Type: internal_agent.EventTextChunk, Text: " I help?"},
		{Type: internal_agent.EventDone, FinalText: "Hello there. How can I help?"},
	}}}
	f := newRouterFixture(t, orchestrator)

	f.router.serve(context.Background(), "s-1", PendingTurn{Text: "hi", EnqueuedAt: time.Now()})

	assert.Equal(t, []internal_sessionstore.SessionState{
		internal_sessionstore.StateThinking,
		internal_sessionstore.StateSpeaking,
		internal_sessionstore.StateListening,
	}, f.observer.states)

	// Sentence-sized segments, tail flushed at Done.
	assert.Equal(t, []string{"Hello there.", "How can I help?"}, f.speaker.segments)
	assert.Equal(t, []string{"warm", "warm"}, f.speaker.voices)

	record, err := f.store.Load(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, record.History, 1)
	assert.Equal(t, internal_sessionstore.TurnCompleted, record.History[0].TerminalReason)
	assert.Equal(t, "hi", record.History[0].UserText)
	assert.Equal(t, 1, record.TurnIndex)
	assert.Equal(t, internal_sessionstore.StateListening, record.State)
}

func TestRouter_BargeInMarksTurn(t *testing.T) {
	orchestrator := &scriptedOrchestrator{} // no script: hangs until cancelled
	f := newRouterFixture(t, orchestrator)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.serve(context.Background(), "s-1", PendingTurn{Text: "long question", EnqueuedAt: time.Now()})
	}()

	require.Eventually(t, func() bool {
		f.observer.mu.Lock()
		defer f.observer.mu.Unlock()
		return len(f.observer.chunks) > 0
	}, 2*time.Second, 5*time.Millisecond, "turn must be mid-flight before barge-in")

	f.router.CancelActive()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after barge-in")
	}

	record, err := f.store.Load(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, record.History, 1)
	assert.Equal(t, internal_sessionstore.TurnBargedIn, record.History[0].TerminalReason)
}

func TestRouter_OrchestratorErrorSpeaksFallback(t *testing.T) {
	orchestrator := &scriptedOrchestrator{scripts: [][]internal_agent.Event{{
		{Type: internal_agent.EventDone, Err: errors.New("model unavailable")},
	}}}
	f := newRouterFixture(t, orchestrator)

	f.router.serve(context.Background(), "s-1", PendingTurn{Text: "hi", EnqueuedAt: time.Now()})

	assert.Equal(t, []string{"Sorry, something went wrong."}, f.speaker.segments)

	record, err := f.store.Load(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, record.History, 1)
	assert.Equal(t, internal_sessionstore.TurnError, record.History[0].TerminalReason)
	assert.Equal(t, internal_sessionstore.StateListening, record.State)
}

func TestRouter_TimeoutSpeaksFallback(t *testing.T) {
	orchestrator := &scriptedOrchestrator{} // no script: hangs until the turn deadline fires
	f := newRouterFixtureConfig(t, orchestrator, Config{
		TurnTimeout:        50 * time.Millisecond,
		HistoryWindowTurns: 8,
		FallbackPhrase:     "Sorry, something went wrong.",
	})

	f.router.serve(context.Background(), "s-1", PendingTurn{Text: "hi", EnqueuedAt: time.Now()})

	assert.Equal(t, []string{"Sorry, something went wrong."}, f.speaker.segments)
	assert.Equal(t, []string{internal_sessionstore.TurnTimeout}, f.observer.reasons)

	record, err := f.store.Load(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, record.History, 1)
	assert.Equal(t, internal_sessionstore.TurnTimeout, record.History[0].TerminalReason)
	assert.Equal(t, internal_sessionstore.StateListening, record.State)
}

func TestRouter_StaleEpochTurnIsDropped(t *testing.T) {
	orchestrator := &scriptedOrchestrator{scripts: [][]internal_agent.Event{{
		{Type: internal_agent.EventTextChunk, Text: "Too late."},
		{Type: internal_agent.EventDone, FinalText: "Too late."},
	}}}
	f := newRouterFixture(t, orchestrator)

	// A barge-in bumped the session epoch after this transcript was queued.
	_, err := f.store.BumpCancelEpoch(context.Background(), "s-1")
	require.NoError(t, err)

	f.router.serve(context.Background(), "s-1", PendingTurn{Text: "old question", Epoch: 0, EnqueuedAt: time.Now()})

	assert.Empty(t, f.speaker.segments)
	assert.Empty(t, f.observer.reasons)
	record, err := f.store.Load(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Empty(t, record.History)
}

func TestRouter_HandoffSwitchesVoice(t *testing.T) {
	orchestrator := &scriptedOrchestrator{scripts: [][]internal_agent.Event{{
		{Type: internal_agent.EventHandoff, Agent: "claims"},
		{Type: internal_agent.EventTextChunk, Text: "Claims speaking."},
		{Type: internal_agent.EventDone, FinalText: "Claims speaking."},
	}}}
	f := newRouterFixture(t, orchestrator)

	f.router.serve(context.Background(), "s-1", PendingTurn{Text: "claim please", EnqueuedAt: time.Now()})

	assert.Equal(t, []string{"claims"}, f.observer.agents)
	require.NotEmpty(t, f.speaker.voices)
	assert.Equal(t, "formal", f.speaker.voices[0])
}

func TestRouter_EndCallNotifiesObserver(t *testing.T) {
	orchestrator := &scriptedOrchestrator{scripts: [][]internal_agent.Event{{
		{Type: internal_agent.EventTextChunk, Text: "Goodbye."},
		{Type: internal_agent.EventDone, FinalText: "Goodbye.", EndCall: true},
	}}}
	f := newRouterFixture(t, orchestrator)

	f.router.serve(context.Background(), "s-1", PendingTurn{Text: "bye", EnqueuedAt: time.Now()})
	assert.Equal(t, 1, f.observer.endCalls)
}

func TestRouter_RunDrainsQueueUntilCancelled(t *testing.T) {
	orchestrator := &scriptedOrchestrator{scripts: [][]internal_agent.Event{
		{
			{Type: internal_agent.EventTextChunk, Text: "One."},
			{Type: internal_agent.EventDone, FinalText: "One."},
		},
		{
			{Type: internal_agent.EventTextChunk, Text: "Two."},
			{Type: internal_agent.EventDone, FinalText: "Two."},
		},
	}}
	f := newRouterFixture(t, orchestrator)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.router.Run(ctx, "s-1") }()

	f.router.Enqueue("first", 0)
	f.router.Enqueue("second", 0)

	require.Eventually(t, func() bool {
		record, err := f.store.Load(context.Background(), "s-1")
		return err == nil && len(record.History) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}

	record, err := f.store.Load(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, internal_sessionstore.TurnCompleted, record.History[0].TerminalReason)
	assert.Equal(t, internal_sessionstore.TurnCompleted, record.History[1].TerminalReason)
	assert.Equal(t, 2, record.TurnIndex)
}
