// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_conductor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	internal_agent "github.com/cadenzaai/api/voice-api/internal/agent"
	internal_channel "github.com/cadenzaai/api/voice-api/internal/channel"
	internal_llm "github.com/cadenzaai/api/voice-api/internal/llm"
	internal_sessionstore "github.com/cadenzaai/api/voice-api/internal/sessionstore"
	internal_synthesizer "github.com/cadenzaai/api/voice-api/internal/synthesizer"
	internal_transcriber "github.com/cadenzaai/api/voice-api/internal/transcriber"
	internal_turn "github.com/cadenzaai/api/voice-api/internal/turn"
	"github.com/cadenzaai/pkg/commons"
)

const (
	// silenceCheckInterval is how often the listening watchdog wakes up.
	silenceCheckInterval = time.Second
	// goodbyeBudget caps how long the farewell synthesis may take.
	goodbyeBudget = 5 * time.Second
	// maxConsecutiveFailures ends the call after this many upstream or
	// timeout failures in a row.
	maxConsecutiveFailures = 3
)

// stopwords end the call politely when they arrive as a whole final
// transcript.
var stopwords = map[string]struct{}{
	"goodbye":            {},
	"bye":                {},
	"bye bye":            {},
	"bye-bye":            {},
	"see you":            {},
	"talk to you later":  {},
	"that's all goodbye": {},
	"thank you goodbye":  {},
	"thanks bye":         {},
	"hang up":            {},
}

// isStopword reports whether a finalized utterance is a farewell.
func isStopword(text string) bool {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	cleaned = strings.Trim(cleaned, ".!?,")
	_, ok := stopwords[cleaned]
	return ok
}

// Config carries the conductor's session-level budgets and phrases.
type Config struct {
	GreetingPhrase string
	ResumePhrase   string
	FallbackPhrase string
	GoodbyePhrase  string

	BargeInStabilityThreshold float64
	BargeInMinAudio           time.Duration
	SilenceTimeout            time.Duration

	TurnTimeout        time.Duration
	HistoryWindowTurns int
}

// Pools bundles the leased upstream client pools one conductor draws from.
type Pools struct {
	STT      *internal_transcriber.Pool
	TTS      *internal_synthesizer.Pool
	Chat     *internal_llm.Pool
	Realtime *internal_llm.RealtimePool
}

// Conductor drives one session's full lifetime: greeting, the
// listen/think/speak loop, barge-in, failure policy and teardown.
type Conductor struct {
	logger   commons.Logger
	store    internal_sessionstore.Store
	registry *internal_agent.Registry
	orch     internal_turn.Orchestrator
	pools    Pools
	relay    *internal_channel.Relay
	config   Config

	active atomic.Int64
}

// New wires a conductor shared by every session this worker serves.
func New(
	logger commons.Logger,
	store internal_sessionstore.Store,
	registry *internal_agent.Registry,
	orch internal_turn.Orchestrator,
	pools Pools,
	relay *internal_channel.Relay,
	config Config,
) *Conductor {
	if config.SilenceTimeout <= 0 {
		config.SilenceTimeout = 15 * time.Second
	}
	if config.ResumePhrase == "" {
		config.ResumePhrase = "Welcome back. Where were we?"
	}
	return &Conductor{
		logger:   logger,
		store:    store,
		registry: registry,
		orch:     orch,
		pools:    pools,
		relay:    relay,
		config:   config,
	}
}

// ActiveSessions reports sessions currently being served by this worker.
func (c *Conductor) ActiveSessions() int64 { return c.active.Load() }

// RunSession serves one connected caller until the session ends or ctx
// dies. The session record must already exist.
func (c *Conductor) RunSession(ctx context.Context, sessionID string, streamer internal_channel.Streamer) error {
	record, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}

	c.active.Add(1)
	defer c.active.Add(-1)

	started := time.Now()
	defer c.logger.Benchmark("conductor.session", time.Since(started))

	if record.TransportKind == internal_sessionstore.TransportTelephonyRealtime {
		return c.runRealtime(ctx, record, streamer)
	}
	return c.runPipeline(ctx, record, streamer)
}

// ============================================================================
// Pipeline mode - STT -> orchestrator -> TTS
// ============================================================================

type pipelineSession struct {
	c        *Conductor
	logger   commons.Logger
	streamer internal_channel.Streamer
	speaker  *sessionSpeaker
	router   *internal_turn.Router

	sessionID string

	mu       sync.Mutex
	sttLease *internal_transcriber.Lease

	state        atomic.Value // internal_sessionstore.SessionState
	epoch        atomic.Int64
	lastActivity atomic.Int64 // unix nanos of the last transcript event
	audioMs      atomic.Int64 // audio received since the last final
	failures     atomic.Int32

	endOnce sync.Once
	endSess context.CancelFunc
}

func (c *Conductor) runPipeline(ctx context.Context, record *internal_sessionstore.SessionRecord, streamer internal_channel.Streamer) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &pipelineSession{
		c:         c,
		logger:    c.logger,
		streamer:  streamer,
		sessionID: record.SessionID,
		endSess:   cancel,
	}
	s.state.Store(record.State)
	s.lastActivity.Store(time.Now().UnixNano())

	sttLease, err := c.pools.STT.Acquire(sessionCtx, record.SessionID)
	if err != nil {
		return err
	}
	s.sttLease = sttLease

	s.speaker = newSessionSpeaker(c.logger, c.pools.TTS, streamer, record.SessionID)
	s.router = internal_turn.NewRouter(
		c.logger, c.store, c.registry, c.orch, s.speaker, (*pipelineObserver)(s),
		internal_turn.Config{
			TurnTimeout:        c.config.TurnTimeout,
			HistoryWindowTurns: c.config.HistoryWindowTurns,
			FallbackPhrase:     c.config.FallbackPhrase,
		},
	)

	if epoch, err := c.store.CancelEpoch(sessionCtx, record.SessionID); err == nil {
		s.epoch.Store(epoch)
	}

	if err := s.greet(sessionCtx, record); err != nil {
		s.teardown(record.SessionID)
		return err
	}

	group, groupCtx := errgroup.WithContext(sessionCtx)
	group.Go(func() error { return s.router.Run(groupCtx, record.SessionID) })
	group.Go(func() error { return s.readTransport(groupCtx) })
	group.Go(func() error { return s.consumeTranscripts(groupCtx) })
	group.Go(func() error { return s.watchPeerEvents(groupCtx) })
	group.Go(func() error { return s.watchSilence(groupCtx) })
	group.Go(func() error {
		// Unblocks the transport reader once the session winds down.
		<-groupCtx.Done()
		return s.streamer.Close()
	})

	err = group.Wait()
	s.teardown(record.SessionID)
	if err != nil && sessionCtx.Err() == nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// greet speaks the opening line and opens the listening state. A record
// that already carries greeting_sent gets the resume phrase instead.
func (s *pipelineSession) greet(ctx context.Context, record *internal_sessionstore.SessionRecord) error {
	phrase := s.c.config.GreetingPhrase
	if record.GreetingSent {
		phrase = s.c.config.ResumePhrase
	}

	s.publishState(internal_sessionstore.StateGreeting)
	if record.State == internal_sessionstore.StateGreeting {
		if err := s.speaker.SpeakSegment(ctx, phrase, s.voiceProfile(record.ActiveAgent)); err != nil {
			s.logger.Warnw("conductor: greeting synthesis failed",
				"sessionId", s.sessionID, "error", err)
		}
		if _, err := s.c.store.Mutate(ctx, s.sessionID, func(rec *internal_sessionstore.SessionRecord) error {
			rec.GreetingSent = true
			return rec.Transition(internal_sessionstore.StateListening)
		}); err != nil {
			return err
		}
	}
	s.publishState(internal_sessionstore.StateListening)
	s.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// readTransport pumps caller input: audio to the recognizer, control
// messages to the session machinery.
func (s *pipelineSession) readTransport(ctx context.Context) error {
	for {
		msg, err := s.streamer.Recv()
		if err != nil {
			// Transport closed; the session winds down.
			s.end(ctx, "transport_closed", false)
			return nil
		}
		switch msg.Kind {
		case internal_channel.MsgAudio:
			s.audioMs.Add(msg.Frame.Duration().Milliseconds())
			if err := s.recognizer().PushFrame(ctx, msg.Frame); err != nil {
				s.recordFailure(ctx, err)
			}
		case internal_channel.MsgText:
			// Typed input short-circuits recognition.
			s.acceptFinal(ctx, msg.Text)
		case internal_channel.MsgInterrupt:
			s.bargeIn(ctx, "client_interrupt")
		case internal_channel.MsgReset:
			if err := s.recognizer().Reset(ctx); err != nil {
				s.recordFailure(ctx, err)
			}
		case internal_channel.MsgHangup:
			s.end(ctx, "caller_hangup", false)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// consumeTranscripts turns recognizer events into barge-in triggers and
// queued turns. A dead recognizer is replaced in place until the failure
// budget runs out.
func (s *pipelineSession) consumeTranscripts(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-s.recognizer().Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := s.replaceRecognizer(ctx); err != nil {
					s.end(ctx, "stt_unrecoverable", true)
					return nil
				}
				continue
			}
			s.handleTranscript(ctx, event)
		}
	}
}

func (s *pipelineSession) handleTranscript(ctx context.Context, event internal_transcriber.TranscriptEvent) {
	switch event.Type {
	case internal_transcriber.EventPartial:
		s.lastActivity.Store(time.Now().UnixNano())
		s.publishTranscript("user", event.Text, false)
		if s.shouldBargeIn(event.Stability) {
			s.bargeIn(ctx, "speech_partial")
		}
	case internal_transcriber.EventFinal:
		s.lastActivity.Store(time.Now().UnixNano())
		s.publishTranscript("user", event.Text, true)
		s.acceptFinal(ctx, event.Text)
	case internal_transcriber.EventError:
		s.recordFailure(ctx, event.Err)
	}
}

// shouldBargeIn fires on a stable-enough partial backed by sustained
// audio while the agent is thinking or speaking.
func (s *pipelineSession) shouldBargeIn(stability float64) bool {
	state, _ := s.state.Load().(internal_sessionstore.SessionState)
	if state != internal_sessionstore.StateThinking && state != internal_sessionstore.StateSpeaking {
		return false
	}
	if stability < s.c.config.BargeInStabilityThreshold {
		return false
	}
	return s.audioMs.Load() >= s.c.config.BargeInMinAudio.Milliseconds()
}

// bargeIn cancels the active turn everywhere: the shared epoch for other
// workers, the local router, and the transport's queued audio.
func (s *pipelineSession) bargeIn(ctx context.Context, trigger string) {
	epoch, err := s.c.store.BumpCancelEpoch(ctx, s.sessionID)
	if err != nil {
		s.logger.Warnw("conductor: epoch bump failed", "sessionId", s.sessionID, "error", err)
	} else {
		s.epoch.Store(epoch)
	}
	s.router.CancelActive()
	s.streamer.FlushAudio()
	s.logger.Infow("barge-in", "sessionId", s.sessionID, "trigger", trigger)
}

// acceptFinal routes a finalized utterance: farewell stopwords end the
// call, everything else becomes a queued turn.
func (s *pipelineSession) acceptFinal(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.audioMs.Store(0)
	if isStopword(text) {
		s.end(ctx, "caller_farewell", true)
		return
	}
	s.router.Enqueue(text, s.epoch.Load())
	if err := s.c.store.Touch(ctx, s.sessionID); err != nil {
		s.logger.Debugw("conductor: ttl refresh failed", "sessionId", s.sessionID, "error", err)
	}
}

// recordFailure applies the consecutive-failure policy. STT errors and
// failed turns share the counter; only a completed turn resets it.
func (s *pipelineSession) recordFailure(ctx context.Context, err error) {
	if err == nil || ctx.Err() != nil {
		return
	}
	count := s.failures.Add(1)
	s.logger.Warnw("conductor: upstream failure",
		"sessionId", s.sessionID, "consecutive", count, "error", err)
	if count >= maxConsecutiveFailures {
		s.end(ctx, "failure_budget_exhausted", true)
	}
}

func (s *pipelineSession) recognizer() internal_transcriber.Recognizer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sttLease.Handle
}

// replaceRecognizer discards the dead handle and leases a new one.
func (s *pipelineSession) replaceRecognizer(ctx context.Context) error {
	s.mu.Lock()
	old := s.sttLease
	s.mu.Unlock()
	old.Release(ctx, true)

	lease, err := s.c.pools.STT.Acquire(ctx, s.sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sttLease = lease
	s.mu.Unlock()
	return nil
}

// watchPeerEvents reacts to cancel-epoch bumps made by other workers.
func (s *pipelineSession) watchPeerEvents(ctx context.Context) error {
	events, stop, err := s.c.store.Subscribe(ctx, s.sessionID)
	if err != nil {
		s.logger.Warnw("conductor: peer subscription failed", "sessionId", s.sessionID, "error", err)
		<-ctx.Done()
		return nil
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if event.Type == internal_sessionstore.EventEpochBumped && event.Epoch > s.epoch.Load() {
				s.epoch.Store(event.Epoch)
				s.router.CancelActive()
				s.streamer.FlushAudio()
			}
		}
	}
}

// watchSilence ends a session whose caller has gone quiet in Listening.
func (s *pipelineSession) watchSilence(ctx context.Context) error {
	ticker := time.NewTicker(silenceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			state, _ := s.state.Load().(internal_sessionstore.SessionState)
			if state != internal_sessionstore.StateListening {
				continue
			}
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle >= s.c.config.SilenceTimeout {
				s.end(ctx, "silence_timeout", true)
				return nil
			}
		}
	}
}

// end closes the session exactly once, optionally saying goodbye first.
func (s *pipelineSession) end(ctx context.Context, reason string, sayGoodbye bool) {
	s.endOnce.Do(func() {
		s.logger.Infow("session ending", "sessionId", s.sessionID, "reason", reason)
		if sayGoodbye {
			goodbyeCtx, cancel := context.WithTimeout(context.Background(), goodbyeBudget)
			if err := s.speaker.SpeakSegment(goodbyeCtx, s.c.config.GoodbyePhrase, s.currentVoice()); err != nil {
				s.logger.Debugw("conductor: goodbye synthesis failed", "sessionId", s.sessionID, "error", err)
			}
			cancel()
		}
		if _, err := s.c.store.Mutate(context.Background(), s.sessionID, func(rec *internal_sessionstore.SessionRecord) error {
			if rec.State == internal_sessionstore.StateEnded {
				return nil
			}
			return rec.Transition(internal_sessionstore.StateEnded)
		}); err != nil {
			s.logger.Warnw("conductor: final state commit failed", "sessionId", s.sessionID, "error", err)
		}
		s.publishState(internal_sessionstore.StateEnded)
		s.endSess()
	})
}

// teardown releases held upstream handles and closes the transport.
func (s *pipelineSession) teardown(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s.mu.Lock()
	lease := s.sttLease
	s.mu.Unlock()
	if lease != nil {
		lease.Release(ctx, false)
	}
	s.speaker.release(ctx)
	if err := s.streamer.Close(); err != nil {
		s.logger.Debugw("conductor: transport close failed", "sessionId", sessionID, "error", err)
	}
}

func (s *pipelineSession) currentVoice() string {
	record, err := s.c.store.Load(context.Background(), s.sessionID)
	if err != nil {
		return s.voiceProfile("")
	}
	return s.voiceProfile(record.ActiveAgent)
}

func (s *pipelineSession) voiceProfile(agentKey string) string {
	if spec, ok := s.c.registry.Get(agentKey); ok && spec.VoiceProfile != "" {
		return spec.VoiceProfile
	}
	return s.c.registry.Greeter().VoiceProfile
}

func (s *pipelineSession) publishState(state internal_sessionstore.SessionState) {
	s.state.Store(state)
	event := internal_channel.Event{Type: internal_channel.EventState, State: string(state)}
	_ = s.streamer.SendEvent(event)
	s.c.relay.Publish(s.sessionID, event)
}

func (s *pipelineSession) publishTranscript(role, text string, final bool) {
	event := internal_channel.Event{
		Type:  internal_channel.EventTranscript,
		Role:  role,
		Text:  text,
		Final: final,
	}
	_ = s.streamer.SendEvent(event)
	s.c.relay.Publish(s.sessionID, event)
}

// pipelineObserver adapts the session to the turn router's callbacks.
type pipelineObserver pipelineSession

func (o *pipelineObserver) OnStateChange(state internal_sessionstore.SessionState) {
	(*pipelineSession)(o).publishState(state)
}

func (o *pipelineObserver) OnAgentChange(agentKey string) {
	event := internal_channel.Event{Type: internal_channel.EventAgent, Agent: agentKey}
	_ = o.streamer.SendEvent(event)
	o.c.relay.Publish(o.sessionID, event)
}

func (o *pipelineObserver) OnTextChunk(text string) {
	(*pipelineSession)(o).publishTranscript("assistant", text, false)
}

func (o *pipelineObserver) OnTurnServed(reason string) {
	s := (*pipelineSession)(o)
	switch reason {
	case internal_sessionstore.TurnCompleted:
		s.failures.Store(0)
	case internal_sessionstore.TurnError, internal_sessionstore.TurnTimeout:
		s.recordFailure(context.Background(), commons.Ef(commons.KindUpstream, "turn ended with %s", reason))
	}
}

func (o *pipelineObserver) OnEndCall() {
	s := (*pipelineSession)(o)
	// The agent already spoke its farewell; no extra goodbye phrase.
	s.end(context.Background(), "agent_end_call", false)
}
