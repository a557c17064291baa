// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_turn

import (
	"context"
	"errors"
	"sync"
	"time"

	internal_agent "github.com/cadenzaai/api/voice-api/internal/agent"
	internal_sessionstore "github.com/cadenzaai/api/voice-api/internal/sessionstore"
	internal_synthesizer "github.com/cadenzaai/api/voice-api/internal/synthesizer"
	"github.com/cadenzaai/pkg/commons"
)

// Speaker synthesizes one text segment and streams it to the caller.
// SpeakSegment returns once the segment's frames are handed to the
// transport, or earlier when ctx dies.
type Speaker interface {
	SpeakSegment(ctx context.Context, text, voiceProfile string) error
}

// Observer receives turn lifecycle notifications. All callbacks run on
// the serving goroutine; keep them fast.
type Observer interface {
	OnStateChange(state internal_sessionstore.SessionState)
	OnAgentChange(agentKey string)
	OnTextChunk(text string)
	OnTurnServed(reason string)
	OnEndCall()
}

// Orchestrator is the slice of the agent orchestrator the router needs.
type Orchestrator interface {
	RunTurn(ctx context.Context, record *internal_sessionstore.SessionRecord, userText string) <-chan internal_agent.Event
}

// Config carries the router's per-turn budgets.
type Config struct {
	TurnTimeout        time.Duration
	HistoryWindowTurns int
	FallbackPhrase     string
}

// Router serves finalized transcripts one at a time: within a session,
// audio for turn K is fully emitted or explicitly aborted before turn K+1
// produces any.
type Router struct {
	logger       commons.Logger
	store        internal_sessionstore.Store
	registry     *internal_agent.Registry
	orchestrator Orchestrator
	speaker      Speaker
	observer     Observer
	queue        *Queue
	config       Config

	mu         sync.Mutex
	cancelTurn context.CancelFunc
	bargedIn   bool
}

// NewRouter wires the serving loop for one session.
func NewRouter(
	logger commons.Logger,
	store internal_sessionstore.Store,
	registry *internal_agent.Registry,
	orchestrator Orchestrator,
	speaker Speaker,
	observer Observer,
	config Config,
) *Router {
	return &Router{
		logger:       logger,
		store:        store,
		registry:     registry,
		orchestrator: orchestrator,
		speaker:      speaker,
		observer:     observer,
		queue:        NewQueue(logger),
		config:       config,
	}
}

// Enqueue hands a finalized transcript to the serving loop, recording the
// session's cancel epoch at enqueue time.
func (r *Router) Enqueue(text string, epoch int64) {
	r.queue.Push(PendingTurn{Text: text, Epoch: epoch, EnqueuedAt: time.Now()})
}

// CancelActive aborts the currently served turn, if any. Called on
// barge-in; the turn is marked barged_in, not failed.
func (r *Router) CancelActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelTurn != nil {
		r.bargedIn = true
		r.cancelTurn()
	}
}

// Run serves queued transcripts until ctx dies. Each turn runs under its
// own cancellable context capped by the turn timeout.
func (r *Router) Run(ctx context.Context, sessionID string) error {
	for {
		pending, err := r.queue.Pop(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return err
		}
		r.serve(ctx, sessionID, pending)
	}
}

func (r *Router) serve(ctx context.Context, sessionID string, pending PendingTurn) {
	if current, err := r.store.CancelEpoch(ctx, sessionID); err == nil && pending.Epoch < current {
		r.logger.Infow("turn: stale transcript superseded by barge-in",
			"sessionId", sessionID, "turnEpoch", pending.Epoch, "sessionEpoch", current)
		return
	}

	record, err := r.store.Load(ctx, sessionID)
	if err != nil {
		r.logger.Errorw("turn: session vanished, dropping transcript", "sessionId", sessionID, "error", err)
		return
	}

	turnCtx, cancel := context.WithTimeout(ctx, r.config.TurnTimeout)
	r.mu.Lock()
	r.cancelTurn = cancel
	r.bargedIn = false
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancelTurn = nil
		r.mu.Unlock()
		cancel()
	}()

	turn := internal_sessionstore.TurnRecord{
		TurnIndex: record.TurnIndex,
		UserText:  pending.Text,
		StartedAt: time.Now().UTC(),
	}

	if _, err := r.store.Mutate(ctx, sessionID, func(rec *internal_sessionstore.SessionRecord) error {
		return rec.Transition(internal_sessionstore.StateThinking)
	}); err != nil {
		r.logger.Errorw("turn: cannot enter thinking state", "sessionId", sessionID, "error", err)
		return
	}
	r.observer.OnStateChange(internal_sessionstore.StateThinking)

	voice := r.voiceProfile(record.ActiveAgent)
	assembler := internal_synthesizer.NewAssembler()
	speaking := false
	endCall := false
	var doneErr error

	started := time.Now()
	for event := range r.orchestrator.RunTurn(turnCtx, record, pending.Text) {
		switch event.Type {
		case internal_agent.EventTextChunk:
			if !speaking {
				speaking = true
				if _, err := r.store.Mutate(ctx, sessionID, func(rec *internal_sessionstore.SessionRecord) error {
					return rec.Transition(internal_sessionstore.StateSpeaking)
				}); err != nil {
					r.logger.Warnw("turn: speaking transition failed", "sessionId", sessionID, "error", err)
				}
				r.observer.OnStateChange(internal_sessionstore.StateSpeaking)
			}
			r.observer.OnTextChunk(event.Text)
			turn.ResponseChunks = append(turn.ResponseChunks, event.Text)
			for _, segment := range assembler.Push(event.Text) {
				r.speak(turnCtx, segment, voice)
			}
		case internal_agent.EventToolInvoked:
			turn.ToolCalls = append(turn.ToolCalls, internal_sessionstore.ToolCallRecord{
				Name:      event.Tool,
				Arguments: event.Args,
			})
		case internal_agent.EventToolResult:
			for i := len(turn.ToolCalls) - 1; i >= 0; i-- {
				if turn.ToolCalls[i].Name == event.Tool {
					turn.ToolCalls[i].Ok = event.Ok
					break
				}
			}
		case internal_agent.EventHandoff:
			voice = r.voiceProfile(event.Agent)
			r.observer.OnAgentChange(event.Agent)
		case internal_agent.EventDone:
			doneErr = event.Err
			endCall = event.EndCall
			if doneErr == nil {
				if tail, ok := assembler.Flush(); ok {
					r.speak(turnCtx, tail, voice)
				}
			}
		}
	}
	r.logger.Benchmark("turn.serve", time.Since(started))

	reason := r.terminalReason(turnCtx, doneErr)
	failed := reason == internal_sessionstore.TurnError || reason == internal_sessionstore.TurnTimeout
	if failed && r.config.FallbackPhrase != "" {
		// Cover the failure audibly. Spoken on the session ctx: the turn
		// ctx is already dead on timeout.
		r.speak(ctx, r.config.FallbackPhrase, voice)
	}
	r.finalize(ctx, sessionID, turn, reason)

	if endCall && reason == internal_sessionstore.TurnCompleted {
		r.observer.OnEndCall()
	}
}

// voiceProfile resolves the speaking voice for an agent, falling back to
// the greeter's.
func (r *Router) voiceProfile(agentKey string) string {
	if spec, ok := r.registry.Get(agentKey); ok && spec.VoiceProfile != "" {
		return spec.VoiceProfile
	}
	return r.registry.Greeter().VoiceProfile
}

// speak delivers one segment, logging rather than failing the turn: a
// dropped segment is recoverable, a dead turn is not.
func (r *Router) speak(ctx context.Context, text, voice string) {
	if err := r.speaker.SpeakSegment(ctx, text, voice); err != nil {
		if ctx.Err() == nil {
			r.logger.Warnw("turn: segment synthesis failed", "error", err)
		}
	}
}

func (r *Router) terminalReason(turnCtx context.Context, doneErr error) string {
	r.mu.Lock()
	bargedIn := r.bargedIn
	r.mu.Unlock()

	switch {
	case bargedIn:
		return internal_sessionstore.TurnBargedIn
	case errors.Is(turnCtx.Err(), context.DeadlineExceeded):
		return internal_sessionstore.TurnTimeout
	case doneErr != nil && !errors.Is(doneErr, context.Canceled):
		return internal_sessionstore.TurnError
	case turnCtx.Err() != nil:
		return internal_sessionstore.TurnBargedIn
	default:
		return internal_sessionstore.TurnCompleted
	}
}

// finalize freezes the turn into history and returns the session to
// Listening. Runs on the session ctx, not the turn ctx: a barged-in turn
// still commits its record.
func (r *Router) finalize(ctx context.Context, sessionID string, turn internal_sessionstore.TurnRecord, reason string) {
	turn.EndedAt = time.Now().UTC()
	turn.TerminalReason = reason

	if _, err := r.store.Mutate(ctx, sessionID, func(rec *internal_sessionstore.SessionRecord) error {
		rec.AppendTurn(turn, r.config.HistoryWindowTurns)
		if rec.State != internal_sessionstore.StateEnded {
			return rec.Transition(internal_sessionstore.StateListening)
		}
		return nil
	}); err != nil {
		r.logger.Errorw("turn: failed to commit turn record",
			"sessionId", sessionID, "reason", reason, "error", err)
		return
	}
	r.observer.OnStateChange(internal_sessionstore.StateListening)
	r.observer.OnTurnServed(reason)
	r.logger.Infow("turn served",
		"sessionId", sessionID, "turnIndex", turn.TurnIndex, "reason", reason, "toolCalls", len(turn.ToolCalls))
}
