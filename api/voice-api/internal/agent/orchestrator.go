// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	internal_llm "github.com/cadenzaai/api/voice-api/internal/llm"
	internal_sessionstore "github.com/cadenzaai/api/voice-api/internal/sessionstore"
	"github.com/cadenzaai/pkg/commons"
	"github.com/cadenzaai/pkg/utils"
)

// Per-turn budgets. A model that keeps calling tools past the iteration
// cap is cut off with whatever text accumulated.
const (
	maxToolIterations = 5
	maxHandoffs       = 1
	eventChannelSize  = 32
)

// EventType tags an orchestrator event.
type EventType int

const (
	EventTextChunk EventType = iota
	EventToolInvoked
	EventToolResult
	EventHandoff
	EventDone
)

// Event is one item on a RunTurn stream. The stream ends with exactly one
// EventDone, then the channel closes.
type Event struct {
	Type      EventType
	Text      string // TextChunk
	Tool      string // ToolInvoked, ToolResult
	Args      string // ToolInvoked
	Ok        bool   // ToolResult
	Agent     string // Handoff target
	FinalText string // Done
	EndCall   bool   // Done: the agent asked to hang up
	Err       error  // Done: turn failed; caller speaks the fallback
}

// Config carries the orchestrator's per-turn budgets.
type Config struct {
	HistoryWindowTurns int
	ToolTimeout        time.Duration
	FallbackPhrase     string
}

// Orchestrator selects a specialist for each finalized user turn, runs
// the model with the specialist's tools, and streams the response text.
type Orchestrator struct {
	logger     commons.Logger
	registry   *Registry
	tools      *ToolStore
	store      internal_sessionstore.Store
	classifier *Classifier
	pool       *internal_llm.Pool
	config     Config
}

// NewOrchestrator wires the orchestrator. The pool caps concurrent model
// sessions across all calls this worker serves.
func NewOrchestrator(
	logger commons.Logger,
	registry *Registry,
	tools *ToolStore,
	store internal_sessionstore.Store,
	pool *internal_llm.Pool,
	config Config,
) *Orchestrator {
	return &Orchestrator{
		logger:     logger,
		registry:   registry,
		tools:      tools,
		store:      store,
		classifier: NewClassifier(logger, registry),
		pool:       pool,
		config:     config,
	}
}

// RunTurn serves one finalized user utterance. Events stream out as they
// happen; cancelling ctx stops the model stream, any in-flight tool, and
// all further emission.
func (o *Orchestrator) RunTurn(ctx context.Context, record *internal_sessionstore.SessionRecord, userText string) <-chan Event {
	events := make(chan Event, eventChannelSize)
	// Background here: the goroutine must always run so the channel closes
	// even when ctx is already dead.
	utils.Go(context.Background(), func() {
		defer close(events)
		if ctx.Err() != nil {
			return
		}
		o.serveTurn(ctx, record, userText, events)
	})
	return events
}

// emit delivers one event unless the turn was cancelled.
func (o *Orchestrator) emit(ctx context.Context, events chan<- Event, event Event) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) serveTurn(ctx context.Context, record *internal_sessionstore.SessionRecord, userText string, events chan<- Event) {
	lease, err := o.pool.Acquire(ctx, record.SessionID)
	if err != nil {
		o.emit(ctx, events, Event{Type: EventDone, Err: err})
		return
	}
	defer lease.Release(context.Background(), false)
	executor := lease.Handle

	sessionCtx := &SessionContext{
		SessionID:   record.SessionID,
		Participant: record.Participant,
		Values:      cloneValues(record.Context),
	}

	agentKey := o.selectAgent(ctx, executor, record, userText)
	started := time.Now()

	var accumulated string
	handoffs := 0
	for {
		spec, ok := o.registry.Get(agentKey)
		if !ok {
			spec = o.registry.Greeter()
			agentKey = GreeterKey
		}
		sessionCtx.AgentKey = agentKey

		outcome := o.runAgent(ctx, executor, spec, record, userText, sessionCtx, events)
		if outcome.err != nil {
			o.emit(ctx, events, Event{Type: EventDone, Err: outcome.err})
			return
		}
		accumulated += outcome.text

		if outcome.handoffTo != "" && handoffs < maxHandoffs {
			handoffs++
			if !o.emit(ctx, events, Event{Type: EventHandoff, Agent: outcome.handoffTo}) {
				return
			}
			if _, err := o.store.Mutate(ctx, record.SessionID, func(r *internal_sessionstore.SessionRecord) error {
				r.ActiveAgent = outcome.handoffTo
				return nil
			}); err != nil {
				o.logger.Warnw("orchestrator: failed to persist handoff",
					"sessionId", record.SessionID, "target", outcome.handoffTo, "error", err)
			}
			agentKey = outcome.handoffTo
			continue
		}
		break
	}
	o.logger.Benchmark("orchestrator.turn", time.Since(started))

	o.persistContext(ctx, record, sessionCtx)

	if strings.TrimSpace(accumulated) == "" {
		if !o.emit(ctx, events, Event{Type: EventTextChunk, Text: o.config.FallbackPhrase}) {
			return
		}
		accumulated = o.config.FallbackPhrase
	}
	o.emit(ctx, events, Event{
		Type:      EventDone,
		FinalText: accumulated,
		EndCall:   sessionCtx.Values["end_call_requested"] == "true",
	})
}

// selectAgent reuses the sticky active agent while its declared
// capability covers the utterance, otherwise classifies. Everything else
// lands on the greeter.
func (o *Orchestrator) selectAgent(ctx context.Context, executor internal_llm.Executor, record *internal_sessionstore.SessionRecord, userText string) string {
	if record.ActiveAgent != "" {
		if spec, ok := o.registry.Get(record.ActiveAgent); ok {
			if spec.CanHandle(userText, record.Context) {
				return record.ActiveAgent
			}
			o.logger.Infow("orchestrator: active agent declined utterance",
				"sessionId", record.SessionID, "agent", record.ActiveAgent)
		} else {
			o.logger.Warnw("orchestrator: active agent no longer registered",
				"sessionId", record.SessionID, "agent", record.ActiveAgent)
		}
	}
	if record.TurnIndex == 0 {
		return GreeterKey
	}
	return o.classifier.Classify(ctx, executor, userText)
}

type agentOutcome struct {
	text      string
	handoffTo string
	err       error
}

// runAgent drives one specialist through the tool loop until the model
// stops requesting tools or the iteration budget runs out.
func (o *Orchestrator) runAgent(
	ctx context.Context,
	executor internal_llm.Executor,
	spec *Spec,
	record *internal_sessionstore.SessionRecord,
	userText string,
	sessionCtx *SessionContext,
	events chan<- Event,
) agentOutcome {
	messages := o.composeMessages(record, userText)
	schemas := o.tools.SchemasFor(spec)

	var accumulated strings.Builder
	for iteration := 0; iteration < maxToolIterations; iteration++ {
		stream, err := executor.Chat(ctx, internal_llm.ChatRequest{
			System:   spec.Prompt(sessionCtx.Values),
			Messages: messages,
			Tools:    schemas,
		})
		if err != nil {
			return agentOutcome{err: err}
		}

		var toolCalls []internal_llm.ToolCall
		var turnText strings.Builder
		var streamErr error
		for event := range stream {
			switch event.Type {
			case internal_llm.EventToken:
				turnText.WriteString(event.Text)
				if !o.emit(ctx, events, Event{Type: EventTextChunk, Text: event.Text}) {
					return agentOutcome{err: ctx.Err()}
				}
			case internal_llm.EventToolCall:
				toolCalls = append(toolCalls, *event.ToolCall)
			case internal_llm.EventFinished:
				streamErr = event.Err
			}
		}
		if streamErr != nil {
			return agentOutcome{err: streamErr}
		}
		accumulated.WriteString(turnText.String())

		if len(toolCalls) == 0 {
			return agentOutcome{text: accumulated.String()}
		}

		// Handoff preempts everything else in the batch.
		for _, call := range toolCalls {
			if call.Name == HandoffToolName {
				target := o.resolveHandoff(spec, call)
				if target != "" {
					return agentOutcome{text: accumulated.String(), handoffTo: target}
				}
			}
		}

		messages = append(messages, internal_llm.Message{
			Role:      internal_llm.RoleAssistant,
			Content:   turnText.String(),
			ToolCalls: toolCalls,
		})
		for _, call := range toolCalls {
			result := o.executeTool(ctx, spec, call, sessionCtx, events)
			messages = append(messages, internal_llm.Message{
				Role:       internal_llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	o.logger.Warnw("orchestrator: tool iteration budget exhausted",
		"sessionId", sessionCtx.SessionID, "agent", spec.Key)
	return agentOutcome{text: accumulated.String()}
}

// executeTool runs one tool under the wall-clock cap. Failures are folded
// into the conversation so the model can recover; the caller never hears
// them.
func (o *Orchestrator) executeTool(
	ctx context.Context,
	spec *Spec,
	call internal_llm.ToolCall,
	sessionCtx *SessionContext,
	events chan<- Event,
) string {
	tool, registered := o.tools.Get(call.Name)
	declared := registered && o.agentDeclares(spec, call.Name)
	if !declared {
		o.logger.Warnw("orchestrator: model requested undeclared tool",
			"sessionId", sessionCtx.SessionID, "agent", spec.Key, "tool", call.Name)
		return "error: tool not available"
	}

	o.emit(ctx, events, Event{Type: EventToolInvoked, Tool: call.Name, Args: call.Arguments})

	toolCtx, cancel := context.WithTimeout(ctx, o.config.ToolTimeout)
	defer cancel()
	result, err := tool.Execute(toolCtx, json.RawMessage(call.Arguments), sessionCtx)

	o.emit(ctx, events, Event{Type: EventToolResult, Tool: call.Name, Ok: err == nil})
	if err != nil {
		o.logger.Warnw("orchestrator: tool failed",
			"sessionId", sessionCtx.SessionID, "tool", call.Name, "kind", commons.KindOf(err), "error", err)
		return "error: " + commons.KindOf(err).String()
	}
	return result
}

// resolveHandoff validates the model's requested target against the
// agent's declared escalation list.
func (o *Orchestrator) resolveHandoff(spec *Spec, call internal_llm.ToolCall) string {
	var args struct {
		AgentKey string `json:"agent_key"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || args.AgentKey == "" {
		o.logger.Warnw("orchestrator: malformed handoff arguments", "agent", spec.Key, "args", call.Arguments)
		return ""
	}
	if !spec.CanEscalate(args.AgentKey) {
		o.logger.Warnw("orchestrator: undeclared handoff target", "agent", spec.Key, "target", args.AgentKey)
		return ""
	}
	if _, ok := o.registry.Get(args.AgentKey); !ok {
		return ""
	}
	return args.AgentKey
}

func (o *Orchestrator) agentDeclares(spec *Spec, toolName string) bool {
	for _, name := range spec.Tools {
		if name == toolName {
			return true
		}
	}
	return false
}

// composeMessages builds the prompt window: the last N turns of history,
// then the new utterance.
func (o *Orchestrator) composeMessages(record *internal_sessionstore.SessionRecord, userText string) []internal_llm.Message {
	history := record.History
	if o.config.HistoryWindowTurns > 0 && len(history) > o.config.HistoryWindowTurns {
		history = history[len(history)-o.config.HistoryWindowTurns:]
	}

	var messages []internal_llm.Message
	for _, turn := range history {
		if turn.UserText != "" {
			messages = append(messages, internal_llm.Message{Role: internal_llm.RoleUser, Content: turn.UserText})
		}
		if response := strings.Join(turn.ResponseChunks, ""); response != "" {
			messages = append(messages, internal_llm.Message{Role: internal_llm.RoleAssistant, Content: response})
		}
	}
	return append(messages, internal_llm.Message{Role: internal_llm.RoleUser, Content: userText})
}

// persistContext commits tool-written scratch values when they changed.
func (o *Orchestrator) persistContext(ctx context.Context, record *internal_sessionstore.SessionRecord, sessionCtx *SessionContext) {
	if equalValues(record.Context, sessionCtx.Values) {
		return
	}
	if _, err := o.store.Mutate(ctx, record.SessionID, func(r *internal_sessionstore.SessionRecord) error {
		r.Context = cloneValues(sessionCtx.Values)
		return nil
	}); err != nil {
		o.logger.Warnw("orchestrator: failed to persist session context",
			"sessionId", record.SessionID, "error", err)
	}
}

func cloneValues(values map[string]string) map[string]string {
	clone := make(map[string]string, len(values))
	for k, v := range values {
		clone[k] = v
	}
	return clone
}

func equalValues(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
