// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_sessionstore

import (
	"time"

	"github.com/cadenzaai/pkg/commons"
)

// SessionState is the conductor's lifecycle position for one call.
type SessionState string

const (
	StateGreeting  SessionState = "greeting"
	StateListening SessionState = "listening"
	StateThinking  SessionState = "thinking"
	StateSpeaking  SessionState = "speaking"
	StateEnded     SessionState = "ended"
)

// TransportKind identifies how the caller reached us.
type TransportKind string

const (
	TransportBrowser           TransportKind = "browser"
	TransportTelephonyMedia    TransportKind = "telephony_media"
	TransportTelephonyRealtime TransportKind = "telephony_realtime"
)

// Terminal reasons for a finished turn.
const (
	TurnCompleted = "completed"
	TurnBargedIn  = "barged_in"
	TurnError     = "error"
	TurnTimeout   = "timeout"
)

// allowedTransitions is the full state table. Anything else is a bug in
// the conductor, not a recoverable condition.
var allowedTransitions = map[SessionState][]SessionState{
	StateGreeting:  {StateListening, StateEnded},
	StateListening: {StateListening, StateThinking, StateEnded},
	StateThinking:  {StateSpeaking, StateListening, StateEnded},
	StateSpeaking:  {StateListening, StateEnded},
	StateEnded:     {},
}

// ValidateTransition returns an internal error for a move the state table
// does not allow.
func ValidateTransition(from, to SessionState) error {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return commons.Ef(commons.KindInternal, "session: illegal state transition %s -> %s", from, to)
}

// ToolCallRecord is one executed tool invocation inside a turn.
type ToolCallRecord struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Ok        bool   `json:"ok"`
	Result    string `json:"result,omitempty"`
}

// TurnRecord is one finalized user turn. Frozen once TerminalReason is
// set; history never mutates an appended record.
type TurnRecord struct {
	TurnIndex      int              `json:"turn_index"`
	UserText       string           `json:"user_text"`
	ResponseChunks []string         `json:"response_chunks,omitempty"`
	ToolCalls      []ToolCallRecord `json:"tool_calls,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	EndedAt        time.Time        `json:"ended_at,omitempty"`
	TerminalReason string           `json:"terminal_reason,omitempty"`
}

// SessionRecord is the authoritative per-call entity. Live fields are
// mutated only by the owning worker; other workers read, subscribe, and
// may bump the cancel epoch.
type SessionRecord struct {
	SessionID      string            `json:"session_id"`
	OwnerID        string            `json:"owner_id"`
	TransportKind  TransportKind     `json:"transport_kind"`
	Participant    string            `json:"participant,omitempty"`
	SampleRate     int               `json:"sample_rate"`
	State          SessionState      `json:"state"`
	ActiveAgent    string            `json:"active_agent,omitempty"`
	TurnIndex      int               `json:"turn_index"`
	History        []TurnRecord      `json:"history,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	GreetingSent   bool              `json:"greeting_sent"`
	Version        int64             `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
}

// NewSessionRecord creates the initial record for a freshly answered call.
func NewSessionRecord(sessionID, ownerID string, transport TransportKind, participant string, sampleRate int) *SessionRecord {
	now := time.Now().UTC()
	return &SessionRecord{
		SessionID:      sessionID,
		OwnerID:        ownerID,
		TransportKind:  transport,
		Participant:    participant,
		SampleRate:     sampleRate,
		State:          StateGreeting,
		Context:        map[string]string{},
		Version:        1,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Transition moves the record to a new state, enforcing the state table.
func (r *SessionRecord) Transition(to SessionState) error {
	if err := ValidateTransition(r.State, to); err != nil {
		return err
	}
	r.State = to
	return nil
}

// AppendTurn freezes a finished turn into history, truncating the oldest
// entries beyond windowTurns. The turn counter only advances for turns
// that reached a terminal reason.
func (r *SessionRecord) AppendTurn(turn TurnRecord, windowTurns int) {
	r.History = append(r.History, turn)
	if windowTurns > 0 && len(r.History) > windowTurns {
		r.History = r.History[len(r.History)-windowTurns:]
	}
	r.TurnIndex++
}

// Clone deep-copies the record so a mutation callback can run on a scratch
// copy without touching the loaded one.
func (r *SessionRecord) Clone() *SessionRecord {
	clone := *r
	clone.History = make([]TurnRecord, len(r.History))
	copy(clone.History, r.History)
	clone.Context = make(map[string]string, len(r.Context))
	for k, v := range r.Context {
		clone.Context[k] = v
	}
	return &clone
}
