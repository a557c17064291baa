// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_channel

import (
	"sync"

	"github.com/cadenzaai/pkg/commons"
)

const relayBuffer = 32

// Relay fans session events out to dashboard observers. Delivery is
// best-effort: a slow observer loses events, never stalls the call.
type Relay struct {
	logger commons.Logger

	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

// NewRelay creates an empty relay.
func NewRelay(logger commons.Logger) *Relay {
	return &Relay{
		logger: logger,
		subs:   make(map[string]map[chan Event]struct{}),
	}
}

// Subscribe registers an observer for one session's events. The returned
// stop func detaches and closes the channel.
func (r *Relay) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, relayBuffer)

	r.mu.Lock()
	if r.subs[sessionID] == nil {
		r.subs[sessionID] = make(map[chan Event]struct{})
	}
	r.subs[sessionID][ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs[sessionID], ch)
			if len(r.subs[sessionID]) == 0 {
				delete(r.subs, sessionID)
			}
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, stop
}

// Publish delivers an event to every observer of the session.
func (r *Relay) Publish(sessionID string, event Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.subs[sessionID] {
		select {
		case ch <- event:
		default:
			r.logger.Debugw("relay observer lagging, dropping event",
				"sessionId", sessionID, "type", event.Type)
		}
	}
}

// Observers reports the number of attached observers for a session.
func (r *Relay) Observers(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[sessionID])
}
