// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_conductor

import (
	"context"
	"strings"
	"sync"

	internal_channel "github.com/cadenzaai/api/voice-api/internal/channel"
	internal_synthesizer "github.com/cadenzaai/api/voice-api/internal/synthesizer"
	"github.com/cadenzaai/pkg/commons"
)

// sessionSpeaker feeds synthesized segments to the caller's transport. It
// lazily leases one synthesizer for the session and holds it until the
// session ends; an upstream failure discards the handle so the next
// segment starts from a fresh connection.
type sessionSpeaker struct {
	logger     commons.Logger
	pool       *internal_synthesizer.Pool
	streamer   internal_channel.Streamer
	normalizer *internal_synthesizer.Normalizer
	sessionID  string

	mu    sync.Mutex
	lease *internal_synthesizer.Lease
}

func newSessionSpeaker(logger commons.Logger, pool *internal_synthesizer.Pool, streamer internal_channel.Streamer, sessionID string) *sessionSpeaker {
	return &sessionSpeaker{
		logger:     logger,
		pool:       pool,
		streamer:   streamer,
		normalizer: internal_synthesizer.NewNormalizer(logger),
		sessionID:  sessionID,
	}
}

// SpeakSegment normalizes, synthesizes and streams one segment. Returns
// once every frame is handed to the transport or ctx dies.
func (s *sessionSpeaker) SpeakSegment(ctx context.Context, text, voiceProfile string) error {
	normalized := s.normalizer.Normalize(text)
	if strings.TrimSpace(normalized) == "" {
		return nil
	}

	lease, err := s.acquire(ctx)
	if err != nil {
		return err
	}

	frames, err := lease.Handle.Synthesize(ctx, normalized, voiceProfile)
	if err != nil {
		s.discard(ctx)
		return err
	}
	for frame := range frames {
		if sendErr := s.streamer.SendFrame(frame); sendErr != nil {
			// Transport is gone; drain so the synthesizer finishes its
			// utterance bookkeeping cleanly.
			for range frames {
			}
			return sendErr
		}
	}
	return nil
}

func (s *sessionSpeaker) acquire(ctx context.Context) (*internal_synthesizer.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease != nil {
		return s.lease, nil
	}
	lease, err := s.pool.Acquire(ctx, s.sessionID)
	if err != nil {
		return nil, err
	}
	s.lease = lease
	return lease, nil
}

// discard drops the held synthesizer after an upstream error.
func (s *sessionSpeaker) discard(ctx context.Context) {
	s.mu.Lock()
	lease := s.lease
	s.lease = nil
	s.mu.Unlock()
	if lease != nil {
		lease.Release(ctx, true)
	}
}

// release parks the held synthesizer back into the pool on session end.
func (s *sessionSpeaker) release(ctx context.Context) {
	s.mu.Lock()
	lease := s.lease
	s.lease = nil
	s.mu.Unlock()
	if lease != nil {
		lease.Release(ctx, false)
	}
}
