// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_synthesizer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	internal_audio "github.com/cadenzaai/api/voice-api/internal/audio"
	"github.com/cadenzaai/pkg/commons"
)

// frameChannelSize bounds synthesized frames waiting for the transport
// writer. The writer paces at real time, so the bound is ~1.3 s of audio.
const frameChannelSize = 64

// synthRequest is the client->gateway synthesis message.
type synthRequest struct {
	Type       string `json:"type"` // "synthesize" | "cancel"
	Text       string `json:"text,omitempty"`
	Voice      string `json:"voice,omitempty"`
	ContextID  string `json:"context_id,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// synthResult is the gateway's JSON audio message. Data is base64 PCM16.
type synthResult struct {
	ContextID string `json:"context_id"`
	Data      string `json:"data,omitempty"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
}

// synthStream is one in-flight utterance. The frame channel is closed
// exactly once, always by the result listener goroutine. Nothing else may
// close it: a sender blocked on a channel that gets closed under it
// panics, and the listener is the only sender.
type synthStream struct {
	contextID string
	frames    chan internal_audio.Frame
	framer    *internal_audio.Framer
	finish    sync.Once
}

func (s *synthStream) close() {
	s.finish.Do(func() { close(s.frames) })
}

type wsSynthesizer struct {
	mu         sync.Mutex
	logger     commons.Logger
	connection *websocket.Conn
	sampleRate int
	active     *synthStream

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewWSSynthesizer dials the streaming speech gateway. One utterance is in
// flight at a time; audio arrives as context-id correlated base64 chunks
// and is regrouped into uniform 20 ms frames.
func NewWSSynthesizer(ctx context.Context, logger commons.Logger, url, key string, sampleRate int) (Synthesizer, error) {
	header := http.Header{}
	if key != "" {
		header.Set("Authorization", "Bearer "+key)
	}

	dialer := websocket.Dialer{HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, commons.E(commons.KindUpstream, fmt.Errorf("tts: failed to connect to speech gateway: %w", err))
	}

	synthesizerCtx, cancel := context.WithCancel(context.Background())
	s := &wsSynthesizer{
		logger:     logger,
		connection: conn,
		sampleRate: sampleRate,
		ctx:        synthesizerCtx,
		cancel:     cancel,
	}
	go s.resultListener()
	return s, nil
}

// Synthesize starts one utterance and returns its frame channel. The
// channel closes at the gateway's done marker. Cancelling ctx sends a
// provider-level cancel upstream and drains the remainder, so emission
// stops as soon as the caller stops reading.
func (s *wsSynthesizer) Synthesize(ctx context.Context, text, voice string) (<-chan internal_audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connection == nil || s.closed {
		return nil, commons.Ef(commons.KindInternal, "tts: synthesize on closed synthesizer")
	}
	if s.active != nil {
		return nil, commons.Ef(commons.KindInternal, "tts: synthesis already in progress")
	}

	stream := &synthStream{
		contextID: uuid.NewString(),
		frames:    make(chan internal_audio.Frame, frameChannelSize),
		framer:    internal_audio.NewFramer(s.sampleRate),
	}
	request := synthRequest{
		Type:       "synthesize",
		Text:       text,
		Voice:      voice,
		ContextID:  stream.contextID,
		SampleRate: s.sampleRate,
	}
	if err := s.connection.WriteJSON(request); err != nil {
		return nil, commons.E(commons.KindUpstream, fmt.Errorf("tts: failed to send synthesis request: %w", err))
	}
	s.active = stream

	go s.watchCancellation(ctx, stream)
	return stream.frames, nil
}

// watchCancellation aborts the utterance when its context dies before the
// stream finishes.
func (s *wsSynthesizer) watchCancellation(ctx context.Context, stream *synthStream) {
	select {
	case <-ctx.Done():
		s.abort(stream)
	case <-s.ctx.Done():
	}
}

// abort tells the gateway to stop the utterance, then drains remaining
// frames so the listener never blocks on a consumer that walked away. The
// gateway acknowledges a cancel with a done marker, which closes the
// channel and ends the drain.
func (s *wsSynthesizer) abort(stream *synthStream) {
	s.mu.Lock()
	if s.active == stream && s.connection != nil && !s.closed {
		if err := s.connection.WriteJSON(synthRequest{Type: "cancel", ContextID: stream.contextID}); err != nil {
			s.logger.Warnw("tts: failed to send cancel", "error", err)
		}
	}
	s.mu.Unlock()

	for {
		select {
		case _, ok := <-stream.frames:
			if !ok {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// resultListener reads gateway messages until the socket dies or the
// synthesizer is closed. It is the sole sender on, and sole closer of,
// every stream's frame channel.
func (s *wsSynthesizer) resultListener() {
	defer func() {
		s.mu.Lock()
		stream := s.active
		s.active = nil
		s.mu.Unlock()
		if stream != nil {
			stream.close()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, msg, err := s.connection.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Errorw("tts: gateway read failed", "error", err)
			}
			return
		}

		var result synthResult
		if err := json.Unmarshal(msg, &result); err != nil {
			s.logger.Warnw("tts: invalid json from speech gateway", "error", err)
			continue
		}

		s.mu.Lock()
		stream := s.active
		s.mu.Unlock()
		if stream == nil || stream.contextID != result.ContextID {
			// Stale chunk from a finished or cancelled utterance.
			continue
		}

		if result.Error != "" {
			s.logger.Errorw("tts: gateway error", "error", result.Error, "contextId", result.ContextID)
			s.finishActive(stream)
			continue
		}

		if result.Done {
			if tail, ok := stream.framer.Flush(); ok {
				s.emit(stream, tail)
			}
			s.finishActive(stream)
			continue
		}

		if result.Data == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(result.Data)
		if err != nil {
			s.logger.Warnw("tts: failed to decode audio payload", "error", err)
			continue
		}
		for _, frame := range stream.framer.Push(decoded) {
			s.emit(stream, frame)
		}
	}
}

// emit hands one frame to the consumer, giving up if the synthesizer dies.
func (s *wsSynthesizer) emit(stream *synthStream, frame internal_audio.Frame) {
	select {
	case stream.frames <- frame:
	case <-s.ctx.Done():
	}
}

func (s *wsSynthesizer) finishActive(stream *synthStream) {
	s.mu.Lock()
	if s.active == stream {
		s.active = nil
	}
	s.mu.Unlock()
	stream.close()
}

// Reset aborts any in-flight utterance so the handle can be reused by the
// next session on the same connection.
func (s *wsSynthesizer) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.connection == nil || s.closed {
		s.mu.Unlock()
		return commons.Ef(commons.KindInternal, "tts: reset on closed synthesizer")
	}
	stream := s.active
	s.mu.Unlock()

	if stream != nil {
		s.abort(stream)
	}
	return nil
}

// Close tears down the gateway connection. The listener exits on the
// resulting read error and closes any in-flight stream.
func (s *wsSynthesizer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.connection
	s.connection = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err := conn.Close(); err != nil {
			return fmt.Errorf("tts: error closing gateway connection: %w", err)
		}
	}
	return nil
}
