// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	internal_audio "github.com/cadenzaai/api/voice-api/internal/audio"
	"github.com/cadenzaai/pkg/commons"
)

// eventChannelSize bounds undelivered transcript events. Partials beyond
// the bound are dropped (a newer partial supersedes them); finals and
// errors always get through.
const eventChannelSize = 32

// gatewayResult is the speech gateway's JSON transcript message.
type gatewayResult struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Stability  float64 `json:"stability"`
	OffsetMs   int64   `json:"offset_ms"`
	DurationMs int64   `json:"duration_ms"`
	Message    string  `json:"message,omitempty"`
}

// gatewayControl is the client->gateway control message (session start and
// reset between sessions).
type gatewayControl struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type wsRecognizer struct {
	mu         sync.Mutex
	logger     commons.Logger
	connection *websocket.Conn
	events     chan TranscriptEvent

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewWSRecognizer dials the streaming speech gateway and starts the result
// listener. Binary frames flow up the same socket; JSON transcript events
// flow down.
func NewWSRecognizer(ctx context.Context, logger commons.Logger, url, key string, sampleRate int) (Recognizer, error) {
	header := http.Header{}
	if key != "" {
		header.Set("Authorization", "Bearer "+key)
	}

	dialer := websocket.Dialer{HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, commons.E(commons.KindUpstream, fmt.Errorf("stt: failed to connect to speech gateway: %w", err))
	}

	recognizerCtx, cancel := context.WithCancel(context.Background())
	r := &wsRecognizer{
		logger:     logger,
		connection: conn,
		events:     make(chan TranscriptEvent, eventChannelSize),
		ctx:        recognizerCtx,
		cancel:     cancel,
	}

	if err := conn.WriteJSON(gatewayControl{Type: "start", SampleRate: sampleRate}); err != nil {
		cancel()
		conn.Close()
		return nil, commons.E(commons.KindUpstream, fmt.Errorf("stt: failed to start stream: %w", err))
	}

	go r.resultListener()
	return r, nil
}

// resultListener reads gateway messages until the socket dies or the
// recognizer is closed.
func (r *wsRecognizer) resultListener() {
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		_, msg, err := r.connection.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if closed {
				return
			}
			r.deliver(TranscriptEvent{
				Type: EventError,
				Err:  commons.E(commons.KindUpstream, fmt.Errorf("stt: gateway read: %w", err)),
			})
			return
		}

		var result gatewayResult
		if err := json.Unmarshal(msg, &result); err != nil {
			r.logger.Warnw("stt: invalid json from speech gateway", "error", err)
			continue
		}

		switch result.Type {
		case "partial":
			r.deliver(TranscriptEvent{
				Type:      EventPartial,
				Text:      result.Text,
				Stability: result.Stability,
				OffsetMs:  result.OffsetMs,
			})
		case "final":
			r.deliver(TranscriptEvent{
				Type:       EventFinal,
				Text:       result.Text,
				OffsetMs:   result.OffsetMs,
				DurationMs: result.DurationMs,
			})
		case "error":
			r.deliver(TranscriptEvent{
				Type: EventError,
				Err:  commons.Ef(commons.KindUpstream, "stt: gateway error: %s", result.Message),
			})
		}
	}
}

// deliver pushes an event to the consumer. Partials may be dropped under
// backpressure; finals and errors block until taken or the recognizer dies.
func (r *wsRecognizer) deliver(event TranscriptEvent) {
	if event.Type == EventPartial {
		select {
		case r.events <- event:
		default:
			r.logger.Debugw("stt: dropping partial, consumer is behind", "text", event.Text)
		}
		return
	}
	select {
	case r.events <- event:
	case <-r.ctx.Done():
	}
}

// PushFrame writes one PCM frame to the gateway.
func (r *wsRecognizer) PushFrame(ctx context.Context, frame internal_audio.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connection == nil || r.closed {
		return commons.Ef(commons.KindInternal, "stt: push on closed recognizer")
	}
	if err := r.connection.WriteMessage(websocket.BinaryMessage, frame.PCM); err != nil {
		return commons.E(commons.KindUpstream, fmt.Errorf("stt: failed to send audio: %w", err))
	}
	return nil
}

// Events returns the transcript event channel.
func (r *wsRecognizer) Events() <-chan TranscriptEvent { return r.events }

// Reset drains pending events and tells the gateway to start a fresh
// utterance stream, keeping the connection alive for the next session.
func (r *wsRecognizer) Reset(ctx context.Context) error {
	for {
		select {
		case <-r.events:
		default:
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.connection == nil || r.closed {
				return commons.Ef(commons.KindInternal, "stt: reset on closed recognizer")
			}
			if err := r.connection.WriteJSON(gatewayControl{Type: "reset"}); err != nil {
				return commons.E(commons.KindUpstream, fmt.Errorf("stt: reset: %w", err))
			}
			return nil
		}
	}
}

// Close tears down the gateway connection.
func (r *wsRecognizer) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.connection
	r.connection = nil
	r.mu.Unlock()

	r.cancel()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err := conn.Close(); err != nil {
			return fmt.Errorf("stt: error closing gateway connection: %w", err)
		}
	}
	return nil
}
