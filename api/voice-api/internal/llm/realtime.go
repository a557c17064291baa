// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	internal_audio "github.com/cadenzaai/api/voice-api/internal/audio"
	internal_transcriber "github.com/cadenzaai/api/voice-api/internal/transcriber"
	"github.com/cadenzaai/pkg/commons"
)

// Channel bounds for the realtime duplex. Audio is paced downstream, so
// the frame bound is ~1.3 s; transcripts are small and rare.
const (
	realtimeFrameChannelSize      = 64
	realtimeTranscriptChannelSize = 32
)

// realtimeEnvelope is both directions of the realtime voice protocol.
// Client sends session.start, audio and interrupt; the model side sends
// audio, transcript and error.
type realtimeEnvelope struct {
	Type       string  `json:"type"`
	Audio      string  `json:"audio,omitempty"` // base64 PCM16
	SampleRate int     `json:"sample_rate,omitempty"`
	Text       string  `json:"text,omitempty"`
	Role       string  `json:"role,omitempty"` // transcript side: "user" | "agent"
	Final      bool    `json:"final,omitempty"`
	Stability  float64 `json:"stability,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// RealtimeClient is a speech-to-speech model session. Caller audio goes in
// through PushFrame; synthesized agent audio comes out of Frames and both
// sides' transcripts out of Transcripts. Selecting this path bypasses the
// transcribe-orchestrate-synthesize pipeline entirely.
type RealtimeClient struct {
	mu          sync.Mutex
	logger      commons.Logger
	connection  *websocket.Conn
	sampleRate  int
	frames      chan internal_audio.Frame
	transcripts chan internal_transcriber.TranscriptEvent
	framer      *internal_audio.Framer

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewRealtimeClient dials the realtime voice endpoint and starts the
// duplex session.
func NewRealtimeClient(ctx context.Context, logger commons.Logger, url, key string, sampleRate int) (*RealtimeClient, error) {
	header := http.Header{}
	if key != "" {
		header.Set("Authorization", "Bearer "+key)
	}

	dialer := websocket.Dialer{HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, commons.E(commons.KindUpstream, fmt.Errorf("realtime: failed to connect: %w", err))
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &RealtimeClient{
		logger:      logger,
		connection:  conn,
		sampleRate:  sampleRate,
		frames:      make(chan internal_audio.Frame, realtimeFrameChannelSize),
		transcripts: make(chan internal_transcriber.TranscriptEvent, realtimeTranscriptChannelSize),
		framer:      internal_audio.NewFramer(sampleRate),
		ctx:         clientCtx,
		cancel:      cancel,
	}

	if err := conn.WriteJSON(realtimeEnvelope{Type: "session.start", SampleRate: sampleRate}); err != nil {
		cancel()
		conn.Close()
		return nil, commons.E(commons.KindUpstream, fmt.Errorf("realtime: failed to start session: %w", err))
	}

	go c.listener()
	return c, nil
}

// PushFrame forwards one caller frame to the model.
func (c *RealtimeClient) PushFrame(ctx context.Context, frame internal_audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil || c.closed {
		return commons.Ef(commons.KindInternal, "realtime: push on closed client")
	}
	envelope := realtimeEnvelope{
		Type:  "audio",
		Audio: base64.StdEncoding.EncodeToString(frame.PCM),
	}
	if err := c.connection.WriteJSON(envelope); err != nil {
		return commons.E(commons.KindUpstream, fmt.Errorf("realtime: failed to send audio: %w", err))
	}
	return nil
}

// Interrupt tells the model the caller started talking over it. The model
// stops its current audio turn; already received frames are the caller's
// problem to drop.
func (c *RealtimeClient) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil || c.closed {
		return commons.Ef(commons.KindInternal, "realtime: interrupt on closed client")
	}
	if err := c.connection.WriteJSON(realtimeEnvelope{Type: "interrupt"}); err != nil {
		return commons.E(commons.KindUpstream, fmt.Errorf("realtime: failed to send interrupt: %w", err))
	}
	return nil
}

// Frames returns the agent audio stream.
func (c *RealtimeClient) Frames() <-chan internal_audio.Frame { return c.frames }

// Transcripts returns the transcript stream for both sides of the call.
func (c *RealtimeClient) Transcripts() <-chan internal_transcriber.TranscriptEvent { return c.transcripts }

func (c *RealtimeClient) listener() {
	defer close(c.frames)
	defer close(c.transcripts)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, msg, err := c.connection.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Errorw("realtime: read failed", "error", err)
			}
			return
		}

		var envelope realtimeEnvelope
		if err := json.Unmarshal(msg, &envelope); err != nil {
			c.logger.Warnw("realtime: invalid json from model endpoint", "error", err)
			continue
		}

		switch envelope.Type {
		case "audio":
			decoded, err := base64.StdEncoding.DecodeString(envelope.Audio)
			if err != nil {
				c.logger.Warnw("realtime: failed to decode audio payload", "error", err)
				continue
			}
			for _, frame := range c.framer.Push(decoded) {
				select {
				case c.frames <- frame:
				case <-c.ctx.Done():
					return
				}
			}
		case "transcript":
			event := internal_transcriber.TranscriptEvent{
				Type:      internal_transcriber.EventPartial,
				Text:      envelope.Text,
				Stability: envelope.Stability,
			}
			if envelope.Final {
				event.Type = internal_transcriber.EventFinal
			}
			select {
			case c.transcripts <- event:
			case <-c.ctx.Done():
				return
			}
		case "error":
			c.logger.Errorw("realtime: model endpoint error", "message", envelope.Message)
			select {
			case c.transcripts <- internal_transcriber.TranscriptEvent{
				Type: internal_transcriber.EventError,
				Err:  commons.Ef(commons.KindUpstream, "realtime: %s", envelope.Message),
			}:
			case <-c.ctx.Done():
			}
			return
		}
	}
}

// Reset is not supported: a realtime session carries model-side state that
// cannot be detached from the connection, so pooled handles are always
// discarded.
func (c *RealtimeClient) Reset(ctx context.Context) error {
	return commons.Ef(commons.KindInternal, "realtime: sessions are single-use")
}

// Close tears down the session.
func (c *RealtimeClient) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.connection
	c.connection = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err := conn.Close(); err != nil {
			return fmt.Errorf("realtime: error closing connection: %w", err)
		}
	}
	return nil
}
