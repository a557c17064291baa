// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_channel

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	internal_audio "github.com/cadenzaai/api/voice-api/internal/audio"
	"github.com/cadenzaai/pkg/commons"
	"github.com/cadenzaai/pkg/utils"
)

// MediaStreamer speaks the telephony provider's kind/data envelope dialect.
// Inbound carries only AudioData and StopAudio; outbound carries AudioData
// plus a StopAudio on barge-in so the provider flushes its playback buffer.
// Non-audio events have no wire representation here and are dropped.
type MediaStreamer struct {
	BaseStreamer

	conn      *websocket.Conn
	codec     *internal_audio.MediaCodec
	sessionID string

	closeOnce sync.Once
}

// NewMediaStreamer wraps an upgraded provider media socket and starts its
// reader and writer loops.
func NewMediaStreamer(logger commons.Logger, conn *websocket.Conn, sessionID string, sampleRate int) *MediaStreamer {
	s := &MediaStreamer{
		BaseStreamer: NewBaseStreamer(logger),
		conn:         conn,
		codec:        internal_audio.NewMediaCodec(sampleRate),
		sessionID:    sessionID,
	}
	s.conn.SetReadLimit(MaxMessageBytes)
	utils.Go(context.Background(), s.readLoop)
	utils.Go(context.Background(), s.writeLoop)
	return s
}

func (s *MediaStreamer) readLoop() {
	defer s.pushDisconnection("read_loop_exit")
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(InactivityTimeout))
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				s.logger.Infow("media connection idle, closing", "sessionId", s.sessionID)
				s.closeWithCode(websocket.CloseNormalClosure, "inactivity")
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warnw("media read failed", "sessionId", s.sessionID, "error", err)
			}
			return
		}

		env, err := s.codec.DecodeEnvelope(raw)
		if err != nil {
			s.closeWithCode(websocket.CloseProtocolError, "malformed envelope")
			return
		}
		switch env.Kind {
		case internal_audio.MediaKindAudioData:
			frame, err := s.codec.DecodeAudio(env)
			if err != nil {
				s.closeWithCode(websocket.CloseProtocolError, "bad audio payload")
				return
			}
			if !s.pushInput(Message{Kind: MsgAudio, Frame: frame}) {
				return
			}
		case internal_audio.MediaKindStopAudio:
			// The provider barged in on our playback from its side.
			if !s.pushInput(Message{Kind: MsgInterrupt}) {
				return
			}
		}
	}
}

// writeLoop drains the outbound queue. A flush signal turns into a wire
// StopAudio so the provider dumps whatever it already buffered.
func (s *MediaStreamer) writeLoop() {
	defer s.pushDisconnection("write_loop_exit")
	pace := time.NewTicker(internal_audio.FrameDurationMs * time.Millisecond)
	defer pace.Stop()

	for {
		select {
		case <-s.flushAudioCh:
			if !s.writeStopAudio() {
				return
			}
		case item := <-s.outputCh:
			if item.frame == nil {
				continue
			}
			payload, err := s.codec.EncodeAudio(*item.frame)
			if err != nil {
				s.logger.Errorw("media encode failed", "sessionId", s.sessionID, "error", err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Warnw("media write failed", "sessionId", s.sessionID, "error", err)
				return
			}
			select {
			case <-pace.C:
			case <-s.flushAudioCh:
				if !s.writeStopAudio() {
					return
				}
			case <-s.ctx.Done():
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *MediaStreamer) writeStopAudio() bool {
	payload, err := s.codec.EncodeStopAudio()
	if err != nil {
		return true
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.logger.Warnw("media stop-audio write failed", "sessionId", s.sessionID, "error", err)
		return false
	}
	return true
}

func (s *MediaStreamer) closeWithCode(code int, reason string) {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
	})
	s.pushDisconnection(reason)
}

// Close shuts the media socket down with a normal close frame.
func (s *MediaStreamer) Close() error {
	s.closeWithCode(websocket.CloseNormalClosure, "session ended")
	return s.conn.Close()
}
