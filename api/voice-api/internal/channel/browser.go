// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	internal_audio "github.com/cadenzaai/api/voice-api/internal/audio"
	"github.com/cadenzaai/pkg/commons"
	"github.com/cadenzaai/pkg/utils"
)

// BrowserStreamer speaks the JSON browser dialect over a websocket: inbound
// audio/text/interrupt/reset/hangup messages, outbound audio plus
// state/transcript/agent/error events.
type BrowserStreamer struct {
	BaseStreamer

	conn      *websocket.Conn
	codec     *internal_audio.BrowserCodec
	sessionID string

	closeOnce sync.Once
}

// NewBrowserStreamer wraps an upgraded websocket connection and starts its
// reader and writer loops.
func NewBrowserStreamer(logger commons.Logger, conn *websocket.Conn, sessionID string, sampleRate int) *BrowserStreamer {
	s := &BrowserStreamer{
		BaseStreamer: NewBaseStreamer(logger),
		conn:         conn,
		codec:        internal_audio.NewBrowserCodec(sampleRate),
		sessionID:    sessionID,
	}
	s.conn.SetReadLimit(MaxMessageBytes)
	utils.Go(context.Background(), s.readLoop)
	utils.Go(context.Background(), s.writeLoop)
	return s
}

func (s *BrowserStreamer) readLoop() {
	defer s.pushDisconnection("read_loop_exit")
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(InactivityTimeout))
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		msg, err := s.codec.DecodeMessage(raw)
		if err != nil {
			s.closeWithCode(websocket.CloseProtocolError, "malformed message")
			return
		}
		if !s.dispatch(msg) {
			return
		}
	}
}

// dispatch routes one decoded message; false stops the read loop.
func (s *BrowserStreamer) dispatch(msg *internal_audio.BrowserMessage) bool {
	switch msg.Type {
	case internal_audio.BrowserTypeAudio:
		frame, err := s.codec.DecodeAudio(msg)
		if err != nil {
			s.closeWithCode(websocket.CloseProtocolError, "bad audio payload")
			return false
		}
		return s.pushInput(Message{Kind: MsgAudio, Frame: frame})
	case internal_audio.BrowserTypeText:
		return s.pushInput(Message{Kind: MsgText, Text: msg.Text})
	case internal_audio.BrowserTypeInterrupt:
		return s.pushInput(Message{Kind: MsgInterrupt})
	case internal_audio.BrowserTypeReset:
		return s.pushInput(Message{Kind: MsgReset})
	case internal_audio.BrowserTypeHangup:
		s.pushInput(Message{Kind: MsgHangup})
		return false
	default:
		s.closeWithCode(websocket.CloseProtocolError, "unknown message type")
		return false
	}
}

func (s *BrowserStreamer) handleReadError(err error) {
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		s.logger.Infow("browser connection idle, closing", "sessionId", s.sessionID)
		s.closeWithCode(websocket.CloseNormalClosure, "inactivity")
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	s.logger.Warnw("browser read failed", "sessionId", s.sessionID, "error", err)
}

// writeLoop drains the outbound queue, pacing audio to real time so a flush
// can still catch queued frames.
func (s *BrowserStreamer) writeLoop() {
	defer s.pushDisconnection("write_loop_exit")
	pace := time.NewTicker(internal_audio.FrameDurationMs * time.Millisecond)
	defer pace.Stop()

	for {
		select {
		case <-s.flushAudioCh:
			// Queued frames were already drained by FlushAudio.
		case item := <-s.outputCh:
			if !s.writeOutbound(item) {
				return
			}
			if item.frame != nil {
				select {
				case <-pace.C:
				case <-s.flushAudioCh:
				case <-s.ctx.Done():
					return
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *BrowserStreamer) writeOutbound(item outbound) bool {
	var payload []byte
	var err error
	switch {
	case item.frame != nil:
		payload, err = s.codec.EncodeAudio(*item.frame)
	case item.event != nil:
		payload, err = json.Marshal(browserEvent(*item.event))
	default:
		return true
	}
	if err != nil {
		s.logger.Errorw("browser encode failed", "sessionId", s.sessionID, "error", err)
		return true
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.logger.Warnw("browser write failed", "sessionId", s.sessionID, "error", err)
		return false
	}
	return true
}

// browserEvent maps a transport-agnostic event onto the wire envelope.
func browserEvent(event Event) internal_audio.BrowserMessage {
	switch event.Type {
	case EventState:
		return internal_audio.BrowserMessage{Type: internal_audio.BrowserTypeState, State: event.State}
	case EventTranscript:
		return internal_audio.BrowserMessage{
			Type:  internal_audio.BrowserTypeTranscript,
			Role:  event.Role,
			Text:  event.Text,
			Final: event.Final,
		}
	case EventAgent:
		return internal_audio.BrowserMessage{Type: internal_audio.BrowserTypeAgent, Key: event.Agent}
	default:
		return internal_audio.BrowserMessage{
			Type:    internal_audio.BrowserTypeError,
			Code:    event.Code,
			Message: event.Message,
		}
	}
}

func (s *BrowserStreamer) closeWithCode(code int, reason string) {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
	})
	s.pushDisconnection(reason)
}

// Close shuts the connection down with a normal close frame.
func (s *BrowserStreamer) Close() error {
	s.closeWithCode(websocket.CloseNormalClosure, "session ended")
	return s.conn.Close()
}
