// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_audio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cadenzaai/pkg/commons"
)

// ============================================================================
// Browser dialect - JSON framed WebSocket messages
// ============================================================================

// Browser message types. Audio carries base64 PCM16; the rest are control.
const (
	BrowserTypeAudio      = "audio"
	BrowserTypeText       = "text"
	BrowserTypeInterrupt  = "interrupt"
	BrowserTypeReset      = "reset"
	BrowserTypeHangup     = "hangup"
	BrowserTypeState      = "state"
	BrowserTypeTranscript = "transcript"
	BrowserTypeAgent      = "agent"
	BrowserTypeError      = "error"
)

// BrowserMessage is the envelope for both directions of the /realtime socket.
type BrowserMessage struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	SampleRate int    `json:"sr,omitempty"`
	Text       string `json:"text,omitempty"`
	Role       string `json:"role,omitempty"`
	Final      bool   `json:"final,omitempty"`
	State      string `json:"state,omitempty"`
	Key        string `json:"key,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// BrowserCodec translates between browser JSON messages and Frames. One
// codec per session, pinned to the session's sample rate.
type BrowserCodec struct {
	rate    int
	encoder *base64.Encoding
}

// NewBrowserCodec creates a codec pinned to the session sample rate.
func NewBrowserCodec(rate int) *BrowserCodec {
	return &BrowserCodec{rate: rate, encoder: base64.StdEncoding}
}

// DecodeMessage parses a raw websocket payload into a BrowserMessage.
func (c *BrowserCodec) DecodeMessage(raw []byte) (*BrowserMessage, error) {
	var msg BrowserMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, commons.E(commons.KindProtocol, fmt.Errorf("browser message: %w", err))
	}
	if msg.Type == "" {
		return nil, commons.Ef(commons.KindProtocol, "browser message: missing type")
	}
	return &msg, nil
}

// DecodeAudio extracts a Frame from an audio message. A sample rate that
// disagrees with the session's declared rate is a protocol violation; there
// is no resampling on the fast path.
func (c *BrowserCodec) DecodeAudio(msg *BrowserMessage) (Frame, error) {
	if msg.Type != BrowserTypeAudio {
		return Frame{}, commons.Ef(commons.KindProtocol, "browser audio: unexpected type %q", msg.Type)
	}
	if msg.SampleRate != 0 && msg.SampleRate != c.rate {
		return Frame{}, commons.Ef(commons.KindProtocol,
			"browser audio: sample rate %d disagrees with session rate %d", msg.SampleRate, c.rate)
	}
	pcm, err := c.encoder.DecodeString(msg.Data)
	if err != nil {
		return Frame{}, commons.E(commons.KindProtocol, fmt.Errorf("browser audio: %w", err))
	}
	if len(pcm)%2 != 0 {
		return Frame{}, commons.Ef(commons.KindProtocol, "browser audio: odd PCM16 byte count %d", len(pcm))
	}
	return NewFrame(pcm, c.rate), nil
}

// EncodeAudio wraps a Frame into an outbound audio message.
func (c *BrowserCodec) EncodeAudio(frame Frame) ([]byte, error) {
	if frame.SampleRate != c.rate {
		return nil, commons.Ef(commons.KindInternal,
			"browser audio: frame rate %d disagrees with session rate %d", frame.SampleRate, c.rate)
	}
	msg := BrowserMessage{
		Type: BrowserTypeAudio,
		Data: c.encoder.EncodeToString(frame.PCM),
	}
	return json.Marshal(msg)
}

// SampleRate returns the session rate the codec is pinned to.
func (c *BrowserCodec) SampleRate() int { return c.rate }

// ============================================================================
// Telephony media dialect - provider kind/data envelopes
// ============================================================================

// Provider envelope kinds. Only AudioData and StopAudio arrive inbound.
const (
	MediaKindAudioData = "AudioData"
	MediaKindStopAudio = "StopAudio"
)

// MediaAudioData is the payload of an AudioData envelope.
type MediaAudioData struct {
	Data      string `json:"data"`
	Timestamp string `json:"timestamp,omitempty"`
	Silent    bool   `json:"silent,omitempty"`
}

// MediaEnvelope is the provider's JSON wire envelope in both directions.
type MediaEnvelope struct {
	Kind      string          `json:"kind"`
	AudioData *MediaAudioData `json:"audioData,omitempty"`
}

// MediaCodec translates between provider envelopes and Frames. The
// transcription variant runs at 16 kHz, the realtime variant at 24 kHz.
type MediaCodec struct {
	rate    int
	encoder *base64.Encoding
}

// NewMediaCodec creates a codec pinned to the session sample rate.
func NewMediaCodec(rate int) *MediaCodec {
	return &MediaCodec{rate: rate, encoder: base64.StdEncoding}
}

// DecodeEnvelope parses a raw provider payload.
func (c *MediaCodec) DecodeEnvelope(raw []byte) (*MediaEnvelope, error) {
	var env MediaEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, commons.E(commons.KindProtocol, fmt.Errorf("media envelope: %w", err))
	}
	switch env.Kind {
	case MediaKindAudioData, MediaKindStopAudio:
		return &env, nil
	default:
		return nil, commons.Ef(commons.KindProtocol, "media envelope: unknown kind %q", env.Kind)
	}
}

// DecodeAudio extracts a Frame from an AudioData envelope. Silent chunks
// decode to frames too; the recognizer uses them for end-of-utterance timing.
func (c *MediaCodec) DecodeAudio(env *MediaEnvelope) (Frame, error) {
	if env.Kind != MediaKindAudioData || env.AudioData == nil {
		return Frame{}, commons.Ef(commons.KindProtocol, "media audio: envelope is not AudioData")
	}
	pcm, err := c.encoder.DecodeString(env.AudioData.Data)
	if err != nil {
		return Frame{}, commons.E(commons.KindProtocol, fmt.Errorf("media audio: %w", err))
	}
	if len(pcm)%2 != 0 {
		return Frame{}, commons.Ef(commons.KindProtocol, "media audio: odd PCM16 byte count %d", len(pcm))
	}
	frame := NewFrame(pcm, c.rate)
	if env.AudioData.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, env.AudioData.Timestamp); err == nil {
			frame.TimestampUs = ts.UnixMicro()
		}
	}
	return frame, nil
}

// EncodeAudio wraps a Frame into an outbound AudioData envelope.
func (c *MediaCodec) EncodeAudio(frame Frame) ([]byte, error) {
	if frame.SampleRate != c.rate {
		return nil, commons.Ef(commons.KindInternal,
			"media audio: frame rate %d disagrees with session rate %d", frame.SampleRate, c.rate)
	}
	env := MediaEnvelope{
		Kind:      MediaKindAudioData,
		AudioData: &MediaAudioData{Data: c.encoder.EncodeToString(frame.PCM)},
	}
	return json.Marshal(env)
}

// EncodeStopAudio builds the envelope that tells the provider to flush its
// playback buffer. Sent on barge-in.
func (c *MediaCodec) EncodeStopAudio() ([]byte, error) {
	return json.Marshal(MediaEnvelope{Kind: MediaKindStopAudio})
}

// SampleRate returns the session rate the codec is pinned to.
func (c *MediaCodec) SampleRate() int { return c.rate }
