// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_transcriber

import (
	"context"

	internal_audio "github.com/cadenzaai/api/voice-api/internal/audio"
)

// EventType tags a TranscriptEvent.
type EventType int

const (
	// EventPartial is an unstable hypothesis produced while the user is
	// still speaking.
	EventPartial EventType = iota
	// EventFinal is the single settled transcript for an utterance.
	EventFinal
	// EventError reports an upstream recognizer failure. The handle must be
	// discarded after one of these.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// TranscriptEvent is one streaming recognition result.
type TranscriptEvent struct {
	Type       EventType
	Text       string
	Stability  float64 // [0,1], partials only
	OffsetMs   int64
	DurationMs int64 // finals only
	Err        error // EventError only
}

// Recognizer is one exclusive streaming speech-recognition handle. Frames
// go in through PushFrame; partial and final transcripts come out of
// Events. A recognizer is leased to exactly one session at a time.
type Recognizer interface {
	PushFrame(ctx context.Context, frame internal_audio.Frame) error
	Events() <-chan TranscriptEvent
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}
