// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_audio

import (
	"time"
)

// Supported sample rates. A session is pinned to one rate at creation;
// nothing on the fast path resamples.
const (
	SampleRate16k = 16000
	SampleRate24k = 24000

	// FrameDurationMs is the canonical frame length for both wire dialects.
	FrameDurationMs = 20

	channelCount   = 1
	bytesPerSample = 2 // PCM16
)

// Frame is one immutable chunk of mono PCM16 audio. Frames are created by
// the wire codecs on the way in and by the synthesizer on the way out;
// nothing mutates them afterwards.
type Frame struct {
	PCM         []byte
	SampleRate  int
	TimestampUs int64
	Final       bool
}

// FrameBytes returns the byte size of one 20 ms PCM16 mono frame at rate.
func FrameBytes(rate int) int {
	return rate / 1000 * FrameDurationMs * bytesPerSample * channelCount
}

// Duration returns the audio duration covered by the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	samples := len(f.PCM) / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// NewFrame stamps a frame with the current wall clock.
func NewFrame(pcm []byte, rate int) Frame {
	return Frame{
		PCM:         pcm,
		SampleRate:  rate,
		TimestampUs: time.Now().UnixMicro(),
	}
}

// Framer regroups arbitrarily sized PCM chunks into exact 20 ms frames.
// Upstream synthesis chunk sizes vary per provider; the transports always
// emit uniform frames.
type Framer struct {
	rate    int
	pending []byte
}

// NewFramer creates a framer for the given sample rate.
func NewFramer(rate int) *Framer {
	return &Framer{rate: rate}
}

// Push appends pcm and returns every complete 20 ms frame now available.
func (fr *Framer) Push(pcm []byte) []Frame {
	fr.pending = append(fr.pending, pcm...)
	size := FrameBytes(fr.rate)

	var frames []Frame
	for len(fr.pending) >= size {
		chunk := make([]byte, size)
		copy(chunk, fr.pending[:size])
		fr.pending = fr.pending[size:]
		frames = append(frames, NewFrame(chunk, fr.rate))
	}
	return frames
}

// Flush returns any trailing partial frame, zero-padded to full length, and
// resets the framer. Used when a synthesis stream ends mid-frame.
func (fr *Framer) Flush() (Frame, bool) {
	if len(fr.pending) == 0 {
		return Frame{}, false
	}
	size := FrameBytes(fr.rate)
	chunk := make([]byte, size)
	copy(chunk, fr.pending)
	fr.pending = fr.pending[:0]
	f := NewFrame(chunk, fr.rate)
	f.Final = true
	return f, true
}

// Pending returns the number of buffered bytes not yet emitted.
func (fr *Framer) Pending() int { return len(fr.pending) }
