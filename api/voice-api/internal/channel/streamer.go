// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_channel

import (
	"context"
	"io"
	"sync"
	"time"

	internal_audio "github.com/cadenzaai/api/voice-api/internal/audio"
	"github.com/cadenzaai/pkg/commons"
)

// Transport limits shared by both dialects.
const (
	// InputChannelSize is the unread inbound backlog; beyond it the
	// connection is dropped.
	InputChannelSize = 256
	// OutputChannelSize bounds outbound messages awaiting the writer.
	OutputChannelSize = 256
	// OutputHighWater pauses audio producers: SendFrame blocks once this
	// many frames are queued, which withholds reads on the TTS channel
	// upstream.
	OutputHighWater = 64
	// MaxMessageBytes is the single-message read limit.
	MaxMessageBytes = 16 * 1024
	// InactivityTimeout closes an idle connection with code 1000.
	InactivityTimeout = 30 * time.Second
)

// MessageKind tags an inbound transport message.
type MessageKind int

const (
	MsgAudio MessageKind = iota
	MsgText
	MsgInterrupt
	MsgReset
	MsgHangup
	MsgDisconnect
)

// Message is one inbound item from the caller's side.
type Message struct {
	Kind   MessageKind
	Frame  internal_audio.Frame // MsgAudio
	Text   string               // MsgText
	Reason string               // MsgDisconnect
}

// EventType tags an outbound non-audio event.
type EventType string

const (
	EventState      EventType = "state"
	EventTranscript EventType = "transcript"
	EventAgent      EventType = "agent"
	EventError      EventType = "error"
)

// Event is one outbound status message. The browser dialect serializes
// these as JSON; the media dialect ignores everything but audio.
type Event struct {
	Type    EventType
	State   string
	Role    string
	Text    string
	Final   bool
	Agent   string
	Code    string
	Message string
}

// Streamer is one caller connection. Recv yields inbound messages in
// arrival order and returns io.EOF once the connection is done; SendFrame
// queues agent audio with backpressure; SendEvent queues a status message
// best-effort; FlushAudio discards queued agent audio on barge-in.
type Streamer interface {
	Context() context.Context
	Recv() (Message, error)
	SendFrame(frame internal_audio.Frame) error
	SendEvent(event Event) error
	FlushAudio()
	Close() error
}

// outbound is the writer queue item: a frame or an event.
type outbound struct {
	frame *internal_audio.Frame
	event *Event
}

// ============================================================================
// BaseStreamer — transport-agnostic channel management
// ============================================================================

// BaseStreamer owns the channels every concrete streamer needs:
//
//   - inputCh: decoded inbound messages, read by Recv
//   - outputCh: ordered outbound frames and events, drained by the
//     concrete writer
//   - flushAudioCh: barge-in signal for the writer
//   - pushDisconnection: idempotent end-of-connection marker
//
// The concrete streamer embeds it and implements only wire I/O.
type BaseStreamer struct {
	mu     sync.Mutex
	logger commons.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	inputCh      chan Message
	outputCh     chan outbound
	flushAudioCh chan struct{}
}

// StreamerOption tunes a BaseStreamer.
type StreamerOption func(*streamerOptions)

type streamerOptions struct {
	inputSize  int
	outputSize int
}

// WithInputBacklog overrides the inbound backlog bound.
func WithInputBacklog(size int) StreamerOption {
	return func(o *streamerOptions) { o.inputSize = size }
}

// WithOutputBacklog overrides the outbound queue bound.
func WithOutputBacklog(size int) StreamerOption {
	return func(o *streamerOptions) { o.outputSize = size }
}

// NewBaseStreamer initialises channels and a connection-scoped context.
// The context derives from Background so cleanup never gets cut short by
// the caller's context dying first.
func NewBaseStreamer(logger commons.Logger, opts ...StreamerOption) BaseStreamer {
	options := streamerOptions{inputSize: InputChannelSize, outputSize: OutputChannelSize}
	for _, opt := range opts {
		opt(&options)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return BaseStreamer{
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		inputCh:      make(chan Message, options.inputSize),
		outputCh:     make(chan outbound, options.outputSize),
		flushAudioCh: make(chan struct{}, 1),
	}
}

// Context returns the connection-scoped context.
func (s *BaseStreamer) Context() context.Context { return s.ctx }

// Recv reads the next inbound message. io.EOF after disconnection.
func (s *BaseStreamer) Recv() (Message, error) {
	select {
	case msg, ok := <-s.inputCh:
		if !ok {
			return Message{}, io.EOF
		}
		if msg.Kind == MsgDisconnect {
			return msg, io.EOF
		}
		return msg, nil
	case <-s.ctx.Done():
		return Message{}, io.EOF
	}
}

// pushInput queues one inbound message. A full backlog means the consumer
// is wedged; the connection is dropped rather than buffered unboundedly.
func (s *BaseStreamer) pushInput(msg Message) bool {
	select {
	case s.inputCh <- msg:
		return true
	default:
		s.logger.Warnw("inbound backlog full, dropping connection", "kind", msg.Kind)
		s.pushDisconnection("backlog_overflow")
		return false
	}
}

// SendFrame queues agent audio. Blocks at the high-water mark so TTS
// production pauses instead of ballooning memory; returns once queued or
// when the connection dies.
func (s *BaseStreamer) SendFrame(frame internal_audio.Frame) error {
	for {
		s.mu.Lock()
		queued := len(s.outputCh)
		s.mu.Unlock()
		if queued < OutputHighWater {
			break
		}
		select {
		case <-s.ctx.Done():
			return io.EOF
		case <-time.After(internal_audio.FrameDurationMs * time.Millisecond):
		}
	}
	select {
	case s.outputCh <- outbound{frame: &frame}:
		return nil
	case <-s.ctx.Done():
		return io.EOF
	}
}

// SendEvent queues a status message. Best-effort: a full queue drops the
// event, never the call.
func (s *BaseStreamer) SendEvent(event Event) error {
	select {
	case s.outputCh <- outbound{event: &event}:
		return nil
	case <-s.ctx.Done():
		return io.EOF
	default:
		s.logger.Warnw("outbound queue full, dropping event", "type", event.Type)
		return nil
	}
}

// FlushAudio signals the writer to discard pending audio, then drains
// queued frames. Events survive a flush; only stale audio dies.
func (s *BaseStreamer) FlushAudio() {
	select {
	case s.flushAudioCh <- struct{}{}:
	default:
	}
	var kept []outbound
	for {
		select {
		case item := <-s.outputCh:
			if item.event != nil {
				kept = append(kept, item)
			}
		default:
			// Re-queue surviving events in order, best-effort.
			for _, item := range kept {
				select {
				case s.outputCh <- item:
				default:
				}
			}
			return
		}
	}
}

// pushDisconnection marks the connection done, exactly once, and lets the
// Recv loop observe it in FIFO order.
func (s *BaseStreamer) pushDisconnection(reason string) {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if alreadyClosed {
		return
	}
	select {
	case s.inputCh <- Message{Kind: MsgDisconnect, Reason: reason}:
	default:
	}
	s.cancel()
}

// Closed reports whether disconnection has been signalled.
func (s *BaseStreamer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
