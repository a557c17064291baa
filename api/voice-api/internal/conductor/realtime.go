// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_conductor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	internal_channel "github.com/cadenzaai/api/voice-api/internal/channel"
	internal_sessionstore "github.com/cadenzaai/api/voice-api/internal/sessionstore"
	internal_transcriber "github.com/cadenzaai/api/voice-api/internal/transcriber"
)

// runRealtime serves a session in realtime-voice mode: caller audio goes
// straight into the realtime model and model audio comes straight back.
// The orchestrator and turn router are bypassed entirely; transcripts are
// surfaced for observers only.
func (c *Conductor) runRealtime(ctx context.Context, record *internal_sessionstore.SessionRecord, streamer internal_channel.Streamer) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lease, err := c.pools.Realtime.Acquire(sessionCtx, record.SessionID)
	if err != nil {
		return err
	}
	// Realtime handles are single-use; always discard.
	defer lease.Release(context.Background(), true)
	client := lease.Handle

	if _, err := c.store.Mutate(sessionCtx, record.SessionID, func(rec *internal_sessionstore.SessionRecord) error {
		rec.GreetingSent = true
		return rec.Transition(internal_sessionstore.StateListening)
	}); err != nil {
		return err
	}
	c.publishRealtimeState(streamer, record.SessionID, internal_sessionstore.StateListening)

	group, groupCtx := errgroup.WithContext(sessionCtx)

	group.Go(func() error {
		// Unblocks the transport reader once the session winds down.
		<-groupCtx.Done()
		return streamer.Close()
	})

	group.Go(func() error {
		for {
			msg, err := streamer.Recv()
			if err != nil {
				cancel()
				return nil
			}
			switch msg.Kind {
			case internal_channel.MsgAudio:
				if err := client.PushFrame(groupCtx, msg.Frame); err != nil {
					c.logger.Warnw("realtime: frame push failed",
						"sessionId", record.SessionID, "error", err)
					cancel()
					return nil
				}
			case internal_channel.MsgInterrupt:
				if err := client.Interrupt(groupCtx); err != nil {
					c.logger.Warnw("realtime: interrupt failed",
						"sessionId", record.SessionID, "error", err)
				}
				streamer.FlushAudio()
			case internal_channel.MsgHangup:
				cancel()
				return nil
			}
			if groupCtx.Err() != nil {
				return nil
			}
		}
	})

	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case frame, ok := <-client.Frames():
				if !ok {
					cancel()
					return nil
				}
				if err := streamer.SendFrame(frame); err != nil {
					cancel()
					return nil
				}
			}
		}
	})

	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case event, ok := <-client.Transcripts():
				if !ok {
					return nil
				}
				if event.Type == internal_transcriber.EventError {
					c.logger.Warnw("realtime: model stream failed",
						"sessionId", record.SessionID, "error", event.Err)
					cancel()
					return nil
				}
				c.publishRealtimeTranscript(streamer, record.SessionID, event)
			}
		}
	})

	err = group.Wait()

	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer teardownCancel()
	if _, mErr := c.store.Mutate(teardownCtx, record.SessionID, func(rec *internal_sessionstore.SessionRecord) error {
		if rec.State == internal_sessionstore.StateEnded {
			return nil
		}
		return rec.Transition(internal_sessionstore.StateEnded)
	}); mErr != nil {
		c.logger.Warnw("realtime: final state commit failed",
			"sessionId", record.SessionID, "error", mErr)
	}
	c.publishRealtimeState(streamer, record.SessionID, internal_sessionstore.StateEnded)
	if cErr := streamer.Close(); cErr != nil {
		c.logger.Debugw("realtime: transport close failed",
			"sessionId", record.SessionID, "error", cErr)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Conductor) publishRealtimeState(streamer internal_channel.Streamer, sessionID string, state internal_sessionstore.SessionState) {
	event := internal_channel.Event{Type: internal_channel.EventState, State: string(state)}
	_ = streamer.SendEvent(event)
	c.relay.Publish(sessionID, event)
}

func (c *Conductor) publishRealtimeTranscript(streamer internal_channel.Streamer, sessionID string, event internal_transcriber.TranscriptEvent) {
	channelEvent := internal_channel.Event{
		Type:  internal_channel.EventTranscript,
		Role:  "user",
		Text:  event.Text,
		Final: event.Type == internal_transcriber.EventFinal,
	}
	_ = streamer.SendEvent(channelEvent)
	c.relay.Publish(sessionID, channelEvent)
}
