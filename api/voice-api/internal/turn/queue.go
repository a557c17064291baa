// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_turn

import (
	"context"
	"time"

	"github.com/cadenzaai/pkg/commons"
)

// queueDepth bounds finalized transcripts waiting to be served. A caller
// who talks four turns ahead of the agent loses the oldest one; keeping a
// long backlog alive would have the agent answering questions the caller
// has moved past.
const queueDepth = 4

// PendingTurn is one finalized transcript waiting for the serving loop.
type PendingTurn struct {
	Text       string
	Epoch      int64
	EnqueuedAt time.Time
}

// Queue is the per-session bounded transcript queue. One producer (the
// transcript consumer task) and one consumer (the serving loop).
type Queue struct {
	logger commons.Logger
	items  chan PendingTurn
}

// NewQueue creates an empty queue.
func NewQueue(logger commons.Logger) *Queue {
	return &Queue{
		logger: logger,
		items:  make(chan PendingTurn, queueDepth),
	}
}

// Push enqueues a finalized transcript. On overflow the oldest entry is
// dropped and returned so the caller can record the loss.
func (q *Queue) Push(turn PendingTurn) (dropped *PendingTurn, ok bool) {
	for {
		select {
		case q.items <- turn:
			return dropped, true
		default:
		}
		select {
		case oldest := <-q.items:
			q.logger.Errorw("turn queue overflow, dropping oldest",
				"droppedText", oldest.Text, "age", time.Since(oldest.EnqueuedAt))
			dropped = &oldest
		default:
			// Consumer won the race; retry the push.
		}
	}
}

// Pop blocks until a transcript is available or ctx dies.
func (q *Queue) Pop(ctx context.Context) (PendingTurn, error) {
	select {
	case turn := <-q.items:
		return turn, nil
	case <-ctx.Done():
		return PendingTurn{}, commons.E(commons.KindCancelled, ctx.Err())
	}
}

// Len reports queued transcripts.
func (q *Queue) Len() int { return len(q.items) }
