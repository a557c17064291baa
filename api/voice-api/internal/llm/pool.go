// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_llm

import (
	"context"

	internal_pool "github.com/cadenzaai/api/voice-api/internal/pool"
	"github.com/cadenzaai/pkg/commons"
)

// Client is one leasable chat executor. The SDK clients underneath are
// plain HTTP and carry no per-session state, so reset and close are
// no-ops; the pool exists to cap concurrent model sessions.
type Client struct {
	Executor
}

func (c *Client) Reset(ctx context.Context) error { return nil }
func (c *Client) Close(ctx context.Context) error { return nil }

// Pool leases chat executors. One lease per live session.
type Pool = internal_pool.Pool[*Client]

// Lease is an exclusively held chat executor.
type Lease = internal_pool.Lease[*Client]

// NewChatPool builds a chat executor pool. build runs once per handle.
func NewChatPool(logger commons.Logger, size int, build func() (Executor, error)) *Pool {
	return internal_pool.New(logger, "llm", size, func(ctx context.Context) (*Client, error) {
		executor, err := build()
		if err != nil {
			return nil, err
		}
		return &Client{Executor: executor}, nil
	})
}

// RealtimePool leases realtime voice sessions. Handles are single-use:
// Reset always fails, so every release discards and the next acquire
// dials fresh.
type RealtimePool = internal_pool.Pool[*RealtimeClient]

// RealtimeLease is an exclusively held realtime session.
type RealtimeLease = internal_pool.Lease[*RealtimeClient]

// NewRealtimePool builds a realtime session pool against the model
// endpoint at url.
func NewRealtimePool(logger commons.Logger, size int, url, key string, sampleRate int) *RealtimePool {
	return internal_pool.New(logger, "realtime", size, func(ctx context.Context) (*RealtimeClient, error) {
		return NewRealtimeClient(ctx, logger, url, key, sampleRate)
	})
}
