// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_synthesizer

import (
	"context"

	internal_pool "github.com/cadenzaai/api/voice-api/internal/pool"
	"github.com/cadenzaai/pkg/commons"
)

// Pool leases streaming synthesizers. One lease per live session.
type Pool = internal_pool.Pool[Synthesizer]

// Lease is an exclusively held synthesizer.
type Lease = internal_pool.Lease[Synthesizer]

// NewPool builds a synthesizer pool backed by the speech gateway at url.
func NewPool(logger commons.Logger, size int, url, key string, sampleRate int) *Pool {
	return internal_pool.New(logger, "tts", size, func(ctx context.Context) (Synthesizer, error) {
		return NewWSSynthesizer(ctx, logger, url, key, sampleRate)
	})
}
