// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_transcriber

import (
	"context"

	internal_pool "github.com/cadenzaai/api/voice-api/internal/pool"
	"github.com/cadenzaai/pkg/commons"
)

// Pool leases streaming recognizers. One lease per live session.
type Pool = internal_pool.Pool[Recognizer]

// Lease is an exclusively held recognizer.
type Lease = internal_pool.Lease[Recognizer]

// NewPool builds a recognizer pool backed by the speech gateway at url.
func NewPool(logger commons.Logger, size int, url, key string, sampleRate int) *Pool {
	return internal_pool.New(logger, "stt", size, func(ctx context.Context) (Recognizer, error) {
		return NewWSRecognizer(ctx, logger, url, key, sampleRate)
	})
}
