// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_synthesizer

import (
	"context"

	internal_audio "github.com/cadenzaai/api/voice-api/internal/audio"
)

// Synthesizer is one exclusive streaming text-to-speech handle. Synthesize
// starts one utterance; the returned channel yields ordered 20 ms frames
// and closes when the utterance completes or the context is cancelled.
// Cancelling the context stops frame emission promptly and the underlying
// connection stays usable for the next utterance.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (<-chan internal_audio.Frame, error)
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}
