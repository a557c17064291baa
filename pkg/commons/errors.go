// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package commons

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy. The kind decides what the
// caller hears (fallback phrase, goodbye, nothing) and what the session does
// (abort turn, end call, close transport).
type Kind int

const (
	// KindUnknown is the zero value for errors that were never classified.
	KindUnknown Kind = iota
	// KindTransport - the caller's connection is gone or malformed.
	KindTransport
	// KindUpstream - an external service (STT/TTS/LLM/telephony) failed.
	KindUpstream
	// KindTimeout - a wall-clock cap was hit.
	KindTimeout
	// KindCancelled - barge-in or shutdown cancellation. Not a failure.
	KindCancelled
	// KindProtocol - the remote violated the expected message shape.
	KindProtocol
	// KindConfig - misconfiguration detected at startup or first use.
	KindConfig
	// KindInternal - invariant violation. The session is terminated, the
	// process continues.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindProtocol:
		return "protocol"
	case KindConfig:
		return "config"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *kindError) Unwrap() error { return e.err }

// E wraps err with a Kind. A nil err returns nil.
func E(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Ef is E with fmt.Errorf formatting.
func Ef(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf walks the wrap chain and returns the first Kind found.
// Bare context cancellation and deadline errors map to KindCancelled and
// KindTimeout so that callers never misclassify a barge-in as an upstream
// failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsRetryable reports whether an error kind is worth retrying against the
// same upstream. Only transient upstream failures qualify.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUpstream
}
