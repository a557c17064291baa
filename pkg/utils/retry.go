// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package utils

import (
	"context"
	"time"
)

// Retry runs fn up to attempts times, sleeping delay between tries (doubled
// each retry). It stops early when fn succeeds, when retryable reports the
// error as permanent, or when ctx is done.
func Retry(ctx context.Context, attempts int, delay time.Duration, retryable func(error) bool, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			delay *= 2
		}
	}
	return err
}
