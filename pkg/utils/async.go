// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package utils

import (
	"context"
	"log"
	"runtime/debug"
)

// Go runs fn on a new goroutine with panic recovery. A panic in a
// fire-and-forget goroutine must never take the whole worker process down
// with it; the session that panicked is lost, the rest keep running.
func Go(ctx context.Context, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("recovered goroutine panic: %v\n%s", r, debug.Stack())
			}
		}()
		if ctx != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
		fn()
	}()
}
