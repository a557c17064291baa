// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewSessionID returns a globally unique session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

// NewCallID returns a short correlation id for a single tool/provider call.
func NewCallID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
