// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package utils

import "strings"

// IsEmpty reports whether s contains no non-whitespace characters.
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}

// NormalizeWhitespace collapses runs of whitespace into single spaces and
// trims the ends. Used when comparing accumulated stream text against the
// final payload.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
