// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_synthesizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzaai/pkg/commons"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return NewNormalizer(logger)
}

func TestNormalizer_SpellsOutIntegers(t *testing.T) {
	n := newTestNormalizer(t)

	assert.Equal(t, "you have three refills left", n.Normalize("you have 3 refills left"))
	assert.Equal(t, "room two hundred fourteen", n.Normalize("room 214"))
}

func TestNormalizer_LargeNumbersStayAsDigits(t *testing.T) {
	n := newTestNormalizer(t)

	assert.Contains(t, n.Normalize("reference 8675309123"), "8675309123")
}

func TestNormalizer_ExpandsSymbols(t *testing.T) {
	n := newTestNormalizer(t)

	assert.Equal(t, "fifty percent off", n.Normalize("50% off"))
	assert.Equal(t, "cats and dogs", n.Normalize("cats & dogs"))
}

func TestNormalizer_StripsMarkdown(t *testing.T) {
	n := newTestNormalizer(t)

	assert.Equal(t, "Heading", n.Normalize("## Heading"))
	assert.Equal(t, "take it daily", n.Normalize("take it **daily**"))
	assert.Equal(t, "see the portal", n.Normalize("see [the portal](https://example.com)"))
}

func TestNormalizer_CollapsesWhitespace(t *testing.T) {
	n := newTestNormalizer(t)

	assert.Equal(t, "a b c", n.Normalize("  a \n b\t\tc  "))
	assert.Equal(t, "", n.Normalize("   "))
}
