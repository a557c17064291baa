// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_synthesizer

import (
	"regexp"
	"strconv"
	"strings"

	ntw "moul.io/number-to-words"

	"github.com/cadenzaai/pkg/commons"
)

// =============================================================================
// Text Normalizer
// =============================================================================

// Normalizer prepares model output for plain-text speech synthesis. The
// gateway does not accept SSML, so everything becomes speakable words:
// markdown stripped, standalone integers spelled out, common symbols
// expanded.
type Normalizer struct {
	logger commons.Logger
}

// NewNormalizer creates the normalizer used ahead of every synthesis call.
func NewNormalizer(logger commons.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

var (
	markdownHeadingPattern    = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	markdownEmphasisPattern   = regexp.MustCompile(`\*{1,2}([^*]+?)\*{1,2}|_{1,2}([^_]+?)_{1,2}`)
	markdownInlineCodePattern = regexp.MustCompile("`([^`]+)`")
	markdownCodeBlockPattern  = regexp.MustCompile("(?s)```[^`]*```")
	markdownLinkPattern       = regexp.MustCompile(`\[(.*?)\]\(.*?\)`)
	markdownRulePattern       = regexp.MustCompile(`(?m)^(-{3,}|\*{3,}|_{3,})$`)

	standaloneIntegerPattern = regexp.MustCompile(`\b\d+\b`)
	whitespacePattern        = regexp.MustCompile(`\s+`)
)

// symbolExpansions maps characters speech engines mispronounce or skip.
var symbolExpansions = map[string]string{
	"%": " percent",
	"&": " and ",
	"$": " dollars ",
	"+": " plus ",
	"=": " equals ",
	"#": " number ",
	"@": " at ",
	"/": " slash ",
}

// Normalize applies the full pipeline. Text that comes back empty (a
// markdown-only chunk, say) is the caller's signal to skip synthesis.
func (n *Normalizer) Normalize(text string) string {
	if text == "" {
		return text
	}
	text = n.removeMarkdown(text)
	text = n.expandNumbers(text)
	text = n.expandSymbols(text)
	return n.normalizeWhitespace(text)
}

func (n *Normalizer) removeMarkdown(input string) string {
	output := markdownCodeBlockPattern.ReplaceAllString(input, "")
	output = markdownHeadingPattern.ReplaceAllString(output, "")
	output = markdownEmphasisPattern.ReplaceAllString(output, "$1$2")
	output = markdownInlineCodePattern.ReplaceAllString(output, "$1")
	output = markdownLinkPattern.ReplaceAllString(output, "$1")
	output = markdownRulePattern.ReplaceAllString(output, "")
	output = strings.NewReplacer("*", "", "_", " ").Replace(output)
	return output
}

// expandNumbers spells out standalone integers. Very large values stay as
// digits; the engine reads those digit by digit, which beats a wall of
// words for things like reference numbers.
func (n *Normalizer) expandNumbers(input string) string {
	return standaloneIntegerPattern.ReplaceAllStringFunc(input, func(match string) string {
		value, err := strconv.Atoi(match)
		if err != nil || value > 999999 {
			return match
		}
		return ntw.IntegerToEnUs(value)
	})
}

func (n *Normalizer) expandSymbols(input string) string {
	for symbol, spoken := range symbolExpansions {
		input = strings.ReplaceAll(input, symbol, spoken)
	}
	return input
}

func (n *Normalizer) normalizeWhitespace(input string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(input, " "))
}
