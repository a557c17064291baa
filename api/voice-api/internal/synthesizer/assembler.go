// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_synthesizer

import (
	"strings"
	"unicode"
)

// segmentEndRunes mark speakable boundaries. The assembler cuts a segment
// as soon as one of these lands, so synthesis starts on the first sentence
// while the model is still streaming the rest.
var segmentEndRunes = map[rune]struct{}{
	'.':  {},
	'!':  {},
	'?':  {},
	';':  {},
	':':  {},
	'\n': {},
}

// Assembler accumulates streamed model tokens into phrase-sized segments
// for synthesis. Not safe for concurrent use; each turn owns one.
type Assembler struct {
	buffer     strings.Builder
	hasContent bool
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Push appends one token chunk and returns every completed segment, in
// order. A segment completes at the first boundary rune after at least one
// non-boundary character, so a run of punctuation stays attached to its
// sentence.
func (a *Assembler) Push(chunk string) []string {
	var segments []string
	for _, r := range chunk {
		a.buffer.WriteRune(r)
		_, boundary := segmentEndRunes[r]
		if !boundary {
			if !unicode.IsSpace(r) {
				a.hasContent = true
			}
			continue
		}
		if !a.hasContent {
			// Trailing punctuation from an already emitted sentence.
			a.buffer.Reset()
			continue
		}
		segment := strings.TrimSpace(a.buffer.String())
		a.buffer.Reset()
		a.hasContent = false
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

// Flush returns whatever text remains after the model finished without a
// trailing boundary rune.
func (a *Assembler) Flush() (string, bool) {
	segment := strings.TrimSpace(a.buffer.String())
	a.buffer.Reset()
	hadContent := a.hasContent
	a.hasContent = false
	if !hadContent || segment == "" {
		return "", false
	}
	return segment, true
}

// Pending reports whether unflushed speakable text is buffered.
func (a *Assembler) Pending() bool {
	return a.hasContent
}
