// Package budget implements per-mode token accounting for prompt assembly.
package budget

import (
	"strings"
	"unicode"
)

// Tokenizer estimates the token count of a text.
type Tokenizer interface {
	Count(text string) int
}

// NewTokenizer returns the default estimator. Counts track GPT-family
// BPE output closely enough for budgeting; exact parity is not a goal.
func NewTokenizer() Tokenizer {
	return heuristicTokenizer{}
}

// heuristicTokenizer segments on whitespace and punctuation runs and
// charges roughly one token per four characters inside a word.
type heuristicTokenizer struct{}

func (heuristicTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	tokens := 0
	wordLen := 0
	flush := func() {
		if wordLen > 0 {
			tokens += (wordLen + 3) / 4
			if tokens == 0 {
				tokens = 1
			}
			wordLen = 0
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			tokens++
		default:
			wordLen++
		}
	}
	flush()
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// FallbackTokenizer is the coarse ceil(len/4) estimator used when no
// better segmentation applies.
type FallbackTokenizer struct{}

func (FallbackTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// TrimToFit shortens text so that Count(result) <= max, preferring to
// cut at a sentence boundary. A trailing ellipsis marks truncation.
// Binary search runs on rune length; max <= 0 returns the empty string.
func TrimToFit(tok Tokenizer, text string, max int) string {
	if max <= 0 {
		return ""
	}
	if tok.Count(text) <= max {
		return text
	}

	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if tok.Count(string(runes[:mid])+ellipsis) <= max {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return ellipsis
	}

	cut := string(runes[:lo])
	// Prefer the last sentence end in the back half of the window.
	if idx := lastSentenceEnd(cut); idx >= len(cut)/2 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " \t\n") + ellipsis
}

const ellipsis = "…"

func lastSentenceEnd(s string) int {
	for i := len(s) - 1; i > 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			if i == len(s)-1 || s[i+1] == ' ' || s[i+1] == '\n' {
				return i + 1
			}
		}
	}
	return -1
}
