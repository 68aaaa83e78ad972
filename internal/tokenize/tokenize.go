// Package tokenize normalizes page titles, URLs and queries into tokens.
//
// Two variants share the same splitting rules:
//   - Plain lower-cases and splits.
//   - Stemming additionally drops English stopwords and reduces words to
//     their Snowball stem, so "running" and "runs" match each other.
package tokenize

import (
	"strings"
	"unicode"

	"github.com/kljensen/snowball/english"
)

// Tokenizer turns free text and URLs into token sequences. Repeated tokens
// are kept so callers can compute term frequencies.
type Tokenizer interface {
	// Text tokenizes titles and queries on any run of non-alphanumeric runes.
	Text(s string) []string
	// URL tokenizes a URL on its structural separators.
	URL(s string) []string
}

// urlNoise are URL tokens that carry no page identity.
var urlNoise = map[string]struct{}{
	"http":  {},
	"https": {},
	"www":   {},
}

// SplitText lower-cases s and splits it on runs of runes that are neither
// letters nor digits.
func SplitText(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// SplitURL lower-cases s and splits it on / ? # : . - _ = & and whitespace.
// Scheme and "www" tokens are dropped.
func SplitURL(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), isURLSeparator)
	out := fields[:0]
	for _, f := range fields {
		if _, noise := urlNoise[f]; noise {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isURLSeparator(r rune) bool {
	switch r {
	case '/', '?', '#', ':', '.', '-', '_', '=', '&':
		return true
	}
	return unicode.IsSpace(r)
}

// Plain splits without any further normalization.
type Plain struct{}

// NewPlain returns the plain tokenizer.
func NewPlain() Plain { return Plain{} }

// Text implements Tokenizer.
func (Plain) Text(s string) []string { return SplitText(s) }

// URL implements Tokenizer.
func (Plain) URL(s string) []string { return SplitURL(s) }

// Stemming removes stopwords and stems the remaining words.
type Stemming struct {
	stop map[string]struct{}
}

// NewStemming creates a stemming tokenizer. If stop is nil, DefaultStopwords is used.
func NewStemming(stop map[string]struct{}) *Stemming {
	if stop == nil {
		stop = DefaultStopwords()
	}
	return &Stemming{stop: stop}
}

// Text implements Tokenizer.
func (s *Stemming) Text(text string) []string {
	return s.normalize(SplitText(text))
}

// URL implements Tokenizer.
func (s *Stemming) URL(u string) []string {
	return s.normalize(SplitURL(u))
}

func (s *Stemming) normalize(tokens []string) []string {
	out := tokens[:0]
	for _, tok := range tokens {
		if _, isStop := s.stop[tok]; isStop {
			continue
		}
		if hasLetter(tok) {
			tok = english.Stem(tok, false)
		}
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// DefaultStopwords returns a common English stopword set.
func DefaultStopwords() map[string]struct{} {
	ws := []string{
		"a", "an", "the", "and", "or", "but",
		"to", "in", "of", "on", "for", "with", "as", "at", "by", "from",
		"is", "are", "was", "were", "be", "been", "being",
		"this", "that", "these", "those", "it", "its",
		"i", "me", "my", "we", "our", "you", "your",
		"he", "him", "his", "she", "her", "they", "them", "their",
		"do", "does", "did", "have", "has", "had",
		"not", "no", "so", "if", "then", "than",
		"about", "into", "out", "up", "down", "here", "there",
	}
	m := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		m[w] = struct{}{}
	}
	return m
}
