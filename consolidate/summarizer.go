package consolidate

import (
	"strings"
	"unicode/utf8"

	"github.com/teranos/engram/memory"
)

// Summarizer condenses a cluster of memories into summary content no
// longer than maxBytes.
type Summarizer interface {
	Summarize(memories []*memory.Memory, maxBytes int) (string, error)
}

// ExtractiveSummarizer builds summaries without a model: it takes the
// first sentence of each memory and joins them. Crude, but deterministic
// and dependency-free, which keeps scheduled runs cheap.
type ExtractiveSummarizer struct{}

// NewExtractiveSummarizer creates the default summarizer.
func NewExtractiveSummarizer() *ExtractiveSummarizer {
	return &ExtractiveSummarizer{}
}

// Summarize joins each memory's leading sentence with "; " and truncates
// the result to maxBytes on a rune boundary.
func (s *ExtractiveSummarizer) Summarize(memories []*memory.Memory, maxBytes int) (string, error) {
	var sentences []string
	for _, m := range memories {
		sentence := firstSentence(m.Content)
		if sentence == "" {
			continue
		}
		sentences = append(sentences, sentence)
	}
	return truncateRunes(strings.Join(sentences, "; "), maxBytes), nil
}

// firstSentence returns content up to and including the first sentence
// terminator. Terminators inside a word (like "v1.2") don't count; the
// punctuation must be followed by whitespace or end the text.
func firstSentence(content string) string {
	content = strings.TrimSpace(content)
	for i, r := range content {
		switch r {
		case '.', '!', '?':
			rest := content[i+utf8.RuneLen(r):]
			if rest == "" {
				return content
			}
			next, _ := utf8.DecodeRuneInString(rest)
			if next == ' ' || next == '\t' || next == '\n' || next == '\r' {
				return content[:i+utf8.RuneLen(r)]
			}
		}
	}
	return content
}

// truncateRunes cuts s to at most maxBytes without splitting a rune.
func truncateRunes(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
