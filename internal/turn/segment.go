package turn

import (
	"strings"
	"unicode"
)

// Segmenter accumulates streamed LLM text and cuts it into sentences at the
// first '.', '!' or '?' that is immediately followed by whitespace. The tail
// left when the stream ends is flushed as a final fragment. Sentences that
// carry no letters or digits are suppressed.
//
// Not safe for concurrent use; each speculation worker owns one Segmenter.
type Segmenter struct {
	buf string
}

// Feed appends text and returns the complete sentences it unlocked, in order.
func (s *Segmenter) Feed(text string) []string {
	if text == "" {
		return nil
	}
	s.buf += text

	var out []string
	for {
		idx := sentenceBoundary(s.buf)
		if idx < 0 {
			break
		}
		sentence := strings.TrimSpace(s.buf[:idx+1])
		s.buf = strings.TrimLeft(s.buf[idx+1:], " \t\n\r")
		if hasSubstance(sentence) {
			out = append(out, sentence)
		}
	}
	return out
}

// Flush returns the residual fragment and resets the segmenter. Fragments
// without any letter or digit yield the empty string.
func (s *Segmenter) Flush() string {
	tail := strings.TrimSpace(s.buf)
	s.buf = ""
	if !hasSubstance(tail) {
		return ""
	}
	return tail
}

// sentenceBoundary returns the index of the first '.', '!' or '?' that is
// immediately followed by a whitespace character, or -1.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// hasSubstance reports whether s contains at least one letter or digit.
func hasSubstance(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// correctionMarkers are words that signal the user is revising what they just
// said; hearing one during speculation cancels the in-flight reply.
var correctionMarkers = map[string]struct{}{
	"actually": {},
	"wait":     {},
	"sorry":    {},
	"no":       {},
}

// ContainsCorrectionMarker reports whether text contains a correction marker
// as a whole word, case-insensitively.
func ContainsCorrectionMarker(text string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		if _, ok := correctionMarkers[w]; ok {
			return true
		}
	}
	return false
}
