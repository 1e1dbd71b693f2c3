package turn

import "strings"

// TranscriptBuffer accumulates the user's utterance for the current turn: a
// volatile partial plus the sequence of final segments. The buffer is locked
// when the turn commits so late STT output cannot mutate the text the reply
// was generated from.
//
// Not safe for concurrent use; owned by the controller's event loop.
type TranscriptBuffer struct {
	partial string
	finals  []string
	locked  bool
}

// SetPartial overwrites the pending partial. No-op while locked.
func (b *TranscriptBuffer) SetPartial(text string) {
	if b.locked {
		return
	}
	b.partial = text
}

// AppendFinal clears the pending partial and appends a final segment.
// Returns false (without mutating) while locked.
func (b *TranscriptBuffer) AppendFinal(text string) bool {
	if b.locked {
		return false
	}
	b.partial = ""
	if text = strings.TrimSpace(text); text != "" {
		b.finals = append(b.finals, text)
	}
	return true
}

// Lock freezes the buffer. Idempotent.
func (b *TranscriptBuffer) Lock() { b.locked = true }

// Unlock unfreezes the buffer. Idempotent.
func (b *TranscriptBuffer) Unlock() { b.locked = false }

// Locked reports whether the buffer is frozen.
func (b *TranscriptBuffer) Locked() bool { return b.locked }

// Partial returns the pending partial text.
func (b *TranscriptBuffer) Partial() string { return b.partial }

// FinalText returns the final segments joined with single spaces.
func (b *TranscriptBuffer) FinalText() string {
	return strings.Join(b.finals, " ")
}

// HasSpeech reports whether any final segment has been recorded.
func (b *TranscriptBuffer) HasSpeech() bool { return len(b.finals) > 0 }

// Reset clears all content and unlocks. Called at turn boundaries.
func (b *TranscriptBuffer) Reset() {
	b.partial = ""
	b.finals = nil
	b.locked = false
}
