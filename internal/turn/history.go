package turn

import "github.com/voicewire/voicewire/pkg/provider/llm"

// historyMaxMessages bounds the conversation history used in prompt assembly.
const historyMaxMessages = 20

// ConversationHistory keeps the most recent user/assistant message pairs so
// later turns stay coherent. Not safe for concurrent use; owned by the
// controller's event loop.
type ConversationHistory struct {
	msgs []llm.Message
}

// Add appends a message, evicting the oldest beyond the cap.
func (h *ConversationHistory) Add(role, content string) {
	if content == "" {
		return
	}
	h.msgs = append(h.msgs, llm.Message{Role: role, Content: content})
	if len(h.msgs) > historyMaxMessages {
		h.msgs = h.msgs[len(h.msgs)-historyMaxMessages:]
	}
}

// Messages returns a copy of the history, oldest first.
func (h *ConversationHistory) Messages() []llm.Message {
	out := make([]llm.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of stored messages.
func (h *ConversationHistory) Len() int { return len(h.msgs) }
