package session

import (
	"sync"

	"github.com/loqalabs/loqa-voice/internal/llm"
)

// Turn is one completed exchange.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// History keeps the most recent turns, evicting the oldest once capacity is
// reached.
type History struct {
	mu       sync.Mutex
	turns    []Turn
	capacity int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 10
	}
	return &History{capacity: capacity, turns: make([]Turn, 0, capacity)}
}

// Append adds a turn and returns how many turns were evicted.
func (h *History) Append(t Turn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, t)
	evicted := 0
	if over := len(h.turns) - h.capacity; over > 0 {
		h.turns = append(h.turns[:0:0], h.turns[over:]...)
		evicted = over
	}
	return evicted
}

// Turns returns a copy of the stored turns, oldest first.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *History) Reset() {
	h.mu.Lock()
	h.turns = h.turns[:0]
	h.mu.Unlock()
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

func (h *History) Cap() int { return h.capacity }

// Messages renders the history as alternating user and assistant messages.
func (h *History) Messages() []llm.Message {
	turns := h.Turns()
	msgs := make([]llm.Message, 0, len(turns)*2)
	for _, t := range turns {
		msgs = append(msgs,
			llm.Message{Role: "user", Content: t.User},
			llm.Message{Role: "assistant", Content: t.Assistant},
		)
	}
	return msgs
}
