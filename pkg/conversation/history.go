package conversation

import (
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one immutable entry of the conversation history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultWindow is how many recent turns are sent to the backend as context.
const DefaultWindow = 10

const DefaultSystemPrompt = "Você é um assistente virtual útil e amigável. Responda de forma clara e concisa em português brasileiro."

// History is an append-only ordered list of turns, seeded with an optional
// system message. Reset keeps only the seed.
type History struct {
	mu     sync.RWMutex
	system string
	turns  []Turn
}

func NewHistory(systemPrompt string) *History {
	h := &History{system: strings.TrimSpace(systemPrompt)}
	h.seed()
	return h
}

func (h *History) seed() {
	h.turns = h.turns[:0]
	if h.system != "" {
		h.turns = append(h.turns, Turn{Role: RoleSystem, Content: h.system, Timestamp: time.Now()})
	}
}

// Append stores a new turn and returns it.
func (h *History) Append(role Role, content string) Turn {
	t := Turn{Role: role, Content: strings.TrimSpace(content), Timestamp: time.Now()}
	h.mu.Lock()
	h.turns = append(h.turns, t)
	h.mu.Unlock()
	return t
}

// Turns returns a copy of every turn in order.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Window returns a copy of the last n turns (all of them when n <= 0).
func (h *History) Window(n int) []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	start := 0
	if n > 0 && len(h.turns) > n {
		start = len(h.turns) - n
	}
	out := make([]Turn, len(h.turns)-start)
	copy(out, h.turns[start:])
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// UserTurns counts user turns; the backend uses it as the dialog turn counter.
func (h *History) UserTurns() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, t := range h.turns {
		if t.Role == RoleUser {
			n++
		}
	}
	return n
}

func (h *History) Reset() {
	h.mu.Lock()
	h.seed()
	h.mu.Unlock()
}

// Builder assembles a streamed assistant reply. It stays mutable until
// Freeze appends it to a History; later chunks are ignored.
type Builder struct {
	mu     sync.Mutex
	sb     strings.Builder
	chunks int
	frozen bool
}

func (b *Builder) Add(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen || chunk == "" {
		return
	}
	b.sb.WriteString(chunk)
	b.chunks++
}

func (b *Builder) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.sb.String())
}

func (b *Builder) Chunks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chunks
}

// Freeze appends the assembled text as one assistant turn. It reports false
// when nothing was assembled or the builder was already frozen.
func (b *Builder) Freeze(h *History) (Turn, bool) {
	b.mu.Lock()
	if b.frozen {
		b.mu.Unlock()
		return Turn{}, false
	}
	b.frozen = true
	text := strings.TrimSpace(b.sb.String())
	b.mu.Unlock()
	if text == "" {
		return Turn{}, false
	}
	return h.Append(RoleAssistant, text), true
}
