package message

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversational message shown in the chat widget.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Date      time.Time `json:"date"`
	Streaming bool      `json:"streaming,omitempty"`
	Sources   string    `json:"sources,omitempty"`
	// Warning marks an assistant message that reports a failed exchange.
	Warning bool `json:"warning,omitempty"`
	// ExternalKey is the Key of the id-less message this record was
	// created from.
	ExternalKey string `json:"externalKey,omitempty"`
}

// History is an ordered conversation log.
type History []Message

// StreamFunc receives every raw chunk of a streamed reply together with the
// answer and sources extracted from everything received so far.
type StreamFunc func(chunk, answer, sources string)

// NewID returns a fresh message identifier.
func NewID() string {
	return uuid.NewString()
}

// NewUser creates a user message typed at now.
func NewUser(content string, now time.Time) Message {
	return Message{
		ID:      NewID(),
		Role:    RoleUser,
		Content: content,
		Date:    now,
	}
}

// Key identifies a message for "already seen" bookkeeping. It is the id when
// one is set, otherwise role, timestamp and content.
func Key(m Message) string {
	if m.ID != "" {
		return m.ID
	}
	return string(m.Role) + "|" + m.Date.UTC().Format(time.RFC3339Nano) + "|" + m.Content
}

// HasSources reports whether the sources text is worth rendering.
func (m Message) HasSources() bool {
	s := strings.TrimSpace(m.Sources)
	return s != "" && !strings.EqualFold(s, "N/A")
}

// Clone returns a copy of h that shares no backing array with it.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}

// Placeholder returns the index of the streaming assistant message, or -1.
func (h History) Placeholder() int {
	for i, m := range h {
		if m.Role == RoleAssistant && m.Streaming {
			return i
		}
	}
	return -1
}
