package chat

import (
	"fmt"
	"time"
)

// Message roles. Thinking messages are UI-only scratch content and are
// excluded from any formatted history sent to a model.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleThinking  = "thinking"
)

// Message statuses.
const (
	StatusPending   = "pending"
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
)

// Message is a single turn in a session.
//
// Variations holds alternate generated completions for the same assistant
// turn, cyclable by the user without losing prior attempts. Invariant: when
// Variations is non-empty, Content always equals
// Variations[CurrentVariation].
type Message struct {
	ID               string    `json:"id"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	Variations       []string  `json:"variations,omitempty"`
	CurrentVariation int       `json:"current_variation,omitempty"`
	Status           string    `json:"status,omitempty"`
	Error            *string   `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// SetVariation switches the message to an existing variation index,
// keeping Content in sync.
func (m *Message) SetVariation(idx int) error {
	if idx < 0 || idx >= len(m.Variations) {
		return fmt.Errorf("variation index %d out of range [0,%d)", idx, len(m.Variations))
	}
	m.CurrentVariation = idx
	m.Content = m.Variations[idx]
	return nil
}

// EnsureVariations backfills the variation list for messages created before
// any regeneration happened: the current content becomes variation 0.
func (m *Message) EnsureVariations() {
	if len(m.Variations) == 0 {
		m.Variations = []string{m.Content}
		m.CurrentVariation = 0
	}
}

// UpdateCurrentVariation rewrites the active variation and Content together
// so the invariant cannot drift.
func (m *Message) UpdateCurrentVariation(text string) {
	m.Content = text
	if len(m.Variations) > 0 {
		m.Variations[m.CurrentVariation] = text
	}
}

// Clone returns a deep copy sharing no mutable state with the original.
func (m *Message) Clone() *Message {
	out := *m
	out.Variations = append([]string(nil), m.Variations...)
	if m.Error != nil {
		errText := *m.Error
		out.Error = &errText
	}
	return &out
}
