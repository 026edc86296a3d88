package chat

import "time"

// WordSubstitution is one client-side filtering rule, applied to final text
// only when the active provider does not filter server-side.
type WordSubstitution struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
}

// SessionSettings are the per-session knobs consumed by the generation
// subsystem. They are owned by external settings collaborators and injected
// here; the orchestrator never persists them on its own.
type SessionSettings struct {
	CompressionLevel       CompressionLevel   `json:"compression_level"`
	TrimIncompleteSentence bool               `json:"trim_incomplete_sentence"`
	WordSubstitutions      []WordSubstitution `json:"word_substitutions,omitempty"`
	TemplateName           string             `json:"template_name,omitempty"`
}

// Session is one chat: a character, the participating user's display name,
// the ordered message list, and the generation-state the context assembler
// feeds on. Notes and post-history instructions are steering text injected
// immediately before the generation suffix.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Character Character `json:"character"`
	UserName  string    `json:"user_name"`

	Notes                   string `json:"notes,omitempty"`
	PostHistoryInstructions string `json:"post_history_instructions,omitempty"`

	Settings SessionSettings `json:"settings"`
	Messages []*Message      `json:"messages"`

	// CompressedCache is the session-scoped summarized-prefix artifact.
	// Nil until the first successful summarization.
	CompressedCache *CompressedContextCache `json:"compressed_cache,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageByID returns the message with the given ID, or nil.
func (s *Session) MessageByID(id string) *Message {
	for _, m := range s.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Clone returns a deep copy sharing no mutable state with the original.
// Callers that hand session state to another goroutine (persistence, response
// marshaling) take a Clone under the registry lock first.
func (s *Session) Clone() *Session {
	out := *s
	out.Character = s.Character.Clone()
	out.Settings.WordSubstitutions = append([]WordSubstitution(nil), s.Settings.WordSubstitutions...)
	out.Messages = make([]*Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	if s.CompressedCache != nil {
		cache := *s.CompressedCache
		out.CompressedCache = &cache
	}
	return &out
}

// HistoryMessages returns the messages that participate in formatted
// history: thinking turns are never sent to a model.
func (s *Session) HistoryMessages() []*Message {
	out := make([]*Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.Role == RoleThinking {
			continue
		}
		out = append(out, m)
	}
	return out
}
