package chat

import (
	"context"

	"fable/internal/domain/models/chat"
)

// CreateSessionParams describe a new session built from a character card.
type CreateSessionParams struct {
	Title     string         `json:"title,omitempty"`
	Character chat.Character `json:"character"`
	UserName  string         `json:"user_name"`

	Notes                   string               `json:"notes,omitempty"`
	PostHistoryInstructions string               `json:"post_history_instructions,omitempty"`
	Settings                chat.SessionSettings `json:"settings"`
}

// SessionRegistry is the in-memory canonical session state. The orchestrator
// reads sessions through Get and serializes every mutation through Update;
// persistence to the storage collaborator happens behind it, fire and forget.
type SessionRegistry interface {
	// Create builds a new session from a character card. When the card has a
	// greeting it is seeded as the first assistant message.
	Create(ctx context.Context, params *CreateSessionParams) (*chat.Session, error)

	// Get returns the live session, or domain.ErrNotFound. The pointer is
	// shared with concurrent Update calls; callers that marshal or hand the
	// session to another goroutine use Snapshot instead.
	Get(id string) (*chat.Session, error)

	// Snapshot returns a deep copy of the session taken under the registry
	// lock, safe to read and marshal without further synchronization.
	Snapshot(id string) (*chat.Session, error)

	// List returns detached copies of all known sessions.
	List() []*chat.Session

	// Update runs fn on the session under the registry lock. Mutations to
	// session or message state must go through here.
	Update(id string, fn func(*chat.Session) error) error

	// Delete removes a session from the registry and the store.
	Delete(ctx context.Context, id string) error

	// CycleVariation switches a message to another stored variation,
	// maintaining the content/variation invariant.
	CycleVariation(id, messageID string, variation int) (*chat.Message, error)

	// Persist writes the session's current state to the store without
	// blocking the caller. Unknown IDs are ignored.
	Persist(id string)
}
