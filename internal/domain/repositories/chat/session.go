package chat

import (
	"context"

	"fable/internal/domain/models/chat"
)

// SessionStore is the outbound persistence collaborator. The orchestrator
// hands it the session identifier plus the full ordered message list and
// treats failures as logged, never blocking: the in-memory session registry
// stays authoritative for the UI.
type SessionStore interface {
	// SaveSession upserts session metadata (character, settings, title).
	SaveSession(ctx context.Context, session *chat.Session) error

	// SaveMessages replaces the stored message list for a session with the
	// given ordered list.
	SaveMessages(ctx context.Context, sessionID string, messages []*chat.Message) error

	// LoadSession returns a stored session with its messages, or
	// domain.ErrNotFound.
	LoadSession(ctx context.Context, sessionID string) (*chat.Session, error)

	// ListSessions returns stored sessions without their message lists.
	ListSessions(ctx context.Context) ([]*chat.Session, error)

	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, sessionID string) error
}
