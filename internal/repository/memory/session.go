// Package memory provides an in-process SessionStore for running without a
// database. State lives for the process lifetime only.
package memory

import (
	"context"
	"fmt"
	"sync"

	"fable/internal/domain"
	"fable/internal/domain/models/chat"
	chatrepo "fable/internal/domain/repositories/chat"
)

// SessionStore keeps sessions in a map. Safe for concurrent use.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*chat.Session
}

var _ chatrepo.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates an empty in-memory store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*chat.Session)}
}

func (s *SessionStore) SaveSession(ctx context.Context, session *chat.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	if existing, ok := s.sessions[session.ID]; ok {
		copied.Messages = existing.Messages
	} else {
		copied.Messages = nil
	}
	s.sessions[session.ID] = &copied
	return nil
}

func (s *SessionStore) SaveMessages(ctx context.Context, sessionID string, messages []*chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return &domain.NotFoundError{Message: fmt.Sprintf("session %s not found", sessionID)}
	}
	session.Messages = append([]*chat.Message(nil), messages...)
	return nil
}

func (s *SessionStore) LoadSession(ctx context.Context, id string) (*chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, &domain.NotFoundError{Message: fmt.Sprintf("session %s not found", id)}
	}
	copied := *session
	copied.Messages = append([]*chat.Message(nil), session.Messages...)
	return &copied, nil
}

func (s *SessionStore) ListSessions(ctx context.Context) ([]*chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*chat.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		copied := *session
		out = append(out, &copied)
	}
	return out, nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return &domain.NotFoundError{Message: fmt.Sprintf("session %s not found", id)}
	}
	delete(s.sessions, id)
	return nil
}
