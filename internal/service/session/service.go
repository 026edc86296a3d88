// Package session holds the in-memory canonical session state and its
// write-behind persistence to the storage collaborator.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fable/internal/domain"
	"fable/internal/domain/models/chat"
	chatrepo "fable/internal/domain/repositories/chat"
	chatSvc "fable/internal/domain/services/chat"
)

// Service implements chatSvc.SessionRegistry. Sessions live in memory and
// are written to the store fire-and-forget; on startup Load warms the
// registry from the store.
type Service struct {
	store  chatrepo.SessionStore
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*chat.Session
}

var _ chatSvc.SessionRegistry = (*Service)(nil)

// NewService creates a session registry over the given store.
func NewService(store chatrepo.SessionStore, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		logger:   logger,
		sessions: make(map[string]*chat.Session),
	}
}

// Load warms the registry from the store. Missing storage is not fatal; the
// registry starts empty and logs the condition.
func (s *Service) Load(ctx context.Context) error {
	stored, err := s.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, summary := range stored {
		full, err := s.store.LoadSession(ctx, summary.ID)
		if err != nil {
			s.logger.Warn("skipping unloadable session", "session_id", summary.ID, "error", err)
			continue
		}
		s.sessions[full.ID] = full
	}
	s.logger.Info("session registry loaded", "count", len(s.sessions))
	return nil
}

// Create builds a new session from a character card. A card greeting is
// seeded as the first assistant message so the first generation has context.
func (s *Service) Create(ctx context.Context, params *chatSvc.CreateSessionParams) (*chat.Session, error) {
	if err := params.Validate(); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	now := time.Now()
	settings := params.Settings
	if settings.CompressionLevel == "" {
		settings.CompressionLevel = chat.CompressionNone
	}
	if !settings.CompressionLevel.Valid() {
		return nil, &domain.ValidationError{
			Message: fmt.Sprintf("unknown compression level %q", settings.CompressionLevel),
		}
	}

	title := params.Title
	if title == "" {
		title = params.Character.Name
	}

	session := &chat.Session{
		ID:                      uuid.NewString(),
		Title:                   title,
		Character:               params.Character,
		UserName:                params.UserName,
		Notes:                   params.Notes,
		PostHistoryInstructions: params.PostHistoryInstructions,
		Settings:                settings,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	if greeting := params.Character.Greeting(); greeting != "" {
		session.Messages = append(session.Messages, &chat.Message{
			ID:        uuid.NewString(),
			Role:      chat.RoleAssistant,
			Content:   greeting,
			Status:    chat.StatusComplete,
			CreatedAt: now,
		})
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.persistAsync(session.ID)
	s.logger.Info("session created", "session_id", session.ID, "character", params.Character.Name)
	return session, nil
}

// Get returns the live session. Mutations still go through Update; callers
// that marshal or hand the session off use Snapshot.
func (s *Service) Get(id string) (*chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, &domain.NotFoundError{Message: fmt.Sprintf("session %s not found", id)}
	}
	return session, nil
}

// Snapshot returns a deep copy taken under the registry lock.
func (s *Service) Snapshot(id string) (*chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, &domain.NotFoundError{Message: fmt.Sprintf("session %s not found", id)}
	}
	return session.Clone(), nil
}

// List returns detached copies of all known sessions.
func (s *Service) List() []*chat.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*chat.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	return out
}

// Update runs fn on the session under the registry lock.
func (s *Service) Update(id string, fn func(*chat.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return &domain.NotFoundError{Message: fmt.Sprintf("session %s not found", id)}
	}
	if err := fn(session); err != nil {
		return err
	}
	session.UpdatedAt = time.Now()
	return nil
}

// Delete removes a session from the registry and the store.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return &domain.NotFoundError{Message: fmt.Sprintf("session %s not found", id)}
	}
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("failed to delete stored session: %w", err)
	}
	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// CycleVariation switches a message to another stored variation. The
// returned message is a detached copy taken under the lock.
func (s *Service) CycleVariation(id, messageID string, variation int) (*chat.Message, error) {
	var msg *chat.Message
	err := s.Update(id, func(session *chat.Session) error {
		live := session.MessageByID(messageID)
		if live == nil {
			return &domain.NotFoundError{Message: fmt.Sprintf("message %s not found", messageID)}
		}
		if err := live.SetVariation(variation); err != nil {
			return &domain.ValidationError{Message: err.Error()}
		}
		msg = live.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.persistAsync(id)
	return msg, nil
}

// Persist writes the session's current state to the store without blocking
// the caller.
func (s *Service) Persist(id string) {
	s.persistAsync(id)
}

// persistAsync writes session state out without blocking the caller. The
// background goroutine only ever sees a deep copy taken under the lock, so
// concurrent Update calls cannot race its reads.
func (s *Service) persistAsync(sessionID string) {
	s.mu.RLock()
	session, ok := s.sessions[sessionID]
	var snapshot *chat.Session
	if ok {
		snapshot = session.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.store.SaveSession(ctx, snapshot); err != nil {
			s.logger.Error("failed to persist session", "session_id", sessionID, "error", err)
			return
		}
		if err := s.store.SaveMessages(ctx, sessionID, snapshot.Messages); err != nil {
			s.logger.Error("failed to persist messages", "session_id", sessionID, "error", err)
		}
	}()
}
