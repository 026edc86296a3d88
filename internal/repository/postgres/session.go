package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fable/internal/domain"
	"fable/internal/domain/models/chat"
	chatrepo "fable/internal/domain/repositories/chat"
)

// SessionStore implements the chat session persistence collaborator.
type SessionStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ chatrepo.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a postgres-backed session store.
func NewSessionStore(pool *pgxpool.Pool, logger *slog.Logger) *SessionStore {
	return &SessionStore{pool: pool, logger: logger}
}

// SaveSession upserts session metadata.
func (s *SessionStore) SaveSession(ctx context.Context, session *chat.Session) error {
	character, err := json.Marshal(session.Character)
	if err != nil {
		return fmt.Errorf("encode character: %w", err)
	}
	settings, err := json.Marshal(session.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	var cache []byte
	if session.CompressedCache != nil {
		cache, err = json.Marshal(session.CompressedCache)
		if err != nil {
			return fmt.Errorf("encode compressed cache: %w", err)
		}
	}

	const query = `
		INSERT INTO sessions (id, title, character, user_name, notes, post_history_instructions,
			settings, compressed_cache, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			character = EXCLUDED.character,
			user_name = EXCLUDED.user_name,
			notes = EXCLUDED.notes,
			post_history_instructions = EXCLUDED.post_history_instructions,
			settings = EXCLUDED.settings,
			compressed_cache = EXCLUDED.compressed_cache,
			updated_at = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		session.ID, session.Title, character, session.UserName,
		session.Notes, session.PostHistoryInstructions,
		settings, cache, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// SaveMessages replaces the stored message list for a session. Delete plus
// insert in one transaction keeps the stored order identical to the
// in-memory list without diffing.
func (s *SessionStore) SaveMessages(ctx context.Context, sessionID string, messages []*chat.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			s.logger.Warn("rollback failed", "session_id", sessionID, "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear messages for %s: %w", sessionID, err)
	}

	batch := &pgx.Batch{}
	for seq, m := range messages {
		var variations []byte
		if len(m.Variations) > 0 {
			variations, err = json.Marshal(m.Variations)
			if err != nil {
				return fmt.Errorf("encode variations for %s: %w", m.ID, err)
			}
		}
		batch.Queue(`
			INSERT INTO messages (id, session_id, seq, role, content, variations,
				current_variation, status, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			m.ID, sessionID, seq, m.Role, m.Content, variations,
			m.CurrentVariation, m.Status, m.Error, m.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert messages for %s: %w", sessionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit messages for %s: %w", sessionID, err)
	}
	return nil
}

// LoadSession returns a stored session with its ordered messages.
func (s *SessionStore) LoadSession(ctx context.Context, sessionID string) (*chat.Session, error) {
	session, err := s.scanSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, role, content, variations, current_variation, status, error, created_at
		FROM messages WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", sessionID, err)
	}
	defer rows.Close()

	for rows.Next() {
		m := &chat.Message{}
		var variations []byte
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &variations,
			&m.CurrentVariation, &m.Status, &m.Error, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(variations) > 0 {
			if err := json.Unmarshal(variations, &m.Variations); err != nil {
				return nil, fmt.Errorf("decode variations for %s: %w", m.ID, err)
			}
		}
		session.Messages = append(session.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages for %s: %w", sessionID, err)
	}

	return session, nil
}

// ListSessions returns stored sessions without their message lists.
func (s *SessionStore) ListSessions(ctx context.Context) ([]*chat.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, character, user_name, notes, post_history_instructions,
			settings, compressed_cache, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*chat.Session
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session; messages cascade.
func (s *SessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Message: fmt.Sprintf("session %s not found", sessionID)}
	}
	return nil
}

func (s *SessionStore) scanSession(ctx context.Context, sessionID string) (*chat.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, character, user_name, notes, post_history_instructions,
			settings, compressed_cache, created_at, updated_at
		FROM sessions WHERE id = $1`, sessionID)

	session, err := scanSessionRow(row)
	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, &domain.NotFoundError{Message: fmt.Sprintf("session %s not found", sessionID)}
		}
		return nil, err
	}
	return session, nil
}

// scanSessionRow decodes one session row from either QueryRow or Query.
func scanSessionRow(row pgx.Row) (*chat.Session, error) {
	session := &chat.Session{}
	var character, settings, cache []byte

	if err := row.Scan(&session.ID, &session.Title, &character, &session.UserName,
		&session.Notes, &session.PostHistoryInstructions,
		&settings, &cache, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(character, &session.Character); err != nil {
		return nil, fmt.Errorf("decode character for %s: %w", session.ID, err)
	}
	if err := json.Unmarshal(settings, &session.Settings); err != nil {
		return nil, fmt.Errorf("decode settings for %s: %w", session.ID, err)
	}
	if len(cache) > 0 {
		session.CompressedCache = &chat.CompressedContextCache{}
		if err := json.Unmarshal(cache, session.CompressedCache); err != nil {
			return nil, fmt.Errorf("decode compressed cache for %s: %w", session.ID, err)
		}
	}
	return session, nil
}
