// Package postgres implements the session storage collaborator over
// PostgreSQL. The generation path treats it as fire-and-forget; the schema
// stays a faithful dump of the in-memory session state.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CreateConnectionPool creates a pgx connection pool for the store.
func CreateConnectionPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates the session tables when they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id UUID PRIMARY KEY,
	title VARCHAR(255) NOT NULL,
	character JSONB NOT NULL,
	user_name VARCHAR(128) NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	post_history_instructions TEXT NOT NULL DEFAULT '',
	settings JSONB NOT NULL,
	compressed_cache JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id UUID PRIMARY KEY,
	session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq INT NOT NULL,
	role VARCHAR(16) NOT NULL,
	content TEXT NOT NULL,
	variations JSONB,
	current_variation INT NOT NULL DEFAULT 0,
	status VARCHAR(16) NOT NULL DEFAULT '',
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
