// Package store provides storage backends for ReviewLoop sessions.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/kaiwalabs/reviewloop/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists sessions in a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// CreateSession inserts a new session record.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		return models.ErrEmptySessionID
	}
	contextJSON, transcriptJSON, err := encodeSessionFields(sess.Context, sess.Transcript)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, context, transcript, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, contextJSON, transcriptJSON, string(sess.Status), now, now)
	if err != nil {
		slog.Error("PostgresStore CreateSession failed", "error", err, "session_id", sess.ID)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore CreateSession succeeded", "session_id", sess.ID)
	return nil
}

// GetSession returns the session with the given ID.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, context, transcript, status, review_text, rating, created_at, updated_at FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	return sess, nil
}

// UpdateSession applies a whole-field update to the session.
func (s *PostgresStore) UpdateSession(ctx context.Context, id string, upd models.SessionUpdate) error {
	setClauses, args, err := buildUpdateClauses(upd, func(n int) string { return "$" + strconv.Itoa(n) })
	if err != nil {
		return err
	}
	if len(setClauses) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE sessions SET %s, updated_at = NOW() WHERE id = $%d`, strings.Join(setClauses, ", "), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore UpdateSession failed", "error", err, "session_id", id)
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	slog.Debug("PostgresStore UpdateSession succeeded", "session_id", id)
	return nil
}

// Close releases the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
