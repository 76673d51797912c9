// Package store provides storage backends for ReviewLoop sessions.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/kaiwalabs/reviewloop/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists sessions in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(strings.TrimPrefix(dsn, "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		return models.ErrEmptySessionID
	}
	contextJSON, transcriptJSON, err := encodeSessionFields(sess.Context, sess.Transcript)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, context, transcript, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, contextJSON, transcriptJSON, string(sess.Status), now, now)
	if err != nil {
		slog.Error("SQLiteStore CreateSession failed", "error", err, "session_id", sess.ID)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "session_id", sess.ID)
	return nil
}

// GetSession returns the session with the given ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, context, transcript, status, review_text, rating, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	return sess, nil
}

// UpdateSession applies a whole-field update to the session.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, upd models.SessionUpdate) error {
	setClauses, args, err := buildUpdateClauses(upd, func(int) string { return "?" })
	if err != nil {
		return err
	}
	if len(setClauses) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE sessions SET %s, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, strings.Join(setClauses, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore UpdateSession failed", "error", err, "session_id", id)
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	slog.Debug("SQLiteStore UpdateSession succeeded", "session_id", id)
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeSessionFields marshals the JSON-typed columns.
func encodeSessionFields(contextMap map[string]any, transcript models.Transcript) (any, string, error) {
	var contextJSON any
	if contextMap != nil {
		b, err := json.Marshal(contextMap)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal session context: %w", err)
		}
		contextJSON = string(b)
	}
	if transcript == nil {
		transcript = models.Transcript{}
	}
	tb, err := json.Marshal(transcript)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal transcript: %w", err)
	}
	return contextJSON, string(tb), nil
}

// buildUpdateClauses translates a SessionUpdate into SET clauses. The
// placeholder function maps an argument ordinal to the driver's placeholder
// syntax (always "?" for SQLite, "$n" for Postgres).
func buildUpdateClauses(upd models.SessionUpdate, placeholder func(int) string) ([]string, []any, error) {
	var clauses []string
	var args []any
	n := 0
	next := func() string {
		n++
		return placeholder(n)
	}
	if upd.Transcript != nil {
		b, err := json.Marshal(*upd.Transcript)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal transcript: %w", err)
		}
		clauses = append(clauses, "transcript = "+next())
		args = append(args, string(b))
	}
	if upd.Status != nil {
		if !models.IsValidSessionStatus(*upd.Status) {
			return nil, nil, fmt.Errorf("invalid session status %q", *upd.Status)
		}
		clauses = append(clauses, "status = "+next())
		args = append(args, string(*upd.Status))
	}
	if upd.ReviewText != nil {
		clauses = append(clauses, "review_text = "+next())
		args = append(args, *upd.ReviewText)
	}
	if upd.Rating != nil {
		clauses = append(clauses, "rating = "+next())
		args = append(args, *upd.Rating)
	}
	return clauses, args, nil
}

// scanSession scans a session row from a single sql.Row.
func scanSession(row *sql.Row) (*models.Session, error) {
	var sess models.Session
	var contextJSON, reviewText sql.NullString
	var rating sql.NullInt64
	var transcriptJSON string
	var status string
	err := row.Scan(&sess.ID, &contextJSON, &transcriptJSON, &status, &reviewText, &rating, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	sess.ReviewText = reviewText.String
	sess.Rating = int(rating.Int64)
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &sess.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session context: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(transcriptJSON), &sess.Transcript); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transcript: %w", err)
	}
	return &sess, nil
}
