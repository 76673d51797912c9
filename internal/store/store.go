// Package store provides storage backends for ReviewLoop sessions.
//
// It exposes the persistence gateway contract used by the conversation engine
// (get and whole-field update of a session record) with in-memory, SQLite, and
// PostgreSQL implementations.
package store

import (
	"context"
	"strings"

	"github.com/kaiwalabs/reviewloop/internal/models"
)

// Store is the durable gateway for interview sessions.
//
// UpdateSession applies whole-field replacements: every non-nil field of the
// update replaces the stored value entirely, nil fields are untouched. Updates
// must be idempotent so retried completion writes are safe.
type Store interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, sess *models.Session) error

	// GetSession returns the session with the given ID, or
	// models.ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// UpdateSession applies a whole-field update to the session.
	UpdateSession(ctx context.Context, id string, upd models.SessionUpdate) error

	// Close releases the backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType inspects a DSN and reports "postgres" or "sqlite".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
