// Package store provides storage backends for ReviewLoop sessions.
//
// This file implements an in-memory store used in tests and single-process
// development setups.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/kaiwalabs/reviewloop/internal/models"
)

// InMemoryStore is a mutex-guarded map-backed Store.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*models.Session)}
}

// CreateSession inserts a new session record.
func (s *InMemoryStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		return models.ErrEmptySessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	cp.Transcript = sess.Transcript.Clone()
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.sessions[sess.ID] = &cp
	return nil
}

// GetSession returns a copy of the stored session.
func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	cp := *sess
	cp.Transcript = sess.Transcript.Clone()
	return &cp, nil
}

// UpdateSession applies a whole-field update.
func (s *InMemoryStore) UpdateSession(ctx context.Context, id string, upd models.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.ErrSessionNotFound
	}
	if upd.Transcript != nil {
		sess.Transcript = upd.Transcript.Clone()
	}
	if upd.Status != nil {
		sess.Status = *upd.Status
	}
	if upd.ReviewText != nil {
		sess.ReviewText = *upd.ReviewText
	}
	if upd.Rating != nil {
		sess.Rating = *upd.Rating
	}
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
