// Package handoff finalizes interview sessions: it requests review text and
// persists the terminal completed state exactly once.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kaiwalabs/reviewloop/internal/fallback"
	"github.com/kaiwalabs/reviewloop/internal/models"
	"github.com/kaiwalabs/reviewloop/internal/store"
)

// Completion policy constants.
const (
	// DefaultRating is persisted alongside generated review text.
	DefaultRating = 4
	// ReviewMaxAttempts bounds fallback review request attempts.
	ReviewMaxAttempts = 3
	// ReviewRetryBase is multiplied by the attempt number for linear backoff.
	ReviewRetryBase = 1000 * time.Millisecond
)

// defaultReviewText is the synthesized review used when every generation path
// is exhausted. Completion never fails outright for lack of review text.
const defaultReviewText = "丁寧に対応していただきました。全体的に満足のいく体験でした。また利用したいと思います。"

// ChannelReviewFunc requests review text over the duplex channel. It should
// fail fast when the channel is not connected.
type ChannelReviewFunc func(ctx context.Context) (string, error)

// FallbackReviewer is the request/response review path.
type FallbackReviewer interface {
	RequestReview(ctx context.Context, transcript models.Transcript, meta map[string]any) (*fallback.ReviewResult, error)
}

// Opts holds configuration options for a Handoff.
type Opts struct {
	Fallback      FallbackReviewer
	ChannelReview ChannelReviewFunc
	Meta          map[string]any
	Sleep         func(time.Duration)
	Rating        int
}

// Option defines a configuration option for a Handoff.
type Option func(*Opts)

// WithFallback sets the request/response review path.
func WithFallback(f FallbackReviewer) Option {
	return func(o *Opts) { o.Fallback = f }
}

// WithChannelReview sets the duplex-channel review path, tried first.
func WithChannelReview(fn ChannelReviewFunc) Option {
	return func(o *Opts) { o.ChannelReview = fn }
}

// WithMeta sets the business context forwarded to review requests.
func WithMeta(meta map[string]any) Option {
	return func(o *Opts) { o.Meta = meta }
}

// WithSleep injects the retry backoff sleeper (tests).
func WithSleep(fn func(time.Duration)) Option {
	return func(o *Opts) { o.Sleep = fn }
}

// WithRating overrides the default persisted rating.
func WithRating(r int) Option {
	return func(o *Opts) { o.Rating = r }
}

// Handoff drives one session through active -> completing -> completed.
// Completed is terminal; the guard ensures exactly one persisted completion
// write even under racing triggers.
type Handoff struct {
	sessionID     string
	store         store.Store
	fb            FallbackReviewer
	channelReview ChannelReviewFunc
	meta          map[string]any
	sleep         func(time.Duration)
	rating        int

	mu       sync.Mutex
	state    models.SessionStatus
	artifact *models.ReviewArtifact
	doneCh   chan struct{}
}

// New creates a Handoff for the given session.
func New(sessionID string, st store.Store, opts ...Option) *Handoff {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.Rating == 0 {
		cfg.Rating = DefaultRating
	}
	return &Handoff{
		sessionID:     sessionID,
		store:         st,
		fb:            cfg.Fallback,
		channelReview: cfg.ChannelReview,
		meta:          cfg.Meta,
		sleep:         cfg.Sleep,
		rating:        cfg.Rating,
		state:         models.SessionActive,
	}
}

// State returns the current lifecycle stage.
func (h *Handoff) State() models.SessionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Completed reports whether the session has reached the terminal state.
func (h *Handoff) Completed() bool {
	return h.State() == models.SessionCompleted
}

// Complete finalizes the session: generates review text and persists the
// completed status with it. Safe to call concurrently; exactly one persisted
// completion write results. A persistence failure is propagated (completion is
// never falsely reported) and leaves the session eligible for retry.
func (h *Handoff) Complete(ctx context.Context, transcript models.Transcript) (*models.ReviewArtifact, error) {
	for {
		h.mu.Lock()
		switch h.state {
		case models.SessionCompleted:
			a := *h.artifact
			h.mu.Unlock()
			slog.Debug("Handoff.Complete: already completed", "session_id", h.sessionID)
			return &a, nil
		case models.SessionCompleting:
			ch := h.doneCh
			h.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		h.state = models.SessionCompleting
		h.doneCh = make(chan struct{})
		h.mu.Unlock()
		break
	}

	text := h.generateReview(ctx, transcript)
	artifact := models.ReviewArtifact{Text: text, Rating: h.rating}

	status := models.SessionCompleted
	snapshot := transcript.Clone()
	err := h.store.UpdateSession(ctx, h.sessionID, models.SessionUpdate{
		Transcript: &snapshot,
		Status:     &status,
		ReviewText: &artifact.Text,
		Rating:     &artifact.Rating,
	})

	h.mu.Lock()
	close(h.doneCh)
	h.doneCh = nil
	if err != nil {
		h.state = models.SessionActive
		h.mu.Unlock()
		slog.Error("Handoff.Complete: completion persistence failed", "error", err, "session_id", h.sessionID)
		return nil, fmt.Errorf("completion persistence failed: %w", err)
	}
	h.state = models.SessionCompleted
	h.artifact = &artifact
	h.mu.Unlock()
	slog.Info("Handoff.Complete: session completed", "session_id", h.sessionID, "rating", artifact.Rating)
	return &artifact, nil
}

// MarkExternallyCompleted records a completed status observed from an external
// store update. No persistence happens here; the external actor already wrote
// the terminal state. The guard prevents a later local Complete from writing a
// second completion.
func (h *Handoff) MarkExternallyCompleted(artifact models.ReviewArtifact) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != models.SessionActive {
		return
	}
	h.state = models.SessionCompleted
	h.artifact = &artifact
	slog.Info("Handoff: completion observed externally", "session_id", h.sessionID)
}

// generateReview obtains review text: duplex channel first, then the fallback
// path with bounded linear-backoff retries, then the synthesized default.
func (h *Handoff) generateReview(ctx context.Context, transcript models.Transcript) string {
	if h.channelReview != nil {
		text, err := h.channelReview(ctx)
		if err == nil && text != "" {
			slog.Debug("Handoff.generateReview: channel path succeeded", "session_id", h.sessionID)
			return text
		}
		slog.Warn("Handoff.generateReview: channel path failed, trying fallback", "error", err, "session_id", h.sessionID)
	}

	if h.fb != nil {
		for attempt := 1; attempt <= ReviewMaxAttempts; attempt++ {
			res, err := h.fb.RequestReview(ctx, transcript, h.meta)
			if err == nil {
				slog.Debug("Handoff.generateReview: fallback succeeded", "attempt", attempt, "session_id", h.sessionID)
				return res.ReviewText
			}
			if !fallback.IsRetryable(err) {
				slog.Warn("Handoff.generateReview: remote error, not retrying", "error", err, "session_id", h.sessionID)
				break
			}
			slog.Warn("Handoff.generateReview: fallback attempt failed", "attempt", attempt, "error", err, "session_id", h.sessionID)
			if attempt < ReviewMaxAttempts {
				h.sleep(time.Duration(attempt) * ReviewRetryBase)
			}
		}
	}

	slog.Warn("Handoff.generateReview: all paths exhausted, using default review text", "session_id", h.sessionID)
	return defaultReviewText
}
