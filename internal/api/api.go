// Package api provides HTTP handlers and the main API server logic for ReviewLoop.
//
// It exposes RESTful endpoints for creating interview sessions, submitting
// user turns, and finalizing reviews. Each session gets its own conversation
// controller wired to a duplex channel and the fallback transport.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kaiwalabs/reviewloop/internal/agent"
	"github.com/kaiwalabs/reviewloop/internal/channel"
	"github.com/kaiwalabs/reviewloop/internal/conversation"
	"github.com/kaiwalabs/reviewloop/internal/fallback"
	"github.com/kaiwalabs/reviewloop/internal/genai"
	"github.com/kaiwalabs/reviewloop/internal/models"
	"github.com/kaiwalabs/reviewloop/internal/store"
)

// Default configuration constants
const (
	// DefaultAddr is the default API server listen address.
	DefaultAddr = ":8080"
	// shutdownTimeout bounds graceful server shutdown.
	shutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	AgentBaseURL  string
	AgentWSURL    string
	EmbedAgent    bool
	TurnTimeout   time.Duration
	ReviewTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAgentBaseURL sets the agent service base URL for the fallback transport.
func WithAgentBaseURL(url string) Option {
	return func(o *Opts) { o.AgentBaseURL = url }
}

// WithAgentWSURL sets the agent service websocket URL for the duplex channel.
func WithAgentWSURL(url string) Option {
	return func(o *Opts) { o.AgentWSURL = url }
}

// WithEmbeddedAgent mounts the in-process agent service under /agent and
// points sessions at it unless explicit agent URLs are configured.
func WithEmbeddedAgent() Option {
	return func(o *Opts) { o.EmbedAgent = true }
}

// WithTurnTimeout overrides the per-turn channel wait bound.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) { o.TurnTimeout = d }
}

// WithReviewTimeout overrides the channel review wait bound.
func WithReviewTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ReviewTimeout = d }
}

// sessionEntry bundles the live components of one running session.
type sessionEntry struct {
	ctrl *conversation.Controller
	done chan struct{}
}

// Server is the ReviewLoop API server.
type Server struct {
	st   store.Store
	opts Opts

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// NewServer creates an API server over the given store.
func NewServer(st store.Store, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{st: st, opts: cfg, sessions: make(map[string]*sessionEntry)}
}

// Run builds the store and server from options and serves until the process
// receives SIGINT or SIGTERM.
func Run(storeOpts []store.Option, apiOpts []Option) error {
	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			slog.Warn("api.Run: store close failed", "error", cerr)
		}
	}()

	srv := NewServer(st, apiOpts...)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Serve(ctx)
}

// buildStore selects a backend from the DSN: in-memory when unset, otherwise
// SQLite or PostgreSQL by DSN shape.
func buildStore(opts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("api: no DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		return store.NewPostgresStore(opts...)
	}
	return store.NewSQLiteStore(opts...)
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully and tears down all live sessions.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{Addr: s.opts.Addr, Handler: s.Routes()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("api: server listening", "addr", s.opts.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("api: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("api: server shutdown failed", "error", err)
		}
		s.closeAllSessions()
		return nil
	})
	return g.Wait()
}

// Routes returns the API router. The embedded agent service, when enabled, is
// mounted under /agent so sessions can reach it over loopback.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Post("/sessions", s.handleCreateSession)
	r.Get("/sessions/{id}", s.handleGetSession)
	r.Post("/sessions/{id}/messages", s.handleSubmitMessage)
	r.Post("/sessions/{id}/end", s.handleEndSession)
	r.Delete("/sessions/{id}", s.handleDeleteSession)
	r.Get("/health", s.handleHealth)

	if s.opts.EmbedAgent {
		responder, err := buildEmbeddedResponder()
		if err != nil {
			slog.Warn("api: embedded agent unavailable", "error", err)
		} else {
			r.Mount("/agent", agent.NewServer(responder).Routes())
			slog.Info("api: embedded agent service mounted", "path", "/agent")
		}
	}
	return r
}

// buildEmbeddedResponder constructs the GenAI-backed responder for the
// embedded agent service.
func buildEmbeddedResponder() (agent.Responder, error) {
	client, err := genai.NewClient()
	if err != nil {
		return nil, err
	}
	return agent.NewGenAIResponder(client), nil
}

// agentURLs resolves the fallback base URL and websocket URL for new
// sessions. Explicit configuration wins over the embedded service.
func (s *Server) agentURLs() (baseURL, wsURL string) {
	baseURL = s.opts.AgentBaseURL
	wsURL = s.opts.AgentWSURL
	if s.opts.EmbedAgent {
		host := s.opts.Addr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		if baseURL == "" {
			baseURL = "http://" + host + "/agent"
		}
		if wsURL == "" {
			wsURL = "ws://" + host + "/agent/ws"
		}
	}
	return baseURL, wsURL
}

// createSessionRequest is the body of POST /sessions.
type createSessionRequest struct {
	Context map[string]any `json:"context,omitempty"`
}

// createSessionResponse is the result payload of POST /sessions.
type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// handleCreateSession creates a session record and spins up its conversation
// controller and duplex channel.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResponse(w, http.StatusBadRequest, models.Error("invalid request body"))
			return
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	sess := &models.Session{
		ID:        id,
		Context:   req.Context,
		Status:    models.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.st.CreateSession(r.Context(), sess); err != nil {
		slog.Error("api: session creation failed", "error", err)
		writeResponse(w, http.StatusInternalServerError, models.Error("failed to create session"))
		return
	}

	if err := s.startSession(r.Context(), id, req.Context, nil); err != nil {
		slog.Error("api: session start failed", "session_id", id, "error", err)
		writeResponse(w, http.StatusInternalServerError, models.Error("failed to start session"))
		return
	}

	slog.Info("api: session created", "session_id", id)
	writeResponse(w, http.StatusCreated, models.Success(createSessionResponse{SessionID: id, Status: string(models.SessionActive)}))
}

// startSession wires a controller, fallback transport, and channel for the
// session and registers the live entry.
func (s *Server) startSession(ctx context.Context, id string, meta map[string]any, transcript models.Transcript) error {
	baseURL, wsURL := s.agentURLs()

	ctrlOpts := []conversation.Option{conversation.WithMeta(meta)}
	if transcript != nil {
		ctrlOpts = append(ctrlOpts, conversation.WithTranscript(transcript))
	}
	if s.opts.TurnTimeout > 0 {
		ctrlOpts = append(ctrlOpts, conversation.WithTurnTimeout(s.opts.TurnTimeout))
	}
	if s.opts.ReviewTimeout > 0 {
		ctrlOpts = append(ctrlOpts, conversation.WithReviewTimeout(s.opts.ReviewTimeout))
	}
	if baseURL != "" {
		fb, err := fallback.NewClient(fallback.WithBaseURL(baseURL))
		if err != nil {
			return err
		}
		ctrlOpts = append(ctrlOpts, conversation.WithFallback(fb))
	}

	ctrl := conversation.NewController(id, s.st, ctrlOpts...)
	if wsURL != "" {
		ch := channel.NewWebSocketChannel(wsURL,
			channel.WithOnFrame(ctrl.HandleFrame),
			channel.WithOnStatus(ctrl.HandleStatus),
		)
		ctrl.AttachChannel(ch)
	}

	entry := &sessionEntry{ctrl: ctrl, done: make(chan struct{})}
	s.mu.Lock()
	s.sessions[id] = entry
	s.mu.Unlock()

	go drainEvents(id, ctrl, entry.done)

	if err := ctrl.Start(ctx); err != nil {
		s.teardownSession(id)
		return err
	}
	return nil
}

// drainEvents consumes the controller event stream so the buffer never fills.
// Events are surfaced in logs; a push surface can subscribe here later.
func drainEvents(id string, ctrl *conversation.Controller, done <-chan struct{}) {
	for {
		select {
		case ev := <-ctrl.Events():
			slog.Debug("api: session event", "session_id", id, "type", ev.Type, "status", ev.Status)
		case <-done:
			return
		}
	}
}

// lookup returns the live session entry for the given ID.
func (s *Server) lookup(id string) (*sessionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	return entry, ok
}

// teardownSession closes and unregisters a live session.
func (s *Server) teardownSession(id string) {
	s.mu.Lock()
	entry, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	close(entry.done)
	if err := entry.ctrl.Close(); err != nil {
		slog.Warn("api: session close failed", "session_id", id, "error", err)
	}
}

// closeAllSessions tears down every live session during shutdown.
func (s *Server) closeAllSessions() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.teardownSession(id)
	}
	slog.Info("api: all sessions closed", "count", len(ids))
}

// submitMessageRequest is the body of POST /sessions/{id}/messages.
type submitMessageRequest struct {
	Text string `json:"text"`
}

// handleSubmitMessage submits one user turn to the session.
func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, ok := s.lookup(id)
	if !ok {
		writeResponse(w, http.StatusNotFound, models.Error("session not found"))
		return
	}

	var req submitMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}

	result, err := entry.ctrl.Submit(r.Context(), req.Text)
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrSessionCompleted):
			writeResponse(w, http.StatusConflict, models.Error("session already completed"))
		case errors.Is(err, conversation.ErrSessionClosed):
			writeResponse(w, http.StatusGone, models.Error("session closed"))
		case errors.Is(err, models.ErrEmptyMessageText), errors.Is(err, models.ErrMessageTextTooLong):
			writeResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		default:
			slog.Error("api: turn submission failed", "session_id", id, "error", err)
			writeResponse(w, http.StatusInternalServerError, models.Error("failed to process message"))
		}
		return
	}
	writeResponse(w, http.StatusOK, models.Success(result))
}

// endSessionResponse is the result payload of POST /sessions/{id}/end.
type endSessionResponse struct {
	ReviewText string `json:"review_text"`
	Rating     int    `json:"rating"`
}

// handleEndSession finalizes the interview and returns the review artifact.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, ok := s.lookup(id)
	if !ok {
		writeResponse(w, http.StatusNotFound, models.Error("session not found"))
		return
	}

	artifact, err := entry.ctrl.End(r.Context())
	if err != nil {
		if errors.Is(err, conversation.ErrSessionClosed) {
			writeResponse(w, http.StatusGone, models.Error("session closed"))
			return
		}
		slog.Error("api: session completion failed", "session_id", id, "error", err)
		writeResponse(w, http.StatusInternalServerError, models.Error("failed to complete session"))
		return
	}
	writeResponse(w, http.StatusOK, models.Success(endSessionResponse{ReviewText: artifact.Text, Rating: artifact.Rating}))
}

// sessionResponse is the result payload of GET /sessions/{id}.
type sessionResponse struct {
	Session *models.Session      `json:"session"`
	State   *models.SessionState `json:"state,omitempty"`
	Topics  []string             `json:"topic_options,omitempty"`
}

// handleGetSession returns the stored session plus live progress state when
// the session is still running.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.st.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			writeResponse(w, http.StatusNotFound, models.Error("session not found"))
			return
		}
		slog.Error("api: session lookup failed", "session_id", id, "error", err)
		writeResponse(w, http.StatusInternalServerError, models.Error("failed to load session"))
		return
	}

	resp := sessionResponse{Session: sess}
	if entry, ok := s.lookup(id); ok {
		state := entry.ctrl.State()
		resp.State = &state
		resp.Topics = entry.ctrl.TopicOptions()
	}
	writeResponse(w, http.StatusOK, models.Success(resp))
}

// handleDeleteSession tears down the live session. The stored record is kept.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.lookup(id); !ok {
		writeResponse(w, http.StatusNotFound, models.Error("session not found"))
		return
	}
	s.teardownSession(id)
	slog.Info("api: session torn down", "session_id", id)
	writeResponse(w, http.StatusOK, models.Success(nil))
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// writeResponse writes the standard API envelope.
func writeResponse(w http.ResponseWriter, status int, resp models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("api: failed to encode response", "error", err)
	}
}
