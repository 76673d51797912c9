// Package agent implements the in-process agent service: the remote side of
// the interview wire protocol. It serves the duplex websocket endpoint and the
// single-shot fallback HTTP endpoints, backed by a pluggable Responder.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/kaiwalabs/reviewloop/internal/conversation"
	"github.com/kaiwalabs/reviewloop/internal/genai"
	"github.com/kaiwalabs/reviewloop/internal/models"
)

// Default configuration constants
const (
	// DefaultPingInterval is the heartbeat interval on the duplex channel.
	DefaultPingInterval = 30 * time.Second
	// DefaultChunkSize is the number of runes per streamed chunk frame.
	DefaultChunkSize = 24
)

// Responder produces agent output. Implementations must be safe for
// concurrent use across connections.
type Responder interface {
	// Reply produces the next interviewer message for the transcript. done
	// reports whether the interview should end.
	Reply(ctx context.Context, transcript models.Transcript, meta map[string]any) (reply string, done bool, err error)

	// Review produces review text from a finished transcript.
	Review(ctx context.Context, transcript models.Transcript, meta map[string]any) (string, error)
}

// GenAIResponder adapts the GenAI client to the Responder interface.
type GenAIResponder struct {
	client genai.ClientInterface
}

// NewGenAIResponder wraps a GenAI client.
func NewGenAIResponder(client genai.ClientInterface) *GenAIResponder {
	return &GenAIResponder{client: client}
}

// Reply generates the next interviewer message.
func (r *GenAIResponder) Reply(ctx context.Context, transcript models.Transcript, meta map[string]any) (string, bool, error) {
	return r.client.GenerateReply(ctx, transcript, metaContext(meta))
}

// Review generates review text.
func (r *GenAIResponder) Review(ctx context.Context, transcript models.Transcript, meta map[string]any) (string, error) {
	return r.client.GenerateReview(ctx, transcript, metaContext(meta))
}

// metaContext flattens the business context map for the model prompt.
func metaContext(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(b)
}

// Opts holds configuration options for the agent server.
type Opts struct {
	PingInterval time.Duration
	ChunkSize    int
}

// Option defines a configuration option for the agent server.
type Option func(*Opts)

// WithPingInterval overrides the heartbeat interval.
func WithPingInterval(d time.Duration) Option {
	return func(o *Opts) { o.PingInterval = d }
}

// WithChunkSize overrides the streamed chunk size.
func WithChunkSize(n int) Option {
	return func(o *Opts) { o.ChunkSize = n }
}

// Server serves the agent side of the interview protocol.
type Server struct {
	responder    Responder
	pingInterval time.Duration
	chunkSize    int
}

// NewServer creates an agent server over the given responder.
func NewServer(responder Responder, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Server{responder: responder, pingInterval: cfg.PingInterval, chunkSize: cfg.ChunkSize}
}

// Routes returns the agent service router: the websocket endpoint plus the
// fallback request/response endpoints.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWebSocket)
	r.Post("/api/conversation", s.handleConversation)
	r.Post("/api/review", s.handleReview)
	return r
}

// wsSession is the per-connection state of one duplex session.
type wsSession struct {
	ws         *websocket.Conn
	writeMu    sync.Mutex
	transcript models.Transcript
	meta       map[string]any
}

// writeFrame serializes one frame onto the socket. Writes are serialized so
// the ping loop and the handler never interleave partial frames.
func (sess *wsSession) writeFrame(ctx context.Context, f models.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return sess.ws.Write(ctx, websocket.MessageText, data)
}

// handleWebSocket runs one duplex interview connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("agent: failed to accept websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("agent: websocket close failed", "error", closeErr)
		}
	}()
	ws.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := &wsSession{ws: ws}
	slog.Info("agent: duplex session opened", "remote", r.RemoteAddr)

	go s.pingLoop(ctx, sess)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("agent: websocket closed by client")
			} else if ctx.Err() == nil {
				slog.Warn("agent: websocket read error", "error", err)
			}
			return
		}

		frame, perr := models.ParseOutboundFrame(data)
		if perr != nil {
			slog.Warn("agent: dropping invalid frame", "error", perr)
			if werr := sess.writeFrame(ctx, models.Frame{Type: models.FrameError, Error: "invalid frame"}); werr != nil {
				return
			}
			continue
		}

		switch frame.Type {
		case models.FrameInit:
			sess.meta = frame.Context
			sess.transcript = frame.Transcript.Clone()
			if err := sess.writeFrame(ctx, models.Frame{Type: models.FrameReady}); err != nil {
				return
			}
			// Re-inits after a reconnect already carry the greeting; only a
			// fresh session gets one.
			if sess.transcript.LastAgentText() == "" {
				if err := s.respond(ctx, sess); err != nil {
					return
				}
			}

		case models.FrameMessage:
			sess.transcript = append(sess.transcript, *frame.Message)
			if err := s.respond(ctx, sess); err != nil {
				return
			}

		case models.FrameGenerateReview:
			text, rerr := s.responder.Review(ctx, sess.transcript, sess.meta)
			var out models.Frame
			if rerr != nil {
				slog.Error("agent: review generation failed", "error", rerr)
				out = models.Frame{Type: models.FrameError, Error: "review generation failed"}
			} else {
				out = models.Frame{Type: models.FrameReview, ReviewText: text}
			}
			if err := sess.writeFrame(ctx, out); err != nil {
				return
			}

		case models.FramePong:
			// Heartbeat acknowledged.
		}
	}
}

// respond generates the next agent message, streams it as chunk frames, and
// closes the turn with an authoritative complete frame.
func (s *Server) respond(ctx context.Context, sess *wsSession) error {
	reply, done, err := s.responder.Reply(ctx, sess.transcript, sess.meta)
	if err != nil {
		slog.Error("agent: reply generation failed", "error", err)
		return sess.writeFrame(ctx, models.Frame{Type: models.FrameError, Error: "reply generation failed"})
	}

	runes := []rune(reply)
	for start := 0; start < len(runes); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if err := sess.writeFrame(ctx, models.Frame{Type: models.FrameChunk, Content: string(runes[start:end])}); err != nil {
			return err
		}
	}

	sess.transcript = append(sess.transcript, models.NewMessage(models.RoleAgent, reply))
	return sess.writeFrame(ctx, models.Frame{
		Type:         models.FrameComplete,
		FullResponse: reply,
		IsCompleted:  done,
		Conversation: sess.transcript.Clone(),
	})
}

// pingLoop emits heartbeat pings until the connection context ends.
func (s *Server) pingLoop(ctx context.Context, sess *wsSession) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.writeFrame(ctx, models.Frame{Type: models.FramePing}); err != nil {
				return
			}
		}
	}
}

// conversationRequest is the wire shape of a fallback request.
type conversationRequest struct {
	Conversation models.Transcript `json:"conversation"`
	Context      map[string]any    `json:"context,omitempty"`
}

// conversationResponse is the wire shape of a fallback response.
type conversationResponse struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message,omitempty"`
	IsCompleted  bool     `json:"isCompleted,omitempty"`
	TopicOptions []string `json:"topicOptions,omitempty"`
	ReviewText   string   `json:"reviewText,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// handleConversation serves the single-shot conversation fallback.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, conversationResponse{Success: false, Error: "invalid request body"})
		return
	}

	reply, done, err := s.responder.Reply(r.Context(), req.Conversation, req.Context)
	if err != nil {
		slog.Error("agent: fallback reply failed", "error", err)
		writeJSON(w, http.StatusOK, conversationResponse{Success: false, Error: "reply generation failed"})
		return
	}

	resp := conversationResponse{Success: true, Message: reply, IsCompleted: done}
	if req.Conversation.UserTurns() == 0 {
		resp.TopicOptions = conversation.ExtractTopicOptions(reply)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReview serves the single-shot review fallback.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, conversationResponse{Success: false, Error: "invalid request body"})
		return
	}

	text, err := s.responder.Review(r.Context(), req.Conversation, req.Context)
	if err != nil {
		slog.Error("agent: fallback review failed", "error", err)
		writeJSON(w, http.StatusOK, conversationResponse{Success: false, Error: "review generation failed"})
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Success: true, ReviewText: text})
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("agent: failed to encode response", "error", err)
	}
}
