// Package models defines the core data structures for ReviewLoop.
//
// It includes the interview transcript types, session state, review artifacts,
// and the API response envelope shared across modules.
package models

import (
	"errors"
	"time"
)

// MessageRole identifies the author of a transcript message.
type MessageRole string

const (
	// RoleUser marks a message submitted by the interviewee.
	RoleUser MessageRole = "user"
	// RoleAgent marks a message produced by the conversational agent.
	RoleAgent MessageRole = "agent"
)

// Validation constants for input validation
const (
	// MaxMessageTextLength defines the maximum allowed length for a single message
	MaxMessageTextLength = 4096
	// MaxTranscriptMessages defines the maximum number of messages kept in one transcript
	MaxTranscriptMessages = 200
)

// Error variables for better error handling and testability
var (
	ErrEmptyMessageText   = errors.New("message text cannot be empty")
	ErrMessageTextTooLong = errors.New("message text exceeds maximum length")
	ErrInvalidMessageRole = errors.New("invalid message role")
	ErrEmptySessionID     = errors.New("session id cannot be empty")
	ErrInvalidRating      = errors.New("rating must be between 1 and 5")
	ErrSessionNotFound    = errors.New("session not found")
)

// IsValidMessageRole checks if the given role is supported.
func IsValidMessageRole(r MessageRole) bool {
	switch r {
	case RoleUser, RoleAgent:
		return true
	default:
		return false
	}
}

// Message is a single transcript entry. Immutable once created.
type Message struct {
	Role      MessageRole `json:"role"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage creates a timestamped message.
func NewMessage(role MessageRole, text string) Message {
	return Message{Role: role, Text: text, Timestamp: time.Now().UTC()}
}

// Validate performs validation on a Message.
func (m *Message) Validate() error {
	if !IsValidMessageRole(m.Role) {
		return ErrInvalidMessageRole
	}
	if m.Text == "" {
		return ErrEmptyMessageText
	}
	if len(m.Text) > MaxMessageTextLength {
		return ErrMessageTextTooLong
	}
	return nil
}

// Transcript is the ordered conversation history. Insertion order is
// chronological and significant.
type Transcript []Message

// Clone returns a deep copy so callers can hand transcripts across component
// boundaries without sharing backing arrays.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return nil
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// UserTurns counts the user-role messages, which defines the round count.
func (t Transcript) UserTurns() int {
	n := 0
	for _, m := range t {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// LastAgentText returns the text of the most recent agent message, or "".
func (t Transcript) LastAgentText() string {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role == RoleAgent {
			return t[i].Text
		}
	}
	return ""
}

// ConnectionStatus describes the transport channel state as reported to
// observers. It is not persisted.
type ConnectionStatus string

const (
	// StatusConnecting indicates a connection or reconnection attempt is in progress.
	StatusConnecting ConnectionStatus = "connecting"
	// StatusConnected indicates the duplex channel is usable.
	StatusConnected ConnectionStatus = "connected"
	// StatusDisconnected indicates the channel is down.
	StatusDisconnected ConnectionStatus = "disconnected"
	// StatusFallback indicates reconnection attempts are exhausted and the
	// session is served by the request/response path until torn down.
	StatusFallback ConnectionStatus = "fallback"
)

// SessionStatus describes the lifecycle stage of an interview session.
type SessionStatus string

const (
	// SessionActive indicates the interview is in progress.
	SessionActive SessionStatus = "active"
	// SessionCompleting indicates review generation is in flight.
	SessionCompleting SessionStatus = "completing"
	// SessionCompleted is terminal: the review has been generated and persisted.
	SessionCompleted SessionStatus = "completed"
)

// IsValidSessionStatus checks if the given session status is valid.
func IsValidSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionActive, SessionCompleting, SessionCompleted:
		return true
	default:
		return false
	}
}

// SessionState tracks interview progress. RoundCount equals the number of
// user-role messages in the transcript. Completed transitions false to true
// exactly once per session.
type SessionState struct {
	RoundCount          int      `json:"round_count"`
	SufficiencyScore    int      `json:"sufficiency_score"`
	SatisfiedCategories []string `json:"satisfied_categories,omitempty"`
	Completed           bool     `json:"completed"`
}

// ReviewArtifact is the output of review generation, produced once per session.
type ReviewArtifact struct {
	Text   string `json:"text"`
	Rating int    `json:"rating"`
}

// Validate checks a ReviewArtifact before persistence.
func (r *ReviewArtifact) Validate() error {
	if r.Rating < 1 || r.Rating > 5 {
		return ErrInvalidRating
	}
	return nil
}

// Session is the durable record of one interview.
type Session struct {
	ID         string         `json:"id"`
	Context    map[string]any `json:"context,omitempty"`
	Transcript Transcript     `json:"transcript"`
	Status     SessionStatus  `json:"status"`
	ReviewText string         `json:"review_text,omitempty"`
	Rating     int            `json:"rating,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// SessionUpdate carries whole-field replacements for a session record. Nil
// fields are left untouched; non-nil fields replace the stored value entirely.
type SessionUpdate struct {
	Transcript *Transcript
	Status     *SessionStatus
	ReviewText *string
	Rating     *int
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
