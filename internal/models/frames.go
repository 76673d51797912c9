// Package models defines the core data structures for ReviewLoop.
//
// This file defines the duplex channel wire protocol: JSON envelopes
// discriminated by a "type" field, validated at the boundary. Unrecognized or
// malformed inbound frames fail closed as protocol errors and are dropped by
// the channel rather than passed through.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType discriminates wire frames on the duplex channel.
type FrameType string

// Outbound frame types (engine to agent).
const (
	FrameInit           FrameType = "init"
	FrameMessage        FrameType = "message"
	FrameGenerateReview FrameType = "generate_review"
	FramePong           FrameType = "pong"
)

// Inbound frame types (agent to engine).
const (
	FrameReady    FrameType = "ready"
	FrameChunk    FrameType = "chunk"
	FrameComplete FrameType = "complete"
	FrameReview   FrameType = "review"
	FrameError    FrameType = "error"
	FramePing     FrameType = "ping"
)

// Protocol error variables. A frame failing validation is logged and dropped;
// it never causes a state change.
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unknown frame type")
)

// Frame is the wire envelope for all channel traffic. Only the fields relevant
// to the discriminating type are populated.
type Frame struct {
	Type FrameType `json:"type"`

	// init
	Context    map[string]any `json:"context,omitempty"`
	Transcript Transcript     `json:"transcript,omitempty"`

	// message
	Message *Message `json:"message,omitempty"`

	// pong
	Timestamp int64 `json:"timestamp,omitempty"`

	// chunk
	Content string `json:"content,omitempty"`

	// complete
	FullResponse string     `json:"fullResponse,omitempty"`
	IsCompleted  bool       `json:"isCompleted,omitempty"`
	Conversation Transcript `json:"conversation,omitempty"`

	// review
	ReviewText string `json:"reviewText,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// NewInitFrame builds the session-opening frame carrying business context and
// any transcript accumulated before the channel came up.
func NewInitFrame(context map[string]any, transcript Transcript) Frame {
	return Frame{Type: FrameInit, Context: context, Transcript: transcript.Clone()}
}

// NewMessageFrame wraps one user message for transmission.
func NewMessageFrame(msg Message) Frame {
	return Frame{Type: FrameMessage, Message: &msg}
}

// NewGenerateReviewFrame requests review generation over the channel.
func NewGenerateReviewFrame() Frame {
	return Frame{Type: FrameGenerateReview}
}

// NewPongFrame answers a ping.
func NewPongFrame(timestamp int64) Frame {
	return Frame{Type: FramePong, Timestamp: timestamp}
}

// Encode marshals a frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// ParseInboundFrame decodes and validates a frame received from the agent.
// It accepts only the closed set of inbound frame types; anything else fails
// closed with ErrUnknownFrame or ErrMalformedFrame.
func ParseInboundFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case FrameReady, FramePing:
		return &f, nil
	case FrameChunk:
		return &f, nil
	case FrameComplete:
		for _, m := range f.Conversation {
			if !IsValidMessageRole(m.Role) {
				return nil, fmt.Errorf("%w: complete frame carries role %q", ErrMalformedFrame, m.Role)
			}
		}
		return &f, nil
	case FrameReview:
		if f.ReviewText == "" {
			return nil, fmt.Errorf("%w: review frame without reviewText", ErrMalformedFrame)
		}
		return &f, nil
	case FrameError:
		if f.Error == "" {
			return nil, fmt.Errorf("%w: error frame without error detail", ErrMalformedFrame)
		}
		return &f, nil
	case "":
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
}

// ParseOutboundFrame decodes and validates a frame received from the engine.
// The agent service uses this on its side of the channel.
func ParseOutboundFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case FrameInit, FrameGenerateReview, FramePong:
		return &f, nil
	case FrameMessage:
		if f.Message == nil {
			return nil, fmt.Errorf("%w: message frame without message", ErrMalformedFrame)
		}
		if err := f.Message.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &f, nil
	case "":
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
}
