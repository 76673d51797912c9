package models

import (
	"strings"
	"testing"
)

func TestMessageValidate(t *testing.T) {
	msg := NewMessage(RoleUser, "接客が良かったです")
	if err := msg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	empty := NewMessage(RoleUser, "")
	if err := empty.Validate(); err != ErrEmptyMessageText {
		t.Errorf("expected ErrEmptyMessageText, got %v", err)
	}

	long := NewMessage(RoleUser, strings.Repeat("a", MaxMessageTextLength+1))
	if err := long.Validate(); err != ErrMessageTextTooLong {
		t.Errorf("expected ErrMessageTextTooLong, got %v", err)
	}

	bad := Message{Role: "system", Text: "hi"}
	if err := bad.Validate(); err != ErrInvalidMessageRole {
		t.Errorf("expected ErrInvalidMessageRole, got %v", err)
	}
}

func TestTranscriptClone(t *testing.T) {
	orig := Transcript{
		NewMessage(RoleAgent, "こんにちは"),
		NewMessage(RoleUser, "はい"),
	}
	cp := orig.Clone()
	cp[0].Text = "changed"
	if orig[0].Text != "こんにちは" {
		t.Error("Clone shares backing array with original")
	}

	var nilT Transcript
	if nilT.Clone() != nil {
		t.Error("cloning a nil transcript should return nil")
	}
}

func TestTranscriptUserTurns(t *testing.T) {
	tr := Transcript{
		NewMessage(RoleAgent, "q1"),
		NewMessage(RoleUser, "a1"),
		NewMessage(RoleAgent, "q2"),
		NewMessage(RoleUser, "a2"),
		NewMessage(RoleUser, "a3"),
	}
	if got := tr.UserTurns(); got != 3 {
		t.Errorf("UserTurns = %d, want 3", got)
	}
}

func TestTranscriptLastAgentText(t *testing.T) {
	tr := Transcript{
		NewMessage(RoleAgent, "first"),
		NewMessage(RoleUser, "answer"),
		NewMessage(RoleAgent, "second"),
	}
	if got := tr.LastAgentText(); got != "second" {
		t.Errorf("LastAgentText = %q, want %q", got, "second")
	}

	onlyUser := Transcript{NewMessage(RoleUser, "hi")}
	if got := onlyUser.LastAgentText(); got != "" {
		t.Errorf("LastAgentText = %q, want empty", got)
	}
}

func TestReviewArtifactValidate(t *testing.T) {
	good := ReviewArtifact{Text: "great", Rating: 4}
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, rating := range []int{0, 6, -1} {
		bad := ReviewArtifact{Text: "x", Rating: rating}
		if err := bad.Validate(); err != ErrInvalidRating {
			t.Errorf("rating %d: expected ErrInvalidRating, got %v", rating, err)
		}
	}
}

func TestIsValidSessionStatus(t *testing.T) {
	for _, s := range []SessionStatus{SessionActive, SessionCompleting, SessionCompleted} {
		if !IsValidSessionStatus(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if IsValidSessionStatus("archived") {
		t.Error("expected unknown status to be invalid")
	}
}
