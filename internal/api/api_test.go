package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kaiwalabs/reviewloop/internal/agent"
	"github.com/kaiwalabs/reviewloop/internal/conversation"
	"github.com/kaiwalabs/reviewloop/internal/models"
	"github.com/kaiwalabs/reviewloop/internal/store"
)

// testResponder answers deterministically so full round trips are assertable.
type testResponder struct{}

func (testResponder) Reply(ctx context.Context, transcript models.Transcript, meta map[string]any) (string, bool, error) {
	if transcript.UserTurns() == 0 {
		return "ご来店ありがとうございます。\n- 接客について\n- 料理について", false, nil
	}
	last := transcript[len(transcript)-1].Text
	return fmt.Sprintf("「%s」とのこと、ありがとうございます", last), false, nil
}

func (testResponder) Review(ctx context.Context, transcript models.Transcript, meta map[string]any) (string, error) {
	return "接客が丁寧で居心地の良いお店でした。", nil
}

// apiEnvelope mirrors the response envelope with a raw result for re-decoding.
type apiEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func setupServers(t *testing.T) (*httptest.Server, *store.InMemoryStore) {
	t.Helper()
	agentSrv := httptest.NewServer(agent.NewServer(testResponder{}, agent.WithPingInterval(time.Hour)).Routes())
	t.Cleanup(agentSrv.Close)

	st := store.NewInMemoryStore()
	srv := NewServer(st,
		WithAgentBaseURL(agentSrv.URL),
		WithAgentWSURL("ws"+strings.TrimPrefix(agentSrv.URL, "http")+"/ws"),
		WithTurnTimeout(5*time.Second),
		WithReviewTimeout(5*time.Second),
	)
	apiSrv := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		apiSrv.Close()
		srv.closeAllSessions()
	})
	return apiSrv, st
}

func doJSON(t *testing.T, method, url string, body any) (int, apiEnvelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp.StatusCode, env
}

func createSession(t *testing.T, baseURL string) string {
	t.Helper()
	status, env := doJSON(t, http.MethodPost, baseURL+"/sessions", map[string]any{
		"context": map[string]any{"business_name": "カフェ・テスト"},
	})
	if status != http.StatusCreated {
		t.Fatalf("status = %d: %s", status, env.Message)
	}
	var created createSessionResponse
	if err := json.Unmarshal(env.Result, &created); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.SessionID == "" {
		t.Fatal("empty session id")
	}
	return created.SessionID
}

// waitForGreeting polls the session until the agent's opening message lands.
func waitForGreeting(t *testing.T, baseURL, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, env := doJSON(t, http.MethodGet, baseURL+"/sessions/"+id, nil)
		var got sessionResponse
		if err := json.Unmarshal(env.Result, &got); err == nil &&
			got.Session != nil && len(got.Session.Transcript) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("greeting never arrived")
}

func TestSessionRoundTrip(t *testing.T) {
	apiSrv, st := setupServers(t)
	id := createSession(t, apiSrv.URL)
	waitForGreeting(t, apiSrv.URL, id)

	// Submit one turn over the live channel.
	status, env := doJSON(t, http.MethodPost, apiSrv.URL+"/sessions/"+id+"/messages",
		submitMessageRequest{Text: "接客が良かったです"})
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, env.Message)
	}
	var turn conversation.TurnResult
	if err := json.Unmarshal(env.Result, &turn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(turn.Reply, "接客が良かったです") {
		t.Errorf("reply = %q", turn.Reply)
	}
	if turn.Degraded {
		t.Error("channel-served turn must not be degraded")
	}

	// End the interview and collect the review.
	status, env = doJSON(t, http.MethodPost, apiSrv.URL+"/sessions/"+id+"/end", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, env.Message)
	}
	var ended endSessionResponse
	if err := json.Unmarshal(env.Result, &ended); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ended.ReviewText == "" {
		t.Error("empty review text")
	}
	if ended.Rating != 4 {
		t.Errorf("rating = %d, want 4", ended.Rating)
	}

	// The completion is persisted.
	sess, err := st.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Status != models.SessionCompleted {
		t.Errorf("persisted status = %q, want completed", sess.Status)
	}
	if sess.ReviewText != ended.ReviewText {
		t.Errorf("persisted review = %q", sess.ReviewText)
	}

	// Further turns are rejected.
	status, _ = doJSON(t, http.MethodPost, apiSrv.URL+"/sessions/"+id+"/messages",
		submitMessageRequest{Text: "まだ続けたい"})
	if status != http.StatusConflict {
		t.Errorf("status = %d, want 409 after completion", status)
	}
}

func TestGetSessionIncludesLiveState(t *testing.T) {
	apiSrv, _ := setupServers(t)
	id := createSession(t, apiSrv.URL)
	waitForGreeting(t, apiSrv.URL, id)

	status, env := doJSON(t, http.MethodGet, apiSrv.URL+"/sessions/"+id, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var got sessionResponse
	if err := json.Unmarshal(env.Result, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State == nil {
		t.Fatal("live sessions must include progress state")
	}
	if got.State.Completed {
		t.Error("fresh session reported completed")
	}
	if len(got.Topics) == 0 {
		t.Error("expected topic options after the greeting")
	}
}

func TestSubmitToUnknownSession(t *testing.T) {
	apiSrv, _ := setupServers(t)
	status, _ := doJSON(t, http.MethodPost, apiSrv.URL+"/sessions/nope/messages",
		submitMessageRequest{Text: "hello"})
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestSubmitEmptyMessageRejected(t *testing.T) {
	apiSrv, _ := setupServers(t)
	id := createSession(t, apiSrv.URL)
	waitForGreeting(t, apiSrv.URL, id)

	status, _ := doJSON(t, http.MethodPost, apiSrv.URL+"/sessions/"+id+"/messages",
		submitMessageRequest{Text: ""})
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestDeleteSessionTearsDown(t *testing.T) {
	apiSrv, _ := setupServers(t)
	id := createSession(t, apiSrv.URL)
	waitForGreeting(t, apiSrv.URL, id)

	status, _ := doJSON(t, http.MethodDelete, apiSrv.URL+"/sessions/"+id, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	// The live entry is gone; turns are refused.
	status, _ = doJSON(t, http.MethodPost, apiSrv.URL+"/sessions/"+id+"/messages",
		submitMessageRequest{Text: "hello"})
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404 after teardown", status)
	}
	// The stored record survives.
	status, _ = doJSON(t, http.MethodGet, apiSrv.URL+"/sessions/"+id, nil)
	if status != http.StatusOK {
		t.Errorf("status = %d, stored record must survive teardown", status)
	}
}

func TestHealthEndpoint(t *testing.T) {
	apiSrv, _ := setupServers(t)
	status, env := doJSON(t, http.MethodGet, apiSrv.URL+"/health", nil)
	if status != http.StatusOK || env.Status != "ok" {
		t.Errorf("status = %d, envelope = %+v", status, env)
	}
}
