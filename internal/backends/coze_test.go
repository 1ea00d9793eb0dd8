package backends

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const cozeStreamOK = `event:conversation.chat.created
data:{"id":"chat-1","conversation_id":"conv-77"}

event:conversation.chat.in_progress
data:{"id":"chat-1","conversation_id":"conv-77"}

event:conversation.message.delta
data:{"role":"assistant","type":"answer","content":"Hel"}

event:conversation.message.delta
data:{"role":"assistant","type":"answer","content":"lo!"}

event:conversation.chat.completed
data:{"id":"chat-1","conversation_id":"conv-77"}

event:done
data:"[DONE]"
`

// TestCozeSendStream verifies the streamed answer is assembled from deltas
// and the conversation id from the created event is persisted.
func TestCozeSendStream(t *testing.T) {
	var got cozeChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok-1" {
			t.Errorf("auth = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(cozeStreamOK))
	}))
	defer srv.Close()

	store := newMemStore()
	a := NewCoze(srv.URL, "bot-1", "tok-1", store)

	answer, err := a.Send(context.Background(), "wxid_alice", "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if answer != "Hello!" {
		t.Fatalf("answer = %q", answer)
	}
	if !got.Stream || got.BotID != "bot-1" || got.UserID != "wxid_alice" {
		t.Fatalf("request = %+v", got)
	}
	if len(got.AdditionalMessages) != 1 || got.AdditionalMessages[0].Content != "hi" {
		t.Fatalf("messages = %+v", got.AdditionalMessages)
	}
	if id, _ := store.Get("coze", "wxid_alice"); id != "conv-77" {
		t.Fatalf("stored id = %q", id)
	}
}

// TestCozeSendCarriesConversationID verifies the stored id is passed as a
// query parameter on the next turn.
func TestCozeSendCarriesConversationID(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("conversation_id")
		w.Write([]byte(cozeStreamOK))
	}))
	defer srv.Close()

	store := newMemStore()
	store.Set("coze", "wxid_alice", "conv-77")
	a := NewCoze(srv.URL, "bot-1", "tok-1", store)

	if _, err := a.Send(context.Background(), "wxid_alice", "again"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotQuery != "conv-77" {
		t.Fatalf("conversation_id query = %q", gotQuery)
	}
}

// TestCozeChatFailedEvent verifies a failed event becomes a BackendError
// carrying the upstream code and message.
func TestCozeChatFailedEvent(t *testing.T) {
	stream := `event:conversation.chat.created
data:{"conversation_id":"conv-1"}

event:conversation.chat.failed
data:{"last_error":{"code":4011,"msg":"quota exhausted"}}
`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(stream))
	}))
	defer srv.Close()

	a := NewCoze(srv.URL, "bot-1", "tok-1", newMemStore())
	_, err := a.Send(context.Background(), "wxid_alice", "hi")

	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("error %v is not a BackendError", err)
	}
	if !strings.Contains(err.Error(), "quota exhausted") {
		t.Fatalf("error lost upstream detail: %v", err)
	}
}

// TestCozeHTTPError verifies a non-200 response fails before any stream
// parsing.
func TestCozeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":4100,"msg":"bad token"}`))
	}))
	defer srv.Close()

	a := NewCoze(srv.URL, "bot-1", "tok-1", newMemStore())
	_, err := a.Send(context.Background(), "wxid_alice", "hi")

	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("error %v is not a BackendError", err)
	}
}

// TestCozeMalformedDataLinesSkipped verifies unparseable data lines are
// skipped rather than killing the whole answer.
func TestCozeMalformedDataLinesSkipped(t *testing.T) {
	stream := `event:conversation.message.delta
data:{broken json

event:conversation.message.delta
data:{"type":"answer","content":"survived"}
`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(stream))
	}))
	defer srv.Close()

	a := NewCoze(srv.URL, "bot-1", "tok-1", newMemStore())
	answer, err := a.Send(context.Background(), "wxid_alice", "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if answer != "survived" {
		t.Fatalf("answer = %q", answer)
	}
}
