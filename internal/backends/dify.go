package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const difyBackendID = "dify"

// DifyAdapter talks to a Dify-style chat-messages API in blocking mode.
type DifyAdapter struct {
	baseURL  string
	apiKey   string
	sessions SessionStore
	client   *http.Client
}

// NewDify creates a Dify adapter. baseURL is the server root without the
// /v1 suffix.
func NewDify(baseURL, apiKey string, store SessionStore) *DifyAdapter {
	return &DifyAdapter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		sessions: store,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (a *DifyAdapter) ID() string { return difyBackendID }

// BaseURL returns the configured server root. The dispatcher uses it to
// absolutize relative voice-file references in Dify answers.
func (a *DifyAdapter) BaseURL() string { return a.baseURL }

type difyChatRequest struct {
	Inputs         map[string]interface{} `json:"inputs"`
	Query          string                 `json:"query"`
	ResponseMode   string                 `json:"response_mode"`
	User           string                 `json:"user"`
	ConversationID string                 `json:"conversation_id,omitempty"`
}

type difyChatResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	Code           string `json:"code"`
	Message        string `json:"message"`
}

// Send issues one blocking chat-messages call carrying the peer's stored
// conversation id. A stored id the backend no longer recognizes is cleared
// and the same turn reissued once without an id — still one logical turn,
// so no duplicate delivery.
func (a *DifyAdapter) Send(ctx context.Context, peer, text string) (string, error) {
	if text == "" {
		return "", backendErrf(difyBackendID, "chat", "empty turn text")
	}

	convID, _ := a.sessions.Get(difyBackendID, peer)

	answer, newID, err := a.chat(ctx, peer, text, convID)
	if err != nil {
		if convID != "" && isConversationRejected(err) {
			slog.Info("stored conversation rejected, starting fresh",
				"backend", difyBackendID, "peer", peer, "conversation_id", convID)
			if clearErr := a.sessions.Clear(difyBackendID, peer); clearErr != nil {
				slog.Warn("failed to clear rejected conversation", "peer", peer, "error", clearErr)
			}
			answer, newID, err = a.chat(ctx, peer, text, "")
		}
		if err != nil {
			return "", err
		}
	}

	if newID != "" {
		if err := a.sessions.Set(difyBackendID, peer, newID); err != nil {
			slog.Warn("failed to persist conversation id",
				"backend", difyBackendID, "peer", peer, "error", err)
		}
	}
	return answer, nil
}

func (a *DifyAdapter) chat(ctx context.Context, peer, text, convID string) (answer, conversationID string, err error) {
	payload := difyChatRequest{
		Inputs:         map[string]interface{}{},
		Query:          text,
		ResponseMode:   "blocking",
		User:           peer,
		ConversationID: convID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", "", backendErr(difyBackendID, "chat", err)
	}

	url := a.baseURL + "/v1/chat-messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", "", backendErr(difyBackendID, "chat", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", "", backendErr(difyBackendID, "chat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", "", backendErrf(difyBackendID, "chat", "status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	var parsed difyChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", backendErr(difyBackendID, "chat", fmt.Errorf("decode response: %w", err))
	}
	return parsed.Answer, parsed.ConversationID, nil
}

// isConversationRejected reports whether err indicates the backend no
// longer recognizes the conversation id we sent.
func isConversationRejected(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "status 404") &&
		strings.Contains(msg, "conversation")
}
