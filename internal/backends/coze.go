package backends

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const cozeBackendID = "coze"

// defaultCozeBase is the public Coze API root.
const defaultCozeBase = "https://api.coze.cn"

// CozeAdapter talks to a Coze-style v3 chat API. The API only streams, so
// the adapter consumes the SSE event stream and assembles the final answer
// from message deltas.
type CozeAdapter struct {
	baseURL  string
	botID    string
	apiToken string
	sessions SessionStore
	client   *http.Client
}

// NewCoze creates a Coze adapter.
func NewCoze(baseURL, botID, apiToken string, store SessionStore) *CozeAdapter {
	if baseURL == "" {
		baseURL = defaultCozeBase
	}
	return &CozeAdapter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		botID:    botID,
		apiToken: apiToken,
		sessions: store,
		client:   &http.Client{Timeout: 180 * time.Second},
	}
}

func (a *CozeAdapter) ID() string { return cozeBackendID }

type cozeChatRequest struct {
	BotID              string        `json:"bot_id"`
	UserID             string        `json:"user_id"`
	Stream             bool          `json:"stream"`
	AutoSaveHistory    bool          `json:"auto_save_history"`
	AdditionalMessages []cozeMessage `json:"additional_messages"`
}

type cozeMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

// cozeEvent is the union payload of the stream events we care about:
// chat objects carry conversation_id and last_error, message objects carry
// role/type/content.
type cozeEvent struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Type           string `json:"type"`
	Content        string `json:"content"`
	LastError      *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"last_error"`
}

// Send issues one streaming chat call, capturing the conversation id from
// the chat-created event and accumulating the answer from message deltas.
func (a *CozeAdapter) Send(ctx context.Context, peer, text string) (string, error) {
	if text == "" {
		return "", backendErrf(cozeBackendID, "chat", "empty turn text")
	}

	convID, _ := a.sessions.Get(cozeBackendID, peer)

	payload := cozeChatRequest{
		BotID:           a.botID,
		UserID:          peer,
		Stream:          true,
		AutoSaveHistory: true,
		AdditionalMessages: []cozeMessage{
			{Role: "user", Content: text, ContentType: "text"},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", backendErr(cozeBackendID, "chat", err)
	}

	endpoint := a.baseURL + "/v3/chat"
	if convID != "" {
		endpoint += "?conversation_id=" + url.QueryEscape(convID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", backendErr(cozeBackendID, "chat", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", backendErr(cozeBackendID, "chat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", backendErrf(cozeBackendID, "chat", "status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	answer, newConvID, err := a.consumeStream(resp.Body)
	if err != nil {
		return "", err
	}

	if newConvID != "" && newConvID != convID {
		if err := a.sessions.Set(cozeBackendID, peer, newConvID); err != nil {
			slog.Warn("failed to persist conversation id",
				"backend", cozeBackendID, "peer", peer, "error", err)
		}
	}
	return answer, nil
}

// consumeStream reads the SSE stream until the chat reaches a terminal
// event. The conversation id appears on conversation.chat.created (and
// again on in_progress); the answer arrives as conversation.message.delta
// fragments for the assistant "answer" message type.
func (a *CozeAdapter) consumeStream(r io.Reader) (answer, conversationID string, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var sb strings.Builder
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == `"[DONE]"` {
			continue
		}

		var ev cozeEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch currentEvent {
		case "conversation.chat.created", "conversation.chat.in_progress":
			if ev.ConversationID != "" {
				conversationID = ev.ConversationID
			}
		case "conversation.message.delta":
			if ev.Type == "" || ev.Type == "answer" {
				sb.WriteString(ev.Content)
			}
		case "conversation.chat.failed":
			if ev.LastError != nil {
				return "", "", backendErrf(cozeBackendID, "chat", "chat failed: code %d: %s", ev.LastError.Code, ev.LastError.Msg)
			}
			return "", "", backendErrf(cozeBackendID, "chat", "chat failed")
		case "conversation.chat.completed", "done":
			// terminal; keep draining so the connection closes cleanly
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", backendErr(cozeBackendID, "chat", err)
	}
	return sb.String(), conversationID, nil
}
