// Package wechat is the HTTP client for the gewechat-style messaging
// gateway: token management, outbound message posting, contact lookup, and
// callback registration.
package wechat

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

	"golang.org/x/time/rate"
)

const tokenHeader = "X-GEWE-TOKEN"

// Client talks to a single gateway instance. Safe for concurrent use once
// EnsureToken has run; the rate limiter paces outbound calls so the
// gateway's per-account throttling is never tripped.
type Client struct {
	baseURL string
	token   string
	appID   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a gateway client. token may be empty; EnsureToken
// fetches one from the gateway before first use.
func NewClient(baseURL, token, appID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		appID:   appID,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 3),
	}
}

// envelope is the gateway's uniform response wrapper. ret 200 is success;
// anything else carries a human-readable msg.
type envelope struct {
	Ret  int             `json:"ret"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// EnsureToken fetches an API token from the gateway when none was
// configured. The gateway issues tokens to whoever asks on the local
// management port, so this only runs against trusted deployments.
func (c *Client) EnsureToken(ctx context.Context) error {
	if c.token != "" {
		return nil
	}
	data, err := c.post(ctx, "/tools/getTokenId", map[string]any{})
	if err != nil {
		return fmt.Errorf("fetch gateway token: %w", err)
	}
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		return fmt.Errorf("decode gateway token: %w", err)
	}
	c.token = token
	slog.Info("gateway token acquired")
	return nil
}

// PostText sends a plain text message to a peer.
func (c *Client) PostText(ctx context.Context, peer, content string) error {
	_, err := c.post(ctx, "/message/postText", map[string]any{
		"appId":   c.appID,
		"toWxid":  peer,
		"content": content,
	})
	return err
}

// PostVoice sends a voice message. voiceURL must be fetchable by the
// gateway and durationMs is the clip length in milliseconds.
func (c *Client) PostVoice(ctx context.Context, peer, voiceURL string, durationMs int) error {
	_, err := c.post(ctx, "/message/postVoice", map[string]any{
		"appId":         c.appID,
		"toWxid":        peer,
		"voiceUrl":      voiceURL,
		"voiceDuration": durationMs,
	})
	return err
}

// PostImage sends an image message from a URL the gateway can fetch.
func (c *Client) PostImage(ctx context.Context, peer, imageURL string) error {
	_, err := c.post(ctx, "/message/postImage", map[string]any{
		"appId":  c.appID,
		"toWxid": peer,
		"imgUrl": imageURL,
	})
	return err
}

// Contact is one entry from the gateway's contact list.
type Contact struct {
	Wxid     string `json:"userName"`
	Nickname string `json:"nickName"`
	Remark   string `json:"remark"`
}

// FetchContacts returns the account's friend list.
func (c *Client) FetchContacts(ctx context.Context) ([]string, error) {
	data, err := c.post(ctx, "/contacts/fetchContactsList", map[string]any{
		"appId": c.appID,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Friends []string `json:"friends"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode contact list: %w", err)
	}
	return out.Friends, nil
}

// GetBriefInfo resolves profile details for a batch of wxids.
func (c *Client) GetBriefInfo(ctx context.Context, wxids []string) ([]Contact, error) {
	data, err := c.post(ctx, "/contacts/getBriefInfo", map[string]any{
		"appId": c.appID,
		"wxids": wxids,
	})
	if err != nil {
		return nil, err
	}
	var contacts []Contact
	if err := json.Unmarshal(data, &contacts); err != nil {
		return nil, fmt.Errorf("decode contact info: %w", err)
	}
	return contacts, nil
}

// ResolveName finds the wxid of a contact by nickname or remark. Used to
// locate the operator account for command replies.
func (c *Client) ResolveName(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty contact name")
	}
	wxids, err := c.FetchContacts(ctx)
	if err != nil {
		return "", err
	}
	// The gateway caps brief-info batches at 100 wxids.
	for start := 0; start < len(wxids); start += 100 {
		end := min(start+100, len(wxids))
		contacts, err := c.GetBriefInfo(ctx, wxids[start:end])
		if err != nil {
			return "", err
		}
		for _, ct := range contacts {
			if ct.Nickname == name || ct.Remark == name {
				return ct.Wxid, nil
			}
		}
	}
	return "", fmt.Errorf("contact %q not found", name)
}

// SetCallback registers the URL the gateway pushes message events to.
func (c *Client) SetCallback(ctx context.Context, callbackURL string) error {
	_, err := c.post(ctx, "/tools/setCallback", map[string]any{
		"token":       c.token,
		"callbackUrl": callbackURL,
	})
	if err != nil {
		return fmt.Errorf("register callback %s: %w", callbackURL, err)
	}
	slog.Info("gateway callback registered", "url", callbackURL)
	return nil
}

// CheckOnline reports whether the account session is logged in.
func (c *Client) CheckOnline(ctx context.Context) (bool, error) {
	data, err := c.post(ctx, "/login/checkOnline", map[string]any{
		"appId": c.appID,
	})
	if err != nil {
		return false, err
	}
	var online bool
	if err := json.Unmarshal(data, &online); err != nil {
		return false, fmt.Errorf("decode online status: %w", err)
	}
	return online, nil
}

// Relogin asks the gateway to reconnect a dropped account session.
func (c *Client) Relogin(ctx context.Context) error {
	_, err := c.post(ctx, "/login/reconnection", map[string]any{
		"appId": c.appID,
	})
	return err
}

func (c *Client) post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(tokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("gateway %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("gateway %s: decode response: %w", path, err)
	}
	if env.Ret != 200 {
		return nil, fmt.Errorf("gateway %s: ret %d: %s", path, env.Ret, env.Msg)
	}
	return env.Data, nil
}
