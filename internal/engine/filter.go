// Package engine is the message aggregation and conversation routing core:
// it classifies raw gateway callbacks, coalesces message bursts into single
// turns, routes turns to the active backend adapter, and hands decoded
// replies to the dispatcher.
package engine

import (
	"encoding/json"
	"strings"
	"time"
)

// Category classifies an inbound callback event. Only UserText proceeds
// past the filter.
type Category int

const (
	UserText Category = iota
	SelfEcho
	StatusSync
	NonUserBroadcast
	Stale
)

// String returns the category name for logging.
func (c Category) String() string {
	switch c {
	case UserText:
		return "user_text"
	case SelfEcho:
		return "self_echo"
	case StatusSync:
		return "status_sync"
	case NonUserBroadcast:
		return "non_user_broadcast"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// InboundEvent is one classified callback event. Immutable once created.
type InboundEvent struct {
	Peer      string
	Text      string
	Timestamp time.Time
	Category  Category
	FromGroup bool
}

// statusSyncTypes are gateway push types that describe account state
// changes rather than message delivery.
var statusSyncTypes = map[string]bool{
	"ModContacts": true,
	"DelContacts": true,
	"Offline":     true,
}

// nonUserPrefixes mark sender ids belonging to platform services and
// official accounts, never real conversation partners.
var nonUserPrefixes = []string{
	"gh_", "weixin", "tmessage", "fmessage", "newsapp", "mphelper",
}

// msgTypeText is the gateway's message type for plain text.
const msgTypeText = 1

// rawCallback mirrors the gateway's push payload shape. Heartbeat probes
// carry only testMsg+token; message pushes nest the message under Data
// with the gateway's wrapped-string convention.
type rawCallback struct {
	TestMsg  string `json:"testMsg"`
	Token    string `json:"token"`
	TypeName string `json:"TypeName"`
	Wxid     string `json:"Wxid"`
	Data     struct {
		MsgType      int           `json:"MsgType"`
		FromUserName wrappedString `json:"FromUserName"`
		ToUserName   wrappedString `json:"ToUserName"`
		Content      wrappedString `json:"Content"`
		CreateTime   int64         `json:"CreateTime"`
	} `json:"Data"`
}

// wrappedString accepts both {"string": "x"} and a bare "x".
type wrappedString struct {
	Value string
}

func (w *wrappedString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		w.Value = s
		return nil
	}
	var obj struct {
		String string `json:"string"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		// Unknown shape — leave empty, classification degrades to broadcast.
		return nil
	}
	w.Value = obj.String
	return nil
}

// Classify turns a raw callback payload into an InboundEvent. Pure function
// of the payload, the account's own id, the staleness threshold, and now.
// Never raises: unknown payload shapes classify as NonUserBroadcast so the
// gateway's heartbeat/test probes are acknowledged without processing.
func Classify(payload []byte, selfID string, staleAfter time.Duration, now time.Time) InboundEvent {
	var raw rawCallback
	if err := json.Unmarshal(payload, &raw); err != nil {
		return InboundEvent{Category: NonUserBroadcast, Timestamp: now}
	}

	// Heartbeat probe: testMsg + token, no message payload.
	if raw.TestMsg != "" {
		return InboundEvent{Category: NonUserBroadcast, Timestamp: now}
	}

	if raw.TypeName != "AddMsg" {
		if statusSyncTypes[raw.TypeName] {
			return InboundEvent{Category: StatusSync, Timestamp: now}
		}
		return InboundEvent{Category: NonUserBroadcast, Timestamp: now}
	}

	from := raw.Data.FromUserName.Value
	text := raw.Data.Content.Value
	ts := time.Unix(raw.Data.CreateTime, 0)

	if from == "" {
		return InboundEvent{Category: NonUserBroadcast, Timestamp: now}
	}
	if from == selfID || (selfID == "" && from == raw.Wxid) {
		return InboundEvent{Peer: from, Category: SelfEcho, Timestamp: ts}
	}
	for _, prefix := range nonUserPrefixes {
		if strings.HasPrefix(from, prefix) {
			return InboundEvent{Peer: from, Category: NonUserBroadcast, Timestamp: ts}
		}
	}
	if raw.Data.CreateTime > 0 && now.Sub(ts) > staleAfter {
		return InboundEvent{Peer: from, Category: Stale, Timestamp: ts}
	}
	if raw.Data.MsgType != msgTypeText {
		return InboundEvent{Peer: from, Category: NonUserBroadcast, Timestamp: ts}
	}

	peer := from
	fromGroup := false
	if strings.HasSuffix(from, "@chatroom") {
		// Group content arrives as "sender_wxid:\nactual text"; the peer is
		// the group scoped to the sender so group members don't share turns.
		fromGroup = true
		sender, body, ok := splitGroupContent(text)
		if !ok {
			return InboundEvent{Peer: from, Category: NonUserBroadcast, Timestamp: ts, FromGroup: true}
		}
		peer = from + "#" + sender
		text = body
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return InboundEvent{Peer: peer, Category: NonUserBroadcast, Timestamp: ts, FromGroup: fromGroup}
	}

	return InboundEvent{
		Peer:      peer,
		Text:      text,
		Timestamp: ts,
		Category:  UserText,
		FromGroup: fromGroup,
	}
}

func splitGroupContent(content string) (sender, body string, ok bool) {
	idx := strings.Index(content, ":\n")
	if idx <= 0 {
		return "", "", false
	}
	return content[:idx], content[idx+2:], true
}
