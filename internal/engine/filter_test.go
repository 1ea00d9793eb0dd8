package engine

import (
	"fmt"
	"testing"
	"time"
)

const testSelfID = "wxid_self"

func textPayload(from, content string, createTime int64) []byte {
	return fmt.Appendf(nil,
		`{"TypeName":"AddMsg","Wxid":%q,"Data":{"MsgType":1,"FromUserName":{"string":%q},"ToUserName":{"string":%q},"Content":{"string":%q},"CreateTime":%d}}`,
		testSelfID, from, testSelfID, content, createTime)
}

// TestClassifyUserText verifies a fresh plain text message from a contact
// passes the filter with peer and text intact.
func TestClassifyUserText(t *testing.T) {
	now := time.Now()
	ev := Classify(textPayload("wxid_alice", "hello", now.Unix()), testSelfID, 5*time.Minute, now)
	if ev.Category != UserText {
		t.Fatalf("got %s, want user_text", ev.Category)
	}
	if ev.Peer != "wxid_alice" || ev.Text != "hello" {
		t.Fatalf("got peer=%q text=%q", ev.Peer, ev.Text)
	}
}

// TestClassifyHeartbeat verifies the gateway's test probe is treated as a
// non-user event so it gets acknowledged without processing.
func TestClassifyHeartbeat(t *testing.T) {
	ev := Classify([]byte(`{"testMsg":"ping","token":"tok"}`), testSelfID, 5*time.Minute, time.Now())
	if ev.Category != NonUserBroadcast {
		t.Fatalf("got %s, want non_user_broadcast", ev.Category)
	}
}

// TestClassifySelfEcho verifies messages the account sent itself are
// filtered, preventing reply loops.
func TestClassifySelfEcho(t *testing.T) {
	now := time.Now()
	ev := Classify(textPayload(testSelfID, "echo", now.Unix()), testSelfID, 5*time.Minute, now)
	if ev.Category != SelfEcho {
		t.Fatalf("got %s, want self_echo", ev.Category)
	}
}

// TestClassifyStatusSync verifies contact sync pushes are recognized.
func TestClassifyStatusSync(t *testing.T) {
	ev := Classify([]byte(`{"TypeName":"ModContacts","Wxid":"wxid_self"}`), testSelfID, 5*time.Minute, time.Now())
	if ev.Category != StatusSync {
		t.Fatalf("got %s, want status_sync", ev.Category)
	}
}

// TestClassifyStale verifies messages older than the threshold are dropped
// so a gateway replay after downtime cannot trigger a burst of replies.
func TestClassifyStale(t *testing.T) {
	now := time.Now()
	old := now.Add(-10 * time.Minute).Unix()
	ev := Classify(textPayload("wxid_alice", "ancient", old), testSelfID, 5*time.Minute, now)
	if ev.Category != Stale {
		t.Fatalf("got %s, want stale", ev.Category)
	}
}

// TestClassifyPlatformSenders verifies official-account and service ids
// never reach the backend.
func TestClassifyPlatformSenders(t *testing.T) {
	now := time.Now()
	for _, from := range []string{"gh_12345", "weixin", "tmessage", "newsapp"} {
		ev := Classify(textPayload(from, "broadcast", now.Unix()), testSelfID, 5*time.Minute, now)
		if ev.Category != NonUserBroadcast {
			t.Errorf("%s: got %s, want non_user_broadcast", from, ev.Category)
		}
	}
}

// TestClassifyNonTextMessage verifies images, voice notes, and other
// non-text types are ignored.
func TestClassifyNonTextMessage(t *testing.T) {
	now := time.Now()
	payload := fmt.Appendf(nil,
		`{"TypeName":"AddMsg","Data":{"MsgType":3,"FromUserName":{"string":"wxid_alice"},"Content":{"string":"<img/>"},"CreateTime":%d}}`,
		now.Unix())
	ev := Classify(payload, testSelfID, 5*time.Minute, now)
	if ev.Category != NonUserBroadcast {
		t.Fatalf("got %s, want non_user_broadcast", ev.Category)
	}
}

// TestClassifyGroupMessage verifies group content is unwrapped and the
// peer is scoped to the sender within the room.
func TestClassifyGroupMessage(t *testing.T) {
	now := time.Now()
	ev := Classify(textPayload("12345@chatroom", "wxid_alice:\nhi all", now.Unix()), testSelfID, 5*time.Minute, now)
	if ev.Category != UserText {
		t.Fatalf("got %s, want user_text", ev.Category)
	}
	if ev.Peer != "12345@chatroom#wxid_alice" {
		t.Fatalf("got peer %q", ev.Peer)
	}
	if ev.Text != "hi all" || !ev.FromGroup {
		t.Fatalf("got text=%q fromGroup=%v", ev.Text, ev.FromGroup)
	}
}

// TestClassifyMalformedGroupContent verifies group payloads without the
// sender prefix are dropped rather than misattributed.
func TestClassifyMalformedGroupContent(t *testing.T) {
	now := time.Now()
	ev := Classify(textPayload("12345@chatroom", "no sender prefix", now.Unix()), testSelfID, 5*time.Minute, now)
	if ev.Category != NonUserBroadcast {
		t.Fatalf("got %s, want non_user_broadcast", ev.Category)
	}
}

// TestClassifyUnknownShapes verifies garbage and unexpected payloads
// classify as non-user events instead of erroring.
func TestClassifyUnknownShapes(t *testing.T) {
	for _, payload := range []string{
		`not json at all`,
		`{}`,
		`{"TypeName":"SomethingNew"}`,
		`{"TypeName":"AddMsg","Data":{"MsgType":1,"Content":{"unexpected":[1,2]}}}`,
	} {
		ev := Classify([]byte(payload), testSelfID, 5*time.Minute, time.Now())
		if ev.Category == UserText {
			t.Errorf("payload %q classified as user text", payload)
		}
	}
}

// TestClassifyBareStringContent verifies both content encodings the
// gateway uses decode identically.
func TestClassifyBareStringContent(t *testing.T) {
	now := time.Now()
	payload := fmt.Appendf(nil,
		`{"TypeName":"AddMsg","Data":{"MsgType":1,"FromUserName":"wxid_alice","Content":"plain form","CreateTime":%d}}`,
		now.Unix())
	ev := Classify(payload, testSelfID, 5*time.Minute, now)
	if ev.Category != UserText || ev.Text != "plain form" {
		t.Fatalf("got category=%s text=%q", ev.Category, ev.Text)
	}
}
