package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/wxbridge/internal/engine"
	"github.com/nextlevelbuilder/wxbridge/internal/sessions"
)

type fakeSender struct {
	sent []struct{ peer, content string }
}

func (f *fakeSender) PostText(ctx context.Context, peer, content string) error {
	f.sent = append(f.sent, struct{ peer, content string }{peer, content})
	return nil
}

type fakeResolver struct {
	byName map[string]string
}

func (f *fakeResolver) ResolveName(ctx context.Context, name string) (string, error) {
	if wxid, ok := f.byName[name]; ok {
		return wxid, nil
	}
	return "", fmt.Errorf("contact %q not found", name)
}

func newTestHandler(t *testing.T, masterName string) (*Handler, *fakeSender, *sessions.Store) {
	t.Helper()
	store, err := sessions.NewStore(filepath.Join(t.TempDir(), "conversations.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	sender := &fakeSender{}
	resolver := &fakeResolver{byName: map[string]string{"操作员": "wxid_master"}}
	h := NewHandler(sender, resolver, store, masterName, "http://bridge.local:8088", "#")
	return h, sender, store
}

// TestSettingsGoesToOperator verifies the settings link lands on the
// configured operator account, not the requester.
func TestSettingsGoesToOperator(t *testing.T) {
	h, sender, _ := newTestHandler(t, "操作员")
	if err := h.Execute(context.Background(), "wxid_alice", "#设置"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].peer != "wxid_master" {
		t.Fatalf("sent = %+v", sender.sent)
	}
}

// TestSettingsFallsBackToRequester verifies an unresolvable operator name
// still answers whoever asked.
func TestSettingsFallsBackToRequester(t *testing.T) {
	h, sender, _ := newTestHandler(t, "nobody-known")
	if err := h.Execute(context.Background(), "wxid_alice", "#setting"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].peer != "wxid_alice" {
		t.Fatalf("sent = %+v", sender.sent)
	}
}

// TestResetClearsConversations verifies the reset command drops the
// peer's records across backends and confirms.
func TestResetClearsConversations(t *testing.T) {
	h, sender, store := newTestHandler(t, "")
	store.Set("dify", "wxid_alice", "conv-1")
	store.Set("coze", "wxid_alice", "conv-2")
	store.Set("dify", "wxid_bob", "conv-3")

	if err := h.Execute(context.Background(), "wxid_alice", "#reset"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := store.Get("dify", "wxid_alice"); ok {
		t.Fatal("record survived reset")
	}
	if _, ok := store.Get("dify", "wxid_bob"); !ok {
		t.Fatal("unrelated peer reset too")
	}
	if len(sender.sent) != 1 || sender.sent[0].peer != "wxid_alice" {
		t.Fatalf("confirmation = %+v", sender.sent)
	}
}

// TestUnknownCommandFallsThrough verifies unrecognized commands return the
// sentinel so the engine forwards them to the backend.
func TestUnknownCommandFallsThrough(t *testing.T) {
	h, sender, _ := newTestHandler(t, "")
	err := h.Execute(context.Background(), "wxid_alice", "#definitely not a command")
	if !errors.Is(err, engine.ErrUnknownCommand) {
		t.Fatalf("err = %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("unknown command sent something: %+v", sender.sent)
	}
}
