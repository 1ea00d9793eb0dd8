package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/wxbridge/internal/backends"
	"github.com/nextlevelbuilder/wxbridge/internal/config"
)

type fakeHandler struct {
	payloads [][]byte
}

func (f *fakeHandler) HandleInboundCallback(raw []byte) string {
	f.payloads = append(f.payloads, raw)
	return "success"
}

type nullStore struct{}

func (nullStore) Get(backendID, peer string) (string, bool)        { return "", false }
func (nullStore) Set(backendID, peer, conversationID string) error { return nil }
func (nullStore) Clear(backendID, peer string) error               { return nil }

func newTestServer(t *testing.T) (*Server, *fakeHandler, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.Platform = "dify"
	cfg.Backend.Dify.BaseURL = "http://dify.local"
	cfg.Backend.Dify.APIKey = "key-1"

	selector, err := backends.NewSelector(cfg, nullStore{})
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	handler := &fakeHandler{}
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	return NewServer(cfg, cfgPath, handler, selector, nil, nil, nil), handler, cfg
}

// TestCallbackAcksEverything verifies the callback endpoint answers
// "success" for well-formed and garbage bodies alike.
func TestCallbackAcksEverything(t *testing.T) {
	srv, handler, _ := newTestServer(t)
	mux := srv.BuildMux()

	for _, body := range []string{
		`{"TypeName":"AddMsg"}`,
		`garbage`,
		``,
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(body))
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("body %q: status %d", body, rec.Code)
		}
		if got := rec.Body.String(); got != "success" {
			t.Errorf("body %q: ack = %q", body, got)
		}
	}
	if len(handler.payloads) != 3 {
		t.Fatalf("engine saw %d payloads, want 3", len(handler.payloads))
	}
}

// TestHealth verifies the health endpoint reports the active backend.
func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var got map[string]string
	json.NewDecoder(rec.Body).Decode(&got)
	if got["backend"] != "dify" {
		t.Fatalf("backend = %q", got["backend"])
	}
}

// TestPlatformSwitch verifies the admin API persists the change and
// hot-swaps the adapter.
func TestPlatformSwitch(t *testing.T) {
	srv, _, cfg := newTestServer(t)
	cfg.SetCoze("http://coze.local", "bot-1", "tok-1")
	mux := srv.BuildMux()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/platform",
		bytes.NewReader([]byte(`{"platform":"coze"}`)))
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if srv.selector.Current().ID() != "coze" {
		t.Fatalf("adapter not swapped: %q", srv.selector.Current().ID())
	}
	// Change must be on disk for the next restart.
	saved, err := config.Load(srv.cfgPath)
	if err != nil {
		t.Fatalf("reload saved config: %v", err)
	}
	if saved.Backend.Platform != "coze" {
		t.Fatalf("persisted platform = %q", saved.Backend.Platform)
	}
}

// TestPlatformSwitchWithoutCredentialsRejected verifies switching to an
// unconfigured platform fails and keeps the old adapter.
func TestPlatformSwitchWithoutCredentialsRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mux := srv.BuildMux()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/platform",
		bytes.NewReader([]byte(`{"platform":"coze"}`)))
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", rec.Code)
	}
	if srv.selector.Current().ID() != "dify" {
		t.Fatalf("adapter changed despite failure: %q", srv.selector.Current().ID())
	}
}

// TestUnknownPlatformRejected verifies platform names outside the known
// set are a client error.
func TestUnknownPlatformRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/platform",
		bytes.NewReader([]byte(`{"platform":"chatgpt"}`)))
	srv.BuildMux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

// TestAdminTokenEnforced verifies admin endpoints require the bearer token
// when one is configured, while the callback stays open.
func TestAdminTokenEnforced(t *testing.T) {
	srv, _, cfg := newTestServer(t)
	cfg.Gateway.AdminToken = "secret"
	mux := srv.BuildMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req.Header.Set("Authorization", "Bearer secret")
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status %d", rec.Code)
	}

	// Callback must not require the token; the messaging gateway has none.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader("{}")))
	if rec.Code != http.StatusOK || rec.Body.String() != "success" {
		t.Fatalf("callback blocked: %d %q", rec.Code, rec.Body.String())
	}
}

// TestMaskedSecretRoundTripKeepsCredential verifies saving an admin form
// that echoes the masked secret back neither clobbers the key in memory
// nor writes the mask to disk.
func TestMaskedSecretRoundTripKeepsCredential(t *testing.T) {
	srv, _, cfg := newTestServer(t)
	mux := srv.BuildMux()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/dify",
		bytes.NewReader([]byte(`{"base_url":"http://dify2.local","api_key":"***"}`)))
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	snap := cfg.BackendSnapshot()
	if snap.Dify.APIKey != "key-1" {
		t.Fatalf("in-memory key = %q, want original", snap.Dify.APIKey)
	}
	if snap.Dify.BaseURL != "http://dify2.local" {
		t.Fatalf("base url not updated: %q", snap.Dify.BaseURL)
	}

	saved, err := config.Load(srv.cfgPath)
	if err != nil {
		t.Fatalf("reload saved config: %v", err)
	}
	if saved.Backend.Dify.APIKey == "***" {
		t.Fatal("mask placeholder persisted as credential")
	}
	if saved.Backend.Dify.APIKey != "key-1" {
		t.Fatalf("persisted key = %q, want original", saved.Backend.Dify.APIKey)
	}
}

// TestConfigMasked verifies secrets never appear in the config endpoint.
func TestConfigMasked(t *testing.T) {
	srv, _, cfg := newTestServer(t)
	cfg.Backend.Dify.APIKey = "super-secret-key"
	rec := httptest.NewRecorder()
	srv.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	body, _ := io.ReadAll(rec.Body)
	if strings.Contains(string(body), "super-secret-key") {
		t.Fatal("api key leaked in config endpoint")
	}
}
