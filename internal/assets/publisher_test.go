package assets

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	p, err := NewPublisher(filepath.Join(t.TempDir(), "assets"), "http://bridge.local:8088/")
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return p
}

func seedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.amr")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	return path
}

// TestPublishAndServe verifies a published file is fetchable through the
// handler at the returned URL path.
func TestPublishAndServe(t *testing.T) {
	p := newTestPublisher(t)
	url, name, err := p.Publish(seedFile(t, "voice-bytes"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !strings.HasPrefix(url, "http://bridge.local:8088/assets/") {
		t.Fatalf("url = %q", url)
	}
	if !strings.HasSuffix(name, ".amr") {
		t.Fatalf("name = %q, extension lost", name)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/assets/"+name, nil)
	p.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "voice-bytes" {
		t.Fatalf("served %d %q", rec.Code, rec.Body.String())
	}
}

// TestPublishUniqueNames verifies two publishes of the same source never
// collide.
func TestPublishUniqueNames(t *testing.T) {
	p := newTestPublisher(t)
	src := seedFile(t, "x")
	_, n1, err := p.Publish(src)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	_, n2, err := p.Publish(src)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n1 == n2 {
		t.Fatalf("names collide: %q", n1)
	}
}

// TestRemove verifies removal deletes the published copy and rejects
// path-like names.
func TestRemove(t *testing.T) {
	p := newTestPublisher(t)
	_, name, err := p.Publish(seedFile(t, "x"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Remove(name); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(p.dir, name)); !os.IsNotExist(err) {
		t.Fatal("published file survived Remove")
	}

	if err := p.Remove("../escape"); err == nil {
		t.Fatal("path-like name accepted")
	}
	if err := p.Remove(""); err == nil {
		t.Fatal("empty name accepted")
	}
}
