// Package assets publishes local files under a public URL so the messaging
// gateway can fetch voice clips and images it is asked to deliver.
package assets

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Publisher copies files into a served directory and hands back fetchable
// URLs. Names are random so concurrent publishes never collide and URLs
// are not guessable.
type Publisher struct {
	dir     string
	baseURL string
}

// NewPublisher creates the serving directory if needed. baseURL is the
// externally reachable prefix, e.g. "http://host:8088".
func NewPublisher(dir, baseURL string) (*Publisher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create assets dir: %w", err)
	}
	return &Publisher{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Publish copies localPath into the served directory under a fresh name
// and returns its URL plus the name for later removal.
func (p *Publisher) Publish(localPath string) (url, name string, err error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", "", fmt.Errorf("open asset source: %w", err)
	}
	defer src.Close()

	name = uuid.NewString() + filepath.Ext(localPath)
	dst, err := os.Create(filepath.Join(p.dir, name))
	if err != nil {
		return "", "", fmt.Errorf("create published asset: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", "", fmt.Errorf("copy asset: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", "", fmt.Errorf("close published asset: %w", err)
	}
	return p.baseURL + "/assets/" + name, name, nil
}

// Remove deletes a previously published asset. Only names returned by
// Publish are accepted; anything path-like is rejected.
func (p *Publisher) Remove(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid asset name %q", name)
	}
	return os.Remove(filepath.Join(p.dir, name))
}

// Handler serves the published directory under /assets/.
func (p *Publisher) Handler() http.Handler {
	return http.StripPrefix("/assets/", http.FileServer(http.Dir(p.dir)))
}
