package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces editor write bursts (truncate + write + chmod)
// into one reload.
const watchDebounce = 300 * time.Millisecond

// Watcher reloads the config file on change and notifies a callback.
// Watches the parent directory rather than the file itself so atomic
// save-by-rename (vim, sed -i) keeps being observed.
type Watcher struct {
	path     string
	onChange func(*Config)
	fsw      *fsnotify.Watcher
	lastHash string
}

// NewWatcher creates a config file watcher. onChange runs with the freshly
// loaded config each time the file content actually changes.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{path: path, onChange: onChange, fsw: fsw}, nil
}

// Start runs the watch loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	var debounce *time.Timer
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed, keeping current config", "path", w.path, "error", err)
		return
	}
	hash := cfg.Hash()
	if hash == w.lastHash {
		return
	}
	w.lastHash = hash
	slog.Info("config reloaded", "path", w.path, "hash", hash)
	w.onChange(cfg)
}
