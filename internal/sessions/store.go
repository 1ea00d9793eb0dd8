// Package sessions persists the peer → backend-conversation-id mapping.
//
// The store is one flat JSON object keyed by backend id, each value a map of
// peer → conversation id. It is fully reread into memory at construction and
// fully rewritten (atomically, via temp file + rename) on every changing Set.
// Writes are rare relative to reads, so the wholesale rewrite keeps the
// format trivially recoverable.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Store maps peer → conversation id, namespaced by backend id, backed by a
// durable JSON file. Safe for concurrent use; a single mutex covers all
// peers since both reads and writes are fast local operations.
type Store struct {
	mu       sync.Mutex
	path     string
	records  map[string]map[string]string
	lastUsed map[string]time.Time // backendID + "\x00" + peer, in-memory only
}

// Record is a lightweight conversation descriptor for listing.
type Record struct {
	BackendID      string    `json:"backendId"`
	Peer           string    `json:"peer"`
	ConversationID string    `json:"conversationId"`
	LastUsed       time.Time `json:"lastUsed,omitempty"`
}

// NewStore opens the store at path, creating parent directories as needed
// and loading any existing file. A missing file is an empty store, not an
// error; a corrupt file is.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:     path,
		records:  make(map[string]map[string]string),
		lastUsed: make(map[string]time.Time),
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create sessions dir: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read sessions file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("parse sessions file: %w", err)
	}
	return s, nil
}

// Get returns the stored conversation id for a backend+peer pair.
func (s *Store) Get(backendID, peer string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers, ok := s.records[backendID]
	if !ok {
		return "", false
	}
	id, ok := peers[peer]
	return id, ok && id != ""
}

// Set stores the conversation id for a backend+peer pair and rewrites the
// backing file. Setting a value equal to the stored one is a no-op so
// unchanged conversation ids never trigger a redundant durable write.
func (s *Store) Set(backendID, peer, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastUsed[usageKey(backendID, peer)] = time.Now()

	peers, ok := s.records[backendID]
	if ok && peers[peer] == conversationID {
		return nil
	}
	if !ok {
		peers = make(map[string]string)
		s.records[backendID] = peers
	}
	peers[peer] = conversationID

	return s.persist()
}

// Clear removes the conversation record for a backend+peer pair.
// Used when the backend rejects a stored conversation id, or on an
// operator-issued reset.
func (s *Store) Clear(backendID, peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers, ok := s.records[backendID]
	if !ok {
		return nil
	}
	if _, ok := peers[peer]; !ok {
		return nil
	}
	delete(peers, peer)
	if len(peers) == 0 {
		delete(s.records, backendID)
	}
	delete(s.lastUsed, usageKey(backendID, peer))

	return s.persist()
}

// ClearPeer removes a peer's conversation records across all backends.
func (s *Store) ClearPeer(peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for backendID, peers := range s.records {
		if _, ok := peers[peer]; !ok {
			continue
		}
		delete(peers, peer)
		if len(peers) == 0 {
			delete(s.records, backendID)
		}
		delete(s.lastUsed, usageKey(backendID, peer))
		changed = true
	}
	if !changed {
		return nil
	}
	return s.persist()
}

// ClearAll removes every conversation record.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) == 0 {
		return nil
	}
	s.records = make(map[string]map[string]string)
	s.lastUsed = make(map[string]time.Time)
	return s.persist()
}

// List returns all conversation records sorted by backend then peer.
func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for backendID, peers := range s.records {
		for peer, id := range peers {
			out = append(out, Record{
				BackendID:      backendID,
				Peer:           peer,
				ConversationID: id,
				LastUsed:       s.lastUsed[usageKey(backendID, peer)],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BackendID != out[j].BackendID {
			return out[i].BackendID < out[j].BackendID
		}
		return out[i].Peer < out[j].Peer
	})
	return out
}

// persist rewrites the backing file. Caller must hold s.mu.
// Atomic write: temp file → sync → rename.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmpFile, err := os.CreateTemp(dir, "conversations-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func usageKey(backendID, peer string) string {
	return backendID + "\x00" + peer
}
