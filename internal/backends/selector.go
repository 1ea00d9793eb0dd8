package backends

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nextlevelbuilder/wxbridge/internal/config"
)

// Selector resolves the active adapter from current configuration and
// supports hot-swapping it without a restart. The active adapter lives
// behind an atomic pointer: a reload fully constructs the new adapter
// before the swap, so readers never observe a half-built one, and sends
// already running on the old adapter complete normally.
type Selector struct {
	current  atomic.Pointer[adapterSlot]
	sessions SessionStore
}

type adapterSlot struct {
	adapter Adapter
}

// NewSelector builds the selector and its initial adapter from cfg.
func NewSelector(cfg *config.Config, store SessionStore) (*Selector, error) {
	s := &Selector{sessions: store}
	if err := s.Reload(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the active adapter. Safe to call concurrently with Reload.
func (s *Selector) Current() Adapter {
	return s.current.Load().adapter
}

// Reload constructs a fresh adapter from cfg and atomically swaps it in.
// Conversation records survive the swap: they are namespaced by backend id,
// so switching vendors does not corrupt the other vendor's history.
func (s *Selector) Reload(cfg *config.Config) error {
	adapter, err := build(cfg.BackendSnapshot(), s.sessions)
	if err != nil {
		return err
	}

	prev := s.current.Swap(&adapterSlot{adapter: adapter})
	if prev != nil && prev.adapter.ID() != adapter.ID() {
		slog.Info("backend switched", "from", prev.adapter.ID(), "to", adapter.ID())
	}
	return nil
}

func build(bc config.BackendConfig, store SessionStore) (Adapter, error) {
	switch bc.Platform {
	case "dify", "":
		if bc.Dify.APIKey == "" {
			return nil, fmt.Errorf("dify backend selected but no api_key configured")
		}
		if bc.Dify.BaseURL == "" {
			return nil, fmt.Errorf("dify backend selected but no base_url configured")
		}
		return NewDify(bc.Dify.BaseURL, bc.Dify.APIKey, store), nil
	case "coze":
		if bc.Coze.APIToken == "" {
			return nil, fmt.Errorf("coze backend selected but no api_token configured")
		}
		if bc.Coze.BotID == "" {
			return nil, fmt.Errorf("coze backend selected but no bot_id configured")
		}
		return NewCoze(bc.Coze.BaseURL, bc.Coze.BotID, bc.Coze.APIToken, store), nil
	default:
		return nil, fmt.Errorf("unknown backend platform %q", bc.Platform)
	}
}
