package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8088,
		},
		Wechat: WechatConfig{
			BaseURL: "http://127.0.0.1:2531/v2/api",
		},
		Backend: BackendConfig{
			Platform: "dify",
		},
		Engine: EngineConfig{
			QuietPeriod:   "5s",
			StaleAfter:    "5m",
			SendTimeout:   "120s",
			CommandPrefix: "#",
		},
		Assets: AssetsConfig{
			Dir:        "~/.wxbridge/assets",
			StickerDir: "~/.wxbridge/stickers",
		},
		Audio: AudioConfig{
			Format:     "amr",
			SampleRate: 8000,
		},
		Sessions: SessionsConfig{
			Storage: "~/.wxbridge/conversations.json",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
// A missing file yields the defaults (plus env overrides), not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("WXBRIDGE_WECHAT_BASE_URL", &c.Wechat.BaseURL)
	envStr("WXBRIDGE_WECHAT_TOKEN", &c.Wechat.Token)
	envStr("WXBRIDGE_WECHAT_APP_ID", &c.Wechat.AppID)
	envStr("WXBRIDGE_SELF_WXID", &c.Wechat.SelfWxid)
	envStr("WXBRIDGE_MASTER_NAME", &c.Wechat.MasterName)

	envStr("WXBRIDGE_PLATFORM", &c.Backend.Platform)
	envStr("WXBRIDGE_DIFY_BASE_URL", &c.Backend.Dify.BaseURL)
	envStr("WXBRIDGE_DIFY_API_KEY", &c.Backend.Dify.APIKey)
	envStr("WXBRIDGE_COZE_BASE_URL", &c.Backend.Coze.BaseURL)
	envStr("WXBRIDGE_COZE_BOT_ID", &c.Backend.Coze.BotID)
	envStr("WXBRIDGE_COZE_API_TOKEN", &c.Backend.Coze.APIToken)

	envStr("WXBRIDGE_ADMIN_TOKEN", &c.Gateway.AdminToken)
	envStr("WXBRIDGE_CALLBACK_URL", &c.Gateway.CallbackURL)
	envStr("WXBRIDGE_HOST", &c.Gateway.Host)
	if v := os.Getenv("WXBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("WXBRIDGE_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("WXBRIDGE_ASSETS_DIR", &c.Assets.Dir)
	envStr("WXBRIDGE_ASSETS_PUBLIC_BASE", &c.Assets.PublicBase)

	// Auto-select platform when only one backend has credentials.
	if c.Backend.Platform == "" {
		switch {
		case c.Backend.Dify.APIKey != "":
			c.Backend.Platform = "dify"
		case c.Backend.Coze.APIToken != "":
			c.Backend.Platform = "coze"
		}
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields
// masked. Used by the admin API to avoid exposing secrets to clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Wechat.Token)
	maskNonEmpty(&cp.Backend.Dify.APIKey)
	maskNonEmpty(&cp.Backend.Coze.APIToken)
	maskNonEmpty(&cp.Gateway.AdminToken)

	return cp
}

// StripMaskedSecrets strips only fields that still contain the mask value
// "***". Real values (operator-entered via the admin API) are preserved so
// they persist in the config file.
func (c *Config) StripMaskedSecrets() {
	c.mu.Lock()
	defer c.mu.Unlock()

	stripIfMasked := func(s *string) {
		if *s == secretMask {
			*s = ""
		}
	}
	stripIfMasked(&c.Wechat.Token)
	stripIfMasked(&c.Backend.Dify.APIKey)
	stripIfMasked(&c.Backend.Coze.APIToken)
	stripIfMasked(&c.Gateway.AdminToken)
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
