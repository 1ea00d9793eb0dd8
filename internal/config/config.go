package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the wxbridge engine.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Wechat   WechatConfig   `json:"wechat"`
	Backend  BackendConfig  `json:"backend"`
	Engine   EngineConfig   `json:"engine"`
	Assets   AssetsConfig   `json:"assets"`
	Audio    AudioConfig    `json:"audio"`
	Sessions SessionsConfig `json:"sessions"`
	mu       sync.RWMutex
}

// GatewayConfig configures the HTTP server receiving message-delivery
// callbacks and serving the admin API plus published assets.
type GatewayConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	CallbackURL string `json:"callback_url,omitempty"` // public URL registered with the messaging gateway
	AdminToken  string `json:"-"`                      // from env WXBRIDGE_ADMIN_TOKEN only
}

// WechatConfig configures the messaging-gateway client.
type WechatConfig struct {
	BaseURL    string `json:"base_url"`
	Token      string `json:"token,omitempty"`       // gateway API token (auto-fetched when empty)
	AppID      string `json:"app_id,omitempty"`      // logged-in device id
	SelfWxid   string `json:"self_wxid,omitempty"`   // own account id, used for self-echo detection
	MasterName string `json:"master_name,omitempty"` // display name receiving operator notifications
}

// BackendConfig selects and configures the active conversational-AI backend.
type BackendConfig struct {
	Platform string     `json:"platform"` // "dify" or "coze"
	Dify     DifyConfig `json:"dify,omitempty"`
	Coze     CozeConfig `json:"coze,omitempty"`
}

// DifyConfig holds Dify-style backend credentials.
type DifyConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
}

// CozeConfig holds Coze-style backend credentials.
type CozeConfig struct {
	BaseURL  string `json:"base_url,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	APIToken string `json:"api_token,omitempty"`
}

// EngineConfig tunes the aggregation engine.
type EngineConfig struct {
	QuietPeriod   string `json:"quiet_period,omitempty"`   // debounce quiet period (Go duration, default "5s")
	StaleAfter    string `json:"stale_after,omitempty"`    // inbound events older than this are dropped (default "5m")
	SendTimeout   string `json:"send_timeout,omitempty"`   // per-turn backend call budget (default "120s")
	CommandPrefix string `json:"command_prefix,omitempty"` // operator command prefix (default "#")
}

// AssetsConfig configures the local asset publisher the gateway pulls
// voice clips and stickers from.
type AssetsConfig struct {
	Dir        string `json:"dir,omitempty"`         // published file directory
	PublicBase string `json:"public_base,omitempty"` // external base URL (e.g. "http://10.0.0.2:8088")
	StickerDir string `json:"sticker_dir,omitempty"` // local sticker library
}

// AudioConfig configures the voice transcode pipeline.
type AudioConfig struct {
	Format     string `json:"format,omitempty"`      // target codec container (default "amr")
	SampleRate int    `json:"sample_rate,omitempty"` // target sample rate in Hz (default 8000)
	FFmpegPath string `json:"ffmpeg_path,omitempty"` // override binary lookup
}

// SessionsConfig configures conversation-record persistence.
type SessionsConfig struct {
	Storage string `json:"storage"` // path of the conversation-record JSON file
}

// QuietPeriod returns the parsed debounce quiet period.
func (c *Config) QuietPeriod() time.Duration {
	return c.duration(func() string { return c.Engine.QuietPeriod }, 5*time.Second)
}

// StaleAfter returns the parsed staleness threshold for inbound events.
func (c *Config) StaleAfter() time.Duration {
	return c.duration(func() string { return c.Engine.StaleAfter }, 5*time.Minute)
}

// SendTimeout returns the parsed per-turn backend call budget.
func (c *Config) SendTimeout() time.Duration {
	return c.duration(func() string { return c.Engine.SendTimeout }, 120*time.Second)
}

func (c *Config) duration(get func() string, fallback time.Duration) time.Duration {
	c.mu.RLock()
	raw := get()
	c.mu.RUnlock()
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// BackendSnapshot returns a copy of the backend section for adapter
// construction, safe against concurrent admin updates.
func (c *Config) BackendSnapshot() BackendConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Backend
}

// WechatSnapshot returns a copy of the messaging-gateway section, safe
// against a concurrent reload.
func (c *Config) WechatSnapshot() WechatConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Wechat
}

// EngineSnapshot returns a copy of the engine tuning section, safe
// against a concurrent reload.
func (c *Config) EngineSnapshot() EngineConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Engine
}

// GatewaySnapshot returns a copy of the HTTP server section, safe
// against a concurrent reload.
func (c *Config) GatewaySnapshot() GatewayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway
}

// SetPlatform switches the active backend platform.
func (c *Config) SetPlatform(platform string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Backend.Platform = platform
}

// keepSecret reports whether an incoming secret value must leave the
// stored one untouched: empty means "no change", and the mask placeholder
// means the client round-tripped a masked admin read.
func keepSecret(v string) bool {
	return v == "" || v == secretMask
}

// SetDify updates the Dify backend credentials. Empty fields keep their
// current value so partial admin updates don't wipe secrets.
func (c *Config) SetDify(baseURL, apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if baseURL != "" {
		c.Backend.Dify.BaseURL = baseURL
	}
	if !keepSecret(apiKey) {
		c.Backend.Dify.APIKey = apiKey
	}
}

// SetCoze updates the Coze backend credentials. Empty fields keep their
// current value.
func (c *Config) SetCoze(baseURL, botID, apiToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if baseURL != "" {
		c.Backend.Coze.BaseURL = baseURL
	}
	if botID != "" {
		c.Backend.Coze.BotID = botID
	}
	if !keepSecret(apiToken) {
		c.Backend.Coze.APIToken = apiToken
	}
}

// SetWechat updates the messaging-gateway connection settings. Empty fields
// keep their current value.
func (c *Config) SetWechat(baseURL, token, appID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if baseURL != "" {
		c.Wechat.BaseURL = baseURL
	}
	if !keepSecret(token) {
		c.Wechat.Token = token
	}
	if appID != "" {
		c.Wechat.AppID = appID
	}
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Wechat = src.Wechat
	c.Backend = src.Backend
	c.Engine = src.Engine
	c.Assets = src.Assets
	c.Audio = src.Audio
	c.Sessions = src.Sessions
}
