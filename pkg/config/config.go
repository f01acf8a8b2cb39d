package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Session   SessionConfig   `json:"session"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	mu        sync.RWMutex
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	Workspace   string  `json:"workspace" env:"RELAYCLAW_AGENTS_DEFAULTS_WORKSPACE"`
	Model       string  `json:"model" env:"RELAYCLAW_AGENTS_DEFAULTS_MODEL"`
	Provider    string  `json:"provider" env:"RELAYCLAW_AGENTS_DEFAULTS_PROVIDER"`
	MaxTokens   int     `json:"max_tokens" env:"RELAYCLAW_AGENTS_DEFAULTS_MAX_TOKENS"`
	Temperature float64 `json:"temperature" env:"RELAYCLAW_AGENTS_DEFAULTS_TEMPERATURE"`
}

// SessionConfig locates the durable session store. Store is the path of a
// single JSON file whose top-level keys are session identifiers.
type SessionConfig struct {
	Store string `json:"store" env:"RELAYCLAW_SESSION_STORE"`
}

type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled" env:"RELAYCLAW_HEARTBEAT_ENABLED"`
	Schedule string `json:"schedule" env:"RELAYCLAW_HEARTBEAT_SCHEDULE"`
	Channel  string `json:"channel" env:"RELAYCLAW_HEARTBEAT_CHANNEL"`
	ChatID   string `json:"chat_id" env:"RELAYCLAW_HEARTBEAT_CHAT_ID"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// GroupConfig is per-group policy for a channel. The group key in the
// Groups map is the chat ID, or "*" for all groups.
type GroupConfig struct {
	RequireMention *bool `json:"require_mention,omitempty"`
}

type WhatsAppConfig struct {
	Enabled   bool                   `json:"enabled" env:"RELAYCLAW_CHANNELS_WHATSAPP_ENABLED"`
	BridgeURL string                 `json:"bridge_url" env:"RELAYCLAW_CHANNELS_WHATSAPP_BRIDGE_URL"`
	AllowFrom []string               `json:"allow_from" env:"RELAYCLAW_CHANNELS_WHATSAPP_ALLOW_FROM"`
	Groups    map[string]GroupConfig `json:"groups,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool                   `json:"enabled" env:"RELAYCLAW_CHANNELS_TELEGRAM_ENABLED"`
	Token     string                 `json:"token" env:"RELAYCLAW_CHANNELS_TELEGRAM_TOKEN"`
	AllowFrom []string               `json:"allow_from" env:"RELAYCLAW_CHANNELS_TELEGRAM_ALLOW_FROM"`
	Groups    map[string]GroupConfig `json:"groups,omitempty"`
}

type DiscordConfig struct {
	Enabled   bool                   `json:"enabled" env:"RELAYCLAW_CHANNELS_DISCORD_ENABLED"`
	Token     string                 `json:"token" env:"RELAYCLAW_CHANNELS_DISCORD_TOKEN"`
	AllowFrom []string               `json:"allow_from" env:"RELAYCLAW_CHANNELS_DISCORD_ALLOW_FROM"`
	Groups    map[string]GroupConfig `json:"groups,omitempty"`
}

type ProvidersConfig map[string]*ProviderConfig

type ProviderConfig struct {
	APIKey        string   `json:"api_key"`
	APIBase       string   `json:"api_base"`
	UserAgent     string   `json:"user_agent,omitempty"`
	ModelPatterns []string `json:"model_patterns,omitempty"`
	Fallback      bool     `json:"fallback,omitempty"`
}

// providerDefaults supplies api_base and model match patterns for well-known
// providers so config files only need an api_key.
var providerDefaults = map[string]*ProviderConfig{
	"anthropic":  {APIBase: "https://api.anthropic.com/v1", ModelPatterns: []string{"anthropic/", "claude"}},
	"openai":     {APIBase: "https://api.openai.com/v1", ModelPatterns: []string{"openai/", "gpt", "o1"}},
	"groq":       {APIBase: "https://api.groq.com/openai/v1", ModelPatterns: []string{"groq/"}},
	"zhipu":      {APIBase: "https://open.bigmodel.cn/api/paas/v4", ModelPatterns: []string{"zhipu/", "glm"}},
	"openrouter": {APIBase: "https://openrouter.ai/api/v1", Fallback: true},
}

func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:   "~/.relayclaw/workspace",
				Model:       "anthropic/claude-sonnet-4",
				MaxTokens:   8192,
				Temperature: 0.7,
			},
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Enabled:   false,
				BridgeURL: "ws://localhost:3001",
				AllowFrom: []string{},
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: []string{},
			},
			Discord: DiscordConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: []string{},
			},
		},
		Providers: ProvidersConfig{},
		Session: SessionConfig{
			Store: "~/.relayclaw/sessions.json",
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  false,
			Schedule: "*/30 * * * *",
			Channel:  "telegram",
		},
	}
}

// mergeProviderDefaults fills in api_base and model_patterns from the
// built-in defaults for any provider that left them empty. A custom
// api_base or pattern list in the config file wins.
func mergeProviderDefaults(providers ProvidersConfig) {
	for name, p := range providers {
		def, ok := providerDefaults[name]
		if !ok || p == nil {
			continue
		}
		if p.APIBase == "" {
			p.APIBase = def.APIBase
		}
		if len(p.ModelPatterns) == 0 {
			p.ModelPatterns = append(p.ModelPatterns, def.ModelPatterns...)
		}
		if def.Fallback {
			p.Fallback = true
		}
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: config file not found at %s, using defaults\n", path)
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	mergeProviderDefaults(cfg.Providers)

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agents.Defaults.Workspace)
}

// SessionStorePath returns the path of the session store file after
// home-directory expansion.
func (c *Config) SessionStorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Session.Store)
}

// GetProviderConfig returns the named provider's config, or nil.
func (c *Config) GetProviderConfig(name string) *ProviderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers[name]
}

// GetChannelAllowFrom returns the allow_from list for a given channel name.
// The first non-wildcard entry is the channel owner.
func (c *Config) GetChannelAllowFrom(channel string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch channel {
	case "whatsapp":
		return c.Channels.WhatsApp.AllowFrom
	case "telegram":
		return c.Channels.Telegram.AllowFrom
	case "discord":
		return c.Channels.Discord.AllowFrom
	case "console":
		// The local operator always owns the console.
		return []string{"console"}
	default:
		return nil
	}
}

// GetChannelGroups returns the per-group policy map for a channel name.
func (c *Config) GetChannelGroups(channel string) map[string]GroupConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch channel {
	case "whatsapp":
		return c.Channels.WhatsApp.Groups
	case "telegram":
		return c.Channels.Telegram.Groups
	case "discord":
		return c.Channels.Discord.Groups
	default:
		return nil
	}
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
