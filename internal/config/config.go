// Package config handles gateway configuration loading and model
// resolution. Precedence (highest wins): environment variables, then
// ~/.aratta/config.toml, then built-in defaults.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/MAXAPIPULL00/aratta/internal/aerrors"
)

// Provider priorities. Lower number is preferred; local providers are
// sovereign and always rank first.
const (
	PriorityLocal     = 0
	PriorityPrimary   = 1
	PrioritySecondary = 2
	PriorityTertiary  = 3
	PriorityFallback  = 4
)

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".aratta")

	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8084},
		Providers: map[string]*Provider{
			"anthropic": {
				Name: "anthropic", BaseURL: "https://api.anthropic.com",
				APIKeyEnv: "ANTHROPIC_API_KEY", DefaultModel: "claude-sonnet-4-5-20250929",
				Priority: PriorityPrimary, TimeoutSeconds: 30, Enabled: true,
			},
			"openai": {
				Name: "openai", BaseURL: "https://api.openai.com/v1",
				APIKeyEnv: "OPENAI_API_KEY", DefaultModel: "gpt-4.1",
				Priority: PrioritySecondary, TimeoutSeconds: 30, Enabled: true,
			},
			"google": {
				Name: "google", BaseURL: "https://generativelanguage.googleapis.com",
				APIKeyEnv: "GOOGLE_API_KEY", DefaultModel: "gemini-3-flash-preview",
				Priority: PriorityTertiary, TimeoutSeconds: 30, Enabled: true,
			},
			"xai": {
				Name: "xai", BaseURL: "https://api.x.ai/v1",
				APIKeyEnv: "XAI_API_KEY", DefaultModel: "grok-4-1-fast",
				Priority: PriorityFallback, TimeoutSeconds: 30, Enabled: true,
			},
		},
		Local: map[string]*Provider{
			"ollama": {
				Name: "ollama", BaseURL: envOr("OLLAMA_URL", "http://localhost:11434"),
				DefaultModel: "llama3.1:8b", Priority: PriorityLocal,
				TimeoutSeconds: 30, Enabled: true,
			},
			"vllm": {
				Name: "vllm", BaseURL: envOr("VLLM_URL", "http://localhost:8000"),
				DefaultModel: "meta-llama/Llama-3.1-8B-Instruct", Priority: PriorityLocal,
				TimeoutSeconds: 30, Enabled: false,
			},
			"llamacpp": {
				Name: "llamacpp", BaseURL: envOr("LLAMACPP_URL", "http://localhost:8080"),
				DefaultModel: "default", Priority: PriorityLocal,
				TimeoutSeconds: 30, Enabled: false,
			},
		},
		Aliases: map[string]string{
			"fast":      "google:gemini-3-flash-preview",
			"reason":    "anthropic:claude-opus-4-5-20251101",
			"code":      "anthropic:claude-sonnet-4-5-20250929",
			"cheap":     "google:gemini-2.5-flash-lite",
			"local":     "ollama:llama3.1:8b",
			"sovereign": "ollama:llama3.1:8b",

			"opus":   "anthropic:claude-opus-4-5-20251101",
			"sonnet": "anthropic:claude-sonnet-4-5-20250929",
			"haiku":  "anthropic:claude-haiku-4-5-20251001",

			"gpt":      "openai:gpt-4.1",
			"gpt-mini": "openai:gpt-4.1-mini",
			"o3":       "openai:o3",

			"gemini":     "google:gemini-3-flash-preview",
			"gemini-pro": "google:gemini-3-pro-preview",

			"grok": "xai:grok-4-1-fast",

			"embed":       "openai:text-embedding-3-large",
			"embed-small": "openai:text-embedding-3-small",
		},
		Behaviour: BehaviourConfig{
			DefaultProvider: "ollama",
			PreferLocal:     true,
			EnableFallback:  true,
		},
		Circuit: CircuitConfig{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			RecoverySeconds:  30,
		},
		Healing: HealingConfig{
			Enabled:            true,
			AutoApply:          false,
			AutoApplyThreshold: 0.8,
			HealModel:          "local",
			ErrorThreshold:     3,
			WindowSeconds:      300,
			CooldownSeconds:    600,
			ResearchOrder:      []string{"xai", "openai", "google", "anthropic"},
			VerifySeconds:      10,
			PendingExpiryHours: 168,
		},
		Paths: PathsConfig{DataDir: dataDir},
	}
}

// Load loads configuration from the given path, overlaying it on the
// defaults and applying environment overrides. A missing file is not an
// error; a malformed one is a ConfigError.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, &aerrors.ConfigError{Message: "reading " + configPath, Inner: err}
	}

	var overlay Config
	if err := toml.Unmarshal(data, &overlay); err != nil {
		return nil, &aerrors.ConfigError{Message: "parsing " + configPath, Inner: err}
	}
	cfg.merge(&overlay)
	cfg.applyEnv()
	return cfg, nil
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	if home := os.Getenv("ARATTA_HOME"); home != "" {
		return filepath.Join(home, "config.toml")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".aratta", "config.toml")
}

func (c *Config) merge(o *Config) {
	if o.Server.Host != "" {
		c.Server.Host = o.Server.Host
	}
	if o.Server.Port != 0 {
		c.Server.Port = o.Server.Port
	}
	for name, p := range o.Providers {
		mergeProvider(c.Providers, name, p)
	}
	for name, p := range o.Local {
		mergeProvider(c.Local, name, p)
	}
	for alias, target := range o.Aliases {
		c.Aliases[alias] = target
	}
	if o.Behaviour.DefaultProvider != "" {
		c.Behaviour = o.Behaviour
	}
	if o.Circuit.FailureThreshold != 0 {
		c.Circuit = o.Circuit
	}
	if o.Healing.ErrorThreshold != 0 || o.Healing.HealModel != "" {
		h := &c.Healing
		h.Enabled = o.Healing.Enabled
		h.AutoApply = o.Healing.AutoApply
		if o.Healing.AutoApplyThreshold > 0 {
			h.AutoApplyThreshold = o.Healing.AutoApplyThreshold
		}
		if o.Healing.HealModel != "" {
			h.HealModel = o.Healing.HealModel
		}
		if o.Healing.ErrorThreshold > 0 {
			h.ErrorThreshold = o.Healing.ErrorThreshold
		}
		if o.Healing.WindowSeconds > 0 {
			h.WindowSeconds = o.Healing.WindowSeconds
		}
		if o.Healing.CooldownSeconds > 0 {
			h.CooldownSeconds = o.Healing.CooldownSeconds
		}
		if len(o.Healing.ResearchOrder) > 0 {
			h.ResearchOrder = o.Healing.ResearchOrder
		}
		if o.Healing.VerifySeconds > 0 {
			h.VerifySeconds = o.Healing.VerifySeconds
		}
		if o.Healing.PendingExpiryHours > 0 {
			h.PendingExpiryHours = o.Healing.PendingExpiryHours
		}
	}
	if o.Paths.DataDir != "" {
		c.Paths.DataDir = o.Paths.DataDir
	}
}

func mergeProvider(into map[string]*Provider, name string, p *Provider) {
	existing, ok := into[name]
	if !ok {
		p.Name = name
		if p.TimeoutSeconds == 0 {
			p.TimeoutSeconds = 30
		}
		into[name] = p
		return
	}
	if p.BaseURL != "" {
		existing.BaseURL = p.BaseURL
	}
	if p.DefaultModel != "" {
		existing.DefaultModel = p.DefaultModel
	}
	if p.APIKeyEnv != "" {
		existing.APIKeyEnv = p.APIKeyEnv
	}
	if p.TimeoutSeconds != 0 {
		existing.TimeoutSeconds = p.TimeoutSeconds
	}
	if p.Priority != 0 {
		existing.Priority = p.Priority
	}
	existing.Enabled = p.Enabled
}

func (c *Config) applyEnv() {
	if host := os.Getenv("ARATTA_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("ARATTA_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.Port = n
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// APIKey reads the provider's key from the environment. Keys are never
// stored in the config file and never logged.
func (p *Provider) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// Available reports whether the provider is enabled and, for cloud
// providers, has a key present.
func (p *Provider) Available() bool {
	if !p.Enabled {
		return false
	}
	if p.APIKeyEnv != "" {
		return p.APIKey() != ""
	}
	return true
}

// GetProvider looks up a provider by name across cloud and local tables.
func (c *Config) GetProvider(name string) *Provider {
	if p, ok := c.Providers[name]; ok {
		return p
	}
	if p, ok := c.Local[name]; ok {
		return p
	}
	return nil
}

// AvailableProviders returns enabled providers sorted by priority,
// local providers first.
func (c *Config) AvailableProviders() []string {
	var names []string
	for name, p := range c.Local {
		if p.Available() {
			names = append(names, name)
		}
	}
	for name, p := range c.Providers {
		if p.Available() {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := c.GetProvider(names[i]), c.GetProvider(names[j])
		if pi.Priority != pj.Priority {
			return pi.Priority < pj.Priority
		}
		return names[i] < names[j]
	})
	return names
}

// Resolve maps a model string to (provider, model id).
//
// Resolution order, first match wins:
//
//	"fast"                       alias table
//	"anthropic:claude-opus-..."  explicit provider:model
//	"claude-opus-..."            family-prefix inference
//	anything else                default provider
func (c *Config) Resolve(alias string) (string, string) {
	if resolved, ok := c.Aliases[alias]; ok {
		if provider, model, found := strings.Cut(resolved, ":"); found {
			return provider, model
		}
		return c.Behaviour.DefaultProvider, resolved
	}

	if provider, model, found := strings.Cut(alias, ":"); found {
		if c.GetProvider(provider) != nil {
			return provider, model
		}
	}

	lower := strings.ToLower(alias)
	switch {
	case strings.Contains(lower, "claude"):
		return "anthropic", alias
	case containsAny(lower, "gpt", "o1", "o3", "o4", "codex"):
		return "openai", alias
	case strings.Contains(lower, "gemini"):
		return "google", alias
	case strings.Contains(lower, "grok"):
		return "xai", alias
	case containsAny(lower, "llama", "mistral", "qwen", "phi", "deepseek"):
		return "ollama", alias
	}

	return c.Behaviour.DefaultProvider, alias
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
