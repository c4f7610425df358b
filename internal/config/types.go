// Package config provides configuration types for the gateway.
package config

// Config represents the main gateway configuration.
type Config struct {
	Server    ServerConfig         `toml:"server"`
	Providers map[string]*Provider `toml:"providers"`
	Local     map[string]*Provider `toml:"local"`
	Aliases   map[string]string    `toml:"aliases"`
	Behaviour BehaviourConfig      `toml:"behaviour"`
	Circuit   CircuitConfig        `toml:"circuit"`
	Healing   HealingConfig        `toml:"healing"`
	Paths     PathsConfig          `toml:"paths"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Provider configures one AI backend. API keys are referenced by
// environment variable name and never persisted.
type Provider struct {
	Name           string `toml:"-"`
	BaseURL        string `toml:"base_url"`
	APIKeyEnv      string `toml:"api_key_env"`
	DefaultModel   string `toml:"default_model"`
	Priority       int    `toml:"priority"`
	TimeoutSeconds int    `toml:"timeout"`
	Enabled        bool   `toml:"enabled"`
}

// BehaviourConfig contains routing behaviour settings.
type BehaviourConfig struct {
	DefaultProvider string `toml:"default_provider"`
	PreferLocal     bool   `toml:"prefer_local"`
	EnableFallback  bool   `toml:"enable_fallback"`
}

// CircuitConfig contains circuit-breaker tuning.
type CircuitConfig struct {
	Enabled          bool `toml:"enabled"`
	FailureThreshold int  `toml:"failure_threshold"`
	SuccessThreshold int  `toml:"success_threshold"`
	RecoverySeconds  int  `toml:"recovery_seconds"`
}

// HealingConfig contains self-healing settings.
type HealingConfig struct {
	Enabled            bool     `toml:"enabled"`
	AutoApply          bool     `toml:"auto_apply"`
	AutoApplyThreshold float64  `toml:"auto_apply_threshold"`
	HealModel          string   `toml:"heal_model"`
	ErrorThreshold     int      `toml:"error_threshold"`
	WindowSeconds      int      `toml:"window_seconds"`
	CooldownSeconds    int      `toml:"cooldown_seconds"`
	ResearchOrder      []string `toml:"research_preference_order"`
	VerifySeconds      int      `toml:"verify_seconds"`
	PendingExpiryHours int      `toml:"pending_expiry_hours"`
}

// PathsConfig contains filesystem locations for persisted state.
type PathsConfig struct {
	DataDir string `toml:"data_dir"`
}
