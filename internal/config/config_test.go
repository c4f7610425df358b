package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MAXAPIPULL00/aratta/internal/aerrors"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8084, cfg.Server.Port)
	assert.Equal(t, "ollama", cfg.Behaviour.DefaultProvider)
	assert.True(t, cfg.Behaviour.EnableFallback)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 2, cfg.Circuit.SuccessThreshold)
	assert.Equal(t, 30, cfg.Circuit.RecoverySeconds)
	assert.Equal(t, 3, cfg.Healing.ErrorThreshold)
	assert.Equal(t, 600, cfg.Healing.CooldownSeconds)
	assert.InDelta(t, 0.8, cfg.Healing.AutoApplyThreshold, 1e-9)
	assert.Equal(t, []string{"xai", "openai", "google", "anthropic"}, cfg.Healing.ResearchOrder)
	assert.Equal(t, 168, cfg.Healing.PendingExpiryHours)
}

func TestResolveAliasTable(t *testing.T) {
	cfg := Default()
	provider, model := cfg.Resolve("reason")
	assert.Equal(t, "anthropic", provider)
	assert.Equal(t, "claude-opus-4-5-20251101", model)

	// Alias targets keep colons inside the model id.
	provider, model = cfg.Resolve("local")
	assert.Equal(t, "ollama", provider)
	assert.Equal(t, "llama3.1:8b", model)
}

func TestResolveExplicitForm(t *testing.T) {
	cfg := Default()
	provider, model := cfg.Resolve("openai:gpt-4.1-nano")
	assert.Equal(t, "openai", provider)
	assert.Equal(t, "gpt-4.1-nano", model)
}

func TestResolvePrefixInference(t *testing.T) {
	cfg := Default()
	cases := map[string]string{
		"claude-sonnet-4-5-20250929": "anthropic",
		"gpt-4.1-mini":               "openai",
		"gemini-2.5-pro":             "google",
		"grok-4":                     "xai",
		"llama3.1:8b":                "ollama",
		"qwen-2.5-7b":                "ollama",
	}
	for input, want := range cases {
		provider, _ := cfg.Resolve(input)
		assert.Equal(t, want, provider, input)
	}
}

func TestResolveDefaultProvider(t *testing.T) {
	cfg := Default()
	provider, model := cfg.Resolve("mystery-model")
	assert.Equal(t, "ollama", provider)
	assert.Equal(t, "mystery-model", model)
}

func TestResolutionOrderAliasWinsOverInference(t *testing.T) {
	cfg := Default()
	cfg.Aliases["claude-x"] = "openai:gpt-4.1"
	provider, model := cfg.Resolve("claude-x")
	assert.Equal(t, "openai", provider)
	assert.Equal(t, "gpt-4.1", model)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, 8084, cfg.Server.Port)
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
host = "127.0.0.1"
port = 9000

[aliases]
reason = "openai:o3"

[behaviour]
default_provider = "openai"
prefer_local = false
enable_fallback = false

[healing]
enabled = true
auto_apply = true
auto_apply_threshold = 0.5
heal_model = "sonnet"
error_threshold = 7

[providers.anthropic]
default_model = "claude-haiku-4-5-20251001"
enabled = false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.Behaviour.DefaultProvider)
	assert.False(t, cfg.Behaviour.EnableFallback)
	assert.True(t, cfg.Healing.AutoApply)
	assert.InDelta(t, 0.5, cfg.Healing.AutoApplyThreshold, 1e-9)
	assert.Equal(t, "sonnet", cfg.Healing.HealModel)
	assert.Equal(t, 7, cfg.Healing.ErrorThreshold)

	provider, model := cfg.Resolve("reason")
	assert.Equal(t, "openai", provider)
	assert.Equal(t, "o3", model)

	anthropic := cfg.GetProvider("anthropic")
	require.NotNil(t, anthropic)
	assert.False(t, anthropic.Enabled)
	assert.Equal(t, "claude-haiku-4-5-20251001", anthropic.DefaultModel)
	// Untouched fields keep their defaults.
	assert.Equal(t, "https://api.anthropic.com", anthropic.BaseURL)
}

func TestLoadMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nport="), 0o644))
	_, err := Load(path)
	var ce *aerrors.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARATTA_HOST", "10.0.0.5")
	t.Setenv("ARATTA_PORT", "7070")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Server.Host)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestAvailableProvidersPriorityOrder(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "k")
	t.Setenv("OPENAI_API_KEY", "k")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("XAI_API_KEY", "")
	cfg := Default()

	names := cfg.AvailableProviders()
	// Local first (priority 0), then anthropic (1), then openai (2);
	// providers without keys are absent.
	require.Equal(t, []string{"ollama", "anthropic", "openai"}, names)
}

func TestAPIKeyNeverInConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-secret")
	cfg := Default()
	p := cfg.GetProvider("openai")
	assert.Equal(t, "OPENAI_API_KEY", p.APIKeyEnv)
	assert.Equal(t, "sk-secret", p.APIKey())
}
