package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	content := `
[llm]
timeout_seconds = 20

[llm.code]
provider = "claude"
model = "claude-sonnet-4-20250514"
api_key = "test-key"

[llm.feedback]
provider = "openai"
model = "gpt-4o"

[batch]
cooldown_every = 5
cooldown_seconds = 60
`
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.LLM.Code.Provider)
	assert.Equal(t, "openai", cfg.LLM.Feedback.Provider)
	assert.Equal(t, 20*time.Second, cfg.LLMTimeout())
	assert.Equal(t, 5, cfg.Batch.CooldownEvery)
	assert.Equal(t, time.Minute, cfg.CooldownPause())

	// Unset fields pick up defaults.
	assert.NotEmpty(t, cfg.Prompts.Code)
	assert.NotEmpty(t, cfg.Prompts.Feedback)
	assert.Equal(t, 180*time.Second, cfg.SubmissionTimeout())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("does/not/exist.toml")
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CODE_LLM_PROVIDER", "gemini")
	t.Setenv("CODE_LLM_API_KEY", "env-key")
	t.Setenv("STORE_DSN", "file:env.db")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "gemini", cfg.LLM.Code.Provider)
	assert.Equal(t, "env-key", cfg.LLM.Code.APIKey)
	assert.Equal(t, "file:env.db", cfg.Store.DSN)
}
