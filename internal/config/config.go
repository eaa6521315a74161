package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// RoleConfig configures one generative backend role.
type RoleConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

// LLMConfig holds both backend roles. The code role reviews code
// correctness; the feedback role reviews the written narrative. They
// are independent so a slow or dead backend never blocks the other.
type LLMConfig struct {
	Code             RoleConfig `toml:"code"`
	Feedback         RoleConfig `toml:"feedback"`
	TimeoutSeconds   int        `toml:"timeout_seconds"`
	ReconnectSeconds int        `toml:"reconnect_seconds"`
}

// AnalysisPrompts are fmt templates for the two roles. Each receives
// (assignment summary, evidence summary, submission text, total points).
type AnalysisPrompts struct {
	Code     string `toml:"code"`
	Feedback string `toml:"feedback"`
}

type GradingConfig struct {
	// SubmissionTimeoutSeconds bounds one whole grading run; on expiry
	// the run aborts and no score is persisted as final.
	SubmissionTimeoutSeconds int `toml:"submission_timeout_seconds"`
}

// BatchConfig describes the cool-down pause batch pipelines take after
// every N submissions to respect backend throughput limits.
type BatchConfig struct {
	CooldownEvery   int `toml:"cooldown_every"`
	CooldownSeconds int `toml:"cooldown_seconds"`
}

type StoreConfig struct {
	DSN string `toml:"dsn"`
}

type Config struct {
	LLM     LLMConfig       `toml:"llm"`
	Prompts AnalysisPrompts `toml:"prompts"`
	Grading GradingConfig   `toml:"grading"`
	Batch   BatchConfig     `toml:"batch"`
	Store   StoreConfig     `toml:"store"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

// Default returns a ready-to-use configuration for when no config file
// is present.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 45
	}
	if c.LLM.ReconnectSeconds <= 0 {
		c.LLM.ReconnectSeconds = 3
	}
	if c.Grading.SubmissionTimeoutSeconds <= 0 {
		c.Grading.SubmissionTimeoutSeconds = 180
	}
	if c.Batch.CooldownEvery <= 0 {
		c.Batch.CooldownEvery = 10
	}
	if c.Batch.CooldownSeconds <= 0 {
		c.Batch.CooldownSeconds = 30
	}
	if c.Prompts.Code == "" {
		c.Prompts.Code = defaultCodePrompt
	}
	if c.Prompts.Feedback == "" {
		c.Prompts.Feedback = defaultFeedbackPrompt
	}
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.LLM.ReconnectSeconds) * time.Second
}

func (c *Config) SubmissionTimeout() time.Duration {
	return time.Duration(c.Grading.SubmissionTimeoutSeconds) * time.Second
}

func (c *Config) CooldownPause() time.Duration {
	return time.Duration(c.Batch.CooldownSeconds) * time.Second
}

// ApplyEnvOverrides lets deployment environments override file config
// without editing it.
func (c *Config) ApplyEnvOverrides() {
	applyRoleEnv(&c.LLM.Code, "CODE_LLM")
	applyRoleEnv(&c.LLM.Feedback, "FEEDBACK_LLM")
	if dsn := os.Getenv("STORE_DSN"); dsn != "" {
		c.Store.DSN = dsn
	}
}

func applyRoleEnv(rc *RoleConfig, prefix string) {
	if v := os.Getenv(prefix + "_PROVIDER"); v != "" {
		rc.Provider = v
	}
	if v := os.Getenv(prefix + "_MODEL"); v != "" {
		rc.Model = v
	}
	if v := os.Getenv(prefix + "_API_KEY"); v != "" {
		rc.APIKey = v
	}
	if v := os.Getenv(prefix + "_BASE_URL"); v != "" {
		rc.BaseURL = v
	}
}

const defaultCodePrompt = `You are a strict grader reviewing the code of a student data-analysis notebook.

Assignment:
%s

Deterministic evidence gathered by the grading engine:
%s

Student code:
%s

Judge only code correctness against the assignment. Ground every judgement in the evidence above; do not award credit for work the evidence shows missing or erroring.
Respond with ONLY a JSON object:
{"score": <number between 0 and %.0f>, "rationale": "<short justification>", "components": {"<aspect>": <points>}}`

const defaultFeedbackPrompt = `You are reviewing the written narrative of a student data-analysis notebook for interpretation and business-insight quality.

Assignment:
%s

Deterministic evidence gathered by the grading engine:
%s

Student narrative:
%s

Ground your judgement in the evidence above. Respond with ONLY a JSON object:
{"score": <number between 0 and %.0f>, "rationale": "<short justification>", "components": {"<aspect>": <points>}}`
