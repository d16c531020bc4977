// Package config holds the engine configuration. Config is loaded from
// .promptproof/config.json in the workspace with environment overrides,
// falling back to defaults when the file is absent.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Defaults. The snippet caps and history bound are deliberate policy, not
// tuning knobs: five snippets of at most 200 characters keep corrections in
// the primacy window, and 100 retained turns per scope bound store growth.
const (
	DefaultMaxTokens         = 4000
	DefaultMaxTurnsToInclude = 8
	DefaultMaxSnippets       = 5
	DefaultMaxSnippetChars   = 200
	DefaultScopeHistoryLimit = 100
	DefaultModel             = "gpt-4o-mini"
	DefaultTemperature       = 0.4
)

// LoggingConfig mirrors the logging block consumed by internal/logging.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level,omitempty"`
}

// Config is the full engine configuration.
type Config struct {
	// Compilation limits
	MaxTokens         int `json:"max_tokens"`
	MaxTurnsToInclude int `json:"max_turns_to_include"`
	MaxSnippets       int `json:"max_snippets"`
	MaxSnippetChars   int `json:"max_snippet_chars"`

	// Store retention per scope
	ScopeHistoryLimit int `json:"scope_history_limit"`

	// Model parameters recorded on receipts and passed to the model call
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`

	// Feature toggles
	SnippetsEnabled bool `json:"snippets_enabled"`
	GuardEnabled    bool `json:"guard_enabled"`

	// Remote snippet service; empty means no remote provider
	SnippetServiceURL string `json:"snippet_service_url,omitempty"`

	Logging LoggingConfig `json:"logging"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		MaxTokens:         DefaultMaxTokens,
		MaxTurnsToInclude: DefaultMaxTurnsToInclude,
		MaxSnippets:       DefaultMaxSnippets,
		MaxSnippetChars:   DefaultMaxSnippetChars,
		ScopeHistoryLimit: DefaultScopeHistoryLimit,
		Model:             DefaultModel,
		Temperature:       DefaultTemperature,
		SnippetsEnabled:   true,
		GuardEnabled:      true,
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config from <workspace>/.promptproof/config.json, applies
// environment overrides, and fills unset numeric fields with defaults.
// A missing file is not an error; defaults are returned.
func Load(workspace string) (Config, error) {
	cfg := Default()

	path := filepath.Join(workspace, ".promptproof", "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.fillUnset()
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// fillUnset replaces zero-valued limits with defaults so a sparse config
// file does not disable budgeting outright.
func (c *Config) fillUnset() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxTurnsToInclude <= 0 {
		c.MaxTurnsToInclude = DefaultMaxTurnsToInclude
	}
	if c.MaxSnippets <= 0 {
		c.MaxSnippets = DefaultMaxSnippets
	}
	if c.MaxSnippetChars <= 0 {
		c.MaxSnippetChars = DefaultMaxSnippetChars
	}
	if c.ScopeHistoryLimit <= 0 {
		c.ScopeHistoryLimit = DefaultScopeHistoryLimit
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
}

// applyEnvOverrides applies PROMPTPROOF_* environment variables on top of
// whatever was loaded.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("PROMPTPROOF_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxTokens = n
		}
	}
	if v := os.Getenv("PROMPTPROOF_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("PROMPTPROOF_SNIPPETS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SnippetsEnabled = b
		}
	}
	if v := os.Getenv("PROMPTPROOF_GUARD_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.GuardEnabled = b
		}
	}
	if v := os.Getenv("PROMPTPROOF_SNIPPET_SERVICE_URL"); v != "" {
		c.SnippetServiceURL = v
	}
}
