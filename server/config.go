package server

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/djeidy/codex-sub000/shelltool"
)

// Config is the daemon configuration, read from CODEXD_* environment
// variables.
type Config struct {
	// Addr is the listen address for the HTTP and websocket API.
	Addr string `env:"CODEXD_ADDR" envDefault:":8787"`

	// APIKey and BaseURL configure the upstream model API. An empty
	// BaseURL uses the default endpoint.
	APIKey  string `env:"OPENAI_API_KEY"`
	BaseURL string `env:"OPENAI_BASE_URL"`

	// Model is the default model for new sessions.
	Model string `env:"CODEXD_MODEL" envDefault:"gpt-5.2"`

	// DataDir holds session files and uploads.
	DataDir string `env:"CODEXD_DATA_DIR" envDefault:"data"`

	// GuidesDir holds troubleshooting guides. Empty disables guides.
	GuidesDir string `env:"CODEXD_GUIDES_DIR"`

	// ApprovalPolicy is auto, always, or never.
	ApprovalPolicy string `env:"CODEXD_APPROVAL_POLICY" envDefault:"auto"`

	// DisableStorage switches turns to full transcript replay instead of
	// server-side response chaining.
	DisableStorage bool `env:"CODEXD_DISABLE_STORAGE"`

	// MaxUploadBytes caps a single uploaded file.
	MaxUploadBytes int64 `env:"CODEXD_MAX_UPLOAD_BYTES" envDefault:"5242880"`
}

// LoadConfig reads and validates configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field values; it does not touch the filesystem.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: empty addr")
	}
	if c.Model == "" {
		return fmt.Errorf("config: empty model")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: empty data dir")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("config: max upload bytes must be > 0, got %d", c.MaxUploadBytes)
	}
	switch shelltool.ApprovalPolicy(c.ApprovalPolicy) {
	case shelltool.ApprovalAuto, shelltool.ApprovalAlways, shelltool.ApprovalNever:
		return nil
	default:
		return fmt.Errorf("config: invalid approval policy %q", c.ApprovalPolicy)
	}
}

// Policy returns the approval policy as its typed form. Call Validate first.
func (c Config) Policy() shelltool.ApprovalPolicy {
	return shelltool.ApprovalPolicy(c.ApprovalPolicy)
}
