// Package config loads the selector configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/izavyalov-dev/delta-select/analysis"
	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/executor"
	"github.com/izavyalov-dev/delta-select/feedback"
	"github.com/izavyalov-dev/delta-select/impact"
	"github.com/izavyalov-dev/delta-select/internal/artifacts"
	"github.com/izavyalov-dev/delta-select/planner"
	"github.com/izavyalov-dev/delta-select/risk"
)

// Config is the full selector configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	Registry string `yaml:"registry"`
	RepoRoot string `yaml:"repo_root"`
	// Budget is the default wall-clock budget of a cycle.
	Budget time.Duration `yaml:"budget"`

	Risk     risk.Config     `yaml:"risk"`
	Impact   impact.Config   `yaml:"impact"`
	Planner  planner.Config  `yaml:"planner"`
	Feedback feedback.Config `yaml:"feedback"`
	Executor executor.Config `yaml:"executor"`
	Analysis analysis.Config `yaml:"analysis"`

	Storage StorageConfig      `yaml:"storage"`
	S3      artifacts.S3Config `yaml:"s3"`
	GitHub  GitHubConfig       `yaml:"github"`
	Runner  RunnerConfig       `yaml:"runner"`
}

// StorageConfig selects where catalog, signals and feedback live. Postgres is
// used when DatabaseURL is set; otherwise feedback goes to the embedded log.
type StorageConfig struct {
	DatabaseURL  string `yaml:"database_url"`
	EmbeddedPath string `yaml:"embedded_path"`
	InMemory     bool   `yaml:"in_memory"`
}

type GitHubConfig struct {
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhook_secret"`
	CheckName     string `yaml:"check_name"`
	BaseURL       string `yaml:"base_url"`
}

// RunnerConfig chooses how batches are executed.
type RunnerConfig struct {
	// Mode is "http" for a remote runner agent or "local" to run test
	// commands in-process.
	Mode     string        `yaml:"mode"`
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
	WorkDir  string        `yaml:"work_dir"`
}

const (
	RunnerModeHTTP  = "http"
	RunnerModeLocal = "local"
)

func Default() Config {
	return Config{
		Listen:   ":8080",
		Registry: "registry.yaml",
		RepoRoot: ".",
		Budget:   15 * time.Minute,
		Risk:     risk.DefaultConfig(),
		Impact:   impact.DefaultConfig(),
		Planner:  planner.DefaultConfig(),
		Feedback: feedback.DefaultConfig(),
		Executor: executor.DefaultConfig(),
		Analysis: analysis.DefaultConfig(),
		Storage:  StorageConfig{EmbeddedPath: ".delta-select"},
		Runner:   RunnerConfig{Mode: RunnerModeLocal},
	}
}

// Load reads a YAML config file, expands environment variables, applies
// defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config file not found: %s", path)
		}
		return Config{}, fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes configuration over the defaults and validates it.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section. The first invalid field is reported as a
// catalog.ConfigurationError.
func (c Config) Validate() error {
	if c.Budget <= 0 {
		return catalog.Invalid("budget", "must be > 0, got %s", c.Budget)
	}
	validators := []interface{ Validate() error }{
		c.Risk, c.Impact, c.Planner, c.Feedback, c.Executor, c.Analysis,
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	switch c.Runner.Mode {
	case RunnerModeLocal:
	case RunnerModeHTTP:
		if c.Runner.Endpoint == "" {
			return catalog.Invalid("runner.endpoint", "required when runner.mode is %q", RunnerModeHTTP)
		}
	default:
		return catalog.Invalid("runner.mode", "must be %q or %q, got %q", RunnerModeLocal, RunnerModeHTTP, c.Runner.Mode)
	}
	if c.Runner.Timeout < 0 {
		return catalog.Invalid("runner.timeout", "must be >= 0")
	}
	if c.Storage.DatabaseURL == "" && c.Storage.EmbeddedPath == "" && !c.Storage.InMemory {
		return catalog.Invalid("storage", "database_url, embedded_path or in_memory is required")
	}
	return nil
}
