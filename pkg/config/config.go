// Package config resolves foreman's state paths and layered settings:
// built-in defaults, then $FOREMAN_HOME/config.yaml (or config.toml), then
// environment overrides, with a working-directory .env loaded first.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"foreman/pkg/protocol"
)

// DefaultAgentCommand launches codex inline with its optional MCP servers
// disabled so startup is fast and the banner is predictable.
const DefaultAgentCommand = "codex --no-alt-screen" +
	" -c mcp_servers.context7.enabled=false" +
	" -c mcp_servers.mcp-deepwiki.enabled=false" +
	" -c mcp_servers.open-websearch.enabled=false" +
	" -c mcp_servers.playwright.enabled=false" +
	" -c mcp_servers.serena.enabled=false" +
	" -c mcp_servers.spec-workflow.enabled=false"

// RolePolicy is the per-role approval policy block of the config file.
type RolePolicy struct {
	ContinueSuggestion protocol.ContinuePolicy `yaml:"continue_suggestion" toml:"continue_suggestion"`
}

// PolicyConfig is the approval_policy block.
type PolicyConfig struct {
	Supervisor RolePolicy `yaml:"supervisor" toml:"supervisor"`
	Worker     RolePolicy `yaml:"worker" toml:"worker"`
}

// Config is the user-tunable configuration.
type Config struct {
	SupervisorCommand string       `yaml:"supervisor_command" toml:"supervisor_command"`
	WorkerCommand     string       `yaml:"worker_command" toml:"worker_command"`
	Runtime           string       `yaml:"runtime" toml:"runtime"`               // hybrid, tmux or subprocess
	WatchInterval     string       `yaml:"watch_interval" toml:"watch_interval"` // Go duration, e.g. "2s"
	MaxRetries        int          `yaml:"max_retries" toml:"max_retries"`
	AllowFallback     bool         `yaml:"allow_fallback" toml:"allow_fallback"`
	ApprovalPolicy    PolicyConfig `yaml:"approval_policy" toml:"approval_policy"`
	LogLevel          string       `yaml:"log_level" toml:"log_level"`
	LogFormat         string       `yaml:"log_format" toml:"log_format"` // text or json
	OpenTerminals     bool         `yaml:"open_terminals" toml:"open_terminals"`

	// Source is the file the config was read from, empty for defaults only.
	Source string `yaml:"-" toml:"-"`

	watch time.Duration
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SupervisorCommand: DefaultAgentCommand,
		WorkerCommand:     DefaultAgentCommand,
		Runtime:           "hybrid",
		WatchInterval:     "2s",
		MaxRetries:        2,
		ApprovalPolicy: PolicyConfig{
			Supervisor: RolePolicy{ContinueSuggestion: protocol.PolicyAutoContinue},
			Worker:     RolePolicy{ContinueSuggestion: protocol.PolicyQueue},
		},
		LogLevel:      "info",
		LogFormat:     "text",
		OpenTerminals: true,
		watch:         2 * time.Second,
	}
}

// Load builds the effective configuration for the given paths. A missing
// config file is not an error.
func Load(paths *Paths) (*Config, error) {
	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if err := cfg.readFile(paths); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile decodes config.yaml, or config.toml when no YAML file exists, on
// top of the current values.
func (c *Config) readFile(paths *Paths) error {
	if paths == nil {
		return nil
	}
	data, err := os.ReadFile(paths.ConfigYAML)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", paths.ConfigYAML, err)
		}
		c.Source = paths.ConfigYAML
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("read %s: %w", paths.ConfigYAML, err)
	}

	data, err = os.ReadFile(paths.ConfigTOML)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", paths.ConfigTOML, err)
		}
		c.Source = paths.ConfigTOML
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return fmt.Errorf("read %s: %w", paths.ConfigTOML, err)
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FOREMAN_SUPERVISOR_CMD"); v != "" {
		c.SupervisorCommand = v
	}
	if v := os.Getenv("FOREMAN_WORKER_CMD"); v != "" {
		c.WorkerCommand = v
	}
	if v := os.Getenv("FOREMAN_RUNTIME"); v != "" {
		c.Runtime = v
	}
	if v := os.Getenv("FOREMAN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FOREMAN_OPEN_TERMINALS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.OpenTerminals = b
		}
	}
}

// Validate checks enumerated values and parses durations.
func (c *Config) Validate() error {
	switch c.Runtime {
	case "hybrid", "tmux", "subprocess":
	default:
		return &protocol.ValidationError{Field: "runtime", Reason: fmt.Sprintf("unknown runtime %q", c.Runtime)}
	}
	d, err := time.ParseDuration(c.WatchInterval)
	if err != nil || d <= 0 {
		return &protocol.ValidationError{Field: "watch_interval", Reason: fmt.Sprintf("invalid duration %q", c.WatchInterval)}
	}
	c.watch = d
	if c.MaxRetries < 0 {
		return &protocol.ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	for field, p := range map[string]protocol.ContinuePolicy{
		"approval_policy.supervisor.continue_suggestion": c.ApprovalPolicy.Supervisor.ContinueSuggestion,
		"approval_policy.worker.continue_suggestion":     c.ApprovalPolicy.Worker.ContinueSuggestion,
	} {
		if p != "" && p != protocol.PolicyAutoContinue && p != protocol.PolicyQueue {
			return &protocol.ValidationError{Field: field, Reason: fmt.Sprintf("unknown policy %q", p)}
		}
	}
	if strings.TrimSpace(c.SupervisorCommand) == "" || strings.TrimSpace(c.WorkerCommand) == "" {
		return &protocol.ValidationError{Field: "command", Reason: "agent commands must not be blank"}
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Watch returns the parsed watcher interval.
func (c *Config) Watch() time.Duration {
	if c.watch <= 0 {
		return 2 * time.Second
	}
	return c.watch
}

// Policy returns the session approval policy.
func (c *Config) Policy() protocol.ApprovalPolicy {
	return protocol.ApprovalPolicy{
		Supervisor: c.ApprovalPolicy.Supervisor.ContinueSuggestion,
		Worker:     c.ApprovalPolicy.Worker.ContinueSuggestion,
	}
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, &protocol.ValidationError{Field: "log_level", Reason: fmt.Sprintf("unknown level %q", c.LogLevel)}
	}
	return l, nil
}

// Logger builds the process logger: a text handler, or JSON when
// log_format is "json".
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
