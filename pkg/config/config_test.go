package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"foreman/pkg/protocol"
)

// clearEnv isolates a test from the caller's FOREMAN_* variables and .env.
func clearEnv(t *testing.T) string {
	t.Helper()
	for _, k := range []string{
		"FOREMAN_HOME", "FOREMAN_SOCKET_PATH", "FOREMAN_DB_PATH",
		"FOREMAN_SUPERVISOR_CMD", "FOREMAN_WORKER_CMD", "FOREMAN_RUNTIME",
		"FOREMAN_LOG_LEVEL", "FOREMAN_OPEN_TERMINALS",
	} {
		t.Setenv(k, "")
	}
	home := t.TempDir()
	t.Setenv("FOREMAN_HOME", home)
	t.Chdir(t.TempDir())
	return home
}

func TestResolvePaths_Defaults(t *testing.T) {
	t.Setenv("FOREMAN_HOME", "")
	t.Setenv("FOREMAN_SOCKET_PATH", "")
	t.Setenv("FOREMAN_DB_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("get home dir: %v", err)
	}
	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}

	base := filepath.Join(home, protocol.ForemanDir)
	if paths.Home != base {
		t.Errorf("Home = %q, want %q", paths.Home, base)
	}
	if paths.SocketPath != filepath.Join(base, "foreman.sock") {
		t.Errorf("SocketPath = %q", paths.SocketPath)
	}
	if paths.DBPath != filepath.Join(base, "state.db") {
		t.Errorf("DBPath = %q", paths.DBPath)
	}
}

func TestResolvePaths_EnvOverrides(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("FOREMAN_HOME", filepath.Join(tmp, "home"))
	t.Setenv("FOREMAN_SOCKET_PATH", filepath.Join(tmp, "custom.sock"))
	t.Setenv("FOREMAN_DB_PATH", "")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatal(err)
	}
	if paths.SocketPath != filepath.Join(tmp, "custom.sock") {
		t.Errorf("SocketPath = %q", paths.SocketPath)
	}
	if paths.DBPath != filepath.Join(tmp, "home", "state.db") {
		t.Errorf("DBPath should follow FOREMAN_HOME, got %q", paths.DBPath)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	paths, _ := ResolvePaths()

	cfg, err := Load(paths)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SupervisorCommand != DefaultAgentCommand || cfg.Runtime != "hybrid" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Watch() != 2*time.Second || cfg.MaxRetries != 2 || cfg.AllowFallback {
		t.Errorf("unexpected timing defaults %+v", cfg)
	}
	if cfg.Policy() != protocol.DefaultApprovalPolicy() {
		t.Errorf("policy = %+v", cfg.Policy())
	}
	if cfg.Source != "" {
		t.Errorf("Source = %q, want empty", cfg.Source)
	}
}

func TestLoad_YAMLWinsOverTOML(t *testing.T) {
	home := clearEnv(t)
	yml := "worker_command: claude\nwatch_interval: 500ms\napproval_policy:\n  worker:\n    continue_suggestion: auto_continue\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte("worker_command = \"aider\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	paths, _ := ResolvePaths()

	cfg, err := Load(paths)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCommand != "claude" {
		t.Errorf("WorkerCommand = %q", cfg.WorkerCommand)
	}
	if cfg.SupervisorCommand != DefaultAgentCommand {
		t.Error("unset keys must keep their defaults")
	}
	if cfg.Watch() != 500*time.Millisecond {
		t.Errorf("Watch = %v", cfg.Watch())
	}
	if cfg.Policy().Worker != protocol.PolicyAutoContinue || cfg.Policy().Supervisor != protocol.PolicyAutoContinue {
		t.Errorf("policy = %+v", cfg.Policy())
	}
	if !strings.HasSuffix(cfg.Source, "config.yaml") {
		t.Errorf("Source = %q", cfg.Source)
	}
}

func TestLoad_TOML(t *testing.T) {
	home := clearEnv(t)
	tml := "runtime = \"subprocess\"\nmax_retries = 4\nallow_fallback = true\n\n[approval_policy.supervisor]\ncontinue_suggestion = \"queue\"\n"
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(tml), 0o600); err != nil {
		t.Fatal(err)
	}
	paths, _ := ResolvePaths()

	cfg, err := Load(paths)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runtime != "subprocess" || cfg.MaxRetries != 4 || !cfg.AllowFallback {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Policy().Supervisor != protocol.PolicyQueue {
		t.Errorf("policy = %+v", cfg.Policy())
	}
}

func TestLoad_EnvAndDotEnv(t *testing.T) {
	clearEnv(t)
	if err := os.WriteFile(".env", []byte("FOREMAN_WORKER_CMD=from-dotenv\nFOREMAN_RUNTIME=tmux\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FOREMAN_RUNTIME", "subprocess")
	t.Setenv("FOREMAN_OPEN_TERMINALS", "0")
	// godotenv sets variables for the process; make sure they are removed
	// when the test ends.
	t.Setenv("FOREMAN_WORKER_CMD", "")
	os.Unsetenv("FOREMAN_WORKER_CMD")

	paths, _ := ResolvePaths()
	cfg, err := Load(paths)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCommand != "from-dotenv" {
		t.Errorf("WorkerCommand = %q", cfg.WorkerCommand)
	}
	if cfg.Runtime != "subprocess" {
		t.Errorf("environment must win over .env, got %q", cfg.Runtime)
	}
	if cfg.OpenTerminals {
		t.Error("FOREMAN_OPEN_TERMINALS=0 should disable tabs")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*Config)
		field string
	}{
		{"runtime", func(c *Config) { c.Runtime = "docker" }, "runtime"},
		{"interval", func(c *Config) { c.WatchInterval = "soon" }, "watch_interval"},
		{"retries", func(c *Config) { c.MaxRetries = -1 }, "max_retries"},
		{"policy", func(c *Config) { c.ApprovalPolicy.Worker.ContinueSuggestion = "ignore" }, "approval_policy.worker.continue_suggestion"},
		{"level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"command", func(c *Config) { c.WorkerCommand = " " }, "command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mut(cfg)
			err := cfg.Validate()
			var ve *protocol.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected validation error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestLogger_JSON(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	var buf bytes.Buffer
	log := cfg.Logger(&buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("unexpected log output %q", out)
	}
}
