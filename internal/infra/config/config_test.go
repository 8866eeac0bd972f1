package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Server.Addr != ":18880" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Agent.Model != "claude-code" {
		t.Errorf("Model = %q", cfg.Agent.Model)
	}
	if cfg.Agent.MaxTurns != 10 {
		t.Errorf("MaxTurns = %d", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.Timeout != 5*time.Minute {
		t.Errorf("Timeout = %s", cfg.Agent.Timeout)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != DefaultAddr {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  addr: ":9999"
  token: "sekrit"
agent:
  binary: /usr/bin/true
  model: custom-model
  max_turns: 5
  timeout: 30s
audit:
  enabled: true
  path: /tmp/audit.db
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" || cfg.Server.Token != "sekrit" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Agent.Model != "custom-model" || cfg.Agent.MaxTurns != 5 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Agent.Timeout != 30*time.Second {
		t.Errorf("Timeout = %s", cfg.Agent.Timeout)
	}
	if !cfg.Audit.Enabled || cfg.Audit.Path != "/tmp/audit.db" {
		t.Errorf("audit = %+v", cfg.Audit)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAUDE_BIN", "/opt/agent")
	t.Setenv("CLAUDE_MODEL_NAME", "env-model")
	t.Setenv("CLAUDE_MAX_TURNS", "7")
	t.Setenv("CLAUDE_TIMEOUT", "120")
	t.Setenv("CLAUDE_PROXY_TOKEN", "env-token")
	t.Setenv("PROXY_ADDR", ":7777")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Binary != "/opt/agent" {
		t.Errorf("Binary = %q", cfg.Agent.Binary)
	}
	if cfg.Agent.Model != "env-model" {
		t.Errorf("Model = %q", cfg.Agent.Model)
	}
	if cfg.Agent.MaxTurns != 7 {
		t.Errorf("MaxTurns = %d", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.Timeout != 2*time.Minute {
		t.Errorf("Timeout = %s", cfg.Agent.Timeout)
	}
	if cfg.Server.Token != "env-token" {
		t.Errorf("Token = %q", cfg.Server.Token)
	}
	if cfg.Server.Addr != ":7777" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
}

func TestValidateRejections(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty binary", func(c *Config) { c.Agent.Binary = "" }},
		{"zero max turns", func(c *Config) { c.Agent.MaxTurns = 0 }},
		{"negative timeout", func(c *Config) { c.Agent.Timeout = -time.Second }},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"audit without path", func(c *Config) { c.Audit.Enabled = true; c.Audit.Path = "" }},
	}
	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
