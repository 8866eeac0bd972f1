package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default agent settings, matching the CLI's own defaults.
const (
	DefaultAddr     = ":18880"
	DefaultModel    = "claude-code"
	DefaultMaxTurns = 10
	DefaultTimeout  = 5 * time.Minute
	DefaultGrace    = 5 * time.Second
)

// Config is the top-level application configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Agent  AgentConfig  `yaml:"agent"`
	Logger LoggerConfig `yaml:"logger"`
	Tracer TracerConfig `yaml:"tracer"`
	Audit  AuditConfig  `yaml:"audit"`
	Probe  ProbeConfig  `yaml:"probe"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr      string          `yaml:"addr"`
	Token     string          `yaml:"token"` // empty = auth disabled
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-client token-bucket settings.
// RequestsPerMin <= 0 disables rate limiting.
type RateLimitConfig struct {
	RequestsPerMin int `yaml:"requests_per_min"`
	Burst          int `yaml:"burst"`
}

// AgentConfig holds settings for the wrapped agent process.
type AgentConfig struct {
	Binary   string        `yaml:"binary"`    // path to the agent CLI
	Model    string        `yaml:"model"`     // cosmetic model name in responses
	MaxTurns int           `yaml:"max_turns"` // agentic turn ceiling per request
	Timeout  time.Duration `yaml:"timeout"`   // per-request wall-clock deadline
	Grace    time.Duration `yaml:"grace"`     // interrupt-to-kill interval
	Env      []string      `yaml:"env,omitempty"` // extra KEY=VALUE entries for the child

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker guarding process launches.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LoggerConfig holds slog settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
	Output string `yaml:"output"` // stdout|stderr|<path>
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// AuditConfig holds the optional completion audit log settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ProbeConfig holds the periodic agent binary health probe settings.
type ProbeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
}

// Default returns a Config populated with defaults, including agent
// binary auto-detection via PATH lookup.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr: DefaultAddr,
			RateLimit: RateLimitConfig{
				RequestsPerMin: 0, // disabled unless configured
				Burst:          20,
			},
		},
		Agent: AgentConfig{
			Binary:   detectBinary(),
			Model:    DefaultModel,
			MaxTurns: DefaultMaxTurns,
			Timeout:  DefaultTimeout,
			Grace:    DefaultGrace,
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},
		Probe:  ProbeConfig{Enabled: true, Schedule: "1m"},
	}
}

// Load reads the config file at path (missing file is not an error:
// defaults apply), then applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env + defaults
		default:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "claudeproxy", "config.yaml")
}

// applyEnv overrides config values from the environment. These variable
// names predate the YAML config and are kept for compatibility.
func (c *Config) applyEnv() {
	if v := os.Getenv("CLAUDE_BIN"); v != "" {
		c.Agent.Binary = v
	}
	if v := os.Getenv("CLAUDE_MODEL_NAME"); v != "" {
		c.Agent.Model = v
	}
	if v := os.Getenv("CLAUDE_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agent.MaxTurns = n
		}
	}
	if v := os.Getenv("CLAUDE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agent.Timeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("CLAUDE_PROXY_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("PROXY_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// Validate checks invariants that would otherwise fail at request time.
func (c *Config) Validate() error {
	if c.Agent.Binary == "" {
		return fmt.Errorf("agent.binary is required")
	}
	if c.Agent.MaxTurns <= 0 {
		return fmt.Errorf("agent.max_turns must be positive, got %d", c.Agent.MaxTurns)
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive, got %s", c.Agent.Timeout)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required when audit is enabled")
	}
	return nil
}

// detectBinary finds the agent CLI on PATH, falling back to the bare
// name so the error surfaces at invocation time with a clear message.
func detectBinary() string {
	if path, err := exec.LookPath("claude"); err == nil {
		return path
	}
	return "claude"
}
