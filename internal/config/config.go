package config

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Config represents the main agentd configuration
type Config struct {
	// Agent process
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Session scheduling and persistence
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AgentConfig describes how the agent executable is launched
type AgentConfig struct {
	Executable     string   `json:"executable" mapstructure:"executable"`
	SystemPrompt   string   `json:"system_prompt" mapstructure:"system_prompt"`
	WorkDir        string   `json:"work_dir" mapstructure:"work_dir"`
	Model          string   `json:"model" mapstructure:"model"`
	IncludePartial bool     `json:"include_partial" mapstructure:"include_partial"`
	ExtraArgs      []string `json:"extra_args" mapstructure:"extra_args"`
	Env            []string `json:"env" mapstructure:"env"`                         // KEY=VALUE
	TimeoutSeconds int      `json:"timeout_seconds" mapstructure:"timeout_seconds"` // 0 = no timeout
	KillGraceMs    int      `json:"kill_grace_ms" mapstructure:"kill_grace_ms"`
	MaxLineBytes   int      `json:"max_line_bytes" mapstructure:"max_line_bytes"`
}

// SessionsConfig holds scheduler and token store settings
type SessionsConfig struct {
	DBPath           string `json:"db_path" mapstructure:"db_path"`
	IdleTTLMinutes   int    `json:"idle_ttl_minutes" mapstructure:"idle_ttl_minutes"` // 0 disables eviction
	TokenTTLHours    int    `json:"token_ttl_hours" mapstructure:"token_ttl_hours"`   // 0 keeps tokens forever
	SweepSchedule    string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	RejectAbandoned  bool   `json:"reject_abandoned" mapstructure:"reject_abandoned"`
	QueueWarnSeconds int    `json:"queue_warn_seconds" mapstructure:"queue_warn_seconds"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled             bool   `json:"enabled" mapstructure:"enabled"`
	Port                int    `json:"port" mapstructure:"port"`
	Host                string `json:"host" mapstructure:"host"`
	PingIntervalSeconds int    `json:"ping_interval_seconds" mapstructure:"ping_interval_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Executable:  "claude",
			ExtraArgs:   []string{},
			Env:         []string{},
			KillGraceMs: 3000,
		},
		Sessions: SessionsConfig{
			IdleTTLMinutes:   24 * 60,
			SweepSchedule:    "@every 10m",
			RejectAbandoned:  true,
			QueueWarnSeconds: 120,
		},
		Gateway: GatewayConfig{
			Enabled:             true,
			Port:                8080,
			Host:                "127.0.0.1",
			PingIntervalSeconds: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			SampleRatio: 1.0,
		},
	}
}

// Timeout returns the per-execution timeout, zero when disabled
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// EnvMap returns the extra environment as a map. Entries without '=' are
// skipped.
func (a AgentConfig) EnvMap() map[string]string {
	env := make(map[string]string, len(a.Env))
	for _, entry := range a.Env {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

// KillGrace returns the SIGTERM to SIGKILL delay
func (a AgentConfig) KillGrace() time.Duration {
	return time.Duration(a.KillGraceMs) * time.Millisecond
}

// IdleTTL returns how long an idle session is kept in memory
func (s SessionsConfig) IdleTTL() time.Duration {
	return time.Duration(s.IdleTTLMinutes) * time.Minute
}

// TokenTTL returns how long an unused resume token is kept on disk
func (s SessionsConfig) TokenTTL() time.Duration {
	return time.Duration(s.TokenTTLHours) * time.Hour
}

// QueueWarnAfter returns the queued-request warning threshold
func (s SessionsConfig) QueueWarnAfter() time.Duration {
	return time.Duration(s.QueueWarnSeconds) * time.Second
}

// PingInterval returns the WebSocket keepalive period
func (g GatewayConfig) PingInterval() time.Duration {
	return time.Duration(g.PingIntervalSeconds) * time.Second
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
