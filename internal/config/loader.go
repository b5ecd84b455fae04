package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "AGENTD"
	configDirName  = ".agentd"
	configFileName = "agentd.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and AGENTD_* environment
// variables. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, configDirName)
	}

	// Set token database path if not specified
	if cfg.Sessions.DBPath == "" {
		cfg.Sessions.DBPath = filepath.Join(cfg.DataDir, "sessions.db")
	}

	// Set logging file path if not specified
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "agentd.log")
	}

	return cfg, nil
}

// setDefaults registers every key so environment variables can override
// keys absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("agent.executable", cfg.Agent.Executable)
	v.SetDefault("agent.system_prompt", cfg.Agent.SystemPrompt)
	v.SetDefault("agent.work_dir", cfg.Agent.WorkDir)
	v.SetDefault("agent.model", cfg.Agent.Model)
	v.SetDefault("agent.include_partial", cfg.Agent.IncludePartial)
	v.SetDefault("agent.extra_args", cfg.Agent.ExtraArgs)
	v.SetDefault("agent.env", cfg.Agent.Env)
	v.SetDefault("agent.timeout_seconds", cfg.Agent.TimeoutSeconds)
	v.SetDefault("agent.kill_grace_ms", cfg.Agent.KillGraceMs)
	v.SetDefault("agent.max_line_bytes", cfg.Agent.MaxLineBytes)

	v.SetDefault("sessions.db_path", cfg.Sessions.DBPath)
	v.SetDefault("sessions.idle_ttl_minutes", cfg.Sessions.IdleTTLMinutes)
	v.SetDefault("sessions.token_ttl_hours", cfg.Sessions.TokenTTLHours)
	v.SetDefault("sessions.sweep_schedule", cfg.Sessions.SweepSchedule)
	v.SetDefault("sessions.reject_abandoned", cfg.Sessions.RejectAbandoned)
	v.SetDefault("sessions.queue_warn_seconds", cfg.Sessions.QueueWarnSeconds)

	v.SetDefault("gateway.enabled", cfg.Gateway.Enabled)
	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.ping_interval_seconds", cfg.Gateway.PingIntervalSeconds)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)

	v.SetDefault("data_dir", cfg.DataDir)
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("agent", cfg.Agent)
	v.Set("sessions", cfg.Sessions)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create it
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, configDirName, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
