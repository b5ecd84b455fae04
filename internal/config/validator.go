package config

import (
	"fmt"
	"strings"

	"github.com/harun/agentd/pkg/session"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateExecutable validates the agent executable setting
func (v *Validator) ValidateExecutable(executable string) error {
	if strings.TrimSpace(executable) == "" {
		return fmt.Errorf("agent executable cannot be empty")
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateSchedule validates a cron expression or descriptor
func (v *Validator) ValidateSchedule(expr string) error {
	if expr == "" {
		return nil // Use default
	}
	if _, err := session.ParseSchedule(expr); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSampleRatio validates a trace sampling ratio
func (v *Validator) ValidateSampleRatio(ratio float64) error {
	if ratio < 0 || ratio > 1 {
		return fmt.Errorf("sample ratio must be between 0 and 1, got %f", ratio)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Validate agent
	if err := v.ValidateExecutable(cfg.Agent.Executable); err != nil {
		errors = append(errors, err)
	}
	if cfg.Agent.TimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("agent.timeout_seconds must be >= 0"))
	}
	if cfg.Agent.KillGraceMs < 0 {
		errors = append(errors, fmt.Errorf("agent.kill_grace_ms must be >= 0"))
	}
	if cfg.Agent.MaxLineBytes < 0 {
		errors = append(errors, fmt.Errorf("agent.max_line_bytes must be >= 0"))
	}

	// Validate sessions
	if err := v.ValidateSchedule(cfg.Sessions.SweepSchedule); err != nil {
		errors = append(errors, err)
	}
	if cfg.Sessions.IdleTTLMinutes < 0 {
		errors = append(errors, fmt.Errorf("sessions.idle_ttl_minutes must be >= 0"))
	}
	if cfg.Sessions.TokenTTLHours < 0 {
		errors = append(errors, fmt.Errorf("sessions.token_ttl_hours must be >= 0"))
	}
	if cfg.Sessions.QueueWarnSeconds < 0 {
		errors = append(errors, fmt.Errorf("sessions.queue_warn_seconds must be >= 0"))
	}

	// Validate gateway
	if cfg.Gateway.Enabled {
		if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
			errors = append(errors, fmt.Errorf("gateway: %w", err))
		}
	}
	if cfg.Gateway.PingIntervalSeconds < 0 {
		errors = append(errors, fmt.Errorf("gateway.ping_interval_seconds must be >= 0"))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	// Validate tracing
	if cfg.Tracing.Enabled {
		if err := v.ValidateSampleRatio(cfg.Tracing.SampleRatio); err != nil {
			errors = append(errors, err)
		}
	}

	return errors
}
