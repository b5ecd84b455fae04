package daemon

import (
	"reflect"

	"github.com/harun/agentd/internal/config"
	"github.com/harun/agentd/internal/observability"
)

// applyConfig takes a reloaded config. The system prompt and model apply
// to the next spawned agent; every other change needs a restart and is
// only reported.
func (d *Daemon) applyConfig(next *config.Config) {
	d.mu.Lock()
	prev := d.config
	d.mu.Unlock()

	if next.Agent.SystemPrompt != prev.Agent.SystemPrompt || next.Agent.Model != prev.Agent.Model {
		d.host.UpdatePrompt(next.Agent.SystemPrompt, next.Agent.Model)
		d.logger.Info().
			Str("model", next.Agent.Model).
			Int("system_prompt_len", len(next.Agent.SystemPrompt)).
			Msg("Agent prompt reloaded")
	}

	if changed := restartRequired(prev, next); len(changed) > 0 {
		observability.RecordConfigReload("restart_required")
		d.logger.Warn().
			Strs("sections", changed).
			Msg("Config changes require a restart to take effect")
	} else {
		observability.RecordConfigReload("applied")
	}

	merged := *prev
	merged.Agent.SystemPrompt = next.Agent.SystemPrompt
	merged.Agent.Model = next.Agent.Model

	d.mu.Lock()
	d.config = &merged
	d.mu.Unlock()
}

// restartRequired lists the config sections that differ in ways a running
// daemon cannot pick up.
func restartRequired(prev, next *config.Config) []string {
	var changed []string

	prevAgent, nextAgent := prev.Agent, next.Agent
	prevAgent.SystemPrompt, prevAgent.Model = "", ""
	nextAgent.SystemPrompt, nextAgent.Model = "", ""
	if !reflect.DeepEqual(prevAgent, nextAgent) {
		changed = append(changed, "agent")
	}
	if !reflect.DeepEqual(prev.Sessions, next.Sessions) {
		changed = append(changed, "sessions")
	}
	if prev.Gateway != next.Gateway {
		changed = append(changed, "gateway")
	}
	if prev.Logging != next.Logging {
		changed = append(changed, "logging")
	}
	if prev.Tracing != next.Tracing {
		changed = append(changed, "tracing")
	}
	if prev.DataDir != next.DataDir {
		changed = append(changed, "data_dir")
	}

	return changed
}
