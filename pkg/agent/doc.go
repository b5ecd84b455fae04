// Package agent runs one request against the agent executable.
//
// Invariants:
// - Every execution resolves exactly once: with the terminal result, or with
//   a spawn, no-result or cancellation error.
// - A terminal result wins over a non-zero exit code.
// - The process is reaped on every path before Execute returns.
//
// Usage:
//
//	runner := agent.NewRunner(agent.Config{Host: host, Logger: logger})
//	sched := session.NewScheduler(runner, session.Config{})
package agent
