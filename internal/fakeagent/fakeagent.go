// Package fakeagent turns a test binary into a scripted stand-in for the
// agent CLI. A package's TestMain calls RunIfRequested before m.Run; a host
// configured with Executable set to os.Args[0] and the environment from Env
// then re-executes the test binary as the agent.
package fakeagent

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvMode selects the scripted behaviour. Unset means "run tests normally".
	EnvMode = "AGENTD_FAKE_AGENT"

	// EnvDelay delays the terminal result by the given number of milliseconds.
	EnvDelay = "AGENTD_FAKE_AGENT_DELAY_MS"
)

// Scripted behaviours.
const (
	// ModeEcho replies with the prompt as result text. The resume token is
	// "sess-<n>" where n counts prior resumes.
	ModeEcho = "echo"

	// ModeArgs replies with the JSON-encoded argv as result text.
	ModeArgs = "args"

	// ModeTools runs one tool, streams two text deltas and replies.
	ModeTools = "tools"

	// ModeMidTool starts a tool and exits 1 without a result.
	ModeMidTool = "mid-tool"

	// ModeNoResult writes diagnostics and exits 2 without any output.
	ModeNoResult = "no-result"

	// ModeErrorResult replies with is_error set and exits 1.
	ModeErrorResult = "error-result"

	// ModeGarbage interleaves malformed lines and omits the final newline.
	ModeGarbage = "garbage"

	// ModeHang starts a tool and sleeps until killed.
	ModeHang = "hang"

	// ModeFragmented writes the tools script a few bytes at a time.
	ModeFragmented = "fragmented"
)

// Env returns the environment selecting mode.
func Env(mode string) map[string]string {
	return map[string]string{EnvMode: mode}
}

// EnvWithDelay returns the environment selecting mode with a result delay.
func EnvWithDelay(mode string, delay time.Duration) map[string]string {
	return map[string]string{
		EnvMode:  mode,
		EnvDelay: strconv.FormatInt(delay.Milliseconds(), 10),
	}
}

// RunIfRequested runs the scripted agent and exits when EnvMode is set.
func RunIfRequested() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}
	os.Exit(run(mode, os.Args[1:]))
}

func run(mode string, args []string) int {
	prompt := flagValue(args, "-p")
	resume := flagValue(args, "--resume")

	emit(map[string]any{"type": "system", "subtype": "init", "session_id": token(resume)})

	switch mode {
	case ModeEcho:
		pause()
		emit(result(prompt, resume, false))
		return 0

	case ModeArgs:
		encoded, _ := json.Marshal(args)
		emit(result(string(encoded), resume, false))
		return 0

	case ModeTools:
		for _, line := range toolsScript(prompt, resume) {
			fmt.Fprintln(os.Stdout, line)
		}
		return 0

	case ModeFragmented:
		data := strings.Join(toolsScript(prompt, resume), "\n") + "\n"
		for i := 0; i < len(data); i += 3 {
			end := i + 3
			if end > len(data) {
				end = len(data)
			}
			_, _ = os.Stdout.WriteString(data[i:end])
			time.Sleep(time.Millisecond)
		}
		return 0

	case ModeMidTool:
		emit(toolUse("t1", "Bash"))
		fmt.Fprintln(os.Stderr, "agent crashed during tool")
		return 1

	case ModeNoResult:
		fmt.Fprintln(os.Stderr, "fatal: could not reach model")
		fmt.Fprintln(os.Stderr, "exiting")
		return 2

	case ModeErrorResult:
		emit(result("model refused", resume, true))
		return 1

	case ModeGarbage:
		fmt.Fprintln(os.Stdout, "this is not json")
		fmt.Fprintln(os.Stdout, `{"type":"assistant","message":`)
		encoded, _ := json.Marshal(result(prompt, resume, false))
		_, _ = os.Stdout.Write(encoded)
		return 0

	case ModeHang:
		emit(toolUse("t1", "Sleep"))
		time.Sleep(time.Hour)
		return 0
	}

	fmt.Fprintf(os.Stderr, "unknown fake agent mode %q\n", mode)
	return 64
}

func toolsScript(prompt, resume string) []string {
	lines := []map[string]any{
		toolUse("t1", "Read"),
		{
			"type": "user",
			"message": map[string]any{
				"role":    "user",
				"content": []map[string]any{{"type": "tool_result", "tool_use_id": "t1", "content": "ok"}},
			},
		},
		{"type": "content_block_delta", "delta": map[string]any{"type": "text_delta", "text": "Hello, "}},
		{"type": "content_block_delta", "delta": map[string]any{"type": "text_delta", "text": prompt}},
		result("Hello, "+prompt, resume, false),
	}

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		encoded, _ := json.Marshal(line)
		out = append(out, string(encoded))
	}
	return out
}

func toolUse(id, name string) map[string]any {
	return map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role": "assistant",
			"content": []map[string]any{{
				"type":  "tool_use",
				"id":    id,
				"name":  name,
				"input": map[string]any{"command": "true"},
			}},
		},
	}
}

func result(text, resume string, isError bool) map[string]any {
	subtype := "success"
	if isError {
		subtype = "error_during_execution"
	}
	return map[string]any{
		"type":           "result",
		"subtype":        subtype,
		"is_error":       isError,
		"result":         text,
		"session_id":     token(resume),
		"total_cost_usd": 0.01,
		"duration_ms":    5,
		"num_turns":      1,
	}
}

// token derives the next resume token from the previous one.
func token(resume string) string {
	n := 0
	if strings.HasPrefix(resume, "sess-") {
		n, _ = strconv.Atoi(strings.TrimPrefix(resume, "sess-"))
	}
	return "sess-" + strconv.Itoa(n+1)
}

func emit(v any) {
	encoded, _ := json.Marshal(v)
	fmt.Fprintln(os.Stdout, string(encoded))
}

func pause() {
	ms, err := strconv.Atoi(os.Getenv(EnvDelay))
	if err == nil && ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

func flagValue(args []string, name string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}
