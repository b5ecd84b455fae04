package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildArgs_Minimal(t *testing.T) {
	args := BuildArgs(Invocation{Message: "hello"}, Config{})

	assert.Equal(t, []string{
		"-p", "hello",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}, args)
}

func TestBuildArgs_AllOptions(t *testing.T) {
	cfg := Config{
		SystemPrompt:   "be brief",
		Model:          "sonnet",
		IncludePartial: true,
		ExtraArgs:      []string{"--max-turns", "3"},
	}

	args := BuildArgs(Invocation{Message: "hi", ResumeToken: "sess-7"}, cfg)

	assert.Equal(t, []string{
		"-p", "hi",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"--append-system-prompt", "be brief",
		"--model", "sonnet",
		"--include-partial-messages",
		"--resume", "sess-7",
		"--max-turns", "3",
	}, args)
}

func TestBuildArgs_ResumeOnlyWithToken(t *testing.T) {
	args := BuildArgs(Invocation{Message: "hi"}, Config{SystemPrompt: "x"})
	assert.NotContains(t, args, "--resume")

	args = BuildArgs(Invocation{Message: "hi", ResumeToken: "t"}, Config{})
	assert.Contains(t, args, "--resume")
}

func TestBuildArgs_MessageIsSingleArgument(t *testing.T) {
	msg := "multi word\nmessage with \"quotes\" and $VARS"
	args := BuildArgs(Invocation{Message: msg}, Config{})

	assert.Equal(t, msg, args[1])
}
