package process

// Flags passed to every agent invocation.
const (
	FlagPrompt          = "-p"
	FlagOutputFormat    = "--output-format"
	FlagVerbose         = "--verbose"
	FlagSkipPermissions = "--dangerously-skip-permissions"
	FlagSystemPrompt    = "--append-system-prompt"
	FlagModel           = "--model"
	FlagPartialMessages = "--include-partial-messages"
	FlagResume          = "--resume"

	OutputFormatStreamJSON = "stream-json"
)

// BuildArgs returns the argument vector for one invocation. The message is
// passed in argv; stdin carries nothing.
func BuildArgs(inv Invocation, cfg Config) []string {
	args := []string{
		FlagPrompt, inv.Message,
		FlagOutputFormat, OutputFormatStreamJSON,
		FlagVerbose,
		FlagSkipPermissions,
	}

	if cfg.SystemPrompt != "" {
		args = append(args, FlagSystemPrompt, cfg.SystemPrompt)
	}
	if cfg.Model != "" {
		args = append(args, FlagModel, cfg.Model)
	}
	if cfg.IncludePartial {
		args = append(args, FlagPartialMessages)
	}
	if inv.ResumeToken != "" {
		args = append(args, FlagResume, inv.ResumeToken)
	}

	return append(args, cfg.ExtraArgs...)
}
