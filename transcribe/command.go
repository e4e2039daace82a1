package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"

	"longaudio/logging"
)

// InputMediaPlaceholder marks where the segment path goes in a command template.
const InputMediaPlaceholder = "${INPUT_MEDIA}"

// CommandTranscriber runs a local recognizer (whisper.cpp and similar) and
// takes its stdout as the transcript.
type CommandTranscriber struct {
	bin     string
	args    []string
	timeout time.Duration
}

// NewCommandTranscriber parses template once. The template is split like a
// shell would split it, but no shell is ever involved.
func NewCommandTranscriber(template string, timeout time.Duration) (*CommandTranscriber, error) {
	args, err := SplitCommand(template)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty transcribe command")
	}
	if err := SanitizeAndValidateArgs(args[1:]); err != nil {
		return nil, err
	}
	return &CommandTranscriber{bin: args[0], args: args[1:], timeout: timeout}, nil
}

func (c *CommandTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	// Split first, then substitute, so paths with spaces stay one argument.
	args := make([]string, len(c.args))
	for i, arg := range c.args {
		args[i] = strings.ReplaceAll(arg, InputMediaPlaceholder, audioPath)
	}

	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	logging.Debug(logging.CategoryTranscribe, "executing", "cmd", c.bin+" "+strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("transcriber timed out after %s: %w", time.Since(start).Round(time.Second), ctx.Err())
		}
		return "", fmt.Errorf("transcriber failed: %w: %s", err, tail(stderr.String(), 300))
	}

	text := normalizeText(stdout.String())
	logging.Info(logging.CategoryTranscribe, "segment transcribed",
		"path", audioPath,
		"chars", len([]rune(text)),
		"elapsed", time.Since(start).String(),
	)
	return text, nil
}

// SplitCommand securely splits a command string into a slice of arguments.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// SanitizeAndValidateArgs rejects shell metacharacters and requires the
// input placeholder to appear in some argument.
func SanitizeAndValidateArgs(args []string) error {
	hasInput := false
	for _, arg := range args {
		rest := arg
		if strings.Contains(arg, InputMediaPlaceholder) {
			hasInput = true
			rest = strings.ReplaceAll(arg, InputMediaPlaceholder, "")
		}
		if strings.ContainsAny(rest, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}

	if !hasInput {
		return fmt.Errorf("command must include the input placeholder '%s'", InputMediaPlaceholder)
	}
	return nil
}

// normalizeText joins recognizer output lines into one paragraph.
func normalizeText(out string) string {
	return strings.Join(strings.Fields(out), " ")
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
