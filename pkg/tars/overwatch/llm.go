package overwatch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Model answers one evaluation prompt with free text.
type Model interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CLIModel runs a one-shot LLM command line (by default `claude -p`) with the
// prompt on stdin and returns its stdout.
type CLIModel struct {
	Command string
	Args    []string
	Model   string
	Timeout time.Duration
}

// Complete implements Model.
func (m CLIModel) Complete(ctx context.Context, prompt string) (string, error) {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	args := append([]string(nil), m.Args...)
	if m.Model != "" {
		args = append(args, "--model", m.Model)
	}
	cmd := exec.CommandContext(ctx, m.Command, args...)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s: %w", m.Command, ctx.Err())
		}
		return "", fmt.Errorf("%s: %w: %s", m.Command, err, tail(stderr.String(), 500))
	}
	return stdout.String(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
