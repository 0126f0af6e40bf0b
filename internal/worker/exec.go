package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandTimeout bounds every fallback helper invocation.
const CommandTimeout = 3 * time.Second

// Runner executes an external helper and returns its stdout. Fallback
// strategies take one so tests can script the output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs helpers with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// firstOf tries each helper in turn and returns the first success.
func firstOf(ctx context.Context, run Runner, candidates ...[]string) ([]byte, error) {
	var lastErr error
	for _, argv := range candidates {
		out, err := run(ctx, argv[0], argv[1:]...)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
