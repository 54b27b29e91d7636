package tool

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

const (
	// defaultCommandTimeout bounds shell commands issued by agents.
	defaultCommandTimeout = 30 * time.Second
	// maxCommandOutputBytes caps captured stdout+stderr.
	maxCommandOutputBytes = 64 * 1024
)

// NewRunCommand returns the run_command tool. The command runs under a
// shell with a hard timeout; stdout and stderr are captured together and
// size-capped.
func NewRunCommand() *Tool {
	return &Tool{
		Name:        "run_command",
		Description: "Run a shell command and return its combined stdout and stderr. Times out after 30 seconds.",
		Params: []Param{
			{Name: "command", Type: "string", Description: "Shell command to execute", Required: true},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			command, err := stringArg(args, "command")
			if err != nil {
				return "", err
			}
			cctx, cancel := context.WithTimeout(ctx, defaultCommandTimeout)
			defer cancel()

			cmd := exec.CommandContext(cctx, "sh", "-c", command)
			out, err := cmd.CombinedOutput()
			if len(out) > maxCommandOutputBytes {
				out = append(out[:maxCommandOutputBytes], []byte("\n[output truncated]")...)
			}
			if cctx.Err() == context.DeadlineExceeded {
				return string(out), fmt.Errorf("command timed out after %s", defaultCommandTimeout)
			}
			if err != nil {
				return string(out), fmt.Errorf("command failed: %v", err)
			}
			return string(out), nil
		},
	}
}
