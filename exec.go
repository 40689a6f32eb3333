package bindpack

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// execLookPath is replaced in tests.
var execLookPath = exec.LookPath

// commandWaitDelay bounds how long a killed command may hold its output pipes.
const commandWaitDelay = 5 * time.Second

// Command is one external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the current environment
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandRunner runs external processes.
//
// Implementations must terminate the process when ctx is cancelled.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecRunner runs commands with os/exec and returns combined output.
type ExecRunner struct{}

// Run executes the command and returns its combined stdout and stderr.
func (ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	//nolint:gosec // commands come from the pipeline configuration
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.WaitDelay = commandWaitDelay

	output, err := cmd.CombinedOutput()
	if err != nil && ctx.Err() != nil {
		return output, fmt.Errorf("%s: %w", c.Name, ctx.Err())
	}
	return output, err
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for key, value := range env {
		list = append(list, fmt.Sprintf("%s=%s", key, value))
	}
	return list
}

func splitLines(output []byte) []string {
	if len(output) == 0 {
		return nil
	}
	return strings.Split(strings.TrimRight(string(output), "\n"), "\n")
}
