package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/dilip8700/zorix-agent/internal/logging"
	"github.com/dilip8700/zorix-agent/internal/metrics"
	"github.com/dilip8700/zorix-agent/internal/sandbox"
	"github.com/dilip8700/zorix-agent/internal/secrets"
)

// truncationMarker is appended when output exceeds the size limit.
const truncationMarker = "\n[OUTPUT TRUNCATED]"

// DefaultAllowlist returns the built-in command allowlist. Entries are
// binary names only; the sandbox strips any path prefix before matching.
func DefaultAllowlist() []string {
	return []string{
		// Build tools
		"go", "npm", "yarn", "pip", "python", "python3", "node",
		"cargo", "make", "cmake", "mvn", "gradle",
		// Testing and linting
		"pytest", "jest", "eslint", "prettier", "black", "flake8",
		"mypy", "gofmt", "rustfmt",
		// Version control
		"git",
		// Safe file and system inspection
		"ls", "cat", "head", "tail", "find", "grep", "wc", "sort",
		"uniq", "pwd", "whoami", "date", "echo", "which", "env",
	}
}

// CommandOptions bounds command execution.
type CommandOptions struct {
	Allowlist      []string
	Timeout        time.Duration
	MaxOutputBytes int
}

// runCommand executes an allowlisted command inside the workspace.
type runCommand struct {
	sb       *sandbox.Sandbox
	scrubber *secrets.Scrubber
	opts     CommandOptions
	log      *logging.Logger
}

// NewRunCommand returns the run_command capability. Every invocation is
// authorized by the sandbox, and all captured output is scrubbed and
// truncated before leaving the capability.
func NewRunCommand(sb *sandbox.Sandbox, scrubber *secrets.Scrubber, opts CommandOptions, log *logging.Logger) Capability {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 1 << 20
	}
	if opts.Allowlist == nil {
		opts.Allowlist = DefaultAllowlist()
	}
	if scrubber == nil {
		scrubber = secrets.MustNew(nil)
	}
	return &runCommand{sb: sb, scrubber: scrubber, opts: opts, log: log}
}

func (c *runCommand) Name() string { return "run_command" }

func (c *runCommand) Description() string {
	return "Run an allowlisted command inside the workspace. Args: command (string), " +
		"cwd (string, workspace-relative, optional), timeout_seconds (int, optional)."
}

func (c *runCommand) Invoke(ctx context.Context, args map[string]any) (any, error) {
	command, err := requireString(args, "command")
	if err != nil {
		return nil, err
	}
	if err := c.sb.AuthorizeCommand(command, c.opts.Allowlist); err != nil {
		return nil, err
	}

	workDir := c.sb.Root()
	if cwd := optionalString(args, "cwd", ""); cwd != "" {
		abs, err := c.sb.ResolvePath(cwd)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: cwd is not a directory: %s", ErrInvalidArgs, cwd)
		}
		workDir = abs
	}

	timeout := c.opts.Timeout
	if secs := optionalInt(args, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tokens := commandTokens(command)
	cmd := exec.CommandContext(runCtx, tokens[0], tokens[1:]...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	safeCommand, _ := c.scrubber.Scrub(command)
	c.log.Info(ctx, "executing command",
		zap.String("command", safeCommand),
		zap.String("cwd", workDir),
		zap.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if !timedOut {
			return nil, &ExecutionError{Capability: c.Name(), Err: runErr}
		}
	}

	out, outFindings := c.scrubber.Scrub(truncate(stdout.String(), c.opts.MaxOutputBytes))
	errOut, errFindings := c.scrubber.Scrub(truncate(stderr.String(), c.opts.MaxOutputBytes))
	if n := len(outFindings) + len(errFindings); n > 0 {
		metrics.SecretFindingsTotal.Add(float64(n))
	}

	result := map[string]any{
		"command":     safeCommand,
		"exit_code":   exitCode,
		"stdout":      out,
		"stderr":      errOut,
		"duration_ms": elapsed.Milliseconds(),
		"timed_out":   timedOut,
	}

	if timedOut {
		return nil, &ExecutionError{
			Capability: c.Name(),
			Err:        fmt.Errorf("command timed out after %s", timeout),
		}
	}
	if exitCode != 0 {
		return result, &ExecutionError{
			Capability: c.Name(),
			Err:        fmt.Errorf("command exited with code %d: %s", exitCode, firstLine(errOut)),
		}
	}
	return result, nil
}

// commandTokens re-tokenizes an authorized command.
func commandTokens(command string) []string {
	fields := sandbox.SplitCommand(command)
	if len(fields) == 0 {
		return []string{command}
	}
	return fields
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + truncationMarker
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
