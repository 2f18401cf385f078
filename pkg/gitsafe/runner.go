package gitsafe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes git subcommands in the managed repository. The indirection
// keeps every layer primitive testable with a scripted fake.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// RunnerFunc adapts a function into a Runner.
type RunnerFunc func(ctx context.Context, args ...string) (string, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, args ...string) (string, error) {
	return f(ctx, args...)
}

// ExecRunner shells out to the git binary with a per-command timeout.
type ExecRunner struct {
	gitPath string
	dir     string
	timeout time.Duration
}

// NewExecRunner constructs an ExecRunner rooted at the given repository.
func NewExecRunner(gitPath, dir string, timeout time.Duration) (*ExecRunner, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("repository directory must not be empty")
	}
	if strings.TrimSpace(gitPath) == "" {
		gitPath = "git"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ExecRunner{gitPath: gitPath, dir: dir, timeout: timeout}, nil
}

// Run executes one git command, returning trimmed stdout. A nonzero exit
// surfaces as an error carrying stderr; a timeout is an error, never a hang.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, r.gitPath, args...)
	cmd.Dir = r.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("git %s: timed out after %s", strings.Join(args, " "), r.timeout)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail != "" {
			return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, detail)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

var _ Runner = (*ExecRunner)(nil)
