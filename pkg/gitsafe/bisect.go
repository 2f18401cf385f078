package gitsafe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/selfheald/selfheald/pkg/observability"
)

// TestCommand runs a pass/fail check against the current working tree. It
// returns whether the check passed plus the combined output.
type TestCommand interface {
	Run(ctx context.Context) (bool, string, error)
}

// TestCommandFunc adapts a function into a TestCommand.
type TestCommandFunc func(ctx context.Context) (bool, string, error)

// Run implements TestCommand.
func (f TestCommandFunc) Run(ctx context.Context) (bool, string, error) {
	return f(ctx)
}

// ExecTestCommand runs an external test suite with a timeout. A nonzero exit
// is a failed check, not an error; a timeout is a failed check too.
type ExecTestCommand struct {
	command []string
	dir     string
	timeout time.Duration
}

// NewExecTestCommand constructs an ExecTestCommand.
func NewExecTestCommand(command []string, dir string, timeout time.Duration) (*ExecTestCommand, error) {
	if len(command) == 0 {
		return nil, errors.New("test command must not be empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ExecTestCommand{command: append([]string(nil), command...), dir: dir, timeout: timeout}, nil
}

// Run implements TestCommand.
func (t *ExecTestCommand) Run(ctx context.Context) (bool, string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, t.command[0], t.command[1:]...)
	cmd.Dir = t.dir
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	output := combined.String()
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return false, output, fmt.Errorf("test command timed out after %s", t.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, output, nil
		}
		return false, output, fmt.Errorf("run test command: %w", err)
	}
	return true, output, nil
}

var _ TestCommand = (*ExecTestCommand)(nil)

// Bisect binary-searches the revisions between knownGood (exclusive) and the
// current head for the first revision where the test command fails. The
// original checkout is restored before returning. The second return value is
// false when every revision in the range passes.
func (l *Layer) Bisect(ctx context.Context, knownGood string, test TestCommand) (string, bool, error) {
	if strings.TrimSpace(knownGood) == "" {
		return "", false, errors.New("known-good revision must not be empty")
	}
	if test == nil {
		return "", false, errors.New("test command must not be nil")
	}

	out, err := l.runner.Run(ctx, "rev-list", "--reverse", knownGood+"..HEAD")
	if err != nil {
		return "", false, err
	}
	revisions := splitLines(out)
	if len(revisions) == 0 {
		return "", false, nil
	}

	restoreTo, err := l.CurrentBranch(ctx)
	if err != nil {
		return "", false, err
	}
	if restoreTo == "HEAD" {
		// Detached head: restore by revision instead.
		if restoreTo, err = l.CurrentRevision(ctx); err != nil {
			return "", false, err
		}
	}
	defer func() {
		if _, restoreErr := l.runner.Run(context.WithoutCancel(ctx), "checkout", restoreTo); restoreErr != nil {
			l.logger.Log(ctx, observability.Error("gitsafe", "bisect_restore_failed", restoreErr.Error(), map[string]interface{}{
				"target": restoreTo,
			}))
		}
	}()

	l.logger.Log(ctx, observability.Info("gitsafe", "bisect_started", "bisecting revision range", map[string]interface{}{
		"known_good": knownGood,
		"revisions":  len(revisions),
	}))

	// Invariant: every revision before lo passes, every revision from hi on
	// fails once a failure is observed.
	lo, hi := 0, len(revisions)
	failed := false
	for lo < hi {
		mid := (lo + hi) / 2
		pass, _, err := l.testRevision(ctx, revisions[mid], test)
		if err != nil {
			return "", false, err
		}
		if pass {
			lo = mid + 1
		} else {
			failed = true
			hi = mid
		}
	}

	if !failed || lo >= len(revisions) {
		l.logger.Log(ctx, observability.Info("gitsafe", "bisect_clean", "no failing revision in range", nil))
		return "", false, nil
	}

	bad := revisions[lo]
	l.logger.Log(ctx, observability.Warn("gitsafe", "bisect_found", "first failing revision identified", map[string]interface{}{
		"revision": bad,
	}))
	return bad, true, nil
}

func (l *Layer) testRevision(ctx context.Context, revision string, test TestCommand) (bool, string, error) {
	if _, err := l.runner.Run(ctx, "checkout", revision); err != nil {
		return false, "", err
	}
	return test.Run(ctx)
}

func splitLines(out string) []string {
	if strings.TrimSpace(out) == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
