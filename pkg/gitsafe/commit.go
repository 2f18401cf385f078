package gitsafe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/selfheald/selfheald/pkg/observability"
)

// CommitMessage describes a semantic commit. When Prefix is set the final
// message is formatted as "prefix(scope): text" (or "prefix: text" without a
// scope); otherwise Text is used verbatim.
type CommitMessage struct {
	Prefix string
	Scope  string
	Text   string
}

// String renders the semantic commit message.
func (m CommitMessage) String() string {
	if m.Prefix == "" {
		return m.Text
	}
	if m.Scope == "" {
		return m.Prefix + ": " + m.Text
	}
	return fmt.Sprintf("%s(%s): %s", m.Prefix, m.Scope, m.Text)
}

// Commit stages the given files (or everything when empty) and commits them.
// It refuses without error when the rolling hourly rate limit is reached,
// when the diff exceeds the line budget, or when nothing ends up staged; in
// all three cases ok is false and no revision is produced.
func (l *Layer) Commit(ctx context.Context, message CommitMessage, files []string) (string, bool, error) {
	now := l.now()
	if !l.reserveCommitSlot(now) {
		l.logger.Log(ctx, observability.Warn("gitsafe", "commit_rate_limited", "commit refused, hourly limit reached", map[string]interface{}{
			"max_per_hour": l.maxCommitsPerHour,
		}))
		l.metrics.ObserveCommit(false)
		return "", false, nil
	}

	lines, err := l.changedLineCount(ctx)
	if err != nil {
		l.releaseCommitSlot(now)
		return "", false, err
	}
	if lines > l.maxLinesPerCommit {
		l.releaseCommitSlot(now)
		l.logger.Log(ctx, observability.Warn("gitsafe", "commit_too_large", "commit refused, diff exceeds line budget", map[string]interface{}{
			"lines":     lines,
			"max_lines": l.maxLinesPerCommit,
		}))
		l.metrics.ObserveCommit(false)
		return "", false, nil
	}

	if len(files) > 0 {
		args := append([]string{"add", "--"}, files...)
		if _, err := l.runner.Run(ctx, args...); err != nil {
			l.releaseCommitSlot(now)
			return "", false, err
		}
	} else {
		if _, err := l.runner.Run(ctx, "add", "-A"); err != nil {
			l.releaseCommitSlot(now)
			return "", false, err
		}
	}

	staged, err := l.runner.Run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		l.releaseCommitSlot(now)
		return "", false, err
	}
	if strings.TrimSpace(staged) == "" {
		l.releaseCommitSlot(now)
		l.metrics.ObserveCommit(false)
		return "", false, nil
	}

	if _, err := l.runner.Run(ctx, "commit", "-m", message.String()); err != nil {
		l.releaseCommitSlot(now)
		return "", false, err
	}

	revision, err := l.CurrentRevision(ctx)
	if err != nil {
		return "", false, err
	}

	l.logger.Log(ctx, observability.Info("gitsafe", "commit_applied", message.String(), map[string]interface{}{
		"revision": revision,
		"files":    files,
		"lines":    lines,
	}))
	l.metrics.ObserveCommit(true)
	return revision, true, nil
}

// reserveCommitSlot admits a commit attempt under the rolling hourly limit
// and records its timestamp.
func (l *Layer) reserveCommitSlot(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-time.Hour)
	kept := l.commitTimes[:0]
	for _, at := range l.commitTimes {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	l.commitTimes = kept
	if len(l.commitTimes) >= l.maxCommitsPerHour {
		return false
	}
	l.commitTimes = append(l.commitTimes, now)
	return true
}

// releaseCommitSlot gives back a reserved slot when the commit did not
// actually happen.
func (l *Layer) releaseCommitSlot(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.commitTimes) - 1; i >= 0; i-- {
		if l.commitTimes[i].Equal(at) {
			l.commitTimes = append(l.commitTimes[:i], l.commitTimes[i+1:]...)
			return
		}
	}
}

// CommitsThisHour reports how many commits the rolling window currently
// holds.
func (l *Layer) CommitsThisHour(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-time.Hour)
	count := 0
	for _, at := range l.commitTimes {
		if at.After(cutoff) {
			count++
		}
	}
	return count
}

// changedLineCount sums insertions and deletions across the working tree.
func (l *Layer) changedLineCount(ctx context.Context) (int, error) {
	out, err := l.runner.Run(ctx, "diff", "--numstat", "HEAD")
	if err != nil {
		// A repository without commits has no HEAD to diff against.
		out, err = l.runner.Run(ctx, "diff", "--numstat")
		if err != nil {
			return 0, err
		}
	}
	total := 0
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if added, err := strconv.Atoi(fields[0]); err == nil {
			total += added
		}
		if removed, err := strconv.Atoi(fields[1]); err == nil {
			total += removed
		}
	}
	return total, nil
}
