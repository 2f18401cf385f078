// Package gitsafe wraps a git working tree with the safety primitives the
// agent relies on before mutating its own files: snapshots, isolation
// branches, rate-limited commits, diff validation, rollback, bisection, and
// failure tagging.
package gitsafe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/selfheald/selfheald/pkg/observability"
)

// Layer exposes the version-safety primitives over one repository. All
// mutating primitives emit audit events; shared windows (commit rate limit)
// are guarded by an internal mutex.
type Layer struct {
	runner  Runner
	root    string
	logger  observability.Logger
	metrics *observability.Metrics

	snapshotDir       string
	snapshotKeep      int
	maxCommitsPerHour int
	maxLinesPerCommit int

	now   func() time.Time
	newID func() string

	mu          sync.Mutex
	commitTimes []time.Time
}

// Option customises layer behaviour.
type Option func(*Layer)

// WithTimeSource overrides the clock, primarily for tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(l *Layer) {
		l.now = fn
	}
}

// WithIDGenerator overrides the short unique-id generator used in branch and
// tag names.
func WithIDGenerator(fn func() string) Option {
	return func(l *Layer) {
		l.newID = fn
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Layer) {
		l.metrics = m
	}
}

// Config carries the layer's safety limits.
type Config struct {
	Root              string
	SnapshotDir       string
	SnapshotKeep      int
	MaxCommitsPerHour int
	MaxLinesPerCommit int
}

// New constructs a Layer over the provided runner.
func New(runner Runner, cfg Config, logger observability.Logger, opts ...Option) (*Layer, error) {
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("repository root must not be empty")
	}
	if strings.TrimSpace(cfg.SnapshotDir) == "" {
		return nil, errors.New("snapshot directory must not be empty")
	}
	if cfg.SnapshotKeep <= 0 {
		cfg.SnapshotKeep = 14
	}
	if cfg.MaxCommitsPerHour <= 0 {
		cfg.MaxCommitsPerHour = 3
	}
	if cfg.MaxLinesPerCommit <= 0 {
		cfg.MaxLinesPerCommit = 500
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}

	layer := &Layer{
		runner:            runner,
		root:              cfg.Root,
		logger:            logger,
		snapshotDir:       cfg.SnapshotDir,
		snapshotKeep:      cfg.SnapshotKeep,
		maxCommitsPerHour: cfg.MaxCommitsPerHour,
		maxLinesPerCommit: cfg.MaxLinesPerCommit,
		now:               time.Now,
		newID:             shortID,
	}
	for _, opt := range opts {
		opt(layer)
	}
	if layer.now == nil {
		layer.now = time.Now
	}
	if layer.newID == nil {
		layer.newID = shortID
	}
	return layer, nil
}

func shortID() string {
	return uuid.NewString()[:8]
}

// CurrentBranch returns the checked-out branch name.
func (l *Layer) CurrentBranch(ctx context.Context) (string, error) {
	return l.runner.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// CurrentRevision returns the HEAD commit hash.
func (l *Layer) CurrentRevision(ctx context.Context) (string, error) {
	return l.runner.Run(ctx, "rev-parse", "--verify", "HEAD")
}

// ChangedFiles lists staged and unstaged changed paths, rename targets
// included.
func (l *Layer) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := l.runner.Run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(strings.TrimSpace(line)) == 0 {
			continue
		}
		entry := line
		if len(entry) > 3 {
			entry = entry[3:]
		}
		if idx := strings.LastIndex(entry, " -> "); idx >= 0 {
			entry = entry[idx+len(" -> "):]
		}
		files = append(files, strings.TrimSpace(entry))
	}
	return files, nil
}

// TrackedFiles lists every file tracked at HEAD.
func (l *Layer) TrackedFiles(ctx context.Context) ([]string, error) {
	out, err := l.runner.Run(ctx, "ls-files")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// StartIsolatedChange creates and switches to a fresh isolation branch so the
// main line is never edited directly. The branch name combines the prefix,
// a timestamp, and a short unique id.
func (l *Layer) StartIsolatedChange(ctx context.Context, prefix string) (string, error) {
	if strings.TrimSpace(prefix) == "" {
		prefix = "autofix"
	}
	branch := prefix + "/" + l.now().Format("20060102-150405") + "-" + l.newID()
	if _, err := l.runner.Run(ctx, "checkout", "-b", branch); err != nil {
		return "", err
	}
	l.logger.Log(ctx, observability.Info("gitsafe", "branch_created", "isolation branch created", map[string]interface{}{
		"branch": branch,
	}))
	return branch, nil
}

// MergeBranch merges branch into the target with an explicit merge commit and
// deletes the merged branch.
func (l *Layer) MergeBranch(ctx context.Context, branch, into string) error {
	if strings.TrimSpace(into) == "" {
		into = "main"
	}
	if _, err := l.runner.Run(ctx, "checkout", into); err != nil {
		return err
	}
	if _, err := l.runner.Run(ctx, "merge", "--no-ff", branch, "-m", "merge "+branch); err != nil {
		return err
	}
	if _, err := l.runner.Run(ctx, "branch", "-d", branch); err != nil {
		l.logger.Log(ctx, observability.Warn("gitsafe", "branch_delete_failed", err.Error(), map[string]interface{}{
			"branch": branch,
		}))
	}
	l.logger.Log(ctx, observability.Info("gitsafe", "branch_merged", "isolation branch merged", map[string]interface{}{
		"branch": branch,
		"into":   into,
	}))
	return nil
}

// AbandonChange discards an isolation branch without merging: any local edits
// are thrown away, the target branch is checked out again, and the branch is
// force-deleted.
func (l *Layer) AbandonChange(ctx context.Context, branch, into string) error {
	if strings.TrimSpace(into) == "" {
		into = "main"
	}
	if _, err := l.runner.Run(ctx, "checkout", "--force", into); err != nil {
		return err
	}
	if _, err := l.runner.Run(ctx, "branch", "-D", branch); err != nil {
		l.logger.Log(ctx, observability.Warn("gitsafe", "branch_delete_failed", err.Error(), map[string]interface{}{
			"branch": branch,
		}))
	}
	l.logger.Log(ctx, observability.Warn("gitsafe", "branch_abandoned", "isolation branch discarded", map[string]interface{}{
		"branch": branch,
		"into":   into,
	}))
	return nil
}

// Rollback hard-resets the working tree to a prior revision.
func (l *Layer) Rollback(ctx context.Context, revision string) (bool, error) {
	if strings.TrimSpace(revision) == "" {
		return false, errors.New("revision must not be empty")
	}
	if _, err := l.runner.Run(ctx, "reset", "--hard", revision); err != nil {
		l.logger.Log(ctx, observability.Error("gitsafe", "rollback_failed", err.Error(), map[string]interface{}{
			"revision": revision,
		}))
		return false, err
	}
	l.logger.Log(ctx, observability.Warn("gitsafe", "rollback", "working tree reset to prior revision", map[string]interface{}{
		"revision": revision,
	}))
	l.metrics.ObserveRollback()
	return true, nil
}
