// Package update implements the self-update flow: fetch, backup, merge, test,
// then keep or roll back, always inside a maintenance window unless forced.
package update

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/selfheald/selfheald/pkg/gitsafe"
	"github.com/selfheald/selfheald/pkg/notify"
	"github.com/selfheald/selfheald/pkg/observability"
)

// Status classifies the outcome of one update run.
type Status string

const (
	StatusDisabled    Status = "disabled"
	StatusDeferred    Status = "deferred"
	StatusCheckFailed Status = "check_failed"
	StatusUpToDate    Status = "up_to_date"
	StatusMergeFailed Status = "merge_failed"
	StatusTestsFailed Status = "tests_failed"
	StatusApplied     Status = "applied"
)

// maxFailureExcerpt bounds the failing test output carried in notifications.
const maxFailureExcerpt = 500

// Result describes one completed update run.
type Result struct {
	Status       Status   `json:"status"`
	Message      string   `json:"message"`
	ChangedFiles []string `json:"changed_files,omitempty"`
	Revision     string   `json:"revision,omitempty"`
	Snapshot     string   `json:"snapshot,omitempty"`
}

// Safety is the slice of version-safety primitives the update flow needs.
type Safety interface {
	Snapshot(ctx context.Context, label string, files []string) (gitsafe.SnapshotRef, error)
	RestoreSnapshot(ctx context.Context, ref gitsafe.SnapshotRef) (bool, error)
	Rollback(ctx context.Context, revision string) (bool, error)
	CurrentRevision(ctx context.Context) (string, error)
}

// Orchestrator drives the periodic self-update flow.
type Orchestrator struct {
	runner   gitsafe.Runner
	safety   Safety
	test     gitsafe.TestCommand
	notifier notify.Sink
	logger   observability.Logger
	metrics  *observability.Metrics

	enabled  bool
	remote   string
	branch   string
	window   Window
	schedule Schedule
	interval time.Duration

	now   func() time.Time
	sleep func(time.Duration)

	mu         sync.Mutex
	lastRun    time.Time
	lastStatus Status
}

// Config carries the orchestrator's settings.
type Config struct {
	Enabled       bool
	Remote        string
	Branch        string
	Window        Window
	Schedule      Schedule
	CheckInterval time.Duration
}

// Option customises orchestrator behaviour.
type Option func(*Orchestrator)

// WithTimeSource overrides the clock.
func WithTimeSource(fn func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = fn
	}
}

// WithSleepFunc overrides the sleep between scheduler iterations.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(o *Orchestrator) {
		o.sleep = fn
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New constructs an Orchestrator.
func New(runner gitsafe.Runner, safety Safety, test gitsafe.TestCommand, notifier notify.Sink, cfg Config, logger observability.Logger, opts ...Option) (*Orchestrator, error) {
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	if safety == nil {
		return nil, errors.New("safety layer must not be nil")
	}
	if test == nil {
		return nil, errors.New("test command must not be nil")
	}
	if notifier == nil {
		notifier = notify.NewMulti(logger)
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	if strings.TrimSpace(cfg.Remote) == "" {
		cfg.Remote = "origin"
	}
	if strings.TrimSpace(cfg.Branch) == "" {
		cfg.Branch = "main"
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Hour
	}

	orchestrator := &Orchestrator{
		runner:   runner,
		safety:   safety,
		test:     test,
		notifier: notifier,
		logger:   logger,
		enabled:  cfg.Enabled,
		remote:   cfg.Remote,
		branch:   cfg.Branch,
		window:   cfg.Window,
		schedule: cfg.Schedule,
		interval: cfg.CheckInterval,
		now:      time.Now,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(orchestrator)
	}
	if orchestrator.now == nil {
		orchestrator.now = time.Now
	}
	if orchestrator.sleep == nil {
		orchestrator.sleep = time.Sleep
	}
	return orchestrator, nil
}

// LastRun reports when the flow last ran and with what status.
func (o *Orchestrator) LastRun() (time.Time, Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastStatus == "" {
		return time.Time{}, "", false
	}
	return o.lastRun, o.lastStatus, true
}

func (o *Orchestrator) record(result Result) Result {
	o.mu.Lock()
	o.lastRun = o.now()
	o.lastStatus = result.Status
	o.mu.Unlock()
	o.metrics.ObserveUpdateRun(string(result.Status))
	return result
}

// RunOnce performs a single update flow. force skips the enabled and
// maintenance-window gates.
func (o *Orchestrator) RunOnce(ctx context.Context, force bool) (Result, error) {
	if !o.enabled && !force {
		return o.record(Result{Status: StatusDisabled, Message: "self-update is disabled"}), nil
	}
	now := o.now()
	if !force && (!o.window.Contains(now) || !o.schedule.Permits(now)) {
		o.logger.Log(ctx, observability.Info("update", "deferred", "outside maintenance window", nil))
		return o.record(Result{Status: StatusDeferred, Message: "deferred, outside maintenance window"}), nil
	}

	o.logger.Log(ctx, observability.Info("update", "check_started", "checking remote for updates", map[string]interface{}{
		"remote": o.remote,
		"branch": o.branch,
	}))

	if _, err := o.runner.Run(ctx, "fetch", o.remote); err != nil {
		o.logger.Log(ctx, observability.Warn("update", "fetch_failed", err.Error(), nil))
		return o.record(Result{Status: StatusCheckFailed, Message: "fetch failed: " + err.Error()}), nil
	}

	remoteRef := o.remote + "/" + o.branch
	remoteRevision, err := o.runner.Run(ctx, "rev-parse", remoteRef)
	if err != nil {
		return o.record(Result{Status: StatusCheckFailed, Message: "resolve remote head: " + err.Error()}), nil
	}

	diff, err := o.runner.Run(ctx, "diff", "--name-only", "HEAD", remoteRef)
	if err != nil {
		return o.record(Result{Status: StatusCheckFailed, Message: "diff against remote: " + err.Error()}), nil
	}
	changed := splitNonEmptyLines(diff)
	if len(changed) == 0 {
		o.logger.Log(ctx, observability.Info("update", "up_to_date", "no remote changes", nil))
		return o.record(Result{Status: StatusUpToDate, Message: "already up to date"}), nil
	}

	o.logger.Log(ctx, observability.Info("update", "changes_found", "remote changes detected", map[string]interface{}{
		"changed_files": len(changed),
		"remote_head":   remoteRevision,
	}))

	preRevision, err := o.safety.CurrentRevision(ctx)
	if err != nil {
		return o.record(Result{Status: StatusCheckFailed, Message: "resolve local head: " + err.Error()}), nil
	}

	snapshot, err := o.safety.Snapshot(ctx, "update_backup", nil)
	if err != nil {
		return o.record(Result{Status: StatusCheckFailed, Message: "pre-update snapshot failed: " + err.Error()}), nil
	}

	if _, err := o.runner.Run(ctx, "merge", remoteRef, "--no-edit"); err != nil {
		o.logger.Log(ctx, observability.Error("update", "merge_failed", err.Error(), nil))
		o.notify(ctx, "update_failed", "merge of remote changes failed", map[string]interface{}{
			"error": err.Error(),
		})
		return o.record(Result{
			Status:   StatusMergeFailed,
			Message:  "merge failed: " + err.Error(),
			Snapshot: snapshot.Path,
		}), nil
	}

	passed, output, testErr := o.test.Run(ctx)
	if testErr != nil {
		passed = false
		output = fmt.Sprintf("%s\ntest run error: %v", output, testErr)
	}
	if !passed {
		excerpt := truncate(output, maxFailureExcerpt)
		o.logger.Log(ctx, observability.Error("update", "tests_failed", "test suite failed after merge, rolling back", map[string]interface{}{
			"output": excerpt,
		}))

		rolledBack, rbErr := o.safety.Rollback(ctx, preRevision)
		if rbErr != nil || !rolledBack {
			// The tree must never stay partially merged.
			o.logger.Log(ctx, observability.Error("update", "rollback_failed", "FATAL: could not reset to pre-merge revision", map[string]interface{}{
				"revision": preRevision,
				"error":    fmt.Sprint(rbErr),
			}))
		}
		if _, restoreErr := o.safety.RestoreSnapshot(ctx, snapshot); restoreErr != nil {
			o.logger.Log(ctx, observability.Error("update", "restore_failed", restoreErr.Error(), map[string]interface{}{
				"snapshot": snapshot.Path,
			}))
		}

		o.notify(ctx, "update_failed", "tests failed after merge, rolled back", map[string]interface{}{
			"changed_files": len(changed),
			"test_output":   excerpt,
		})
		return o.record(Result{
			Status:       StatusTestsFailed,
			Message:      "tests failed, rolled back to " + preRevision,
			ChangedFiles: changed,
			Snapshot:     snapshot.Path,
		}), nil
	}

	o.logger.Log(ctx, observability.Info("update", "applied", "update merged and verified", map[string]interface{}{
		"changed_files": len(changed),
		"revision":      remoteRevision,
	}))
	o.notify(ctx, "update_applied", fmt.Sprintf("update applied: %d files changed", len(changed)), map[string]interface{}{
		"revision":      remoteRevision,
		"changed_files": len(changed),
	})
	return o.record(Result{
		Status:       StatusApplied,
		Message:      fmt.Sprintf("update applied, %d files changed", len(changed)),
		ChangedFiles: changed,
		Revision:     remoteRevision,
		Snapshot:     snapshot.Path,
	}), nil
}

// Run invokes the flow on the configured interval until the context is
// cancelled. Window gating happens inside RunOnce.
func (o *Orchestrator) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := o.RunOnce(ctx, false); err != nil {
			o.logger.Log(ctx, observability.Error("update", "run_error", err.Error(), nil))
		}

		if err := o.sleepWithContext(ctx, o.interval); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) notify(ctx context.Context, eventType, summary string, details map[string]interface{}) {
	if err := o.notifier.Notify(ctx, eventType, summary, details); err != nil {
		o.logger.Log(ctx, observability.Warn("update", "notify_failed", err.Error(), nil))
	}
}

func (o *Orchestrator) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		o.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func splitNonEmptyLines(out string) []string {
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

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
