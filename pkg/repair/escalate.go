package repair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/selfheald/selfheald/pkg/gitsafe"
	"github.com/selfheald/selfheald/pkg/observability"
)

// Patch is a candidate fix produced by the patch-generation collaborator.
type Patch struct {
	TargetFile  string
	Text        string
	Explanation string
	Confidence  float64
	Model       string
}

// PatchGenerator produces a candidate patch for a described issue given the
// contents of the files judged relevant. How the patch is generated is
// opaque to the engine.
type PatchGenerator interface {
	Generate(ctx context.Context, issue string, files map[string]string) (Patch, error)
}

// SafetyLayer is the slice of version-safety primitives the escalation
// pipeline needs.
type SafetyLayer interface {
	Snapshot(ctx context.Context, label string, files []string) (gitsafe.SnapshotRef, error)
	StartIsolatedChange(ctx context.Context, prefix string) (string, error)
	MergeBranch(ctx context.Context, branch, into string) error
	AbandonChange(ctx context.Context, branch, into string) error
	ValidateDiff(ctx context.Context, expected []string) (bool, string, error)
	Commit(ctx context.Context, message gitsafe.CommitMessage, files []string) (string, bool, error)
	ApplyPatch(file, patchText string) error
	RestoreFile(ctx context.Context, ref gitsafe.SnapshotRef, file string) (bool, error)
	TagFailure(ctx context.Context, reason string, files []string) (string, error)
	HasSimilarFailure(ctx context.Context, file, issueSignature string) (bool, error)
}

const (
	maxTestOutputExcerpt = 2000
	defaultMinConfidence = 0.5
)

// Fixer drives the escalation pipeline: isolate, patch, validate, test, then
// commit-and-merge or revert-and-tag.
type Fixer struct {
	safety        SafetyLayer
	generator     PatchGenerator
	test          gitsafe.TestCommand
	logger        observability.Logger
	root          string
	mainBranch    string
	minConfidence float64
	relevantFiles map[string][]string
	now           func() time.Time
}

// FixerConfig configures the escalation pipeline.
type FixerConfig struct {
	Root          string
	MainBranch    string
	MinConfidence float64
	// RelevantFiles maps issue keywords to candidate file paths handed to the
	// patch generator. Empty falls back to nothing, in which case the
	// generator receives no file contents.
	RelevantFiles map[string][]string
}

// FixerOption customises fixer behaviour.
type FixerOption func(*Fixer)

// WithFixerTimeSource overrides the clock.
func WithFixerTimeSource(fn func() time.Time) FixerOption {
	return func(f *Fixer) {
		f.now = fn
	}
}

// NewFixer constructs a Fixer.
func NewFixer(safety SafetyLayer, generator PatchGenerator, test gitsafe.TestCommand, cfg FixerConfig, logger observability.Logger, opts ...FixerOption) (*Fixer, error) {
	if safety == nil {
		return nil, errors.New("safety layer must not be nil")
	}
	if generator == nil {
		return nil, errors.New("patch generator must not be nil")
	}
	if test == nil {
		return nil, errors.New("test command must not be nil")
	}
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("repository root must not be empty")
	}
	if strings.TrimSpace(cfg.MainBranch) == "" {
		cfg.MainBranch = "main"
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = defaultMinConfidence
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}

	fixer := &Fixer{
		safety:        safety,
		generator:     generator,
		test:          test,
		logger:        logger,
		root:          cfg.Root,
		mainBranch:    cfg.MainBranch,
		minConfidence: cfg.MinConfidence,
		relevantFiles: cfg.RelevantFiles,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(fixer)
	}
	if fixer.now == nil {
		fixer.now = time.Now
	}
	return fixer, nil
}

// Fix runs the full escalation pipeline and always returns a single
// autonomous-fix result, successful or not.
func (f *Fixer) Fix(ctx context.Context, issue string, failedActions []string) Result {
	start := f.now()
	fail := func(message string) Result {
		return Result{
			Action:   ActionAutonomousFix,
			Outcome:  OutcomeFailed,
			Message:  message,
			Duration: f.now().Sub(start),
		}
	}
	skip := func(message string) Result {
		return Result{
			Action:   ActionAutonomousFix,
			Outcome:  OutcomeSkipped,
			Message:  message,
			Duration: f.now().Sub(start),
		}
	}

	description := issue
	if len(failedActions) > 0 {
		description = fmt.Sprintf("%s (failed repair actions: %s)", issue, strings.Join(failedActions, ", "))
	}

	files := f.gatherRelevantFiles(issue)

	snapshot, err := f.safety.Snapshot(ctx, "autonomous_fix", nil)
	if err != nil {
		return fail(fmt.Sprintf("snapshot failed: %v", err))
	}

	branch, err := f.safety.StartIsolatedChange(ctx, "autofix")
	if err != nil {
		return fail(fmt.Sprintf("isolation branch failed: %v", err))
	}

	patch, err := f.generator.Generate(ctx, description, files)
	if err != nil {
		f.abandon(ctx, branch)
		return fail(fmt.Sprintf("patch generation failed: %v", err))
	}
	target := filepath.ToSlash(patch.TargetFile)
	if target == "" || strings.TrimSpace(patch.Text) == "" {
		f.abandon(ctx, branch)
		return fail("patch generator returned no usable patch")
	}
	if patch.Confidence < f.minConfidence {
		f.abandon(ctx, branch)
		return skip(fmt.Sprintf("patch confidence %.2f below threshold %.2f", patch.Confidence, f.minConfidence))
	}

	signature := issueSignature(issue)
	if seen, err := f.safety.HasSimilarFailure(ctx, target, signature); err == nil && seen {
		f.abandon(ctx, branch)
		return skip(fmt.Sprintf("a similar fix for %s already failed, not retrying", target))
	}

	if err := f.safety.ApplyPatch(target, patch.Text); err != nil {
		f.abandon(ctx, branch)
		return fail(fmt.Sprintf("patch rejected: %v", err))
	}

	ok, reason, err := f.safety.ValidateDiff(ctx, []string{target})
	if err != nil {
		f.revert(ctx, snapshot, target)
		f.abandon(ctx, branch)
		return fail(fmt.Sprintf("diff validation errored: %v", err))
	}
	if !ok {
		f.revert(ctx, snapshot, target)
		f.abandon(ctx, branch)
		return fail("diff validation rejected patch: " + reason)
	}

	passed, output, err := f.test.Run(ctx)
	if err != nil {
		passed = false
		output = fmt.Sprintf("%s\ntest run error: %v", output, err)
	}
	if !passed {
		excerpt := truncate(output, maxTestOutputExcerpt)
		f.revert(ctx, snapshot, target)
		if _, tagErr := f.safety.TagFailure(ctx, "autonomous fix failed tests for "+signature+": "+excerpt, []string{target}); tagErr != nil {
			f.logger.Log(ctx, observability.Warn("repair", "tag_failure_error", tagErr.Error(), nil))
		}
		f.abandon(ctx, branch)
		return fail("tests failed after patch, change reverted: " + excerpt)
	}

	message := gitsafe.CommitMessage{Prefix: "fix", Scope: scopeOf(target), Text: commitText(patch, issue)}
	revision, committed, err := f.safety.Commit(ctx, message, []string{target})
	if err != nil {
		f.revert(ctx, snapshot, target)
		f.abandon(ctx, branch)
		return fail(fmt.Sprintf("commit errored: %v", err))
	}
	if !committed {
		f.revert(ctx, snapshot, target)
		f.abandon(ctx, branch)
		return fail("commit refused (rate limit or empty change), change reverted")
	}

	if err := f.safety.MergeBranch(ctx, branch, f.mainBranch); err != nil {
		return fail(fmt.Sprintf("merge failed after commit %s: %v", revision, err))
	}

	f.logger.Log(ctx, observability.Info("repair", "autonomous_fix_applied", patch.Explanation, map[string]interface{}{
		"target":   target,
		"revision": revision,
		"model":    patch.Model,
	}))
	return Result{
		Action:   ActionAutonomousFix,
		Outcome:  OutcomeSuccess,
		Message:  truncate(patch.Explanation, 200),
		Duration: f.now().Sub(start),
		Snapshot: snapshot.Path,
	}
}

func (f *Fixer) abandon(ctx context.Context, branch string) {
	if err := f.safety.AbandonChange(ctx, branch, f.mainBranch); err != nil {
		f.logger.Log(ctx, observability.Error("repair", "abandon_failed", err.Error(), map[string]interface{}{
			"branch": branch,
		}))
	}
}

func (f *Fixer) revert(ctx context.Context, snapshot gitsafe.SnapshotRef, target string) {
	if _, err := f.safety.RestoreFile(ctx, snapshot, target); err != nil {
		f.logger.Log(ctx, observability.Error("repair", "revert_failed", err.Error(), map[string]interface{}{
			"target": target,
		}))
	}
}

// gatherRelevantFiles selects candidate files by keyword match against the
// issue text and reads their contents.
func (f *Fixer) gatherRelevantFiles(issue string) map[string]string {
	contents := make(map[string]string)
	lower := strings.ToLower(issue)
	for keyword, paths := range f.relevantFiles {
		if !strings.Contains(lower, strings.ToLower(keyword)) {
			continue
		}
		for _, rel := range paths {
			if _, seen := contents[rel]; seen {
				continue
			}
			data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(rel)))
			if err != nil {
				continue
			}
			contents[rel] = string(data)
		}
	}
	return contents
}

func issueSignature(issue string) string {
	return truncate(strings.ToLower(strings.TrimSpace(issue)), 80)
}

func scopeOf(target string) string {
	dir := filepath.ToSlash(filepath.Dir(target))
	if dir == "." || dir == "/" {
		base := filepath.Base(target)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	parts := strings.Split(dir, "/")
	return parts[len(parts)-1]
}

func commitText(patch Patch, issue string) string {
	if strings.TrimSpace(patch.Explanation) != "" {
		return truncate(patch.Explanation, 120)
	}
	return "autonomous fix for " + truncate(issue, 100)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
