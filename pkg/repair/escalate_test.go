package repair

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/selfheald/selfheald/pkg/gitsafe"
	"github.com/selfheald/selfheald/pkg/observability"
)

// fakeSafety scripts the version-safety primitives the fixer drives and
// records the order of the calls it receives.
type fakeSafety struct {
	trace []string

	snapshotErr    error
	applyErr       error
	validateOK     bool
	validateReason string
	validateErr    error
	commitOK       bool
	commitErr      error
	mergeErr       error
	similarFailure bool
}

func newFakeSafety() *fakeSafety {
	return &fakeSafety{validateOK: true, commitOK: true}
}

func (f *fakeSafety) record(call string) { f.trace = append(f.trace, call) }

func (f *fakeSafety) Snapshot(_ context.Context, label string, _ []string) (gitsafe.SnapshotRef, error) {
	f.record("snapshot:" + label)
	if f.snapshotErr != nil {
		return gitsafe.SnapshotRef{}, f.snapshotErr
	}
	return gitsafe.SnapshotRef{Path: "/snapshots/" + label + ".tar.xz", Label: label}, nil
}

func (f *fakeSafety) StartIsolatedChange(_ context.Context, prefix string) (string, error) {
	f.record("branch:" + prefix)
	return prefix + "/20260601-150405-ab12cd34", nil
}

func (f *fakeSafety) MergeBranch(_ context.Context, branch, into string) error {
	f.record("merge:" + branch + "->" + into)
	return f.mergeErr
}

func (f *fakeSafety) AbandonChange(_ context.Context, branch, _ string) error {
	f.record("abandon:" + branch)
	return nil
}

func (f *fakeSafety) ValidateDiff(_ context.Context, expected []string) (bool, string, error) {
	f.record("validate:" + strings.Join(expected, ","))
	return f.validateOK, f.validateReason, f.validateErr
}

func (f *fakeSafety) Commit(_ context.Context, message gitsafe.CommitMessage, _ []string) (string, bool, error) {
	f.record("commit:" + message.String())
	if f.commitErr != nil {
		return "", false, f.commitErr
	}
	if !f.commitOK {
		return "", false, nil
	}
	return "abc1234", true, nil
}

func (f *fakeSafety) ApplyPatch(file, _ string) error {
	f.record("apply:" + file)
	return f.applyErr
}

func (f *fakeSafety) RestoreFile(_ context.Context, _ gitsafe.SnapshotRef, file string) (bool, error) {
	f.record("restore:" + file)
	return true, nil
}

func (f *fakeSafety) TagFailure(_ context.Context, reason string, files []string) (string, error) {
	f.record("tag:" + strings.Join(files, ","))
	_ = reason
	return "failed-fix-20260601-150405-ab12cd34", nil
}

func (f *fakeSafety) HasSimilarFailure(_ context.Context, _, _ string) (bool, error) {
	f.record("similar")
	return f.similarFailure, nil
}

func (f *fakeSafety) called(call string) bool {
	for _, c := range f.trace {
		if c == call || strings.HasPrefix(c, call) {
			return true
		}
	}
	return false
}

type staticGenerator struct {
	patch Patch
	err   error
}

func (g staticGenerator) Generate(context.Context, string, map[string]string) (Patch, error) {
	return g.patch, g.err
}

func goodPatch() Patch {
	return Patch{
		TargetFile:  "pkg/core/engine.go",
		Text:        "@@ -1,1 +1,1 @@\n-old\n+new\n",
		Explanation: "restart loop guarded against nil device",
		Confidence:  0.9,
		Model:       "local",
	}
}

func passingTest(ctx context.Context) (bool, string, error) { return true, "ok", nil }

func newTestFixer(t *testing.T, safety SafetyLayer, generator PatchGenerator, test gitsafe.TestCommand) *Fixer {
	t.Helper()
	fixer, err := NewFixer(safety, generator, test, FixerConfig{
		Root:          t.TempDir(),
		MainBranch:    "main",
		MinConfidence: 0.5,
	}, observability.NopLogger{})
	if err != nil {
		t.Fatalf("failed to build fixer: %v", err)
	}
	return fixer
}

func TestNewFixerValidatesInput(t *testing.T) {
	safety := newFakeSafety()
	generator := staticGenerator{patch: goodPatch()}
	test := gitsafe.TestCommandFunc(passingTest)

	if _, err := NewFixer(nil, generator, test, FixerConfig{Root: "/r"}, nil); err == nil {
		t.Fatalf("expected error for nil safety layer")
	}
	if _, err := NewFixer(safety, nil, test, FixerConfig{Root: "/r"}, nil); err == nil {
		t.Fatalf("expected error for nil generator")
	}
	if _, err := NewFixer(safety, generator, nil, FixerConfig{Root: "/r"}, nil); err == nil {
		t.Fatalf("expected error for nil test command")
	}
	if _, err := NewFixer(safety, generator, test, FixerConfig{}, nil); err == nil {
		t.Fatalf("expected error for empty root")
	}
}

func TestFixAppliesValidatesTestsAndMerges(t *testing.T) {
	safety := newFakeSafety()
	fixer := newTestFixer(t, safety, staticGenerator{patch: goodPatch()}, gitsafe.TestCommandFunc(passingTest))

	result := fixer.Fix(context.Background(), "CUDA out of memory", []string{"restart_recognizer", "switch_recognizer_to_cpu"})
	if result.Outcome != OutcomeSuccess || result.Action != ActionAutonomousFix {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Snapshot == "" {
		t.Fatalf("result must reference the pre-fix snapshot")
	}

	want := []string{
		"snapshot:autonomous_fix",
		"branch:autofix",
		"similar",
		"apply:pkg/core/engine.go",
		"validate:pkg/core/engine.go",
		"commit:fix(core): restart loop guarded against nil device",
		"merge:autofix/20260601-150405-ab12cd34->main",
	}
	if len(safety.trace) != len(want) {
		t.Fatalf("unexpected call trace %v", safety.trace)
	}
	for i := range want {
		if safety.trace[i] != want[i] {
			t.Fatalf("call %d: got %q, want %q", i, safety.trace[i], want[i])
		}
	}
}

func TestFixSkipsLowConfidencePatch(t *testing.T) {
	safety := newFakeSafety()
	patch := goodPatch()
	patch.Confidence = 0.2
	fixer := newTestFixer(t, safety, staticGenerator{patch: patch}, gitsafe.TestCommandFunc(passingTest))

	result := fixer.Fix(context.Background(), "issue", nil)
	if result.Outcome != OutcomeSkipped {
		t.Fatalf("expected skip, got %+v", result)
	}
	if !strings.Contains(result.Message, "below threshold") {
		t.Fatalf("unexpected message %q", result.Message)
	}
	if safety.called("apply:") {
		t.Fatalf("low-confidence patch must never touch the tree: %v", safety.trace)
	}
	if !safety.called("abandon:") {
		t.Fatalf("isolation branch must be abandoned: %v", safety.trace)
	}
}

func TestFixSkipsWhenSimilarFixAlreadyFailed(t *testing.T) {
	safety := newFakeSafety()
	safety.similarFailure = true
	fixer := newTestFixer(t, safety, staticGenerator{patch: goodPatch()}, gitsafe.TestCommandFunc(passingTest))

	result := fixer.Fix(context.Background(), "issue", nil)
	if result.Outcome != OutcomeSkipped || !strings.Contains(result.Message, "already failed") {
		t.Fatalf("unexpected result %+v", result)
	}
	if safety.called("apply:") {
		t.Fatalf("known-bad fix must not be retried: %v", safety.trace)
	}
}

func TestFixFailsWhenGeneratorErrors(t *testing.T) {
	safety := newFakeSafety()
	fixer := newTestFixer(t, safety, staticGenerator{err: errors.New("model unavailable")}, gitsafe.TestCommandFunc(passingTest))

	result := fixer.Fix(context.Background(), "issue", nil)
	if result.Outcome != OutcomeFailed || !strings.Contains(result.Message, "patch generation failed") {
		t.Fatalf("unexpected result %+v", result)
	}
	if !safety.called("abandon:") {
		t.Fatalf("isolation branch must be abandoned: %v", safety.trace)
	}
}

func TestFixRejectsUnusablePatch(t *testing.T) {
	safety := newFakeSafety()
	fixer := newTestFixer(t, safety, staticGenerator{patch: Patch{Confidence: 0.9}}, gitsafe.TestCommandFunc(passingTest))

	result := fixer.Fix(context.Background(), "issue", nil)
	if result.Outcome != OutcomeFailed || !strings.Contains(result.Message, "no usable patch") {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestFixRevertsWhenValidationRejects(t *testing.T) {
	safety := newFakeSafety()
	safety.validateOK = false
	safety.validateReason = "unexpected file changed: notes.txt"
	fixer := newTestFixer(t, safety, staticGenerator{patch: goodPatch()}, gitsafe.TestCommandFunc(passingTest))

	result := fixer.Fix(context.Background(), "issue", nil)
	if result.Outcome != OutcomeFailed || !strings.Contains(result.Message, "unexpected file changed") {
		t.Fatalf("unexpected result %+v", result)
	}
	if !safety.called("restore:pkg/core/engine.go") {
		t.Fatalf("rejected patch must be reverted: %v", safety.trace)
	}
	if !safety.called("abandon:") {
		t.Fatalf("isolation branch must be abandoned: %v", safety.trace)
	}
	if safety.called("commit:") {
		t.Fatalf("rejected patch must never commit: %v", safety.trace)
	}
}

func TestFixRevertsAndTagsWhenTestsFail(t *testing.T) {
	safety := newFakeSafety()
	failing := gitsafe.TestCommandFunc(func(context.Context) (bool, string, error) {
		return false, "assertion blew up in audio_test", nil
	})
	fixer := newTestFixer(t, safety, staticGenerator{patch: goodPatch()}, failing)

	result := fixer.Fix(context.Background(), "playback stalled", nil)
	if result.Outcome != OutcomeFailed {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.Contains(result.Message, "tests failed after patch") || !strings.Contains(result.Message, "assertion blew up") {
		t.Fatalf("message must carry the test output excerpt: %q", result.Message)
	}
	if !safety.called("restore:pkg/core/engine.go") {
		t.Fatalf("failed fix must be reverted: %v", safety.trace)
	}
	if !safety.called("tag:pkg/core/engine.go") {
		t.Fatalf("failed fix must be tagged: %v", safety.trace)
	}
	if !safety.called("abandon:") {
		t.Fatalf("isolation branch must be abandoned: %v", safety.trace)
	}
}

func TestFixFailsWhenCommitIsRefused(t *testing.T) {
	safety := newFakeSafety()
	safety.commitOK = false
	fixer := newTestFixer(t, safety, staticGenerator{patch: goodPatch()}, gitsafe.TestCommandFunc(passingTest))

	result := fixer.Fix(context.Background(), "issue", nil)
	if result.Outcome != OutcomeFailed || !strings.Contains(result.Message, "commit refused") {
		t.Fatalf("unexpected result %+v", result)
	}
	if !safety.called("restore:pkg/core/engine.go") || !safety.called("abandon:") {
		t.Fatalf("refused commit must revert and abandon: %v", safety.trace)
	}
	if safety.called("merge:") {
		t.Fatalf("refused commit must never merge: %v", safety.trace)
	}
}

func TestGatherRelevantFilesMatchesKeywords(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "pkg/audio/output.go", "package audio\n")
	writeFixture(t, root, "pkg/core/engine.go", "package core\n")

	safety := newFakeSafety()
	fixer, err := NewFixer(safety, staticGenerator{patch: goodPatch()}, gitsafe.TestCommandFunc(passingTest), FixerConfig{
		Root: root,
		RelevantFiles: map[string][]string{
			"audio": {"pkg/audio/output.go", "pkg/missing.go"},
			"cuda":  {"pkg/core/engine.go"},
		},
	}, observability.NopLogger{})
	if err != nil {
		t.Fatalf("failed to build fixer: %v", err)
	}

	files := fixer.gatherRelevantFiles("Audio playback stalled")
	if len(files) != 1 {
		t.Fatalf("expected only the matched, readable file, got %v", files)
	}
	if files["pkg/audio/output.go"] != "package audio\n" {
		t.Fatalf("file contents not loaded: %v", files)
	}
}

func writeFixture(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

var _ Escalator = (*Fixer)(nil)
