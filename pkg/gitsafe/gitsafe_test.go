package gitsafe

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRunner scripts git invocations for tests. Responses are resolved by the
// handle func; every call is recorded.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	handle func(args []string) (string, error)
}

func (f *fakeRunner) Run(_ context.Context, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	f.mu.Unlock()
	if f.handle != nil {
		return f.handle(args)
	}
	return "", nil
}

func (f *fakeRunner) calledWith(prefix ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if len(call) < len(prefix) {
			continue
		}
		matched := true
		for i, want := range prefix {
			if call[i] != want {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func joined(args []string) string {
	return strings.Join(args, " ")
}

func newTestLayer(t *testing.T, runner Runner, opts ...Option) *Layer {
	t.Helper()
	root := t.TempDir()
	layer, err := New(runner, Config{
		Root:        root,
		SnapshotDir: filepath.Join(root, ".snapshots"),
	}, nil, opts...)
	if err != nil {
		t.Fatalf("failed to build layer: %v", err)
	}
	return layer
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestNewValidatesInput(t *testing.T) {
	if _, err := New(nil, Config{Root: "/tmp/x", SnapshotDir: "/tmp/y"}, nil); err == nil {
		t.Fatalf("expected error for nil runner")
	}
	runner := &fakeRunner{}
	if _, err := New(runner, Config{SnapshotDir: "/tmp/y"}, nil); err == nil {
		t.Fatalf("expected error for empty root")
	}
	if _, err := New(runner, Config{Root: "/tmp/x"}, nil); err == nil {
		t.Fatalf("expected error for empty snapshot directory")
	}
}

func TestStartIsolatedChangeNamesBranchDeterministically(t *testing.T) {
	runner := &fakeRunner{}
	at := time.Date(2026, 6, 1, 15, 4, 5, 0, time.UTC)
	layer := newTestLayer(t, runner,
		WithTimeSource(fixedClock(at)),
		WithIDGenerator(func() string { return "ab12cd34" }),
	)

	branch, err := layer.StartIsolatedChange(context.Background(), "autofix")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if branch != "autofix/20260601-150405-ab12cd34" {
		t.Fatalf("unexpected branch name %q", branch)
	}
	if !runner.calledWith("checkout", "-b", branch) {
		t.Fatalf("expected checkout -b, got %v", runner.calls)
	}
}

func TestStartIsolatedChangeDefaultsPrefix(t *testing.T) {
	runner := &fakeRunner{}
	layer := newTestLayer(t, runner)

	branch, err := layer.StartIsolatedChange(context.Background(), "  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(branch, "autofix/") {
		t.Fatalf("expected autofix prefix, got %q", branch)
	}
}

func TestChangedFilesParsesPorcelainOutput(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, error) {
		if joined(args) == "status --porcelain" {
			return " M pkg/core/engine.go\n?? notes.txt\nR  old.go -> new.go", nil
		}
		return "", nil
	}}
	layer := newTestLayer(t, runner)

	files, err := layer.ChangedFiles(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"pkg/core/engine.go", "notes.txt", "new.go"}
	if len(files) != len(want) {
		t.Fatalf("expected %v, got %v", want, files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("file %d: got %q, want %q", i, files[i], want[i])
		}
	}
}

func TestMergeBranchUsesExplicitMergeCommit(t *testing.T) {
	runner := &fakeRunner{}
	layer := newTestLayer(t, runner)

	if err := layer.MergeBranch(context.Background(), "autofix/x", "main"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !runner.calledWith("checkout", "main") {
		t.Fatalf("expected checkout of target branch: %v", runner.calls)
	}
	if !runner.calledWith("merge", "--no-ff", "autofix/x") {
		t.Fatalf("expected --no-ff merge: %v", runner.calls)
	}
	if !runner.calledWith("branch", "-d", "autofix/x") {
		t.Fatalf("expected branch cleanup: %v", runner.calls)
	}
}

func TestAbandonChangeDiscardsBranch(t *testing.T) {
	runner := &fakeRunner{}
	layer := newTestLayer(t, runner)

	if err := layer.AbandonChange(context.Background(), "autofix/x", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !runner.calledWith("checkout", "--force", "main") {
		t.Fatalf("expected forced checkout of main: %v", runner.calls)
	}
	if !runner.calledWith("branch", "-D", "autofix/x") {
		t.Fatalf("expected forced branch deletion: %v", runner.calls)
	}
}

func TestRollbackRequiresRevision(t *testing.T) {
	layer := newTestLayer(t, &fakeRunner{})
	if _, err := layer.Rollback(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty revision")
	}
}

func TestRollbackHardResets(t *testing.T) {
	runner := &fakeRunner{}
	layer := newTestLayer(t, runner)

	ok, err := layer.Rollback(context.Background(), "abc1234")
	if err != nil || !ok {
		t.Fatalf("unexpected result: ok=%v err=%v", ok, err)
	}
	if !runner.calledWith("reset", "--hard", "abc1234") {
		t.Fatalf("expected hard reset: %v", runner.calls)
	}
}
