package gitsafe

import (
	"context"
	"strings"
	"sync"
	"testing"
)

// bisectHarness scripts a linear history r1..r5 on top of main. Checkouts move
// the simulated HEAD so the test command can fail based on position.
type bisectHarness struct {
	mu        sync.Mutex
	revisions []string
	current   string
	checkouts []string
}

func newBisectHarness(revisions ...string) *bisectHarness {
	return &bisectHarness{revisions: revisions, current: "main"}
}

func (h *bisectHarness) runner() *fakeRunner {
	return &fakeRunner{handle: func(args []string) (string, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		switch {
		case joined(args) == "rev-parse --abbrev-ref HEAD":
			return h.current, nil
		case len(args) == 3 && args[0] == "rev-list" && args[1] == "--reverse":
			return strings.Join(h.revisions, "\n"), nil
		case len(args) == 2 && args[0] == "checkout":
			h.current = args[1]
			h.checkouts = append(h.checkouts, args[1])
			return "", nil
		}
		return "", nil
	}}
}

// failingFrom returns a test command that fails at and after the given
// revision in the scripted history.
func (h *bisectHarness) failingFrom(bad string) TestCommandFunc {
	return func(ctx context.Context) (bool, string, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		badIdx, curIdx := -1, -1
		for i, rev := range h.revisions {
			if rev == bad {
				badIdx = i
			}
			if rev == h.current {
				curIdx = i
			}
		}
		if badIdx < 0 || curIdx < 0 {
			return true, "", nil
		}
		if curIdx >= badIdx {
			return false, "test failed", nil
		}
		return true, "ok", nil
	}
}

func TestBisectFindsFirstFailingRevision(t *testing.T) {
	harness := newBisectHarness("r1", "r2", "r3", "r4", "r5")
	layer := newTestLayer(t, harness.runner())

	bad, found, err := layer.Bisect(context.Background(), "good", harness.failingFrom("r4"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || bad != "r4" {
		t.Fatalf("expected r4, got found=%v bad=%q", found, bad)
	}
	if harness.current != "main" {
		t.Fatalf("original checkout must be restored, HEAD is %q", harness.current)
	}
	last := harness.checkouts[len(harness.checkouts)-1]
	if last != "main" {
		t.Fatalf("final checkout must restore main, got %q", last)
	}
}

func TestBisectReportsCleanRange(t *testing.T) {
	harness := newBisectHarness("r1", "r2", "r3")
	layer := newTestLayer(t, harness.runner())

	alwaysPass := TestCommandFunc(func(ctx context.Context) (bool, string, error) {
		return true, "ok", nil
	})
	bad, found, err := layer.Bisect(context.Background(), "good", alwaysPass)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found || bad != "" {
		t.Fatalf("expected clean range, got found=%v bad=%q", found, bad)
	}
	if harness.current != "main" {
		t.Fatalf("original checkout must be restored, HEAD is %q", harness.current)
	}
}

func TestBisectEmptyRangeReturnsImmediately(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, error) {
		return "", nil
	}}
	layer := newTestLayer(t, runner)

	ran := false
	probe := TestCommandFunc(func(ctx context.Context) (bool, string, error) {
		ran = true
		return true, "", nil
	})
	bad, found, err := layer.Bisect(context.Background(), "good", probe)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found || bad != "" {
		t.Fatalf("expected empty result, got found=%v bad=%q", found, bad)
	}
	if ran {
		t.Fatalf("test command must not run on an empty range")
	}
	if runner.calledWith("checkout") {
		t.Fatalf("no checkout expected on an empty range: %v", runner.calls)
	}
}

func TestBisectValidatesInput(t *testing.T) {
	layer := newTestLayer(t, &fakeRunner{})
	if _, _, err := layer.Bisect(context.Background(), " ", TestCommandFunc(func(context.Context) (bool, string, error) {
		return true, "", nil
	})); err == nil {
		t.Fatalf("expected error for empty known-good revision")
	}
	if _, _, err := layer.Bisect(context.Background(), "good", nil); err == nil {
		t.Fatalf("expected error for nil test command")
	}
}

func TestBisectRestoresDetachedHeadByRevision(t *testing.T) {
	harness := newBisectHarness("r1", "r2")
	base := harness.runner()
	runner := &fakeRunner{handle: func(args []string) (string, error) {
		switch joined(args) {
		case "rev-parse --abbrev-ref HEAD":
			return "HEAD", nil
		case "rev-parse --verify HEAD":
			return "feedf00d", nil
		}
		return base.handle(args)
	}}
	layer := newTestLayer(t, runner)

	_, _, err := layer.Bisect(context.Background(), "good", harness.failingFrom("r2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !runner.calledWith("checkout", "feedf00d") {
		t.Fatalf("expected restore by revision: %v", runner.calls)
	}
}

func TestExecTestCommandMapsExitStatus(t *testing.T) {
	pass, out, err := mustExecTest(t, []string{"sh", "-c", "echo fine"}).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pass || !strings.Contains(out, "fine") {
		t.Fatalf("expected passing run with output, got pass=%v out=%q", pass, out)
	}

	pass, out, err = mustExecTest(t, []string{"sh", "-c", "echo broken; exit 1"}).Run(context.Background())
	if err != nil {
		t.Fatalf("nonzero exit is a failed check, not an error: %v", err)
	}
	if pass || !strings.Contains(out, "broken") {
		t.Fatalf("expected failing run with output, got pass=%v out=%q", pass, out)
	}
}

func mustExecTest(t *testing.T, command []string) *ExecTestCommand {
	t.Helper()
	cmd, err := NewExecTestCommand(command, t.TempDir(), 0)
	if err != nil {
		t.Fatalf("build test command: %v", err)
	}
	return cmd
}
