package gitsafe

import (
	"context"
	"testing"
	"time"
)

func TestTagFailureNamesAndAnnotatesTag(t *testing.T) {
	runner := &fakeRunner{}
	at := time.Date(2026, 6, 1, 15, 4, 5, 0, time.UTC)
	layer := newTestLayer(t, runner,
		WithTimeSource(fixedClock(at)),
		WithIDGenerator(func() string { return "ab12cd34" }),
	)

	tag, err := layer.TagFailure(context.Background(), "tests failed after patch",
		[]string{"pkg/core/engine.go", "config.yaml"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tag != "failed-fix-20260601-150405-ab12cd34" {
		t.Fatalf("unexpected tag name %q", tag)
	}
	wantMessage := "reason: tests failed after patch\nfiles: pkg/core/engine.go, config.yaml"
	if !runner.calledWith("tag", "-a", tag, "-m", wantMessage) {
		t.Fatalf("expected annotated tag call, got %v", runner.calls)
	}
}

func TestTagFailureOmitsFilesLineWhenNoneGiven(t *testing.T) {
	runner := &fakeRunner{}
	layer := newTestLayer(t, runner)

	tag, err := layer.TagFailure(context.Background(), "patch rejected", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !runner.calledWith("tag", "-a", tag, "-m", "reason: patch rejected") {
		t.Fatalf("expected reason-only message, got %v", runner.calls)
	}
}

func tagLookupScript(contentsByTag map[string]string) func(args []string) (string, error) {
	return func(args []string) (string, error) {
		if joined(args) == "tag -l failed-fix-*" {
			var names string
			for tag := range contentsByTag {
				if names != "" {
					names += "\n"
				}
				names += tag
			}
			return names, nil
		}
		if len(args) == 4 && args[0] == "tag" && args[1] == "-l" && args[2] == "--format=%(contents)" {
			return contentsByTag[args[3]], nil
		}
		return "", nil
	}
}

func TestHasSimilarFailureMatchesFileAndSignature(t *testing.T) {
	runner := &fakeRunner{handle: tagLookupScript(map[string]string{
		"failed-fix-20260601-150405-aaaa0000": "reason: CUDA out of memory\nfiles: pkg/core/engine.go",
		"failed-fix-20260602-090000-bbbb1111": "reason: playback stalled\nfiles: pkg/audio/output.go",
	})}
	layer := newTestLayer(t, runner)

	found, err := layer.HasSimilarFailure(context.Background(), "Engine.go", "cuda out of memory")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatalf("expected case-insensitive match on file and signature")
	}
}

func TestHasSimilarFailureRequiresBothToMatchOneTag(t *testing.T) {
	// The file appears in one tag and the signature in another; neither tag
	// carries both, so there is no similar failure.
	runner := &fakeRunner{handle: tagLookupScript(map[string]string{
		"failed-fix-20260601-150405-aaaa0000": "reason: CUDA out of memory\nfiles: pkg/core/engine.go",
		"failed-fix-20260602-090000-bbbb1111": "reason: playback stalled\nfiles: pkg/audio/output.go",
	})}
	layer := newTestLayer(t, runner)

	found, err := layer.HasSimilarFailure(context.Background(), "engine.go", "playback stalled")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("file and signature must match the same tag")
	}
}

func TestHasSimilarFailureWithNoTags(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, error) {
		return "", nil
	}}
	layer := newTestLayer(t, runner)

	found, err := layer.HasSimilarFailure(context.Background(), "engine.go", "anything")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("no tags means no similar failure")
	}
}

func TestHasSimilarFailureEmptyTermsMatchAnyTag(t *testing.T) {
	runner := &fakeRunner{handle: tagLookupScript(map[string]string{
		"failed-fix-20260601-150405-aaaa0000": "reason: anything\nfiles: pkg/core/engine.go",
	})}
	layer := newTestLayer(t, runner)

	found, err := layer.HasSimilarFailure(context.Background(), "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatalf("empty terms must not filter out existing failure tags")
	}
}
