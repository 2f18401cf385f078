package gitsafe

import (
	"strings"
	"testing"
)

func TestApplyPatchReplacesLinePositionally(t *testing.T) {
	layer := newTestLayer(t, &fakeRunner{})
	writeTreeFile(t, layer.root, "greeting.txt", "alpha\nbeta\ngamma\n")

	patch := `--- a/greeting.txt
+++ b/greeting.txt
@@ -2,1 +2,1 @@
-beta
+BETA
`
	if err := layer.ApplyPatch("greeting.txt", patch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := readTreeFile(t, layer.root, "greeting.txt"); got != "alpha\nBETA\ngamma\n" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestApplyPatchHandlesMultipleHunks(t *testing.T) {
	layer := newTestLayer(t, &fakeRunner{})
	writeTreeFile(t, layer.root, "list.txt", "one\ntwo\nthree\nfour\nfive\nsix\n")

	patch := `@@ -1,2 +1,3 @@
 one
+one-and-a-half
 two
@@ -5,1 +6,1 @@
-five
+FIVE
`
	if err := layer.ApplyPatch("list.txt", patch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "one\none-and-a-half\ntwo\nthree\nfour\nFIVE\nsix\n"
	if got := readTreeFile(t, layer.root, "list.txt"); got != want {
		t.Fatalf("unexpected result:\n%q\nwant:\n%q", got, want)
	}
}

func TestApplyPatchRejectsContextMismatchWithoutTouchingFile(t *testing.T) {
	layer := newTestLayer(t, &fakeRunner{})
	original := "alpha\nbeta\ngamma\n"
	writeTreeFile(t, layer.root, "greeting.txt", original)

	// The hunk claims line 2 reads "delta"; it does not, so the whole patch
	// must be rejected positionally even though "delta" appears nowhere else.
	patch := `@@ -2,1 +2,1 @@
-delta
+DELTA
`
	err := layer.ApplyPatch("greeting.txt", patch)
	if err == nil {
		t.Fatalf("expected context mismatch error")
	}
	if !strings.Contains(err.Error(), "does not match file at line 2") {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := readTreeFile(t, layer.root, "greeting.txt"); got != original {
		t.Fatalf("file must stay untouched after rejection: %q", got)
	}
}

func TestApplyPatchAppliesAtDeclaredPositionNotFirstMatch(t *testing.T) {
	layer := newTestLayer(t, &fakeRunner{})
	// The same line occurs twice; only the occurrence at the declared
	// position may change.
	writeTreeFile(t, layer.root, "dup.txt", "repeat\nmiddle\nrepeat\n")

	patch := `@@ -3,1 +3,1 @@
-repeat
+unique
`
	if err := layer.ApplyPatch("dup.txt", patch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := readTreeFile(t, layer.root, "dup.txt"); got != "repeat\nmiddle\nunique\n" {
		t.Fatalf("patch applied at wrong occurrence: %q", got)
	}
}

func TestApplyPatchRejectsOverlappingHunks(t *testing.T) {
	layer := newTestLayer(t, &fakeRunner{})
	writeTreeFile(t, layer.root, "list.txt", "one\ntwo\nthree\n")

	patch := `@@ -1,2 +1,2 @@
 one
-two
+TWO
@@ -2,1 +2,1 @@
-two
+also-two
`
	if err := layer.ApplyPatch("list.txt", patch); err == nil {
		t.Fatalf("expected error for overlapping hunks")
	}
}

func TestApplyPatchRejectsHunkBeyondEndOfFile(t *testing.T) {
	layer := newTestLayer(t, &fakeRunner{})
	writeTreeFile(t, layer.root, "short.txt", "only\n")

	patch := `@@ -10,1 +10,1 @@
-nothing
+something
`
	if err := layer.ApplyPatch("short.txt", patch); err == nil {
		t.Fatalf("expected error for hunk beyond end of file")
	}
}

func TestApplyPatchRejectsEmptyAndMalformedPatches(t *testing.T) {
	layer := newTestLayer(t, &fakeRunner{})
	writeTreeFile(t, layer.root, "f.txt", "line\n")

	if err := layer.ApplyPatch("f.txt", ""); err == nil {
		t.Fatalf("expected error for empty patch")
	}
	if err := layer.ApplyPatch("f.txt", "@@ -1,1 +1,1 @@\n"); err == nil {
		t.Fatalf("expected error for hunk without lines")
	}
	if err := layer.ApplyPatch("f.txt", "@@ -1,1 +1,1 @@\n*bogus\n"); err == nil {
		t.Fatalf("expected error for malformed hunk line")
	}
}

func TestApplyPatchPreservesMissingTrailingNewline(t *testing.T) {
	layer := newTestLayer(t, &fakeRunner{})
	writeTreeFile(t, layer.root, "n.txt", "alpha\nbeta")

	patch := `@@ -1,1 +1,1 @@
-alpha
+ALPHA
`
	if err := layer.ApplyPatch("n.txt", patch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := readTreeFile(t, layer.root, "n.txt"); got != "ALPHA\nbeta" {
		t.Fatalf("trailing-newline handling broken: %q", got)
	}
}

func TestApplyPatchMissingTargetFails(t *testing.T) {
	layer := newTestLayer(t, &fakeRunner{})
	if err := layer.ApplyPatch("missing.txt", "@@ -1,1 +1,1 @@\n-a\n+b\n"); err == nil {
		t.Fatalf("expected error for missing target file")
	}
}
