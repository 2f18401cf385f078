package gitsafe

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/selfheald/selfheald/pkg/observability"
)

// ValidateDiff compares the set of currently changed files against an
// expected allowlist. A changed file is acceptable when it matches an
// expected entry exactly or ends with an expected suffix. The validation
// also fails when the total changed-line count exceeds the commit line
// budget. The returned reason names the first offending file or the line
// overrun.
func (l *Layer) ValidateDiff(ctx context.Context, expected []string) (bool, string, error) {
	changed, err := l.ChangedFiles(ctx)
	if err != nil {
		return false, "", err
	}

	for _, file := range changed {
		if !matchesExpected(file, expected) {
			reason := fmt.Sprintf("unexpected file changed: %s", file)
			l.logger.Log(ctx, observability.Warn("gitsafe", "diff_rejected", reason, map[string]interface{}{
				"changed":  changed,
				"expected": expected,
			}))
			return false, reason, nil
		}
	}

	lines, err := l.changedLineCount(ctx)
	if err != nil {
		return false, "", err
	}
	if lines > l.maxLinesPerCommit {
		reason := fmt.Sprintf("diff too large: %d lines changed (max %d)", lines, l.maxLinesPerCommit)
		l.logger.Log(ctx, observability.Warn("gitsafe", "diff_rejected", reason, map[string]interface{}{
			"lines": lines,
		}))
		return false, reason, nil
	}

	return true, "", nil
}

// matchesExpected accepts exact path matches and suffix matches, so an
// allowlist entry "engine.go" covers "pkg/repair/engine.go".
func matchesExpected(file string, expected []string) bool {
	normalized := path.Clean(strings.ReplaceAll(file, "\\", "/"))
	for _, want := range expected {
		wantNorm := path.Clean(strings.ReplaceAll(want, "\\", "/"))
		if normalized == wantNorm {
			return true
		}
		if strings.HasSuffix(normalized, "/"+wantNorm) {
			return true
		}
	}
	return false
}
