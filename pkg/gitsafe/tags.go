package gitsafe

import (
	"context"
	"fmt"
	"strings"

	"github.com/selfheald/selfheald/pkg/observability"
)

const failureTagPrefix = "failed-fix-"

// TagFailure records a permanent marker for a rejected or rolled-back change
// so the same failing fix is not retried blindly. The tag message carries the
// reason and the touched files for later lookups.
func (l *Layer) TagFailure(ctx context.Context, reason string, files []string) (string, error) {
	tag := failureTagPrefix + l.now().Format("20060102-150405") + "-" + l.newID()

	message := "reason: " + reason
	if len(files) > 0 {
		message += "\nfiles: " + strings.Join(files, ", ")
	}

	if _, err := l.runner.Run(ctx, "tag", "-a", tag, "-m", message); err != nil {
		return "", fmt.Errorf("create failure tag: %w", err)
	}

	l.logger.Log(ctx, observability.Warn("gitsafe", "failure_tagged", reason, map[string]interface{}{
		"tag":   tag,
		"files": files,
	}))
	return tag, nil
}

// HasSimilarFailure reports whether a prior failure tag references both the
// file and the issue signature, meaning the same fix already failed once.
func (l *Layer) HasSimilarFailure(ctx context.Context, file, issueSignature string) (bool, error) {
	out, err := l.runner.Run(ctx, "tag", "-l", failureTagPrefix+"*")
	if err != nil {
		return false, err
	}
	tags := splitLines(out)
	if len(tags) == 0 {
		return false, nil
	}

	fileLower := strings.ToLower(file)
	signatureLower := strings.ToLower(issueSignature)
	for _, tag := range tags {
		contents, err := l.runner.Run(ctx, "tag", "-l", "--format=%(contents)", tag)
		if err != nil {
			return false, err
		}
		lower := strings.ToLower(contents)
		if fileLower != "" && !strings.Contains(lower, fileLower) {
			continue
		}
		if signatureLower != "" && !strings.Contains(lower, signatureLower) {
			continue
		}
		return true, nil
	}
	return false, nil
}
