package repair

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ExecPatchGenerator invokes an external command as the patch-generation
// collaborator. The issue description and relevant file contents go to the
// command's stdin as JSON; the command answers with a JSON patch object on
// stdout.
type ExecPatchGenerator struct {
	command []string
	dir     string
}

// NewExecPatchGenerator constructs an ExecPatchGenerator.
func NewExecPatchGenerator(command []string, dir string) (*ExecPatchGenerator, error) {
	if len(command) == 0 {
		return nil, errors.New("patch command must not be empty")
	}
	return &ExecPatchGenerator{command: append([]string(nil), command...), dir: dir}, nil
}

type patchRequest struct {
	Issue string            `json:"issue"`
	Files map[string]string `json:"files"`
}

type patchResponse struct {
	TargetFile  string  `json:"target_file"`
	Patch       string  `json:"patch"`
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
	Model       string  `json:"model"`
}

// Generate implements PatchGenerator.
func (g *ExecPatchGenerator) Generate(ctx context.Context, issue string, files map[string]string) (Patch, error) {
	request, err := json.Marshal(patchRequest{Issue: issue, Files: files})
	if err != nil {
		return Patch{}, fmt.Errorf("encode patch request: %w", err)
	}

	cmd := exec.CommandContext(ctx, g.command[0], g.command[1:]...)
	cmd.Dir = g.dir
	cmd.Stdin = bytes.NewReader(request)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return Patch{}, fmt.Errorf("patch command failed: %w: %s", err, detail)
		}
		return Patch{}, fmt.Errorf("patch command failed: %w", err)
	}

	var response patchResponse
	if err := json.Unmarshal(stdout.Bytes(), &response); err != nil {
		return Patch{}, fmt.Errorf("decode patch response: %w", err)
	}
	return Patch{
		TargetFile:  response.TargetFile,
		Text:        response.Patch,
		Explanation: response.Explanation,
		Confidence:  response.Confidence,
		Model:       response.Model,
	}, nil
}

var _ PatchGenerator = (*ExecPatchGenerator)(nil)
