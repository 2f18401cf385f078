// Package testutil holds helpers for integration-style tests that need
// external tooling, such as a container runtime for package install checks.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Runtime wraps whichever container engine is installed locally.
type Runtime struct {
	name   string
	binary string
}

// RunSpec describes one disposable container invocation.
type RunSpec struct {
	Image     string
	Cmd       []string
	Env       []string
	Mounts    []BindMount
	WorkDir   string
	ExtraArgs []string
}

// BindMount maps a host path into the container.
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// DetectRuntime locates docker or podman on PATH.
func DetectRuntime() (*Runtime, error) {
	for _, candidate := range []string{"docker", "podman"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return &Runtime{name: candidate, binary: path}, nil
		}
	}
	return nil, fmt.Errorf("no container runtime found (looked for docker, podman)")
}

// Name reports which engine was detected.
func (r *Runtime) Name() string {
	return r.name
}

// Run executes the spec in a throwaway container and returns the combined
// output regardless of exit status.
func (r *Runtime) Run(ctx context.Context, spec RunSpec) ([]byte, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("container image must be specified")
	}
	if len(spec.Cmd) == 0 {
		return nil, fmt.Errorf("container command must be specified")
	}

	args := []string{"run", "--rm"}
	for _, env := range spec.Env {
		if env != "" {
			args = append(args, "-e", env)
		}
	}
	for _, mount := range spec.Mounts {
		volume, err := mount.volumeArg()
		if err != nil {
			return nil, err
		}
		args = append(args, "-v", volume)
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	args = append(args, spec.ExtraArgs...)
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	err := cmd.Run()
	return combined.Bytes(), err
}

func (m BindMount) volumeArg() (string, error) {
	if m.Source == "" || m.Target == "" {
		return "", fmt.Errorf("mounts must define both source and target paths")
	}
	src := m.Source
	if !filepath.IsAbs(src) {
		abs, err := filepath.Abs(src)
		if err != nil {
			return "", fmt.Errorf("resolve mount source %q: %w", src, err)
		}
		src = abs
	}
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("mount source %q not accessible: %w", src, err)
	}
	spec := fmt.Sprintf("%s:%s", src, m.Target)
	if m.ReadOnly {
		spec += ":ro"
	}
	return spec, nil
}
