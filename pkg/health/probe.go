package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandProbe runs an external probe command to determine a subsystem's
// health. Exit code 0 maps to healthy, the configured degraded codes map to
// degraded, every other exit code maps to failed, and execution errors map
// to unknown so a missing tool cannot crash the poll cycle.
type CommandProbe struct {
	name          string
	command       []string
	timeout       time.Duration
	degradedCodes map[int]struct{}
	now           func() time.Time
}

// NewCommandProbe constructs a probe for the provided command line.
func NewCommandProbe(name string, command []string, timeout time.Duration, degradedExitCodes ...int) (*CommandProbe, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("probe name must not be empty")
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("probe %s: command must not be empty", name)
	}
	probe := &CommandProbe{
		name:          name,
		command:       append([]string(nil), command...),
		timeout:       timeout,
		degradedCodes: make(map[int]struct{}, len(degradedExitCodes)),
		now:           time.Now,
	}
	for _, code := range degradedExitCodes {
		probe.degradedCodes[code] = struct{}{}
	}
	return probe, nil
}

func (p *CommandProbe) Name() string { return p.name }

// Check executes the probe command, enforcing the configured timeout.
func (p *CommandProbe) Check(ctx context.Context) ComponentHealth {
	if ctx == nil {
		ctx = context.Background()
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if p.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, p.command[0], p.command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := p.now()
	err := cmd.Run()
	duration := p.now().Sub(start)

	result := ComponentHealth{
		Name:      p.name,
		CheckedAt: p.now(),
		Metrics:   map[string]float64{"probe_duration_seconds": duration.Seconds()},
	}

	if execCtx.Err() != nil {
		result.Status = StatusUnknown
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result.Message = fmt.Sprintf("probe timed out after %s", p.timeout)
		} else {
			result.Message = execCtx.Err().Error()
		}
		return result
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			result.Status = StatusUnknown
			result.Message = fmt.Sprintf("probe execution failed: %v", err)
			return result
		}
		code := exitErr.ExitCode()
		if _, ok := p.degradedCodes[code]; ok {
			result.Status = StatusDegraded
		} else {
			result.Status = StatusFailed
		}
		result.Message = probeMessage(code, stdout.String(), stderr.String())
		result.Metrics["exit_code"] = float64(code)
		return result
	}

	result.Status = StatusHealthy
	result.Message = strings.TrimSpace(stdout.String())
	if result.Message == "" {
		result.Message = fmt.Sprintf("%s OK", p.name)
	}
	return result
}

func probeMessage(code int, stdout, stderr string) string {
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = strings.TrimSpace(stdout)
	}
	if detail == "" {
		return fmt.Sprintf("probe exited with code %d", code)
	}
	return fmt.Sprintf("probe exited with code %d: %s", code, detail)
}

var _ Check = (*CommandProbe)(nil)
