package repair

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandHandlers builds a handler table from configured per-action commands.
// Each handler shells out to the subsystem-specific entry point the
// deployment supplies; the attempt timeout is enforced by the engine through
// the context.
func CommandHandlers(commands map[Action][]string, dir string) (map[Action]Handler, error) {
	if len(commands) == 0 {
		return nil, errors.New("at least one repair command is required")
	}
	handlers := make(map[Action]Handler, len(commands))
	for action, command := range commands {
		if len(command) == 0 {
			return nil, fmt.Errorf("action %s: command must not be empty", action)
		}
		command := append([]string(nil), command...)
		handlers[action] = func(ctx context.Context) (string, error) {
			return runCommand(ctx, command, dir)
		}
	}
	return handlers, nil
}

// ParseCommandTable resolves configured action names into the closed action
// enum, rejecting names the engine does not know.
func ParseCommandTable(raw map[string][]string) (map[Action][]string, error) {
	commands := make(map[Action][]string, len(raw))
	for name, command := range raw {
		action, ok := ParseAction(name)
		if !ok {
			return nil, fmt.Errorf("unknown repair action %q", name)
		}
		commands[action] = append([]string(nil), command...)
	}
	return commands, nil
}

// MicRoutine chains the audio-facing handlers into the composite microphone
// repair sequence and verifies the result with a final probe. Any failing
// step aborts the routine.
func MicRoutine(steps []Handler, probe Handler) (Handler, error) {
	if len(steps) == 0 {
		return nil, errors.New("mic routine needs at least one step")
	}
	if probe == nil {
		return nil, errors.New("mic routine needs a verification probe")
	}
	steps = append([]Handler(nil), steps...)
	return func(ctx context.Context) (string, error) {
		for i, step := range steps {
			if _, err := step(ctx); err != nil {
				return "", fmt.Errorf("mic routine step %d: %w", i+1, err)
			}
		}
		message, err := probe(ctx)
		if err != nil {
			return "", fmt.Errorf("mic routine verification: %w", err)
		}
		if message == "" {
			message = "mic routine completed"
		}
		return message, nil
	}, nil
}

func runCommand(ctx context.Context, command []string, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("command timed out: %s", strings.Join(command, " "))
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail != "" {
			return "", fmt.Errorf("%w: %s", err, detail)
		}
		return "", err
	}

	message := strings.TrimSpace(stdout.String())
	if message == "" {
		message = "command completed"
	}
	return message, nil
}
