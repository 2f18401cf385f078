package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/selfheald/selfheald/pkg/breaker"
	"github.com/selfheald/selfheald/pkg/gitsafe"
	"github.com/selfheald/selfheald/pkg/observability"
)

const escalationThreshold = 2

// Handler performs the subsystem-specific effect of one repair action. The
// returned message describes the outcome for the audit log. Handlers must be
// idempotent: a retried or re-run action must not make things worse.
type Handler func(ctx context.Context) (string, error)

// Snapshotter archives state before a mutating action.
type Snapshotter interface {
	Snapshot(ctx context.Context, label string, files []string) (gitsafe.SnapshotRef, error)
}

// Escalator hands a problem the deterministic actions could not solve to the
// autonomous patch pipeline.
type Escalator interface {
	Fix(ctx context.Context, issue string, failedActions []string) Result
}

// Engine executes repair actions safely: snapshot before every action,
// bounded timeout, retry with linear backoff, circuit breaking for
// hardware-facing actions, and escalation after repeated failure. All plan
// execution is serialized behind a single mutex.
type Engine struct {
	handlers  map[Action]Handler
	snapshots Snapshotter
	breakers  map[Action]*breaker.CircuitBreaker
	escalator Escalator
	logger    observability.Logger
	metrics   *observability.Metrics

	actionTimeout time.Duration
	maxRetries    int
	retryBackoff  time.Duration
	criticalFiles []string

	now   func() time.Time
	sleep func(time.Duration)

	onBreakerOpen func(Action)

	mu sync.Mutex
}

// EngineOption customises engine behaviour.
type EngineOption func(*Engine)

// WithEngineTimeSource overrides the clock.
func WithEngineTimeSource(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = fn
	}
}

// WithEngineSleepFunc overrides the sleep used between retries.
func WithEngineSleepFunc(fn func(time.Duration)) EngineOption {
	return func(e *Engine) {
		e.sleep = fn
	}
}

// WithEscalator wires the autonomous patch pipeline used after repeated
// failures.
func WithEscalator(escalator Escalator) EngineOption {
	return func(e *Engine) {
		e.escalator = escalator
	}
}

// WithBreakerOpenHook registers a callback invoked when a circuit breaker
// refuses an action, letting the composition root suspend auto-repair for
// that class.
func WithBreakerOpenHook(fn func(Action)) EngineOption {
	return func(e *Engine) {
		e.onBreakerOpen = fn
	}
}

// WithCriticalFiles limits pre-action snapshots to an explicit file list
// instead of every tracked file.
func WithCriticalFiles(files []string) EngineOption {
	return func(e *Engine) {
		e.criticalFiles = append([]string(nil), files...)
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// EngineConfig carries the engine's safety limits.
type EngineConfig struct {
	ActionTimeout      time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	BreakerMaxAttempts int
	BreakerCooldown    time.Duration
}

// guardedActions are hardware-facing actions protected by a circuit breaker.
var guardedActions = []Action{ActionRestartAudioDevice, ActionRepairMicRoutine}

// NewEngine constructs an Engine over the given handler table.
func NewEngine(handlers map[Action]Handler, snapshots Snapshotter, cfg EngineConfig, logger observability.Logger, opts ...EngineOption) (*Engine, error) {
	if len(handlers) == 0 {
		return nil, errors.New("at least one action handler is required")
	}
	if snapshots == nil {
		return nil, errors.New("snapshotter must not be nil")
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 20 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.BreakerMaxAttempts <= 0 {
		cfg.BreakerMaxAttempts = 3
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 10 * time.Minute
	}

	breakers := make(map[Action]*breaker.CircuitBreaker, len(guardedActions))
	for _, action := range guardedActions {
		guard, err := breaker.New(cfg.BreakerMaxAttempts, cfg.BreakerCooldown)
		if err != nil {
			return nil, err
		}
		breakers[action] = guard
	}

	engine := &Engine{
		handlers:      handlers,
		snapshots:     snapshots,
		breakers:      breakers,
		logger:        logger,
		actionTimeout: cfg.ActionTimeout,
		maxRetries:    cfg.MaxRetries,
		retryBackoff:  cfg.RetryBackoff,
		now:           time.Now,
		sleep:         time.Sleep,
	}
	for _, opt := range opts {
		opt(engine)
	}
	if engine.now == nil {
		engine.now = time.Now
	}
	if engine.sleep == nil {
		engine.sleep = time.Sleep
	}
	return engine, nil
}

// ResetBreaker manually re-arms the breaker guarding the given action.
func (e *Engine) ResetBreaker(action Action) {
	if guard, ok := e.breakers[action]; ok {
		guard.Reset()
	}
}

// ExecutePlan runs every plan item in order, serialized behind the engine
// mutex so no two repair runs overlap. When two or more actions fail and an
// escalator is wired, exactly one autonomous-fix result is appended carrying
// the failed action names.
func (e *Engine) ExecutePlan(ctx context.Context, items []PlanItem, issue string) []Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	results := make([]Result, 0, len(items))
	for _, item := range items {
		select {
		case <-ctx.Done():
			results = append(results, Result{
				Action:  item.Action,
				Outcome: OutcomeSkipped,
				Message: "execution cancelled",
			})
			continue
		default:
		}
		results = append(results, e.run(ctx, item))
	}

	var failedNames []string
	for _, result := range results {
		if result.Outcome == OutcomeFailed {
			failedNames = append(failedNames, result.Action.String())
		}
	}
	if len(failedNames) >= escalationThreshold && e.escalator != nil {
		e.logger.Log(ctx, observability.Warn("repair", "escalating", "repeated failures, escalating to autonomous fix", map[string]interface{}{
			"failed_actions": failedNames,
		}))
		if issue == "" {
			issue = "repair actions failed: " + strings.Join(failedNames, ", ")
		}
		escalated := e.escalator.Fix(ctx, issue, failedNames)
		e.observe(ctx, escalated)
		results = append(results, escalated)
	}

	succeeded, partial, failed, skipped := Summarize(results)
	e.logger.Log(ctx, observability.Info("repair", "plan_executed", "repair plan finished", map[string]interface{}{
		"steps":     len(items),
		"succeeded": succeeded,
		"partial":   partial,
		"failed":    failed,
		"skipped":   skipped,
	}))
	return results
}

// run executes one action under the engine's safety contract.
func (e *Engine) run(ctx context.Context, item PlanItem) Result {
	start := e.now()

	handler, ok := e.handlers[item.Action]
	if !ok {
		result := Result{Action: item.Action, Outcome: OutcomeSkipped, Message: "no handler registered"}
		e.observe(ctx, result)
		return result
	}

	if guard, guarded := e.breakers[item.Action]; guarded {
		if !guard.Allow(start) {
			result := Result{
				Action:  item.Action,
				Outcome: OutcomeSkipped,
				Message: "circuit breaker open",
			}
			e.logger.Log(ctx, observability.Warn("repair", "breaker_open", "action refused by circuit breaker", map[string]interface{}{
				"action": item.Action.String(),
			}))
			if e.onBreakerOpen != nil {
				e.onBreakerOpen(item.Action)
			}
			e.observe(ctx, result)
			return result
		}
		guard.Record(start)
	}

	snapshot, err := e.snapshots.Snapshot(ctx, item.Action.String(), e.criticalFiles)
	if err != nil {
		result := Result{
			Action:   item.Action,
			Outcome:  OutcomeFailed,
			Message:  fmt.Sprintf("snapshot failed, action not attempted: %v", err),
			Duration: e.now().Sub(start),
		}
		e.observe(ctx, result)
		return result
	}

	message, runErr := e.runWithRetry(ctx, item.Action, handler)
	result := Result{
		Action:   item.Action,
		Outcome:  OutcomeSuccess,
		Message:  message,
		Duration: e.now().Sub(start),
		Snapshot: snapshot.Path,
	}
	if runErr != nil {
		result.Outcome = OutcomeFailed
		result.Message = runErr.Error()
	}
	e.observe(ctx, result)
	return result
}

// runWithRetry runs the handler with a bounded timeout, retrying transient
// failures with linear backoff.
func (e *Engine) runWithRetry(ctx context.Context, action Action, handler Handler) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			e.sleep(time.Duration(attempt) * e.retryBackoff)
			e.logger.Log(ctx, observability.Info("repair", "retry", "retrying failed action", map[string]interface{}{
				"action":  action.String(),
				"attempt": attempt + 1,
			}))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
		message, err := runHandler(attemptCtx, handler)
		cancel()
		if err == nil {
			return message, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

// runHandler isolates handler panics so one broken handler cannot abort plan
// execution.
func runHandler(ctx context.Context, handler Handler) (message string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("action panicked: %v", recovered)
		}
	}()
	return handler(ctx)
}

func (e *Engine) observe(ctx context.Context, result Result) {
	level := observability.Info
	if result.Outcome == OutcomeFailed {
		level = observability.Error
	}
	e.logger.Log(ctx, level("repair", "action_"+string(result.Outcome), result.Message, map[string]interface{}{
		"action":   result.Action.String(),
		"duration": result.Duration.Seconds(),
		"snapshot": result.Snapshot,
	}))
	e.metrics.ObserveRepair(result.Action.String(), string(result.Outcome), result.Duration)
}
