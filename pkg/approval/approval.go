// Package approval implements the single-outstanding-request confirmation
// gate used for repair actions too risky to run unattended.
package approval

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/selfheald/selfheald/pkg/observability"
)

// Decision classifies what a free-text response did to the pending request.
type Decision string

const (
	// DecisionApproved means the request was confirmed and the confirm
	// callback ran.
	DecisionApproved Decision = "approved"
	// DecisionDenied means the request was rejected and the deny callback
	// ran.
	DecisionDenied Decision = "denied"
	// DecisionNeedsCode means the response looked like a confirmation but
	// lacked the required secondary-auth code; the request stays pending.
	DecisionNeedsCode Decision = "needs_code"
	// DecisionUnhandled means the text matched neither phrase set (or no
	// request was pending) and should be processed as ordinary input.
	DecisionUnhandled Decision = ""
)

var confirmPhrases = []string{
	"yes", "yeah", "yep", "yup",
	"approve", "approved", "confirm", "confirmed",
	"do it", "go ahead", "proceed", "ok", "okay",
	"sure", "affirmative", "allow", "accept",
}

var denyPhrases = []string{
	"no", "nope", "nah",
	"cancel", "abort", "stop", "deny", "denied",
	"don't", "dont", "nevermind", "reject",
}

// Request is the pending confirmation. At most one exists at a time.
type Request struct {
	Action       string
	Reason       string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	RequiresCode bool
}

// Gate is the approval state machine: Idle, then Pending while a request
// waits for a response, then back to Idle on approve, deny, timeout, or
// cancel. Exactly one of the confirm/deny callbacks runs per request, and a
// timeout runs neither.
type Gate struct {
	timeout    time.Duration
	secretCode string
	logger     observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	afterFunc  func(time.Duration, func()) *time.Timer

	mu        sync.Mutex
	pending   *Request
	onConfirm func()
	onDeny    func()
	timer     *time.Timer
}

// GateOption customises gate behaviour.
type GateOption func(*Gate)

// WithGateTimeSource overrides the clock.
func WithGateTimeSource(fn func() time.Time) GateOption {
	return func(g *Gate) {
		g.now = fn
	}
}

// WithGateTimerFunc overrides timer creation, primarily for tests.
func WithGateTimerFunc(fn func(time.Duration, func()) *time.Timer) GateOption {
	return func(g *Gate) {
		g.afterFunc = fn
	}
}

// WithGateMetrics attaches Prometheus instrumentation.
func WithGateMetrics(m *observability.Metrics) GateOption {
	return func(g *Gate) {
		g.metrics = m
	}
}

// NewGate constructs a Gate. secretCode may be empty, in which case
// secondary auth is never demanded.
func NewGate(timeout time.Duration, secretCode string, logger observability.Logger, opts ...GateOption) *Gate {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	gate := &Gate{
		timeout:    timeout,
		secretCode: strings.TrimSpace(secretCode),
		logger:     logger,
		now:        time.Now,
		afterFunc:  time.AfterFunc,
	}
	for _, opt := range opts {
		opt(gate)
	}
	if gate.now == nil {
		gate.now = time.Now
	}
	if gate.afterFunc == nil {
		gate.afterFunc = time.AfterFunc
	}
	return gate
}

// Pending returns the outstanding request, if any.
func (g *Gate) Pending() (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return Request{}, false
	}
	return *g.pending, true
}

// Request registers a new confirmation request. It returns false without
// touching the existing request when one is already pending.
func (g *Gate) Request(ctx context.Context, action, reason string, onConfirm, onDeny func(), requiresCode bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending != nil {
		g.logger.Log(ctx, observability.Warn("approval", "request_rejected", "a request is already pending", map[string]interface{}{
			"action":  action,
			"pending": g.pending.Action,
		}))
		return false
	}

	now := g.now()
	g.pending = &Request{
		Action:       action,
		Reason:       reason,
		CreatedAt:    now,
		ExpiresAt:    now.Add(g.timeout),
		RequiresCode: requiresCode || g.secretCode != "",
	}
	g.onConfirm = onConfirm
	g.onDeny = onDeny
	g.timer = g.afterFunc(g.timeout, func() { g.expire(action) })

	g.logger.Log(ctx, observability.Info("approval", "request_created", reason, map[string]interface{}{
		"action":        action,
		"expires_at":    g.pending.ExpiresAt,
		"requires_code": g.pending.RequiresCode,
	}))
	return true
}

// expire handles the timeout: the request is dropped, neither callback runs,
// and the gate is ready for a new request.
func (g *Gate) expire(action string) {
	g.mu.Lock()
	if g.pending == nil || g.pending.Action != action {
		g.mu.Unlock()
		return
	}
	g.clearLocked()
	g.mu.Unlock()

	g.logger.Log(context.Background(), observability.Warn("approval", "request_timeout", "approval timed out, action cancelled", map[string]interface{}{
		"action": action,
	}))
	g.metrics.ObserveApproval("timeout")
}

// CheckResponse classifies a free-text response against the pending request.
// Unrelated text returns DecisionUnhandled so callers can process it as a
// normal command.
func (g *Gate) CheckResponse(ctx context.Context, text string) Decision {
	g.mu.Lock()

	if g.pending == nil {
		g.mu.Unlock()
		return DecisionUnhandled
	}

	lower := strings.ToLower(strings.TrimSpace(text))
	confirmed := matchesAny(lower, confirmPhrases)
	denied := matchesAny(lower, denyPhrases)

	if g.pending.RequiresCode && g.secretCode != "" && confirmed && !denied {
		condensed := strings.ReplaceAll(lower, " ", "")
		if !strings.Contains(condensed, g.secretCode) {
			action := g.pending.Action
			g.mu.Unlock()
			g.logger.Log(ctx, observability.Info("approval", "code_required", "confirmation lacks secondary-auth code", map[string]interface{}{
				"action": action,
			}))
			return DecisionNeedsCode
		}
	}

	switch {
	case denied:
		callback := g.onDeny
		action := g.pending.Action
		g.clearLocked()
		g.mu.Unlock()
		g.logger.Log(ctx, observability.Info("approval", "denied", "request denied by operator", map[string]interface{}{
			"action": action,
		}))
		g.metrics.ObserveApproval("denied")
		invoke(ctx, callback, g.logger)
		return DecisionDenied
	case confirmed:
		callback := g.onConfirm
		action := g.pending.Action
		g.clearLocked()
		g.mu.Unlock()
		g.logger.Log(ctx, observability.Info("approval", "approved", "request approved by operator", map[string]interface{}{
			"action": action,
		}))
		g.metrics.ObserveApproval("approved")
		invoke(ctx, callback, g.logger)
		return DecisionApproved
	default:
		g.mu.Unlock()
		return DecisionUnhandled
	}
}

// Cancel forces deny semantics on the pending request, if any.
func (g *Gate) Cancel(ctx context.Context) bool {
	g.mu.Lock()
	if g.pending == nil {
		g.mu.Unlock()
		return false
	}
	action := g.pending.Action
	callback := g.onDeny
	g.clearLocked()
	g.mu.Unlock()

	g.logger.Log(ctx, observability.Info("approval", "cancelled", "request cancelled", map[string]interface{}{
		"action": action,
	}))
	g.metrics.ObserveApproval("cancelled")
	invoke(ctx, callback, g.logger)
	return true
}

// clearLocked resets the gate to Idle. Callers hold g.mu.
func (g *Gate) clearLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.pending = nil
	g.onConfirm = nil
	g.onDeny = nil
}

// invoke runs a decision callback, isolating panics so a broken callback
// cannot wedge the gate.
func invoke(ctx context.Context, callback func(), logger observability.Logger) {
	if callback == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Log(ctx, observability.Error("approval", "callback_panic", "decision callback panicked", map[string]interface{}{
				"panic": recovered,
			}))
		}
	}()
	callback()
}

// matchesAny reports whether any phrase occurs in the text as a whole word
// (single-word phrases) or substring (multi-word phrases).
func matchesAny(text string, phrases []string) bool {
	words := strings.Fields(text)
	for _, phrase := range phrases {
		if strings.ContainsRune(phrase, ' ') {
			if strings.Contains(text, phrase) {
				return true
			}
			continue
		}
		for _, word := range words {
			if strings.Trim(word, ".,!?") == phrase {
				return true
			}
		}
	}
	return false
}
