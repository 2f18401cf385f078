package health

import (
	"context"
	"time"
)

// Status represents one subsystem's health at a point in time.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusUnknown  Status = "unknown"
)

// severity orders statuses from worst to best for aggregation.
func (s Status) severity() int {
	switch s {
	case StatusFailed:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnknown:
		return 1
	default:
		return 0
	}
}

// Worst returns the more severe of two statuses.
func Worst(a, b Status) Status {
	if a.severity() >= b.severity() {
		return a
	}
	return b
}

// ComponentHealth captures the result of checking a single subsystem.
type ComponentHealth struct {
	Name      string             `json:"name"`
	Status    Status             `json:"status"`
	CheckedAt time.Time          `json:"checked_at"`
	Message   string             `json:"message,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// Check inspects one subsystem and reports its current health. A check must
// never panic its way out of the poll loop; the monitor converts panics and
// late results into StatusUnknown for that component.
type Check interface {
	Name() string
	Check(ctx context.Context) ComponentHealth
}

// CheckFunc adapts a function into a Check.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) ComponentHealth
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Check(ctx context.Context) ComponentHealth {
	return c.Fn(ctx)
}

var _ Check = CheckFunc{}
