package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/selfheald/selfheald/pkg/observability"
)

// ReportHandler receives each completed report. The monitor waits for the
// handler to return before starting the next cycle, so handlers bound their
// own work.
type ReportHandler func(ctx context.Context, report Report)

// Monitor polls all registered checks on a fixed interval, aggregates the
// results, and hands each report to the handler. A kill-switch file suspends
// the handler (observation continues) until the file disappears again.
type Monitor struct {
	checks         []Check
	handler        ReportHandler
	logger         observability.Logger
	interval       time.Duration
	killSwitchPath string
	now            func() time.Time
	sleep          func(time.Duration)
	errorBackoff   time.Duration
	errorMinDelay  time.Duration
	errorMaxDelay  time.Duration

	mu         sync.Mutex
	lastReport *Report
}

// MonitorOption customises monitor behaviour.
type MonitorOption func(*Monitor)

// WithMonitorTimeSource overrides the clock used for report timestamps.
func WithMonitorTimeSource(fn func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = fn
	}
}

// WithMonitorSleepFunc overrides the sleep implementation between cycles.
func WithMonitorSleepFunc(fn func(time.Duration)) MonitorOption {
	return func(m *Monitor) {
		m.sleep = fn
	}
}

// WithMonitorErrorBackoff overrides the retry backoff window applied when a
// cycle fails outright.
func WithMonitorErrorBackoff(min, max time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.errorMinDelay = min
		m.errorMaxDelay = max
	}
}

// NewMonitor constructs a Monitor over the provided checks.
func NewMonitor(checks []Check, interval time.Duration, handler ReportHandler, logger observability.Logger, killSwitchPath string, opts ...MonitorOption) (*Monitor, error) {
	if len(checks) == 0 {
		return nil, errors.New("at least one check is required")
	}
	if interval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}

	monitor := &Monitor{
		checks:         append([]Check(nil), checks...),
		handler:        handler,
		logger:         logger,
		interval:       interval,
		killSwitchPath: killSwitchPath,
		now:            time.Now,
		sleep:          time.Sleep,
		errorMinDelay:  5 * time.Second,
		errorMaxDelay:  time.Minute,
	}

	for _, opt := range opts {
		opt(monitor)
	}

	if monitor.now == nil {
		monitor.now = time.Now
	}
	if monitor.sleep == nil {
		monitor.sleep = time.Sleep
	}
	if monitor.errorMinDelay <= 0 {
		monitor.errorMinDelay = 5 * time.Second
	}
	if monitor.errorMaxDelay < monitor.errorMinDelay {
		monitor.errorMaxDelay = monitor.errorMinDelay
	}

	return monitor, nil
}

// LastReport returns the most recent report, or false when no cycle has
// completed yet.
func (m *Monitor) LastReport() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastReport == nil {
		return Report{}, false
	}
	return *m.lastReport, true
}

// RunOnce performs a single poll cycle and returns the report.
func (m *Monitor) RunOnce(ctx context.Context) (Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	components := make([]ComponentHealth, 0, len(m.checks))
	for _, check := range m.checks {
		select {
		case <-ctx.Done():
			return Report{}, ctx.Err()
		default:
		}
		components = append(components, m.runCheck(ctx, check))
	}

	report := BuildReport(m.now(), components)

	m.mu.Lock()
	m.lastReport = &report
	m.mu.Unlock()

	if !report.Healthy() {
		m.logger.Log(ctx, observability.Warn("monitor", "cycle_unhealthy", "diagnostic cycle found unhealthy components", map[string]interface{}{
			"overall": string(report.Overall),
			"issues":  report.Issues,
		}))
	}

	return report, nil
}

// runCheck executes one check, converting panics into an unknown result so a
// misbehaving check cannot take down the poll loop.
func (m *Monitor) runCheck(ctx context.Context, check Check) (result ComponentHealth) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = ComponentHealth{
				Name:      check.Name(),
				Status:    StatusUnknown,
				CheckedAt: m.now(),
				Message:   fmt.Sprintf("check panicked: %v", recovered),
			}
			m.logger.Log(ctx, observability.Error("monitor", "check_panic", result.Message, map[string]interface{}{
				"check": check.Name(),
			}))
		}
	}()
	result = check.Check(ctx)
	if result.Name == "" {
		result.Name = check.Name()
	}
	if result.CheckedAt.IsZero() {
		result.CheckedAt = m.now()
	}
	return result
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	watcher := m.startKillSwitchWatcher(ctx)
	if watcher != nil {
		defer watcher.Close()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		report, err := m.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			m.logger.Log(ctx, observability.Error("monitor", "cycle_error", err.Error(), nil))
			if delay := m.nextErrorDelay(); delay > 0 {
				if sleepErr := m.sleepWithContext(ctx, delay); sleepErr != nil {
					return sleepErr
				}
			}
			continue
		}
		m.errorBackoff = 0

		if m.handler != nil {
			if m.killSwitchEngaged(ctx) {
				m.logger.Log(ctx, observability.Warn("monitor", "kill_switch_engaged", "kill-switch file present, repair handling suspended", map[string]interface{}{
					"path": m.killSwitchPath,
				}))
			} else {
				m.handler(ctx, report)
			}
		}

		if err := m.sleepWithContext(ctx, m.interval); err != nil {
			return err
		}
	}
}

// killSwitchEngaged stats the kill-switch file directly. The fsnotify watcher
// only provides early log signals; the stat is authoritative so the switch
// works even when the watch could not be established.
func (m *Monitor) killSwitchEngaged(ctx context.Context) bool {
	if m.killSwitchPath == "" {
		return false
	}
	_, err := os.Stat(m.killSwitchPath)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		m.logger.Log(ctx, observability.Warn("monitor", "kill_switch_stat_error", err.Error(), map[string]interface{}{
			"path": m.killSwitchPath,
		}))
	}
	return false
}

func (m *Monitor) startKillSwitchWatcher(ctx context.Context) *fsnotify.Watcher {
	if m.killSwitchPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Log(ctx, observability.Warn("monitor", "kill_switch_watch_error", err.Error(), nil))
		return nil
	}
	dir := filepath.Dir(m.killSwitchPath)
	if err := watcher.Add(dir); err != nil {
		m.logger.Log(ctx, observability.Warn("monitor", "kill_switch_watch_error", err.Error(), map[string]interface{}{
			"dir": dir,
		}))
		watcher.Close()
		return nil
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != m.killSwitchPath {
					continue
				}
				switch {
				case event.Op.Has(fsnotify.Create):
					m.logger.Log(ctx, observability.Warn("monitor", "kill_switch_created", "kill-switch file created", map[string]interface{}{
						"path": m.killSwitchPath,
					}))
				case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
					m.logger.Log(ctx, observability.Info("monitor", "kill_switch_cleared", "kill-switch file removed", map[string]interface{}{
						"path": m.killSwitchPath,
					}))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Log(ctx, observability.Warn("monitor", "kill_switch_watch_error", err.Error(), nil))
			}
		}
	}()
	return watcher
}

func (m *Monitor) nextErrorDelay() time.Duration {
	if m.errorBackoff <= 0 {
		m.errorBackoff = m.errorMinDelay
	} else {
		m.errorBackoff *= 2
	}
	if m.errorBackoff > m.errorMaxDelay {
		m.errorBackoff = m.errorMaxDelay
	}
	return m.errorBackoff
}

func (m *Monitor) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		m.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
