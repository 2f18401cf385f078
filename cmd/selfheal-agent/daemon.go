package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/selfheald/selfheald/pkg/approval"
	"github.com/selfheald/selfheald/pkg/config"
	"github.com/selfheald/selfheald/pkg/gitsafe"
	"github.com/selfheald/selfheald/pkg/health"
	"github.com/selfheald/selfheald/pkg/notify"
	"github.com/selfheald/selfheald/pkg/observability"
	"github.com/selfheald/selfheald/pkg/planner"
	"github.com/selfheald/selfheald/pkg/repair"
	"github.com/selfheald/selfheald/pkg/update"
	"github.com/selfheald/selfheald/pkg/version"
)

func commandRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	logLevel := fs.String("log-level", "info", "operational log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := buildAgent(cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to assemble agent")
		return exitConfigError
	}

	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("agent exited with error")
		return exitRuntimeErr
	}
	log.Info("agent stopped")
	return exitOK
}

func commandCheckUpdate(args []string) int {
	return commandCheckUpdateWithWriters(args, os.Stdout, os.Stderr)
}

func commandCheckUpdateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check-update", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}

	audit, layer, err := buildSafety(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to assemble safety layer: %v\n", err)
		return exitConfigError
	}

	updater, err := buildUpdater(cfg, layer, audit, nil)
	if err != nil {
		fmt.Fprintf(stderr, "failed to assemble updater: %v\n", err)
		return exitConfigError
	}

	result, err := updater.RunOnce(context.Background(), true)
	if err != nil {
		fmt.Fprintf(stderr, "update flow failed: %v\n", err)
		return exitRuntimeErr
	}

	fmt.Fprintf(stdout, "update result: %s\n", result.Status)
	fmt.Fprintf(stdout, "  %s\n", result.Message)
	if len(result.ChangedFiles) > 0 {
		fmt.Fprintf(stdout, "  changed files: %d\n", len(result.ChangedFiles))
	}
	if result.Revision != "" {
		fmt.Fprintf(stdout, "  revision: %s\n", result.Revision)
	}
	if result.Status != update.StatusApplied && result.Status != update.StatusUpToDate {
		return exitRuntimeErr
	}
	return exitOK
}

// agent bundles the wired services behind Run.
type agent struct {
	cfg     *config.Config
	log     *logrus.Logger
	metrics *observability.Metrics
	monitor *health.Monitor
	updater *update.Orchestrator
	gate    *approval.Gate
}

func buildSafety(cfg *config.Config) (observability.Logger, *gitsafe.Layer, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}
	audit := observability.NewAuditLogger(filepath.Join(cfg.DataDir, "audit.jsonl"))

	runner, err := gitsafe.NewExecRunner(cfg.GitPath, cfg.RepoRoot, cfg.GitTimeout())
	if err != nil {
		return nil, nil, err
	}
	layer, err := gitsafe.New(runner, gitsafe.Config{
		Root:              cfg.RepoRoot,
		SnapshotDir:       filepath.Join(cfg.DataDir, "snapshots"),
		SnapshotKeep:      cfg.Safety.SnapshotKeep,
		MaxCommitsPerHour: cfg.Safety.MaxCommitsPerHour,
		MaxLinesPerCommit: cfg.Safety.MaxLinesPerCommit,
	}, audit)
	if err != nil {
		return nil, nil, err
	}
	return audit, layer, nil
}

func buildUpdater(cfg *config.Config, layer *gitsafe.Layer, audit observability.Logger, metrics *observability.Metrics) (*update.Orchestrator, error) {
	window, err := update.ParseWindow(cfg.Update.MaintenanceWindow)
	if err != nil {
		return nil, err
	}
	schedule, err := update.ParseSchedule(cfg.Update.AllowWindows, cfg.Update.DenyWindows)
	if err != nil {
		return nil, fmt.Errorf("update windows: %w", err)
	}
	testCommand, err := gitsafe.NewExecTestCommand(cfg.Update.TestCommand, cfg.RepoRoot, cfg.TestTimeout())
	if err != nil {
		return nil, fmt.Errorf("update test command: %w", err)
	}
	runner, err := gitsafe.NewExecRunner(cfg.GitPath, cfg.RepoRoot, cfg.GitTimeout())
	if err != nil {
		return nil, err
	}
	notifier := notify.NewMulti(audit, notify.NewAuditSink(audit))
	return update.New(runner, layer, testCommand, notifier, update.Config{
		Enabled:       cfg.Update.Enabled,
		Remote:        cfg.Update.Remote,
		Branch:        cfg.Update.Branch,
		Window:        window,
		Schedule:      schedule,
		CheckInterval: cfg.UpdateCheckInterval(),
	}, audit, update.WithMetrics(metrics))
}

func buildAgent(cfg *config.Config, log *logrus.Logger) (*agent, error) {
	audit, layer, err := buildSafety(cfg)
	if err != nil {
		return nil, err
	}
	metrics := observability.NewMetrics()

	commands, err := repair.ParseCommandTable(cfg.Repair.Commands)
	if err != nil {
		return nil, err
	}
	handlers, err := repair.CommandHandlers(commands, cfg.RepoRoot)
	if err != nil {
		return nil, err
	}
	if err := addMicRoutine(handlers, cfg); err != nil {
		return nil, err
	}

	// The breaker-open hook drops auto-repair entirely: once a hardware-facing
	// action trips its breaker, repairs only run with operator approval until
	// the daemon restarts.
	autoRepair := &atomic.Bool{}
	autoRepair.Store(cfg.Monitor.AutoRepair)

	engineOpts := []repair.EngineOption{
		repair.WithMetrics(metrics),
		repair.WithCriticalFiles(cfg.Repair.CriticalFiles),
		repair.WithBreakerOpenHook(func(action repair.Action) {
			autoRepair.Store(false)
			log.WithField("action", action.String()).Warn("circuit breaker open, auto repair disabled")
		}),
	}

	if cfg.Escalation.Enabled {
		generator, err := repair.NewExecPatchGenerator(cfg.Escalation.PatchCommand, cfg.RepoRoot)
		if err != nil {
			return nil, err
		}
		testCommand, err := gitsafe.NewExecTestCommand(cfg.Update.TestCommand, cfg.RepoRoot, cfg.TestTimeout())
		if err != nil {
			return nil, fmt.Errorf("escalation test command: %w", err)
		}
		fixer, err := repair.NewFixer(layer, generator, testCommand, repair.FixerConfig{
			Root:          cfg.RepoRoot,
			MainBranch:    cfg.Escalation.MainBranch,
			MinConfidence: cfg.Escalation.MinConfidence,
			RelevantFiles: cfg.Escalation.RelevantFiles,
		}, audit)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, repair.WithEscalator(fixer))
	}

	engine, err := repair.NewEngine(handlers, layer, repair.EngineConfig{
		ActionTimeout:      cfg.ActionTimeout(),
		MaxRetries:         cfg.Repair.MaxRetries,
		BreakerMaxAttempts: cfg.Repair.BreakerMaxAttempts,
		BreakerCooldown:    cfg.BreakerCooldown(),
	}, audit, engineOpts...)
	if err != nil {
		return nil, err
	}

	gate := approval.NewGate(cfg.ApprovalTimeout(), cfg.Approval.SecretCode, audit, approval.WithGateMetrics(metrics))
	plans := planner.New(cfg.Repair.MaxAutoActions)

	checks, err := buildChecks(cfg)
	if err != nil {
		return nil, err
	}

	notifier := notify.NewMulti(audit, notify.NewAuditSink(audit))
	prevOverall := health.StatusHealthy

	handler := func(ctx context.Context, report health.Report) {
		metrics.ObservePollCycle(string(report.Overall))
		if report.Overall != prevOverall {
			prevOverall = report.Overall
			notifier.Notify(ctx, "health_changed", report.StatusText(), map[string]interface{}{
				"overall": string(report.Overall),
			})
		}
		if report.Healthy() {
			return
		}
		plan := plans.Plan(report)
		if len(plan) == 0 {
			return
		}
		issue := strings.Join(report.Issues, "; ")

		if autoRepair.Load() {
			if auto := planner.AutoItems(plan); len(auto) > 0 {
				results := engine.ExecutePlan(ctx, auto, issue)
				succeeded, partial, failed, skipped := repair.Summarize(results)
				log.WithFields(logrus.Fields{
					"succeeded": succeeded,
					"partial":   partial,
					"failed":    failed,
					"skipped":   skipped,
				}).Info("auto repair finished")
			}
		}

		for _, item := range planner.ApprovalItems(plan) {
			item := item
			requested := gate.Request(ctx, item.Action.String(), item.Reason, func() {
				engine.ExecutePlan(context.Background(), []repair.PlanItem{item}, issue)
			}, nil, false)
			if requested {
				log.WithField("action", item.Action.String()).Info("approval requested")
				break
			}
		}
	}

	monitor, err := health.NewMonitor(checks, cfg.PollInterval(), handler, audit, cfg.KillSwitchFile)
	if err != nil {
		return nil, err
	}

	var updater *update.Orchestrator
	if cfg.Update.Enabled {
		updater, err = buildUpdater(cfg, layer, audit, metrics)
		if err != nil {
			return nil, err
		}
	}

	return &agent{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		monitor: monitor,
		updater: updater,
		gate:    gate,
	}, nil
}

// addMicRoutine synthesizes the composite repair_mic_routine handler when no
// explicit command is configured: the audio-facing steps run in order and the
// configured microphone probe verifies the result.
func addMicRoutine(handlers map[repair.Action]repair.Handler, cfg *config.Config) error {
	if _, ok := handlers[repair.ActionRepairMicRoutine]; ok {
		return nil
	}
	var steps []repair.Handler
	for _, action := range []repair.Action{repair.ActionRestartAudioDevice, repair.ActionResetPushToTalk} {
		if h, ok := handlers[action]; ok {
			steps = append(steps, h)
		}
	}
	probe := findMicProbe(cfg)
	if len(steps) == 0 || probe == nil {
		return nil
	}
	routine, err := repair.MicRoutine(steps, probe)
	if err != nil {
		return err
	}
	handlers[repair.ActionRepairMicRoutine] = routine
	return nil
}

func findMicProbe(cfg *config.Config) repair.Handler {
	for _, probe := range cfg.Probes {
		if probe.Name != "audio" && probe.Name != "mic" {
			continue
		}
		check, err := health.NewCommandProbe(probe.Name, probe.Cmd, time.Duration(probe.TimeoutSec)*time.Second)
		if err != nil {
			return nil
		}
		name := probe.Name
		return func(ctx context.Context) (string, error) {
			result := check.Check(ctx)
			if result.Status != health.StatusHealthy {
				return "", fmt.Errorf("%s probe reports %s: %s", name, result.Status, result.Message)
			}
			return "microphone verified", nil
		}
	}
	return nil
}

// Run starts the poll loop, the update scheduler, the approval input reader,
// and the metrics endpoint, then blocks until the context is cancelled.
func (a *agent) Run(ctx context.Context) error {
	a.log.WithFields(logrus.Fields{
		"version":   version.Version,
		"repo_root": a.cfg.RepoRoot,
		"interval":  a.cfg.PollInterval().String(),
	}).Info("agent starting")

	if a.cfg.Metrics.Enabled {
		go a.serveMetrics(ctx)
	}
	if a.updater != nil {
		go func() {
			if err := a.updater.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.WithError(err).Error("update scheduler stopped")
			}
		}()
	}
	go a.readApprovalResponses(ctx)

	err := a.monitor.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readApprovalResponses feeds operator input on stdin to the approval gate.
func (a *agent) readApprovalResponses(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch a.gate.CheckResponse(ctx, line) {
		case approval.DecisionApproved:
			a.log.Info("pending action approved")
		case approval.DecisionDenied:
			a.log.Info("pending action denied")
		case approval.DecisionNeedsCode:
			a.log.Warn("approval needs the secondary-auth code")
		}
	}
}

func (a *agent) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	a.log.WithField("listen", a.cfg.Metrics.Listen).Info("metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		a.log.WithError(err).Error("metrics endpoint failed")
	}
}
