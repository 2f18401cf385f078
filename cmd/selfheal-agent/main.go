package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/selfheald/selfheald/pkg/config"
	"github.com/selfheald/selfheald/pkg/health"
	"github.com/selfheald/selfheald/pkg/planner"
	"github.com/selfheald/selfheald/pkg/repair"
	"github.com/selfheald/selfheald/pkg/version"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitConfigError = 65
	exitRuntimeErr  = 66
	exitUnhealthy   = 67
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "run":
		return commandRun(args[1:])
	case "status":
		return commandStatusWithWriters(args[1:], os.Stdout, os.Stderr)
	case "simulate":
		return commandSimulateWithWriters(args[1:], os.Stdout, os.Stderr)
	case "check-update":
		return commandCheckUpdate(args[1:])
	case "validate-config":
		return commandValidateWithWriters(args[1:], os.Stdout, os.Stderr)
	case "version":
		fmt.Println(version.Version)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: selfheal-agent <command> [options]
Commands:
  run                Start the agent daemon (monitor, repair, updater)
  status             Run one diagnostic pass and print the report
  simulate           Show the repair plan for the current diagnostics without executing it
  check-update       Run the self-update flow once, ignoring the maintenance window
  validate-config    Validate the configuration file
  version            Print build version
`)
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "configuration at %s is valid\n", *configPath)
	return exitOK
}

func commandStatusWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
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

	report, err := runDiagnostics(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(stderr, "diagnostics failed: %v\n", err)
		return exitRuntimeErr
	}

	printReport(stdout, report)
	printUpdateStatus(stdout, cfg)
	if !report.Healthy() {
		return exitUnhealthy
	}
	return exitOK
}

func printUpdateStatus(w io.Writer, cfg *config.Config) {
	if !cfg.Update.Enabled {
		fmt.Fprintln(w, "self-update: disabled")
		return
	}
	line := fmt.Sprintf("self-update: enabled, checking %s/%s every %s",
		cfg.Update.Remote, cfg.Update.Branch, cfg.UpdateCheckInterval())
	if cfg.Update.MaintenanceWindow != "" {
		line += ", window " + cfg.Update.MaintenanceWindow
	}
	fmt.Fprintln(w, line)
}

func commandSimulateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	command := fs.String("command", "", "derive the plan from a free-text request instead of diagnostics")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}

	plans := planner.New(cfg.Repair.MaxAutoActions)

	if *command != "" {
		items := plans.PlanForCommand(*command)
		if len(items) == 0 {
			fmt.Fprintf(stdout, "no repair plan matches %q\n", *command)
			return exitOK
		}
		printPlan(stdout, items)
		return exitOK
	}

	report, err := runDiagnostics(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(stderr, "diagnostics failed: %v\n", err)
		return exitRuntimeErr
	}

	printReport(stdout, report)
	items := plans.Plan(report)
	if len(items) == 0 {
		fmt.Fprintln(stdout, "no repairs needed")
		return exitOK
	}
	printPlan(stdout, items)
	fmt.Fprintln(stdout, "no repair actions performed in simulation mode")
	return exitOK
}

// runDiagnostics builds the configured probes and performs one poll cycle.
func runDiagnostics(ctx context.Context, cfg *config.Config) (health.Report, error) {
	checks, err := buildChecks(cfg)
	if err != nil {
		return health.Report{}, err
	}

	components := make([]health.ComponentHealth, 0, len(checks))
	for _, check := range checks {
		components = append(components, check.Check(ctx))
	}
	return health.BuildReport(time.Now(), components), nil
}

func buildChecks(cfg *config.Config) ([]health.Check, error) {
	checks := make([]health.Check, 0, len(cfg.Probes))
	for _, probe := range cfg.Probes {
		check, err := health.NewCommandProbe(probe.Name, probe.Cmd, time.Duration(probe.TimeoutSec)*time.Second)
		if err != nil {
			return nil, err
		}
		checks = append(checks, check)
	}
	if len(checks) == 0 {
		return nil, fmt.Errorf("no health probes configured")
	}
	return checks, nil
}

func printReport(w io.Writer, report health.Report) {
	fmt.Fprintf(w, "overall: %s\n", report.Overall)

	names := make([]string, 0, len(report.Components))
	for name := range report.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		component := report.Components[name]
		line := fmt.Sprintf("  - %s => %s", name, component.Status)
		if component.Message != "" {
			line += " (" + component.Message + ")"
		}
		fmt.Fprintln(w, line)
	}
	if len(report.Recommendations) > 0 {
		actions := make([]string, 0, len(report.Recommendations))
		for _, action := range report.Recommendations {
			actions = append(actions, action.String())
		}
		fmt.Fprintf(w, "recommended actions: %s\n", strings.Join(actions, ", "))
	}
}

func printPlan(w io.Writer, items []repair.PlanItem) {
	fmt.Fprintln(w, "repair plan:")
	for _, item := range items {
		mode := "needs approval"
		if item.Auto {
			mode = "auto"
		}
		fmt.Fprintf(w, "  %d. %s [%s] %s\n", item.Priority, item.Action, mode, item.Reason)
	}
}
