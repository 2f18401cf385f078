package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/selfheald/selfheald/pkg/update"
)

const DefaultConfigPath = "/etc/selfheald/config.yaml"

// EnvPrefix is prepended to every recognized option when resolving
// environment overrides, e.g. SELFHEAL_POLL_INTERVAL_SEC.
const EnvPrefix = "SELFHEAL_"

// Config represents the runtime configuration for the self-healing agent.
type Config struct {
	RepoRoot       string `yaml:"repo_root"`
	GitPath        string `yaml:"git_path"`
	DataDir        string `yaml:"data_dir"`
	KillSwitchFile string `yaml:"kill_switch_file"`

	Monitor    MonitorConfig    `yaml:"monitor"`
	Probes     []ProbeConfig    `yaml:"health_probes"`
	Repair     RepairConfig     `yaml:"repair"`
	Escalation EscalationConfig `yaml:"escalation"`
	Safety     SafetyConfig     `yaml:"safety"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Update     UpdateConfig     `yaml:"update"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// MonitorConfig controls the diagnostic poll loop.
type MonitorConfig struct {
	PollIntervalSec int  `yaml:"poll_interval_sec"`
	AutoRepair      bool `yaml:"auto_repair"`
}

// ProbeConfig describes one external health probe command.
type ProbeConfig struct {
	Name       string   `yaml:"name"`
	Cmd        []string `yaml:"cmd"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

// RepairConfig bounds repair action execution. Commands maps action names to
// the subsystem-specific entry points the surrounding deployment supplies.
type RepairConfig struct {
	MaxAutoActions     int                 `yaml:"max_auto_actions"`
	ActionTimeoutSec   int                 `yaml:"action_timeout_sec"`
	MaxRetries         int                 `yaml:"max_retries"`
	BreakerMaxAttempts int                 `yaml:"breaker_max_attempts"`
	BreakerCooldownSec int                 `yaml:"breaker_cooldown_sec"`
	CriticalFiles      []string            `yaml:"critical_files"`
	Commands           map[string][]string `yaml:"commands"`
}

// EscalationConfig controls the autonomous patch pipeline invoked after
// repeated repair failures.
type EscalationConfig struct {
	Enabled       bool                `yaml:"enabled"`
	PatchCommand  []string            `yaml:"patch_command"`
	MinConfidence float64             `yaml:"min_confidence"`
	RelevantFiles map[string][]string `yaml:"relevant_files"`
	MainBranch    string              `yaml:"main_branch"`
}

// SafetyConfig bounds the version-controlled mutation layer.
type SafetyConfig struct {
	MaxCommitsPerHour int `yaml:"max_commits_per_hour"`
	MaxLinesPerCommit int `yaml:"max_lines_per_commit"`
	SnapshotKeep      int `yaml:"snapshot_keep"`
	GitTimeoutSec     int `yaml:"git_timeout_sec"`
}

// ApprovalConfig controls the human confirmation gate.
type ApprovalConfig struct {
	TimeoutSec int    `yaml:"timeout_sec"`
	SecretCode string `yaml:"secret_code"`
}

// UpdateConfig controls the periodic self-update flow.
type UpdateConfig struct {
	Enabled           bool     `yaml:"enabled"`
	CheckIntervalSec  int      `yaml:"check_interval_sec"`
	Remote            string   `yaml:"remote"`
	Branch            string   `yaml:"branch"`
	MaintenanceWindow string   `yaml:"maintenance_window"`
	AllowWindows      []string `yaml:"allow_windows"`
	DenyWindows       []string `yaml:"deny_windows"`
	TestCommand       []string `yaml:"test_command"`
	TestTimeoutSec    int      `yaml:"test_timeout_sec"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, validates, and applies environment overrides to a
// configuration from disk. A .env file next to the config file is honoured
// when present so deployments can keep overrides out of the yaml.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best effort; absence of .env is not an error

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(c.RepoRoot) == "" {
		problems = append(problems, "repo_root is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "data_dir is required")
	}
	if c.Monitor.PollIntervalSec <= 0 {
		problems = append(problems, "monitor.poll_interval_sec must be greater than zero")
	}
	for i, probe := range c.Probes {
		if strings.TrimSpace(probe.Name) == "" {
			problems = append(problems, fmt.Sprintf("health_probes[%d]: name is required", i))
		}
		if len(probe.Cmd) == 0 {
			problems = append(problems, fmt.Sprintf("health_probes[%d]: cmd must contain at least one element", i))
		}
		if probe.TimeoutSec < 0 {
			problems = append(problems, fmt.Sprintf("health_probes[%d]: timeout_sec must be non-negative", i))
		}
	}
	if c.Repair.MaxAutoActions <= 0 {
		problems = append(problems, "repair.max_auto_actions must be greater than zero")
	}
	if c.Repair.ActionTimeoutSec <= 0 {
		problems = append(problems, "repair.action_timeout_sec must be greater than zero")
	}
	if c.Repair.MaxRetries < 0 {
		problems = append(problems, "repair.max_retries must be non-negative")
	}
	if c.Repair.BreakerMaxAttempts <= 0 {
		problems = append(problems, "repair.breaker_max_attempts must be greater than zero")
	}
	if c.Repair.BreakerCooldownSec <= 0 {
		problems = append(problems, "repair.breaker_cooldown_sec must be greater than zero")
	}
	for name, command := range c.Repair.Commands {
		if len(command) == 0 {
			problems = append(problems, fmt.Sprintf("repair.commands[%s]: command must contain at least one element", name))
		}
	}
	if c.Escalation.Enabled && len(c.Escalation.PatchCommand) == 0 {
		problems = append(problems, "escalation.patch_command must be set when escalation.enabled is true")
	}
	if c.Escalation.Enabled && len(c.Update.TestCommand) == 0 {
		problems = append(problems, "update.test_command must be set when escalation.enabled is true (the fix pipeline gates on it)")
	}
	if c.Escalation.MinConfidence < 0 || c.Escalation.MinConfidence > 1 {
		problems = append(problems, "escalation.min_confidence must be between 0 and 1")
	}
	if c.Safety.MaxCommitsPerHour <= 0 {
		problems = append(problems, "safety.max_commits_per_hour must be greater than zero")
	}
	if c.Safety.MaxLinesPerCommit <= 0 {
		problems = append(problems, "safety.max_lines_per_commit must be greater than zero")
	}
	if c.Safety.SnapshotKeep <= 0 {
		problems = append(problems, "safety.snapshot_keep must be greater than zero")
	}
	if c.Approval.TimeoutSec <= 0 {
		problems = append(problems, "approval.timeout_sec must be greater than zero")
	}
	if code := strings.TrimSpace(c.Approval.SecretCode); code != "" {
		if _, err := strconv.Atoi(code); err != nil {
			problems = append(problems, "approval.secret_code must be numeric when set")
		}
	}
	if c.Update.Enabled {
		if c.Update.CheckIntervalSec <= 0 {
			problems = append(problems, "update.check_interval_sec must be greater than zero")
		}
		if len(c.Update.TestCommand) == 0 {
			problems = append(problems, "update.test_command must specify the test suite to run")
		}
	}
	if c.Update.MaintenanceWindow != "" {
		if err := validateWindow(c.Update.MaintenanceWindow); err != nil {
			problems = append(problems, fmt.Sprintf("update.maintenance_window: %v", err))
		}
	}
	if len(c.Update.AllowWindows) > 0 || len(c.Update.DenyWindows) > 0 {
		if _, err := update.ParseSchedule(c.Update.AllowWindows, c.Update.DenyWindows); err != nil {
			problems = append(problems, fmt.Sprintf("update windows: %v", err))
		}
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validateWindow(window string) error {
	parts := strings.SplitN(window, "-", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected HH:MM-HH:MM, got %q", window)
	}
	for _, part := range parts {
		hm := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(hm) != 2 {
			return fmt.Errorf("invalid time %q (expected HH:MM)", part)
		}
		hour, err := strconv.Atoi(hm[0])
		if err != nil || hour < 0 || hour > 23 {
			return fmt.Errorf("hour out of range in %q", part)
		}
		minute, err := strconv.Atoi(hm[1])
		if err != nil || minute < 0 || minute > 59 {
			return fmt.Errorf("minute out of range in %q", part)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.GitPath) == "" {
		c.GitPath = "git"
	}
	if strings.TrimSpace(c.DataDir) == "" && strings.TrimSpace(c.RepoRoot) != "" {
		c.DataDir = c.RepoRoot + "/logs"
	}
	if c.Monitor.PollIntervalSec == 0 {
		c.Monitor.PollIntervalSec = 3
	}
	if c.Repair.MaxAutoActions == 0 {
		c.Repair.MaxAutoActions = 5
	}
	if c.Repair.ActionTimeoutSec == 0 {
		c.Repair.ActionTimeoutSec = 20
	}
	if c.Repair.MaxRetries == 0 {
		c.Repair.MaxRetries = 2
	}
	if c.Repair.BreakerMaxAttempts == 0 {
		c.Repair.BreakerMaxAttempts = 3
	}
	if c.Repair.BreakerCooldownSec == 0 {
		c.Repair.BreakerCooldownSec = 600
	}
	if c.Escalation.MinConfidence == 0 {
		c.Escalation.MinConfidence = 0.5
	}
	if strings.TrimSpace(c.Escalation.MainBranch) == "" {
		c.Escalation.MainBranch = "main"
	}
	if c.Safety.MaxCommitsPerHour == 0 {
		c.Safety.MaxCommitsPerHour = 3
	}
	if c.Safety.MaxLinesPerCommit == 0 {
		c.Safety.MaxLinesPerCommit = 500
	}
	if c.Safety.SnapshotKeep == 0 {
		c.Safety.SnapshotKeep = 14
	}
	if c.Safety.GitTimeoutSec == 0 {
		c.Safety.GitTimeoutSec = 120
	}
	if c.Approval.TimeoutSec == 0 {
		c.Approval.TimeoutSec = 15
	}
	if c.Update.CheckIntervalSec == 0 {
		c.Update.CheckIntervalSec = 3600
	}
	if strings.TrimSpace(c.Update.Remote) == "" {
		c.Update.Remote = "origin"
	}
	if strings.TrimSpace(c.Update.Branch) == "" {
		c.Update.Branch = "main"
	}
	if c.Update.TestTimeoutSec == 0 {
		c.Update.TestTimeoutSec = 300
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9464"
	}
}

// applyEnvOverrides resolves SELFHEAL_* environment variables on top of the
// decoded yaml. Unknown or malformed values are ignored so a stray variable
// cannot take the daemon down.
func (c *Config) applyEnvOverrides(getenv func(string) string) {
	if s := getenv(EnvPrefix + "REPO_ROOT"); s != "" {
		c.RepoRoot = s
	}
	if s := getenv(EnvPrefix + "GIT_PATH"); s != "" {
		c.GitPath = s
	}
	if s := getenv(EnvPrefix + "DATA_DIR"); s != "" {
		c.DataDir = s
	}
	if s := getenv(EnvPrefix + "KILL_SWITCH_FILE"); s != "" {
		c.KillSwitchFile = s
	}
	overrideInt(getenv, "POLL_INTERVAL_SEC", &c.Monitor.PollIntervalSec)
	overrideBool(getenv, "AUTO_REPAIR", &c.Monitor.AutoRepair)
	overrideInt(getenv, "MAX_AUTO_ACTIONS", &c.Repair.MaxAutoActions)
	overrideInt(getenv, "ACTION_TIMEOUT_SEC", &c.Repair.ActionTimeoutSec)
	overrideInt(getenv, "MAX_RETRIES", &c.Repair.MaxRetries)
	overrideInt(getenv, "BREAKER_MAX_ATTEMPTS", &c.Repair.BreakerMaxAttempts)
	overrideInt(getenv, "BREAKER_COOLDOWN_SEC", &c.Repair.BreakerCooldownSec)
	overrideInt(getenv, "MAX_COMMITS_PER_HOUR", &c.Safety.MaxCommitsPerHour)
	overrideInt(getenv, "MAX_LINES_PER_COMMIT", &c.Safety.MaxLinesPerCommit)
	overrideInt(getenv, "SNAPSHOT_KEEP", &c.Safety.SnapshotKeep)
	overrideInt(getenv, "APPROVAL_TIMEOUT_SEC", &c.Approval.TimeoutSec)
	if s := getenv(EnvPrefix + "APPROVAL_CODE"); s != "" {
		c.Approval.SecretCode = s
	}
	overrideBool(getenv, "UPDATE_ENABLED", &c.Update.Enabled)
	overrideInt(getenv, "UPDATE_CHECK_INTERVAL_SEC", &c.Update.CheckIntervalSec)
	if s := getenv(EnvPrefix + "MAINTENANCE_WINDOW"); s != "" {
		c.Update.MaintenanceWindow = s
	}
}

func overrideInt(getenv func(string) string, key string, dst *int) {
	s := getenv(EnvPrefix + key)
	if s == "" {
		return
	}
	if v, err := strconv.Atoi(s); err == nil {
		*dst = v
	}
}

func overrideBool(getenv func(string) string, key string, dst *bool) {
	s := getenv(EnvPrefix + key)
	if s == "" {
		return
	}
	if v, err := strconv.ParseBool(s); err == nil {
		*dst = v
	}
}

// PollInterval returns the monitor poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Monitor.PollIntervalSec) * time.Second
}

// ActionTimeout returns the per-action repair timeout as a duration.
func (c *Config) ActionTimeout() time.Duration {
	return time.Duration(c.Repair.ActionTimeoutSec) * time.Second
}

// BreakerCooldown returns the circuit breaker cooldown as a duration.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Repair.BreakerCooldownSec) * time.Second
}

// ApprovalTimeout returns the approval gate timeout as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutSec) * time.Second
}

// UpdateCheckInterval returns the update scheduler interval as a duration.
func (c *Config) UpdateCheckInterval() time.Duration {
	return time.Duration(c.Update.CheckIntervalSec) * time.Second
}

// GitTimeout returns the per-command git timeout as a duration.
func (c *Config) GitTimeout() time.Duration {
	return time.Duration(c.Safety.GitTimeoutSec) * time.Second
}

// TestTimeout returns the update test-suite timeout as a duration.
func (c *Config) TestTimeout() time.Duration {
	return time.Duration(c.Update.TestTimeoutSec) * time.Second
}
