// Package config provides YAML configuration loading, kernel command-line
// parsing, and validation for the udevd device event manager.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the manager. Every field maps
// onto a field of the scheduler's Manager (spec §3) or one of the added
// downstream components (SPEC_FULL §3).
type Config struct {
	// ChildrenMax is the absolute cap on simultaneous workers. Required,
	// must be positive.
	ChildrenMax int `yaml:"children_max"`

	// ExecDelay delays dispatch of a newly-queued runnable event, giving
	// short-lived bursts of related uevents a chance to coalesce. Zero
	// disables the delay.
	ExecDelay time.Duration `yaml:"exec_delay"`

	// EventTimeout is the watchdog kill timeout for a running event.
	EventTimeout time.Duration `yaml:"event_timeout"`

	// TimeoutSignal is sent to a worker whose event exceeds EventTimeout,
	// e.g. "SIGKILL" or "SIGABRT". Defaults to SIGKILL.
	TimeoutSignal string `yaml:"timeout_signal"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// BlockdevReadOnly, when true, marks block devices read-only on their
	// first "add" event (spec §4.3).
	BlockdevReadOnly bool `yaml:"blockdev_read_only"`

	// RulesDir is the directory of rule files the RuleEngine loads.
	RulesDir string `yaml:"rules_dir"`

	// ControlSocket is the filesystem path of the seqpacket control socket.
	ControlSocket string `yaml:"control_socket"`

	// QueueMarkerPath is the presence-marker file mirroring "events ≠ ∅"
	// (spec §3, invariant I3).
	QueueMarkerPath string `yaml:"queue_marker_path"`

	// StateDBPath is the WAL-mode SQLite database tracking per-devpath
	// state, deleted on worker-fatal (spec §4.2).
	StateDBPath string `yaml:"state_db_path"`

	// AuditLogPath is the hash-chained audit log file.
	AuditLogPath string `yaml:"audit_log_path"`

	// Dashboard configures the optional downstream forwarding sinks.
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// DashboardConfig configures the downstream observability sinks described
// in SPEC_FULL §4.9-§4.10. Every field is optional; a zero-value
// DashboardConfig disables all of them.
type DashboardConfig struct {
	// PostgresDSN, if set, enables the durable Postgres event store.
	PostgresDSN string `yaml:"postgres_dsn"`

	// ListenAddr, if set, enables the REST query API and websocket feed on
	// this address (e.g. "127.0.0.1:9100").
	ListenAddr string `yaml:"listen_addr"`

	// JWTPublicKeyPath, if set, requires RS256 Bearer auth on the REST API
	// using the PEM-encoded public key at this path.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// ForwardAddr, if set, enables the gRPC forwarder to a remote fleet
	// aggregator at this address.
	ForwardAddr string `yaml:"forward_addr"`
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// applyDefaults fills in zero-value optional fields with sensible defaults,
// matching the values systemd-udevd's manager.c ships.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.EventTimeout == 0 {
		cfg.EventTimeout = 180 * time.Second
	}
	if cfg.TimeoutSignal == "" {
		cfg.TimeoutSignal = "SIGKILL"
	}
	if cfg.ChildrenMax == 0 {
		cfg.ChildrenMax = defaultChildrenMax()
	}
	if cfg.QueueMarkerPath == "" {
		cfg.QueueMarkerPath = "/run/udevd/queue"
	}
	if cfg.StateDBPath == "" {
		cfg.StateDBPath = "/run/udevd/state.db"
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "/var/log/udevd/audit.jsonl"
	}
	if cfg.ControlSocket == "" {
		cfg.ControlSocket = "/run/udevd/control"
	}
}

// defaultChildrenMax mirrors udevd's heuristic of scaling the worker cap
// with the number of available CPUs, with a floor of 8.
func defaultChildrenMax() int {
	n := 2 * cpuCount()
	if n < 8 {
		return 8
	}
	if n > 64 {
		return 64
	}
	return n
}

func cpuCount() int {
	n := 0
	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "processor") {
				n++
			}
		}
	}
	if n == 0 {
		n = 4
	}
	return n
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.ChildrenMax <= 0 {
		errs = append(errs, errors.New("children_max must be positive"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if _, err := ParseSignal(cfg.TimeoutSignal); err != nil {
		errs = append(errs, fmt.Errorf("timeout_signal: %w", err))
	}
	if cfg.EventTimeout < 0 {
		errs = append(errs, errors.New("event_timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// ParseSignal resolves a signal name (e.g. "SIGKILL", "KILL", or a bare
// number) to a syscall.Signal.
func ParseSignal(name string) (syscall.Signal, error) {
	trimmed := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG")
	switch trimmed {
	case "KILL":
		return syscall.SIGKILL, nil
	case "TERM":
		return syscall.SIGTERM, nil
	case "ABRT":
		return syscall.SIGABRT, nil
	case "INT":
		return syscall.SIGINT, nil
	case "QUIT":
		return syscall.SIGQUIT, nil
	case "USR1":
		return syscall.SIGUSR1, nil
	case "USR2":
		return syscall.SIGUSR2, nil
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		return syscall.Signal(n), nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// kernel command-line overrides, applies defaults, and validates all
// required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyKernelCmdline(&cfg, readCmdline())
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// readCmdline returns the contents of /proc/cmdline, or "" if unavailable
// (e.g. non-Linux test environments).
func readCmdline() string {
	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return ""
	}
	return string(data)
}

// cmdlineKeys maps kernel command-line keys to the Config field they
// override, per spec §6's "Configuration inputs" list.
var cmdlineKeys = map[string]func(*Config, string){
	"udev.log_level": func(c *Config, v string) { c.LogLevel = v },
	"udev.children_max": func(c *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			c.ChildrenMax = n
		}
	},
	"udev.exec_delay": func(c *Config, v string) {
		if d, err := strconv.Atoi(v); err == nil {
			c.ExecDelay = time.Duration(d) * time.Second
		}
	},
	"udev.event_timeout": func(c *Config, v string) {
		if d, err := strconv.Atoi(v); err == nil {
			c.EventTimeout = time.Duration(d) * time.Second
		}
	},
	"udev.timeout_signal":     func(c *Config, v string) { c.TimeoutSignal = v },
	"udev.blockdev_read_only": func(c *Config, v string) { c.BlockdevReadOnly = v == "1" || v == "true" },
}

// applyKernelCmdline parses space-separated KEY=VALUE (or bare KEY) tokens
// from a /proc/cmdline-shaped string and applies any recognised udev.*
// overrides. Unrecognised keys are ignored (forward-compatible), matching
// the kernel's own tolerant cmdline parsing.
func applyKernelCmdline(cfg *Config, cmdline string) {
	for _, tok := range strings.Fields(cmdline) {
		key, value, hasValue := strings.Cut(tok, "=")
		if !hasValue {
			continue
		}
		if apply, ok := cmdlineKeys[key]; ok {
			apply(cfg, value)
		}
	}
}
