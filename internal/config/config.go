// Package config loads .forge/config.yaml. Precedence, highest first:
// FORGE_* environment variables, the YAML file, built-in defaults.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/imkarma/forge/internal/router"
)

// EnvPrefix marks environment overrides: FORGE_WORKER_COUNT -> worker.count.
const EnvPrefix = "FORGE_"

// Config is the root configuration for a forge project.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Store     StoreConfig               `yaml:"store"`
	Router    RouterConfig              `yaml:"router"`
	Executors map[string]ExecutorConfig `yaml:"executors"`
	Worker    WorkerConfig              `yaml:"worker"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
	Monitor   MonitorConfig             `yaml:"monitor"`
	Log       LogConfig                 `yaml:"log"`
}

// ServerConfig is the HTTP API listen address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// URL returns the base URL clients use to reach the server.
func (s ServerConfig) URL() string {
	return "http://" + s.Addr()
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type RouterConfig struct {
	DefaultExecutor string `yaml:"default_executor"`
}

// ExecutorConfig describes one executor family: a CLI tool and the model
// it runs at each tier.
type ExecutorConfig struct {
	Cmd        string            `yaml:"cmd"`
	Args       []string          `yaml:"args,omitempty"`        // may contain {model}
	Models     map[string]string `yaml:"models"`                // local, escalated
	TimeoutSec int               `yaml:"timeout_sec,omitempty"` // 0 = default 600
	AutoAccept bool              `yaml:"auto_accept,omitempty"` // skip tool permission prompts
}

// EffectiveArgs returns the final args, injecting non-interactive and
// auto-accept flags for known CLI tools.
//
// Known tools and their flags:
//   - claude: --print, plus --dangerously-skip-permissions with auto_accept
//   - gemini: --yolo with auto_accept
//   - codex:  --full-auto with auto_accept
func (e ExecutorConfig) EffectiveArgs() []string {
	args := make([]string, len(e.Args))
	copy(args, e.Args)

	switch e.Cmd {
	case "claude":
		if !containsAny(args, "-p", "--print") {
			args = appendFront(args, "--print")
		}
		if e.AutoAccept && !containsAny(args, "--dangerously-skip-permissions", "--permission-mode") {
			args = appendFront(args, "--dangerously-skip-permissions")
		}
	case "gemini":
		if e.AutoAccept && !containsAny(args, "-y", "--yolo") {
			args = appendFront(args, "--yolo")
		}
	case "codex":
		if e.AutoAccept && !containsAny(args, "--full-auto", "--approval-mode") {
			args = appendFront(args, "--full-auto")
		}
	}
	return args
}

// Timeout returns the effective execution timeout.
func (e ExecutorConfig) Timeout() time.Duration {
	if e.TimeoutSec > 0 {
		return time.Duration(e.TimeoutSec) * time.Second
	}
	return router.DefaultTimeout
}

type WorkerConfig struct {
	Count              int  `yaml:"count"`
	PollIntervalSec    int  `yaml:"poll_interval_sec"`
	ClaimTTLSec        int  `yaml:"claim_ttl_sec"`
	RetryAttempts      int  `yaml:"retry_attempts"`
	RetryBaseMS        int  `yaml:"retry_base_ms"`
	ProgressIntervalMS int  `yaml:"progress_interval_ms"`
	OutputLimit        int  `yaml:"output_limit"`
	GitCheckpoint      bool `yaml:"git_checkpoint"`
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSec) * time.Second
}

func (w WorkerConfig) ClaimTTL() time.Duration {
	return time.Duration(w.ClaimTTLSec) * time.Second
}

func (w WorkerConfig) RetryBase() time.Duration {
	return time.Duration(w.RetryBaseMS) * time.Millisecond
}

func (w WorkerConfig) ProgressInterval() time.Duration {
	return time.Duration(w.ProgressIntervalMS) * time.Millisecond
}

type SchedulerConfig struct {
	Name                   string `yaml:"name"`
	Mode                   string `yaml:"mode"` // sequential or parallel
	IntervalSec            int    `yaml:"interval_sec"`
	MaxIterations          int    `yaml:"max_iterations"`
	MaxAttempts            int    `yaml:"max_attempts"`
	BacklogPath            string `yaml:"backlog_path"`
	TestCmd                string `yaml:"test_cmd,omitempty"` // empty = read the test task's output
	HoldOnRepeatedFailures bool   `yaml:"hold_on_repeated_failures"`
}

func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

type MonitorConfig struct {
	IntervalSec       int     `yaml:"interval_sec"`
	StuckThresholdSec int     `yaml:"stuck_threshold_sec"`
	RepeatedFailures  int     `yaml:"repeated_failures"`
	MinSamples        int     `yaml:"min_samples"`
	MinSuccessRate    float64 `yaml:"min_success_rate"`
	Window            int     `yaml:"window"`
	AutoFix           bool    `yaml:"auto_fix"`
	IssueRetention    int     `yaml:"issue_retention"`
}

func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSec) * time.Second
}

func (m MonitorConfig) StuckThreshold() time.Duration {
	return time.Duration(m.StuckThresholdSec) * time.Second
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// DefaultConfig returns a config with every default filled in.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// DefaultExecutors returns the built-in executor families.
func DefaultExecutors() map[string]ExecutorConfig {
	out := map[string]ExecutorConfig{}
	for _, f := range router.DefaultFamilies() {
		out[f.Name] = ExecutorConfig{
			Cmd:  f.Cmd,
			Args: append([]string(nil), f.Args...),
			Models: map[string]string{
				string(router.TierLocal):     f.Models[router.TierLocal],
				string(router.TierEscalated): f.Models[router.TierEscalated],
			},
			TimeoutSec: int(f.Timeout / time.Second),
		}
	}
	return out
}

// Load reads the config file at path and overlays FORGE_* environment
// variables. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps FORGE_SECTION_FIELD_NAME to section.field_name: the first
// underscore separates the section, the rest belong to the field.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func applyDefaults(c *Config) {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8420
	}
	if c.Store.Path == "" {
		c.Store.Path = ".forge/forge.db"
	}
	if len(c.Executors) == 0 {
		c.Executors = DefaultExecutors()
	}
	if c.Router.DefaultExecutor == "" {
		c.Router.DefaultExecutor = "claude"
	}

	w := &c.Worker
	if w.Count == 0 {
		w.Count = 2
	}
	if w.PollIntervalSec == 0 {
		w.PollIntervalSec = 5
	}
	if w.ClaimTTLSec == 0 {
		w.ClaimTTLSec = 1800
	}
	if w.RetryAttempts == 0 {
		w.RetryAttempts = 3
	}
	if w.RetryBaseMS == 0 {
		w.RetryBaseMS = 1000
	}
	if w.ProgressIntervalMS == 0 {
		w.ProgressIntervalMS = 1000
	}
	if w.OutputLimit == 0 {
		w.OutputLimit = 16000
	}

	s := &c.Scheduler
	if s.Name == "" {
		s.Name = "default"
	}
	if s.Mode == "" {
		s.Mode = "sequential"
	}
	if s.IntervalSec == 0 {
		s.IntervalSec = 10
	}
	if s.MaxIterations == 0 {
		s.MaxIterations = 3
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 2
	}
	if s.BacklogPath == "" {
		s.BacklogPath = ".forge/backlog.yaml"
	}

	m := &c.Monitor
	if m.IntervalSec == 0 {
		m.IntervalSec = 30
	}
	if m.StuckThresholdSec == 0 {
		m.StuckThresholdSec = 600
	}
	if m.RepeatedFailures == 0 {
		m.RepeatedFailures = 3
	}
	if m.MinSamples == 0 {
		m.MinSamples = 10
	}
	if m.MinSuccessRate == 0 {
		m.MinSuccessRate = 0.8
	}
	if m.Window == 0 {
		m.Window = 50
	}
	if m.IssueRetention == 0 {
		m.IssueRetention = 200
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate checks the config for values the components cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	for name, e := range c.Executors {
		if e.Cmd == "" {
			return fmt.Errorf("executor %q: cmd is required", name)
		}
		for _, tier := range []router.Tier{router.TierLocal, router.TierEscalated} {
			if e.Models[string(tier)] == "" {
				return fmt.Errorf("executor %q: models.%s is required", name, tier)
			}
		}
		if e.TimeoutSec < 0 {
			return fmt.Errorf("executor %q: timeout_sec must not be negative", name)
		}
		if e.Timeout() >= c.Worker.ClaimTTL() {
			return fmt.Errorf("executor %q: timeout %s must be shorter than worker.claim_ttl_sec (%s)",
				name, e.Timeout(), c.Worker.ClaimTTL())
		}
	}
	if _, ok := c.Executors[c.Router.DefaultExecutor]; !ok {
		return fmt.Errorf("router.default_executor %q is not a configured executor", c.Router.DefaultExecutor)
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be at least 1, got %d", c.Worker.Count)
	}
	if c.Worker.RetryAttempts < 1 {
		return fmt.Errorf("worker.retry_attempts must be at least 1, got %d", c.Worker.RetryAttempts)
	}
	if c.Scheduler.Mode != "sequential" && c.Scheduler.Mode != "parallel" {
		return fmt.Errorf("scheduler.mode must be 'sequential' or 'parallel', got %q", c.Scheduler.Mode)
	}
	if c.Scheduler.MaxIterations < 1 || c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_iterations and scheduler.max_attempts must be at least 1")
	}
	if c.Monitor.MinSuccessRate < 0 || c.Monitor.MinSuccessRate > 1 {
		return fmt.Errorf("monitor.min_success_rate must be between 0 and 1, got %v", c.Monitor.MinSuccessRate)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'console' or 'json', got %q", c.Log.Format)
	}
	return nil
}

// Families converts the executor section into router families, sorted by
// name.
func (c *Config) Families() []router.Family {
	names := make([]string, 0, len(c.Executors))
	for name := range c.Executors {
		names = append(names, name)
	}
	sort.Strings(names)

	families := make([]router.Family, 0, len(names))
	for _, name := range names {
		e := c.Executors[name]
		families = append(families, router.Family{
			Name: name,
			Cmd:  e.Cmd,
			Args: e.EffectiveArgs(),
			Models: map[router.Tier]string{
				router.TierLocal:     e.Models[string(router.TierLocal)],
				router.TierEscalated: e.Models[string(router.TierEscalated)],
			},
			Timeout: e.Timeout(),
		})
	}
	return families
}

// containsAny checks if any of the targets exist in the slice.
func containsAny(slice []string, targets ...string) bool {
	for _, s := range slice {
		for _, t := range targets {
			if s == t {
				return true
			}
		}
	}
	return false
}

// appendFront inserts a value at the beginning of a slice.
func appendFront(slice []string, val string) []string {
	return append([]string{val}, slice...)
}
