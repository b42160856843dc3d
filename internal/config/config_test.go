package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/imkarma/forge/internal/router"
)

// --- EffectiveArgs tests ---

func TestEffectiveArgs_Claude_AddsNonInteractive(t *testing.T) {
	e := ExecutorConfig{Cmd: "claude", Args: []string{"--model", "{model}"}}
	got := e.EffectiveArgs()
	if !containsAny(got, "--print") {
		t.Fatalf("expected --print in args, got %v", got)
	}
	if containsAny(got, "--dangerously-skip-permissions") {
		t.Fatalf("should not have --dangerously-skip-permissions without auto_accept, got %v", got)
	}
}

func TestEffectiveArgs_Claude_AutoAccept(t *testing.T) {
	e := ExecutorConfig{Cmd: "claude", Args: []string{"--model", "{model}"}, AutoAccept: true}
	got := e.EffectiveArgs()
	if !containsAny(got, "--print") {
		t.Fatalf("expected --print, got %v", got)
	}
	if !containsAny(got, "--dangerously-skip-permissions") {
		t.Fatalf("expected --dangerously-skip-permissions with auto_accept, got %v", got)
	}
}

func TestEffectiveArgs_Claude_NoDuplicateFlags(t *testing.T) {
	e := ExecutorConfig{Cmd: "claude", Args: []string{"--print", "--dangerously-skip-permissions"}, AutoAccept: true}
	got := e.EffectiveArgs()
	printCount, skipCount := 0, 0
	for _, arg := range got {
		if arg == "--print" {
			printCount++
		}
		if arg == "--dangerously-skip-permissions" {
			skipCount++
		}
	}
	if printCount != 1 || skipCount != 1 {
		t.Fatalf("expected each flag once, got %v", got)
	}
}

func TestEffectiveArgs_Claude_ShortPrintFlag(t *testing.T) {
	e := ExecutorConfig{Cmd: "claude", Args: []string{"-p"}}
	got := e.EffectiveArgs()
	if len(got) != 1 || got[0] != "-p" {
		t.Fatalf("expected args unchanged when -p is present, got %v", got)
	}
}

func TestEffectiveArgs_Claude_PermissionModeSkipsAutoAccept(t *testing.T) {
	e := ExecutorConfig{Cmd: "claude", Args: []string{"--permission-mode", "plan"}, AutoAccept: true}
	if containsAny(e.EffectiveArgs(), "--dangerously-skip-permissions") {
		t.Fatal("should not add --dangerously-skip-permissions when --permission-mode present")
	}
}

func TestEffectiveArgs_GeminiAndCodex(t *testing.T) {
	tests := []struct {
		cmd, flag string
		accept    bool
		want      bool
	}{
		{"gemini", "--yolo", true, true},
		{"gemini", "--yolo", false, false},
		{"codex", "--full-auto", true, true},
		{"codex", "--full-auto", false, false},
	}
	for _, tt := range tests {
		e := ExecutorConfig{Cmd: tt.cmd, AutoAccept: tt.accept}
		if got := containsAny(e.EffectiveArgs(), tt.flag); got != tt.want {
			t.Errorf("%s auto_accept=%v: %s present = %v, want %v", tt.cmd, tt.accept, tt.flag, got, tt.want)
		}
	}
}

func TestEffectiveArgs_UnknownCLI_ReturnsArgsUnchanged(t *testing.T) {
	e := ExecutorConfig{Cmd: "ollama", Args: []string{"run", "{model}"}, AutoAccept: true}
	got := e.EffectiveArgs()
	if len(got) != 2 || got[0] != "run" {
		t.Fatalf("expected unchanged args, got %v", got)
	}
}

func TestEffectiveArgs_DoesNotMutateOriginal(t *testing.T) {
	original := []string{"--model", "{model}"}
	e := ExecutorConfig{Cmd: "claude", Args: original, AutoAccept: true}
	_ = e.EffectiveArgs()
	if len(original) != 2 || original[0] != "--model" || original[1] != "{model}" {
		t.Fatalf("EffectiveArgs mutated original args: %v", original)
	}
}

func TestExecutorTimeout(t *testing.T) {
	if got := (ExecutorConfig{TimeoutSec: 90}).Timeout(); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	if got := (ExecutorConfig{}).Timeout(); got != router.DefaultTimeout {
		t.Fatalf("expected default timeout, got %s", got)
	}
}

// --- containsAny / appendFront tests ---

func TestContainsAny(t *testing.T) {
	if !containsAny([]string{"a", "b", "c"}, "b") {
		t.Fatal("expected true")
	}
	if containsAny([]string{"a", "b", "c"}, "d", "e") {
		t.Fatal("expected false")
	}
	if containsAny([]string{}, "a") {
		t.Fatal("expected false for empty slice")
	}
}

func TestAppendFront(t *testing.T) {
	got := appendFront([]string{"b", "c"}, "a")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected [a b c], got %v", got)
	}
}

// --- Load / Save / Validate tests ---

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8420 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Router.DefaultExecutor != "claude" {
		t.Errorf("expected claude default executor, got %q", cfg.Router.DefaultExecutor)
	}
	if _, ok := cfg.Executors["ollama"]; !ok {
		t.Error("expected built-in ollama executor")
	}
	if cfg.Worker.Count != 2 || cfg.Worker.PollInterval() != 5*time.Second || cfg.Worker.ClaimTTL() != 30*time.Minute {
		t.Errorf("unexpected worker defaults: %+v", cfg.Worker)
	}
	if cfg.Scheduler.Mode != "sequential" || cfg.Scheduler.MaxIterations != 3 || cfg.Scheduler.MaxAttempts != 2 {
		t.Errorf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Monitor.StuckThreshold() != 10*time.Minute || cfg.Monitor.MinSuccessRate != 0.8 || cfg.Monitor.Window != 50 {
		t.Errorf("unexpected monitor defaults: %+v", cfg.Monitor)
	}
}

func TestLoad_Valid(t *testing.T) {
	p := writeConfig(t, `server:
  port: 9000
router:
  default_executor: local
executors:
  local:
    cmd: ollama
    args: ["run", "{model}"]
    models:
      local: qwen2.5-coder
      escalated: llama3.1:70b
    timeout_sec: 120
scheduler:
  mode: parallel
  test_cmd: go test ./...
monitor:
  auto_fix: true
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if len(cfg.Executors) != 1 {
		t.Fatalf("configured executors replace the defaults, got %d", len(cfg.Executors))
	}
	local := cfg.Executors["local"]
	if local.Models["escalated"] != "llama3.1:70b" || local.Timeout() != 2*time.Minute {
		t.Errorf("unexpected executor: %+v", local)
	}
	if cfg.Scheduler.Mode != "parallel" || cfg.Scheduler.TestCmd != "go test ./..." {
		t.Errorf("unexpected scheduler: %+v", cfg.Scheduler)
	}
	if !cfg.Monitor.AutoFix {
		t.Error("expected auto_fix")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	p := writeConfig(t, "worker:\n  count: 4\n")
	t.Setenv("FORGE_WORKER_COUNT", "6")
	t.Setenv("FORGE_MONITOR_STUCK_THRESHOLD_SEC", "120")
	t.Setenv("FORGE_SCHEDULER_MODE", "parallel")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Worker.Count != 6 {
		t.Errorf("env should win over file: got %d", cfg.Worker.Count)
	}
	if cfg.Monitor.StuckThreshold() != 2*time.Minute {
		t.Errorf("expected 2m stuck threshold, got %s", cfg.Monitor.StuckThreshold())
	}
	if cfg.Scheduler.Mode != "parallel" {
		t.Errorf("expected parallel mode, got %q", cfg.Scheduler.Mode)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"FORGE_WORKER_COUNT":                "worker.count",
		"FORGE_MONITOR_STUCK_THRESHOLD_SEC": "monitor.stuck_threshold_sec",
		"FORGE_LOG_LEVEL":                   "log.level",
		"FORGE_DEBUG":                       "debug",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad mode":             "scheduler:\n  mode: dag\n",
		"unknown default":      "router:\n  default_executor: gpt\n",
		"missing cmd":          "executors:\n  claude:\n    models: {local: a, escalated: b}\n",
		"missing tier model":   "executors:\n  claude:\n    cmd: claude\n    models: {local: a}\n",
		"bad port":             "server:\n  port: 70000\n",
		"bad success rate":     "monitor:\n  min_success_rate: 1.5\n",
		"bad log level":        "log:\n  level: loud\n",
		"malformed yaml":       "server: [\n",
		"negative worker size": "worker:\n  count: -1\n",
		"timeout equals ttl":   "worker:\n  claim_ttl_sec: 300\nexecutors:\n  claude:\n    cmd: claude\n    models: {local: a, escalated: b}\n    timeout_sec: 300\n",
		"timeout over ttl":     "worker:\n  claim_ttl_sec: 60\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, data)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestSave_And_Reload(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Scheduler.Mode = "parallel"
	cfg.Executors["claude"] = ExecutorConfig{
		Cmd:        "claude",
		Args:       []string{"--model", "{model}"},
		Models:     map[string]string{"local": "sonnet", "escalated": "opus"},
		AutoAccept: true,
		TimeoutSec: 900,
	}

	if err := Save(p, cfg); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := Load(p)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	claude := loaded.Executors["claude"]
	if claude.Models["local"] != "sonnet" || !claude.AutoAccept || claude.TimeoutSec != 900 {
		t.Fatalf("executor did not round trip: %+v", claude)
	}
	if loaded.Scheduler.Mode != "parallel" {
		t.Fatalf("scheduler mode did not round trip: %q", loaded.Scheduler.Mode)
	}
}

func TestFamilies(t *testing.T) {
	cfg := DefaultConfig()
	families := cfg.Families()
	if len(families) != 2 || families[0].Name != "claude" || families[1].Name != "ollama" {
		t.Fatalf("expected sorted claude, ollama families, got %+v", families)
	}
	if families[0].Models[router.TierEscalated] != "opus" {
		t.Errorf("expected opus escalated model, got %+v", families[0].Models)
	}
	if _, err := router.New(families, cfg.Router.DefaultExecutor); err != nil {
		t.Fatalf("families should build a router: %v", err)
	}
}
