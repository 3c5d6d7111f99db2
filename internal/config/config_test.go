package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDecodesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[swarm]
list_id = "research"
store = "FILE"
tasks_dir = "/tmp/tasks"
max_concurrency = 3
task_timeout_ms = 1500

[export]
dir = "~/reports"
tags = ["writer"]
leaves_only = true

[executors.researcher]
kind = "api"
endpoint = "http://localhost:9000/v1/responses"
model = "gpt-test"
auth_env = "TASKSWARM_TEST_TOKEN"
retries = 2

[executors.writer]
kind = "command"
command = "cat"
args = ["-"]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvTaskListID, "")
	t.Setenv("TASKSWARM_TEST_TOKEN", " secret ")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Path != path {
		t.Fatalf("path=%s want=%s", cfg.Path, path)
	}
	if cfg.Swarm.ListID != "research" || cfg.Swarm.Store != StoreFile || cfg.Swarm.MaxConcurrency != 3 {
		t.Fatalf("swarm=%+v", cfg.Swarm)
	}
	if cfg.Swarm.TaskTimeout().Milliseconds() != 1500 {
		t.Fatalf("timeout=%s", cfg.Swarm.TaskTimeout())
	}
	researcher := cfg.Executors["researcher"]
	if researcher.Kind != ExecutorAPI || researcher.AuthToken() != "secret" || researcher.Retries == nil || *researcher.Retries != 2 {
		t.Fatalf("researcher=%+v", researcher)
	}
	if got := cfg.Executors["writer"].Args; len(got) != 1 || got[0] != "-" {
		t.Fatalf("writer args=%v", got)
	}
	if cfg.Export.Dir != "~/reports" || !cfg.Export.LeavesOnly || len(cfg.Export.Tags) != 1 {
		t.Fatalf("export=%+v", cfg.Export)
	}
	if _, ok := cfg.Raw["swarm"]; !ok {
		t.Fatalf("raw missing swarm section: %v", cfg.Raw)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadMissingDefaultUsesBuiltins(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvTaskListID, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Path != "" {
		t.Fatalf("path=%q want empty", cfg.Path)
	}
	if cfg.Swarm.Store != StoreSQLite || cfg.Swarm.DefaultExecutor != "researcher" {
		t.Fatalf("swarm=%+v", cfg.Swarm)
	}
	if got := strings.Join(cfg.ExecutorTags(), ","); got != "analyst,researcher,writer" {
		t.Fatalf("tags=%s", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate defaults: %v", err)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestEnvOverridesListID(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvTaskListID, "from-env")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Swarm.ListID != "from-env" {
		t.Fatalf("list id=%s want=from-env", cfg.Swarm.ListID)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.Swarm.Store = "redis" }, "unknown swarm.store"},
		{"unknown kind", func(c *Config) { c.Executors["writer"] = ExecutorConfig{Kind: "grpc"} }, "unknown kind"},
		{"undeclared default", func(c *Config) { c.Swarm.DefaultExecutor = "critic" }, "not declared"},
		{"api without model", func(c *Config) {
			c.Executors["writer"] = ExecutorConfig{Kind: ExecutorAPI, Endpoint: "http://x"}
		}, "model is required"},
		{"command without binary", func(c *Config) { c.Executors["writer"] = ExecutorConfig{Kind: ExecutorCommand} }, "command is required"},
		{"negative concurrency", func(c *Config) { c.Swarm.MaxConcurrency = -1 }, "max_concurrency"},
		{"negative retries", func(c *Config) {
			retries := -1
			c.Executors["writer"] = ExecutorConfig{Kind: ExecutorEcho, Retries: &retries}
		}, "retries must not be negative"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want containing %q", err, tc.want)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := ExpandHome("~/.taskswarm/db")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, ".taskswarm", "db") {
		t.Fatalf("got=%s", got)
	}
	if got, _ := ExpandHome("/abs"); got != "/abs" {
		t.Fatalf("got=%s want=/abs", got)
	}
}

func TestLoadKeepsExplicitZeroRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[executors.researcher]
kind = "api"
endpoint = "http://localhost:9000/v1/responses"
model = "gpt-test"
retries = 0

[executors.analyst]
kind = "api"
endpoint = "http://localhost:9000/v1/responses"
model = "gpt-test"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvTaskListID, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r := cfg.Executors["researcher"].Retries; r == nil || *r != 0 {
		t.Fatalf("researcher retries=%v want explicit 0", r)
	}
	if r := cfg.Executors["analyst"].Retries; r != nil {
		t.Fatalf("analyst retries=%d want unset", *r)
	}
}
