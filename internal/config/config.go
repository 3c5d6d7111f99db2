package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	EnvTaskListID = "TASKSWARM_TASK_LIST_ID"

	StoreSQLite = "sqlite"
	StoreFile   = "file"
	StoreMemory = "memory"

	ExecutorAPI     = "api"
	ExecutorCommand = "command"
	ExecutorEcho    = "echo"
)

type Config struct {
	Swarm     SwarmConfig               `toml:"swarm"`
	Executors map[string]ExecutorConfig `toml:"executors"`
	Export    ExportConfig              `toml:"export"`
	Raw       map[string]any            `toml:"-"`
	Path      string                    `toml:"-"`
}

type SwarmConfig struct {
	ListID          string `toml:"list_id"`
	Store           string `toml:"store"`
	DBPath          string `toml:"db_path"`
	TasksDir        string `toml:"tasks_dir"`
	Addr            string `toml:"addr"`
	MaxConcurrency  int    `toml:"max_concurrency"`
	TaskTimeoutMS   int    `toml:"task_timeout_ms"`
	MetadataKey     string `toml:"metadata_key"`
	DefaultExecutor string `toml:"default_executor"`
}

// ExportConfig controls writing completed artifacts to disk after a run.
// An empty Dir disables export.
type ExportConfig struct {
	Dir        string   `toml:"dir"`
	Tags       []string `toml:"tags"`
	LeavesOnly bool     `toml:"leaves_only"`
}

type ExecutorConfig struct {
	Kind            string   `toml:"kind"`
	Endpoint        string   `toml:"endpoint"`
	Model           string   `toml:"model"`
	Instructions    string   `toml:"instructions"`
	ReasoningEffort string   `toml:"reasoning_effort"`
	MaxOutputTokens int      `toml:"max_output_tokens"`
	AuthEnv         string   `toml:"auth_env"`
	TimeoutMS       int      `toml:"timeout_ms"`
	Retries         *int     `toml:"retries"`
	Command         string   `toml:"command"`
	Args            []string `toml:"args"`
	Dir             string   `toml:"dir"`
}

func (e ExecutorConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// AuthToken reads the token from the environment variable named by auth_env.
func (e ExecutorConfig) AuthToken() string {
	if strings.TrimSpace(e.AuthEnv) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(e.AuthEnv))
}

func (s SwarmConfig) TaskTimeout() time.Duration {
	return time.Duration(s.TaskTimeoutMS) * time.Millisecond
}

// Default returns the configuration used when no file is present: a SQLite
// store under ~/.taskswarm and offline echo executors for the built-in
// researcher, analyst and writer tags.
func Default() Config {
	cfg := Config{
		Swarm: SwarmConfig{
			Store:           StoreSQLite,
			DBPath:          "~/.taskswarm/taskswarm.db",
			TasksDir:        "~/.taskswarm/tasks",
			Addr:            "127.0.0.1:8091",
			MetadataKey:     "agent_type",
			DefaultExecutor: "researcher",
		},
		Executors: map[string]ExecutorConfig{
			"researcher": {Kind: ExecutorEcho},
			"analyst":    {Kind: ExecutorEcho},
			"writer":     {Kind: ExecutorEcho},
		},
	}
	return cfg
}

// Load reads path, or the default location when path is empty. A missing
// default file yields Default(); a missing explicit file is an error.
func Load(path string) (Config, error) {
	explicit := strings.TrimSpace(path) != ""
	resolved := path
	if !explicit {
		resolved = defaultConfigPath()
	}
	resolved, err := ExpandHome(resolved)
	if err != nil {
		return Config{}, err
	}
	resolved = filepath.Clean(resolved)

	cfg := Default()
	bytes, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(bytes), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		var raw map[string]any
		if _, err := toml.Decode(string(bytes), &raw); err != nil {
			return Config{}, fmt.Errorf("decode raw config: %w", err)
		}
		cfg.Raw = raw
		cfg.Path = resolved
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	if v := strings.TrimSpace(os.Getenv(EnvTaskListID)); v != "" {
		cfg.Swarm.ListID = v
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.Swarm.Store = strings.ToLower(strings.TrimSpace(c.Swarm.Store))
	if c.Swarm.Store == "" {
		c.Swarm.Store = StoreSQLite
	}
	if strings.TrimSpace(c.Swarm.MetadataKey) == "" {
		c.Swarm.MetadataKey = "agent_type"
	}
	for tag, exec := range c.Executors {
		exec.Kind = strings.ToLower(strings.TrimSpace(exec.Kind))
		if exec.Kind == "" {
			exec.Kind = ExecutorEcho
		}
		c.Executors[tag] = exec
	}
}

func (c Config) Validate() error {
	var problems []string
	switch c.Swarm.Store {
	case StoreSQLite:
		if strings.TrimSpace(c.Swarm.DBPath) == "" {
			problems = append(problems, "swarm.db_path is required for the sqlite store")
		}
	case StoreFile:
		if strings.TrimSpace(c.Swarm.TasksDir) == "" {
			problems = append(problems, "swarm.tasks_dir is required for the file store")
		}
	case StoreMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown swarm.store %q", c.Swarm.Store))
	}
	if c.Swarm.MaxConcurrency < 0 {
		problems = append(problems, "swarm.max_concurrency must not be negative")
	}
	if c.Swarm.TaskTimeoutMS < 0 {
		problems = append(problems, "swarm.task_timeout_ms must not be negative")
	}
	if tag := strings.TrimSpace(c.Swarm.DefaultExecutor); tag != "" {
		if _, ok := c.Executors[tag]; !ok {
			problems = append(problems, fmt.Sprintf("default executor %q is not declared", tag))
		}
	}
	for _, tag := range c.ExecutorTags() {
		exec := c.Executors[tag]
		if exec.Retries != nil && *exec.Retries < 0 {
			problems = append(problems, fmt.Sprintf("executors.%s.retries must not be negative", tag))
		}
		switch exec.Kind {
		case ExecutorAPI:
			if strings.TrimSpace(exec.Endpoint) == "" {
				problems = append(problems, fmt.Sprintf("executors.%s.endpoint is required", tag))
			}
			if strings.TrimSpace(exec.Model) == "" {
				problems = append(problems, fmt.Sprintf("executors.%s.model is required", tag))
			}
		case ExecutorCommand:
			if strings.TrimSpace(exec.Command) == "" {
				problems = append(problems, fmt.Sprintf("executors.%s.command is required", tag))
			}
		case ExecutorEcho:
		default:
			problems = append(problems, fmt.Sprintf("executors.%s has unknown kind %q", tag, exec.Kind))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) ExecutorTags() []string {
	tags := make([]string, 0, len(c.Executors))
	for tag := range c.Executors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(path, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskswarm/config.toml"
	}
	return filepath.Join(home, ".taskswarm", "config.toml")
}
