package agent

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"taskswarm/internal/domain"
)

// commandWaitDelay bounds how long a killed command may keep its output
// pipes open through orphaned children.
const commandWaitDelay = 500 * time.Millisecond

type CommandExecutorConfig struct {
	Name              string
	Binary            string
	Args              []string
	Dir               string
	Env               []string
	HeartbeatInterval time.Duration
	Logger            *log.Logger
}

// CommandExecutor runs an external program per task. The prompt built from
// the description and dependency context is written to its stdin and its
// trimmed stdout becomes the artifact.
type CommandExecutor struct {
	name      string
	binary    string
	args      []string
	dir       string
	env       []string
	heartbeat time.Duration
	logger    *log.Logger
}

func NewCommandExecutor(cfg CommandExecutorConfig) (*CommandExecutor, error) {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		return nil, fmt.Errorf("empty command")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = binary
	}
	return &CommandExecutor{
		name:      name,
		binary:    binary,
		args:      append([]string{}, cfg.Args...),
		dir:       cfg.Dir,
		env:       append([]string{}, cfg.Env...),
		heartbeat: cfg.HeartbeatInterval,
		logger:    cfg.Logger,
	}, nil
}

func (c *CommandExecutor) Execute(ctx context.Context, description string, deps []domain.DependencyResult) (any, error) {
	cmd := exec.CommandContext(ctx, c.binary, c.args...)
	cmd.Dir = c.dir
	cmd.WaitDelay = commandWaitDelay
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	cmd.Stdin = strings.NewReader(BuildPrompt(description, deps))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	stop := startProgressHeartbeat(ctx, c.heartbeat, func(elapsed time.Duration) {
		c.logger.Printf("%s command still running elapsed=%s", c.name, elapsed.Round(time.Second))
	})
	err := cmd.Run()
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s command interrupted: %w", c.name, ctx.Err())
		}
		return nil, fmt.Errorf("%s command failed: %w; stderr: %s", c.name, err, trim(strings.TrimSpace(stderr.String()), 800))
	}
	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return nil, fmt.Errorf("%s command produced no output", c.name)
	}
	return out, nil
}

func startProgressHeartbeat(ctx context.Context, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	stop := make(chan struct{})
	started := time.Now()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if onTick != nil {
					onTick(time.Since(started))
				}
			}
		}
	}()

	return func() {
		close(stop)
	}
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
