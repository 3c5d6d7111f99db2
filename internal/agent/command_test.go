package agent

import (
	"context"
	"io"
	"log"
	"os/exec"
	"strings"
	"testing"
	"time"

	"taskswarm/internal/domain"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandExecutorPipesPrompt(t *testing.T) {
	requireShell(t)
	c, err := NewCommandExecutor(CommandExecutorConfig{
		Binary: "sh",
		Args:   []string{"-c", "cat"},
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	out, err := c.Execute(context.Background(), "write report", []domain.DependencyResult{
		{SourceID: "4", SourceSubject: "Synthesize", Artifact: "insights"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	text, _ := out.(string)
	if !strings.HasPrefix(text, "<context>") || !strings.HasSuffix(text, "write report") {
		t.Fatalf("output=%q", text)
	}
}

func TestCommandExecutorFailure(t *testing.T) {
	requireShell(t)
	c, err := NewCommandExecutor(CommandExecutorConfig{
		Binary: "sh",
		Args:   []string{"-c", "echo nope >&2; exit 3"},
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	_, err = c.Execute(context.Background(), "x", nil)
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("err=%v", err)
	}
}

func TestCommandExecutorCanceled(t *testing.T) {
	requireShell(t)
	c, err := NewCommandExecutor(CommandExecutorConfig{
		Binary: "sh",
		Args:   []string{"-c", "sleep 5"},
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Execute(ctx, "x", nil)
	if err == nil || !strings.Contains(err.Error(), "interrupted") {
		t.Fatalf("err=%v", err)
	}
}

func TestNewCommandExecutorRequiresBinary(t *testing.T) {
	if _, err := NewCommandExecutor(CommandExecutorConfig{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEchoExecutor(t *testing.T) {
	out, err := EchoExecutor{Name: "writer"}.Execute(context.Background(), "Create summary\nmore", []domain.DependencyResult{
		{SourceID: "1"}, {SourceID: "2"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "[writer] Create summary (using #1, #2)" {
		t.Fatalf("artifact=%v", out)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (EchoExecutor{Delay: time.Second}).Execute(ctx, "x", nil); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestDefaultProfiles(t *testing.T) {
	tags := DefaultProfileTags()
	if strings.Join(tags, ",") != "analyst,researcher,writer" {
		t.Fatalf("tags=%v", tags)
	}
	p, ok := DefaultProfile("writer")
	if !ok || p.MaxOutputTokens != 4000 || !strings.Contains(p.Instructions, "writing agent") {
		t.Fatalf("profile=%+v ok=%v", p, ok)
	}
}
