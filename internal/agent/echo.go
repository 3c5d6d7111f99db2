package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskswarm/internal/domain"
)

// EchoExecutor produces a deterministic text artifact without calling out.
// It backs offline demos and the default executor when nothing is configured.
type EchoExecutor struct {
	Name  string
	Delay time.Duration
}

func (e EchoExecutor) Execute(ctx context.Context, description string, deps []domain.DependencyResult) (any, error) {
	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	name := e.Name
	if name == "" {
		name = "echo"
	}
	first, _, _ := strings.Cut(strings.TrimSpace(description), "\n")

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", name, first)
	if len(deps) > 0 {
		sources := make([]string, 0, len(deps))
		for _, dep := range deps {
			sources = append(sources, "#"+dep.SourceID)
		}
		fmt.Fprintf(&b, " (using %s)", strings.Join(sources, ", "))
	}
	return b.String(), nil
}
