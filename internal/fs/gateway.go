package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"taskswarm/internal/domain"
	"taskswarm/internal/swarm"
	"taskswarm/internal/taskgraph"
)

// Policy decides whether the artifact of a task may leave the swarm.
type Policy interface {
	CanExport(task domain.Task) (bool, string)
}

type Journal interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

// Gateway writes task artifacts below a single root directory. Paths are
// resolved relative to the root and may never escape it.
type Gateway struct {
	root    string
	policy  Policy
	journal Journal
}

func NewGateway(root string, policy Policy, journal Journal) (*Gateway, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("empty export root")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Gateway{
		root:    absRoot,
		policy:  policy,
		journal: journal,
	}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

// Export writes one markdown file per exportable task that has a result and
// returns the written paths relative to the root.
func (g *Gateway) Export(ctx context.Context, listID string, tasks []domain.Task, results map[string]any) ([]string, error) {
	ordered := append([]domain.Task(nil), tasks...)
	sort.Slice(ordered, func(i, j int) bool { return taskgraph.LessID(ordered[i].ID, ordered[j].ID) })

	var written []string
	for _, task := range ordered {
		artifact, ok := results[task.ID]
		if !ok {
			continue
		}
		if g.policy != nil {
			if allowed, reason := g.policy.CanExport(task); !allowed {
				g.log(ctx, listID, task.ID, "export_skipped", reason, nil)
				continue
			}
		}
		rel := listID + "/" + task.ID + "-" + slug(task.Subject) + ".md"
		if err := g.WriteFile(ctx, listID, task.ID, rel, []byte(renderArtifact(task, artifact))); err != nil {
			return written, err
		}
		written = append(written, rel)
	}
	return written, nil
}

func (g *Gateway) WriteFile(ctx context.Context, listID, taskID, relPath string, content []byte) error {
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		g.log(ctx, listID, taskID, "file_rejected", err.Error(), map[string]any{"path": relPath})
		return err
	}
	action := "file_created"
	if _, statErr := os.Stat(absPath); statErr == nil {
		action = "file_written"
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	g.log(ctx, listID, taskID, action, "artifact exported", map[string]any{
		"path":  normalized,
		"bytes": len(content),
	})
	return nil
}

func (g *Gateway) ReadFile(relPath string) ([]byte, error) {
	absPath, _, err := g.resolve(relPath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	abs := filepath.Join(g.root, filepath.FromSlash(normalized))
	absClean := filepath.Clean(abs)
	absRoot := filepath.Clean(g.root)

	rel, err := filepath.Rel(absRoot, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == "." {
		return "", "", fmt.Errorf("path escapes export root: %q", relPath)
	}
	return absClean, filepath.ToSlash(rel), nil
}

func (g *Gateway) log(ctx context.Context, listID, taskID, action, reason string, payload map[string]any) {
	if g.journal == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil || payload == nil {
		raw = []byte("{}")
	}
	_ = g.journal.LogDecision(ctx, domain.DecisionLog{
		ListID:  listID,
		TaskID:  taskID,
		Actor:   "exporter",
		Action:  action,
		Reason:  reason,
		Payload: raw,
	})
}

func renderArtifact(task domain.Task, artifact any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", task.Subject)
	if task.CompletedAt != nil {
		fmt.Fprintf(&b, "_task #%s, owner %s, completed %s_\n\n", task.ID, task.Owner, task.CompletedAt.Format("2006-01-02 15:04:05Z07:00"))
	}
	b.WriteString(strings.TrimSpace(swarm.ArtifactText(artifact)))
	b.WriteString("\n")
	return b.String()
}

const maxSlugRunes = 48

func slug(subject string) string {
	var b strings.Builder
	n := 0
	dash := false
	for _, r := range strings.ToLower(subject) {
		if n == maxSlugRunes {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			n++
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			n++
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "task"
	}
	return out
}
