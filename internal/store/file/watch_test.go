package file

import (
	"context"
	"testing"
	"time"

	"taskswarm/internal/taskgraph"
)

func TestWatcherReloadsSharedList(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()

	writerStore, err := Open(dir)
	if err != nil {
		t.Fatalf("open writer store: %v", err)
	}
	readerStore, err := Open(dir)
	if err != nil {
		t.Fatalf("open reader store: %v", err)
	}
	writer, err := taskgraph.Open(ctx, writerStore, "shared")
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	reader, err := taskgraph.Open(ctx, readerStore, "shared")
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}

	reloaded := make(chan struct{}, 8)
	w := NewWatcher(readerStore, "shared", func(ctx context.Context) {
		changed, err := reader.Reload(ctx)
		if err == nil && changed {
			reloaded <- struct{}{}
		}
	}, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if _, err := writer.Create(ctx, taskgraph.CreateInput{Subject: "Research"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
	if got := len(reader.ListAll()); got != 1 {
		t.Fatalf("reader tasks=%d want=1", got)
	}
	if reader.Version() != writer.Version() {
		t.Fatalf("reader version=%d want=%d", reader.Version(), writer.Version())
	}
}
