package file

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports changes to one list document made by any process sharing
// the tasks dir. The directory is watched rather than the file because Save
// replaces the document through a rename.
type Watcher struct {
	dir      string
	listID   string
	onChange func(ctx context.Context)
	logger   *log.Logger
}

func NewWatcher(store *Store, listID string, onChange func(ctx context.Context), logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{
		dir:      store.Dir(),
		listID:   listID,
		onChange: onChange,
		logger:   logger,
	}
}

// Start registers the watch and returns; events are handled on a background
// goroutine until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch tasks dir: %w", err)
	}

	target := w.listID + ".json"
	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if w.onChange != nil {
					w.onChange(ctx)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Printf("task file watcher error list_id=%s err=%v", w.listID, err)
			}
		}
	}()
	return nil
}
