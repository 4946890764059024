// Package watch monitors spool directories for dropped source files and
// ingests them automatically.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// supportedExtensions are the source formats the spool watcher picks up.
var supportedExtensions = map[string]bool{
	".csv": true, ".tsv": true, ".jsonl": true, ".ndjson": true, ".xlsx": true,
}

// Watcher monitors spool directories and hands finished files to OnFile.
// Writes are debounced so a file being copied in is only ingested once the
// writer goes quiet.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu   sync.Mutex
	seen map[string]bool

	// OnFile is called with the path of a settled source file.
	OnFile func(path string) error

	// OnError is called when ingestion of a file fails.
	OnError func(path string, err error)
}

// NewWatcher creates a spool watcher.
func NewWatcher() (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		watcher:  fsWatcher,
		debounce: 500 * time.Millisecond,
		seen:     make(map[string]bool),
	}, nil
}

// Watch adds a spool directory.
func (w *Watcher) Watch(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if stat, err := os.Stat(absDir); err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	} else if !stat.IsDir() {
		return fmt.Errorf("%s is not a directory", absDir)
	}
	if err := w.watcher.Add(absDir); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}
	return nil
}

// Run starts the watch loop. Blocks until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	debounceTimers := make(map[string]*time.Timer)
	var timerMu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !supportedExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}

			path := event.Name
			timerMu.Lock()
			if timer, exists := debounceTimers[path]; exists {
				timer.Reset(w.debounce)
			} else {
				debounceTimers[path] = time.AfterFunc(w.debounce, func() {
					timerMu.Lock()
					delete(debounceTimers, path)
					timerMu.Unlock()
					w.handle(path)
				})
			}
			timerMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if w.OnError != nil {
				w.OnError("", err)
			}
		}
	}
}

func (w *Watcher) handle(path string) {
	w.mu.Lock()
	if w.seen[path] {
		w.mu.Unlock()
		return
	}
	w.seen[path] = true
	w.mu.Unlock()

	if w.OnFile == nil {
		return
	}
	if err := w.OnFile(path); err != nil {
		// Let the file be retried on its next write.
		w.mu.Lock()
		delete(w.seen, path)
		w.mu.Unlock()
		if w.OnError != nil {
			w.OnError(path, err)
		}
	}
}

// Close shuts the watcher down.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
