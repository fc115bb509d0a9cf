// Package watch reruns the pipeline whenever one of its inputs changes on
// disk. Useful while a simulation is iterating and re-exporting its log.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/trajflow/trajflow/internal/log"
)

type fileState struct {
	lastModified time.Time
	lastSize     int64
}

// Watcher monitors a set of files and triggers OnChange after writes settle.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	files   map[string]*fileState
	running bool

	// OnChange runs the pipeline. Overlapping triggers are dropped while a
	// run is in flight; the next write after it finishes triggers again.
	OnChange func(ctx context.Context) error
}

// New creates a watcher for the given files. Containing directories are
// watched because editors and exporters typically replace files by rename.
func New(paths ...string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		watcher:  fsWatcher,
		debounce: 500 * time.Millisecond,
		files:    make(map[string]*fileState, len(paths)),
	}

	dirs := make(map[string]struct{})
	for _, path := range paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			fsWatcher.Close()
			return nil, fmt.Errorf("failed to resolve path %q: %w", path, err)
		}
		state := &fileState{}
		if stat, err := os.Stat(absPath); err == nil {
			state.lastModified = stat.ModTime()
			state.lastSize = stat.Size()
		}
		w.files[absPath] = state
		dirs[filepath.Dir(absPath)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsWatcher.Add(dir); err != nil {
			fsWatcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}
	}
	return w, nil
}

// Run blocks until the context is canceled, re-triggering OnChange for each
// settled change of a watched file.
func (w *Watcher) Run(ctx context.Context) error {
	logger := log.WithStage("watch")
	for path := range w.files {
		logger.Info().Str("path", path).Msg("watching for changes")
	}

	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
		w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if _, watched := w.files[abs]; !watched {
				continue
			}
			if t, exists := timers[abs]; exists {
				t.Stop()
			}
			timers[abs] = time.AfterFunc(w.debounce, func() { w.trigger(ctx, abs) })

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) trigger(ctx context.Context, path string) {
	logger := log.WithStage("watch")

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	state := w.files[path]
	stat, err := os.Stat(path)
	if err != nil {
		w.mu.Unlock()
		logger.Warn().Err(err).Str("path", path).Msg("watched file unreadable, skipping run")
		return
	}
	if stat.ModTime().Equal(state.lastModified) && stat.Size() == state.lastSize {
		w.mu.Unlock()
		return
	}
	state.lastModified = stat.ModTime()
	state.lastSize = stat.Size()
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	logger.Info().Str("path", path).Msg("change detected, rerunning pipeline")
	if err := w.OnChange(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("pipeline run failed")
	}
}
