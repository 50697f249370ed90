// Package camlist watches a local JSON file of camera definitions and
// reconciles it against the facade: new entries are added, removed
// entries are stopped. This is a convenience wired at the service
// entry point, not a dependency of the core engine - the facade works
// identically if a caller drives AddCamera/StopCamera directly.
package camlist

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/vstreamio/camcore/internal/ingest/worker"
	"github.com/vstreamio/camcore/internal/servicelog"
)

// Entry describes one camera in the list file.
type Entry struct {
	ID        int32  `json:"id"`
	URL       string `json:"url"`
	TargetFPS int    `json:"target_fps"`
}

// Facade is the subset of the public API this watcher drives.
type Facade interface {
	AddCamera(ctx context.Context, id int32, url string, targetFPS int, onFrame worker.FrameCallback, onStatus worker.StatusCallback) error
	StopCamera(id int32) error
}

// Watcher reconciles a camera-list file's contents against a Facade.
type Watcher struct {
	path     string
	facade   Facade
	logger   servicelog.Logger
	onFrame  worker.FrameCallback
	onStatus worker.StatusCallback

	mu      sync.Mutex
	current map[int32]Entry
}

// New builds a Watcher for the given file path. onFrame/onStatus are
// applied to every camera the watcher adds.
func New(path string, facade Facade, onFrame worker.FrameCallback, onStatus worker.StatusCallback, logger servicelog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		facade:   facade,
		logger:   logger,
		onFrame:  onFrame,
		onStatus: onStatus,
		current:  make(map[int32]Entry),
	}
}

// Run loads the file once, reconciles, then watches its directory for
// changes until ctx is cancelled. context.Canceled is treated as a
// clean exit, not an error.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.reload(ctx); err != nil {
		w.logger.Error("initial camera list load failed", servicelog.Error(err))
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.reload(ctx); err != nil {
				w.logger.Error("camera list reload failed, keeping previous set", servicelog.Error(err))
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("camera list watcher error", servicelog.Error(err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	next := make(map[int32]Entry, len(entries))
	for _, e := range entries {
		next[e.ID] = e
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	for id := range prev {
		if _, stillPresent := next[id]; !stillPresent {
			if err := w.facade.StopCamera(id); err != nil {
				w.logger.Warn("failed to stop removed camera", servicelog.Int32("camera", id), servicelog.Error(err))
			}
		}
	}
	for id, entry := range next {
		if _, already := prev[id]; already {
			continue
		}
		if err := w.facade.AddCamera(ctx, id, entry.URL, entry.TargetFPS, w.onFrame, w.onStatus); err != nil {
			w.logger.Warn("failed to add camera from list", servicelog.Int32("camera", id), servicelog.Error(err))
		}
	}
	return nil
}
