package camlist

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/vstreamio/camcore/internal/ingest/worker"
	"github.com/vstreamio/camcore/internal/servicelog"
)

type fakeFacade struct {
	mu      sync.Mutex
	added   map[int32]string
	stopped map[int32]bool
}

func newFakeFacade() *fakeFacade {
	return &fakeFacade{added: make(map[int32]string), stopped: make(map[int32]bool)}
}

func (f *fakeFacade) AddCamera(ctx context.Context, id int32, url string, targetFPS int, onFrame worker.FrameCallback, onStatus worker.StatusCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[id] = url
	return nil
}

func (f *fakeFacade) StopCamera(id int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.added[id]; !ok {
		return os.ErrNotExist
	}
	delete(f.added, id)
	f.stopped[id] = true
	return nil
}

func writeList(t *testing.T, path string, entries []Entry) {
	t.Helper()
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func testLogger() servicelog.Logger {
	return servicelog.New(nil, "/tmp/camcore-camlist-test.log", false)
}

func TestReloadAddsAndRemovesByDiff(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cameras.json")
	writeList(t, path, []Entry{{ID: 1, URL: "fake://a", TargetFPS: 5}, {ID: 2, URL: "fake://b", TargetFPS: 5}})

	facade := newFakeFacade()
	w := New(path, facade, nil, nil, testLogger())

	if err := w.reload(context.Background()); err != nil {
		t.Fatalf("initial reload: %v", err)
	}
	facade.mu.Lock()
	if len(facade.added) != 2 {
		t.Fatalf("expected 2 cameras added, got %d", len(facade.added))
	}
	facade.mu.Unlock()

	writeList(t, path, []Entry{{ID: 2, URL: "fake://b", TargetFPS: 5}, {ID: 3, URL: "fake://c", TargetFPS: 5}})
	if err := w.reload(context.Background()); err != nil {
		t.Fatalf("second reload: %v", err)
	}

	facade.mu.Lock()
	defer facade.mu.Unlock()
	if !facade.stopped[1] {
		t.Fatalf("expected camera 1 to have been stopped")
	}
	if _, ok := facade.added[3]; !ok {
		t.Fatalf("expected camera 3 to have been added")
	}
	if _, ok := facade.added[2]; !ok {
		t.Fatalf("expected camera 2 to remain untouched across reloads")
	}
}

func TestReloadMissingFileIsAnError(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing.json"), newFakeFacade(), nil, nil, testLogger())
	if err := w.reload(context.Background()); err == nil {
		t.Fatalf("expected reload of a missing file to return an error")
	}
}
