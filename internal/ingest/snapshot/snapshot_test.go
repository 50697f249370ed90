package snapshot

import (
	"testing"
	"time"

	"github.com/vstreamio/camcore/internal/ingest/buffer"
)

func TestSetGetDrop(t *testing.T) {
	cache, err := NewCache(4, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cache.Close()

	pool := buffer.NewPool(1, 64)
	defer pool.Free()
	buf, err := pool.Acquire(3, 4, 2, 12, buffer.FormatBGR24)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	buf.PTS = 42
	cache.Set(buf)
	pool.Release(buf)

	snap, ok := cache.Get(3)
	if !ok {
		t.Fatalf("expected snapshot to be present")
	}
	if snap.PTS != 42 {
		t.Fatalf("expected pts 42, got %d", snap.PTS)
	}

	cache.Drop(3)
	if _, ok := cache.Get(3); ok {
		t.Fatalf("expected snapshot to be gone after Drop")
	}
}

func TestGetMissingCamera(t *testing.T) {
	cache, err := NewCache(4, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cache.Close()

	if _, ok := cache.Get(99); ok {
		t.Fatalf("expected no snapshot for unknown camera")
	}
}
