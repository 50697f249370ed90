// Package snapshot caches the single latest delivered frame per camera,
// independent of whatever the frame callback does with it, so a
// late-attaching consumer can read "what does camera N currently see"
// without subscribing to the callback stream. This supplements a
// feature the original processor kept in a plain dict
// (frame-per-camera, overwritten on every delivery) with a bounded,
// TTL-aware cache instead of unbounded memory growth.
package snapshot

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/vstreamio/camcore/internal/ingest/buffer"
)

// Snapshot is a copied, independent view of a frame - safe to hold
// after the originating FrameBuffer has been released back to the pool.
type Snapshot struct {
	CameraID      int32
	Width, Height int
	PTS           int64
	Data          []byte
	CapturedAt    time.Time
}

// Cache holds at most one Snapshot per camera id.
type Cache struct {
	store *ristretto.Cache[int32, Snapshot]
	ttl   time.Duration
}

// NewCache builds a Cache sized for maxCameras entries with the given
// per-entry freshness window.
func NewCache(maxCameras int, ttl time.Duration) (*Cache, error) {
	if maxCameras <= 0 {
		maxCameras = 64
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	rc, err := ristretto.NewCache(&ristretto.Config[int32, Snapshot]{
		NumCounters: int64(maxCameras) * 10,
		MaxCost:     int64(maxCameras) * 8 << 20, // 8MiB budget per camera
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{store: rc, ttl: ttl}, nil
}

// Set stores a copy of buf's pixel data, decoupled from the pool so the
// pool can reuse buf immediately after this call returns.
func (c *Cache) Set(buf *buffer.FrameBuffer) {
	plane := buf.Plane(0)
	data := make([]byte, len(plane))
	copy(data, plane)
	snap := Snapshot{
		CameraID:   buf.CameraID,
		Width:      buf.Width,
		Height:     buf.Height,
		PTS:        buf.PTS,
		Data:       data,
		CapturedAt: time.Now(),
	}
	c.store.SetWithTTL(buf.CameraID, snap, int64(len(data)), c.ttl)
	c.store.Wait()
}

// Get returns the latest snapshot for cameraID, or false if there is
// none cached or it expired.
func (c *Cache) Get(cameraID int32) (Snapshot, bool) {
	snap, ok := c.store.Get(cameraID)
	if !ok {
		return Snapshot{}, false
	}
	if c.ttl > 0 && time.Since(snap.CapturedAt) > c.ttl {
		return Snapshot{}, false
	}
	return snap, true
}

// Drop removes a camera's cached snapshot, called by the facade's
// StopCamera so a stopped camera's stale snapshot isn't served.
func (c *Cache) Drop(cameraID int32) {
	c.store.Del(cameraID)
}

// Close releases the underlying cache's background goroutines.
func (c *Cache) Close() {
	c.store.Close()
}
