// Package buffer implements the bounded, reference-counted frame buffer
// pool that moves decoded pixel data from a camera worker goroutine to a
// consumer callback without copying inside the core.
package buffer

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camcore_pool_exhausted_total",
			Help: "Number of times a frame buffer acquire failed because the pool was exhausted",
		},
		[]string{"camera"},
	)

	poolInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camcore_pool_buffers_in_use",
			Help: "Number of frame buffers currently checked out of the pool",
		},
	)

	poolHighWater = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camcore_pool_high_water",
			Help: "High water mark of simultaneously checked-out buffers",
		},
	)
)

// PixelFormat mirrors the decoding library's pixel format codes. Only
// BGR24 is produced by this engine; the others exist so status/error
// messages naming a source format remain meaningful.
type PixelFormat int32

const (
	FormatNone   PixelFormat = -1
	FormatYUV420 PixelFormat = 0
	FormatYUYV422 PixelFormat = 1
	FormatRGB24  PixelFormat = 2
	FormatBGR24  PixelFormat = 3
)

const numPlanes = 4

// FrameBuffer is a reusable pixel buffer with a reference count. A
// FrameBuffer handed to a frame callback has ref_count >= 1; the core
// drops its own reference as soon as the callback returns, unless the
// consumer called Retain first.
type FrameBuffer struct {
	Width, Height int
	Linesize      [numPlanes]int
	Format        PixelFormat
	PTS           int64
	CameraID      int32

	data     [numPlanes][]byte
	capacity [numPlanes]int
	refCount int32
}

// Plane returns the populated bytes of the given plane (0 for BGR24).
func (b *FrameBuffer) Plane(i int) []byte {
	return b.data[i][:b.Linesize[i]*b.Height]
}

// Capacity returns the allocated bytes of the given plane.
func (b *FrameBuffer) Capacity(i int) int {
	return b.capacity[i]
}

// RefCount returns the current atomic reference count. Exposed mainly
// for tests asserting the no-leak invariant at shutdown.
func (b *FrameBuffer) RefCount() int32 {
	return atomic.LoadInt32(&b.refCount)
}

func (b *FrameBuffer) ensure(plane int, size int) {
	if b.capacity[plane] >= size {
		return
	}
	b.data[plane] = make([]byte, size)
	b.capacity[plane] = size
}

// Pool is a fixed-capacity free list of FrameBuffers. Acquisition is
// non-blocking: an exhausted pool returns ErrExhausted rather than
// blocking the caller, which is the engine's only backpressure
// mechanism (spec'd: drop frames, never block the worker).
type Pool struct {
	freeList  chan *FrameBuffer
	capacity  int
	highWater int32
}

// ErrExhausted is returned by Acquire when no buffer is free.
type ErrExhausted struct{}

func (ErrExhausted) Error() string { return "frame buffer pool exhausted" }

// NewPool preallocates capacity buffers, each with planeSize bytes in
// plane 0 (BGR24 is single-plane; the other three planes start empty
// and only grow if some future format needs them).
func NewPool(capacity int, planeSize int) *Pool {
	p := &Pool{
		freeList: make(chan *FrameBuffer, capacity),
		capacity: capacity,
	}
	for i := 0; i < capacity; i++ {
		buf := &FrameBuffer{}
		buf.ensure(0, planeSize)
		p.freeList <- buf
	}
	return p
}

// Acquire returns a buffer guaranteed to have at least linesize*height
// bytes of capacity in plane 0, growing the buffer's storage in place
// if it was sized for something smaller. Never blocks.
func (p *Pool) Acquire(cameraID int32, width, height, linesize int, format PixelFormat) (*FrameBuffer, error) {
	select {
	case buf := <-p.freeList:
		buf.ensure(0, linesize*height)
		buf.Width = width
		buf.Height = height
		buf.Linesize = [numPlanes]int{linesize, 0, 0, 0}
		buf.Format = format
		buf.CameraID = cameraID
		atomic.StoreInt32(&buf.refCount, 1)
		inUse := int32(p.capacity - len(p.freeList))
		poolInUse.Set(float64(inUse))
		for {
			hw := atomic.LoadInt32(&p.highWater)
			if inUse <= hw || atomic.CompareAndSwapInt32(&p.highWater, hw, inUse) {
				break
			}
		}
		poolHighWater.Set(float64(atomic.LoadInt32(&p.highWater)))
		return buf, nil
	default:
		poolExhausted.WithLabelValues(strconv.Itoa(int(cameraID))).Inc()
		return nil, ErrExhausted{}
	}
}

// Retain increments the reference count. Only the consumer calls this,
// to keep a buffer alive past the frame callback's return.
func (p *Pool) Retain(buf *FrameBuffer) {
	atomic.AddInt32(&buf.refCount, 1)
}

// Release decrements the reference count; at zero the buffer returns to
// the free list. Plane storage is not zeroed - a future acquirer may
// observe stale pixel contents, which is an accepted tradeoff (spec:
// "buffer payload is not zeroed on release").
func (p *Pool) Release(buf *FrameBuffer) {
	if atomic.AddInt32(&buf.refCount, -1) == 0 {
		p.freeList <- buf
		poolInUse.Set(float64(p.capacity - len(p.freeList)))
	}
}

// Outstanding returns the number of buffers currently checked out.
// Used by shutdown-time leak checks and by pool-exhaustion telemetry.
func (p *Pool) Outstanding() int {
	return p.capacity - len(p.freeList)
}

// Free drains and discards all buffers. Must only be called once every
// worker holding a reference has stopped - callers do not call this
// directly, the registry does it once all workers have joined.
func (p *Pool) Free() {
	for i := 0; i < p.capacity; i++ {
		<-p.freeList
	}
	close(p.freeList)
}
