// Package registry implements the process-wide camera-slot table: the
// fixed-size set of active cameras, and the synchronization for
// add/stop/shutdown. It owns the frame buffer pool and hands each
// worker only a borrowed handle to it, never a back-pointer to the
// registry itself, so there is no cyclic ownership between a worker
// goroutine and the object that started it.
package registry

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vstreamio/camcore/internal/ingest/buffer"
	"github.com/vstreamio/camcore/internal/ingest/pipeline"
	"github.com/vstreamio/camcore/internal/ingest/worker"
	"github.com/vstreamio/camcore/internal/servicelog"
)

// ErrKind enumerates the facade-level error codes spec'd in §6.
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrNotInitialized
	ErrInvalidID
	ErrInvalidURL
	ErrIDInUse
	ErrNoFreeSlot
	ErrWorkerStartFailed
	ErrAlreadyInitialized
)

// Error carries an ErrKind alongside a human-readable message.
type Error struct {
	Kind    ErrKind
	Message string
}

func (e *Error) Error() string { return e.Message }

func newErr(kind ErrKind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

var (
	activeCameras = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camcore_active_cameras",
		Help: "Number of camera slots currently occupied",
	})
)

// slot is one occupied entry in the registry's fixed-size table.
type slot struct {
	cameraID  int32
	url       string
	targetFPS int
	onFrame   worker.FrameCallback
	onStatus  worker.StatusCallback
	w         *worker.Worker
	cancel    context.CancelFunc
	technical bool // marked "technically failed" by a consumer, supervisor-visible
}

// Config bundles registry-wide tunables (spec §6 configuration table).
type Config struct {
	MaxSlots        int
	PoolCapacity    int
	PlaneSize       int
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	StopJoinTimeout time.Duration
	NewSource       pipeline.Factory
	// OnExhaustion, when set, is wired into every camera worker's
	// sustained-pool-exhaustion alert (spec §7 resource errors).
	OnExhaustion worker.ExhaustionCallback
}

func (c *Config) defaults() {
	if c.MaxSlots <= 0 {
		c.MaxSlots = 64
	}
	if c.PoolCapacity <= 0 {
		c.PoolCapacity = c.MaxSlots * 2
	}
	if c.PlaneSize <= 0 {
		c.PlaneSize = 1920 * 1080 * 3
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.StopJoinTimeout <= 0 {
		c.StopJoinTimeout = 3 * time.Second
	}
}

// Registry is the process-wide singleton owning the slot table and the
// frame buffer pool. The zero value is not usable; construct with New.
type Registry struct {
	cfg    Config
	logger servicelog.Logger

	mu          sync.Mutex
	initialized bool
	slots       map[int32]*slot
	pool        *buffer.Pool
}

// New constructs an uninitialized Registry. Initialize must be called
// before AddCamera.
func New(cfg Config, logger servicelog.Logger) *Registry {
	cfg.defaults()
	return &Registry{cfg: cfg, logger: logger, slots: make(map[int32]*slot)}
}

// Initialize is idempotent per-process: calling it again while already
// initialized is a warning, not an error (spec §4.4).
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		r.logger.Warn("registry already initialized")
		return nil
	}
	r.pool = buffer.NewPool(r.cfg.PoolCapacity, r.cfg.PlaneSize)
	r.initialized = true
	r.logger.Info("registry initialized", servicelog.Int("maxSlots", r.cfg.MaxSlots))
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return errors.New("missing or invalid scheme")
	}
	switch {
	case strings.HasPrefix(u.Scheme, "rtsp"),
		strings.HasPrefix(u.Scheme, "rtmp"),
		strings.HasPrefix(u.Scheme, "http"),
		strings.HasPrefix(u.Scheme, "fake"):
		return nil
	default:
		return errors.New("unrecognized scheme")
	}
}

// AddCamera registers a new camera slot and starts its worker. The id
// is caller-chosen and recorded as-is.
func (r *Registry) AddCamera(ctx context.Context, cameraID int32, rawURL string, targetFPS int, onFrame worker.FrameCallback, onStatus worker.StatusCallback) error {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return newErr(ErrNotInitialized, "registry not initialized")
	}
	if err := validateURL(rawURL); err != nil {
		r.mu.Unlock()
		return newErr(ErrInvalidURL, err.Error())
	}
	if _, exists := r.slots[cameraID]; exists {
		r.mu.Unlock()
		return newErr(ErrIDInUse, "camera id already in use")
	}
	if len(r.slots) >= r.cfg.MaxSlots {
		r.mu.Unlock()
		return newErr(ErrNoFreeSlot, "no free camera slot")
	}
	pool := r.pool
	newSource := r.cfg.NewSource
	r.mu.Unlock() // never hold the state lock across worker startup or callbacks

	workerCtx, cancel := context.WithCancel(ctx)
	w := worker.New(worker.Config{
		CameraID:        cameraID,
		URL:             rawURL,
		TargetFPS:       targetFPS,
		Pool:            pool,
		NewSource:       newSource,
		OnFrame:         onFrame,
		OnStatus:        onStatus,
		OnExhaustion:    r.cfg.OnExhaustion,
		ConnectTimeout:  r.cfg.ConnectTimeout,
		ReadTimeout:     r.cfg.ReadTimeout,
		StopJoinTimeout: r.cfg.StopJoinTimeout,
	}, r.logger)

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under lock: another goroutine may have raced us between
	// the unlock above and here (spec §9: the state lock serializes
	// supervisor and user actions alike).
	if _, exists := r.slots[cameraID]; exists {
		cancel()
		return newErr(ErrIDInUse, "camera id already in use")
	}
	r.slots[cameraID] = &slot{
		cameraID:  cameraID,
		url:       rawURL,
		targetFPS: targetFPS,
		onFrame:   onFrame,
		onStatus:  onStatus,
		w:         w,
		cancel:    cancel,
	}
	activeCameras.Set(float64(len(r.slots)))
	go w.Run(workerCtx)
	return nil
}

// StopCamera signals cancel, joins the worker with the bounded timeout,
// and always removes the slot - an explicit user action removes the
// slot even if the join timed out (spec §4.4, §4.3).
func (r *Registry) StopCamera(cameraID int32) error {
	r.mu.Lock()
	s, exists := r.slots[cameraID]
	if !exists {
		r.mu.Unlock()
		return newErr(ErrInvalidID, "camera id not present")
	}
	delete(r.slots, cameraID)
	activeCameras.Set(float64(len(r.slots)))
	r.mu.Unlock() // never hold the lock across a worker join

	s.w.Stop()
	s.cancel()
	if !s.w.Join(r.cfg.StopJoinTimeout) {
		r.logger.Warn("worker did not exit within stop-join-timeout, freeing slot anyway",
			servicelog.Int32("camera", cameraID))
	}
	return nil
}

// markTechnical flags a slot as "technically failed" without removing
// it, the supervisor-visible path distinct from StopCamera (spec §4.5,
// §9). Used by a consumer-driven "force disconnect" escape hatch; Scan
// surfaces the flag so the supervisor's sweep picks the slot up even
// after the worker itself has wound down to STOPPED.
func (r *Registry) markTechnical(cameraID int32, failed bool) (*slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[cameraID]
	if ok {
		s.technical = failed
	}
	return s, ok
}

// ForceDisconnect lets a consumer mark a slot technically failed (e.g.
// detected a stuck stream) so the supervisor includes it in its next
// reconnect sweep, without the consumer tearing the slot down itself.
// It also cancels the worker's context directly, rather than relying on
// StopCamera, so the forced disconnect takes effect without waiting for
// a blocking read to time out on its own.
func (r *Registry) ForceDisconnect(cameraID int32) error {
	s, exists := r.markTechnical(cameraID, true)
	if !exists {
		return newErr(ErrInvalidID, "camera id not present")
	}
	s.w.Stop()
	s.cancel()
	return nil
}

// Snapshot describes one slot's externally-visible state, taken under
// the state lock and safe to read afterwards (spec §4.5: "a consistent
// snapshot of slot statuses").
type Snapshot struct {
	CameraID    int32
	URL         string
	TargetFPS   int
	Status      worker.Status
	LastFrameAt time.Time
	// Technical is set by ForceDisconnect and stays set across whatever
	// terminal status the forced-out worker publishes, so the
	// supervisor's sweep can still find and rearm the slot even once
	// the worker itself has reached STOPPED.
	Technical bool
}

// Scan returns a point-in-time snapshot of every occupied slot. The
// supervisor releases the state lock before acting on the result.
func (r *Registry) Scan() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, Snapshot{
			CameraID:    s.cameraID,
			URL:         s.url,
			TargetFPS:   s.targetFPS,
			Status:      s.w.LastStatus(),
			LastFrameAt: s.w.LastFrameAt(),
			Technical:   s.technical,
		})
	}
	return out
}

// Rearm re-adds a camera under the same id and parameters, used by the
// supervisor to implement "stop + re-add" reconnection (spec §4.5). It
// observes the slot still exists before stopping it, so a concurrent
// explicit StopCamera always wins the race (spec §9 open question).
func (r *Registry) Rearm(ctx context.Context, cameraID int32) error {
	r.mu.Lock()
	s, exists := r.slots[cameraID]
	if !exists {
		r.mu.Unlock()
		return newErr(ErrInvalidID, "camera id not present")
	}
	url, fps, onFrame, onStatus := s.url, s.targetFPS, s.onFrame, s.onStatus
	r.mu.Unlock()

	if err := r.StopCamera(cameraID); err != nil {
		return err
	}
	return r.AddCamera(ctx, cameraID, url, fps, onFrame, onStatus)
}

// Shutdown cancels every worker, joins them all with a global bounded
// timeout, and tears the pool down. Idempotent.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return
	}
	ids := make([]int32, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	// Stop every camera concurrently so the whole shutdown is bounded by
	// one StopJoinTimeout rather than one per camera.
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int32) {
			defer wg.Done()
			r.StopCamera(id)
		}(id)
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool != nil {
		r.pool.Free()
		r.pool = nil
	}
	r.initialized = false
	activeCameras.Set(0)
	r.logger.Info("registry shutdown complete")
}

// Pool exposes the shared frame buffer pool so the facade can implement
// pool_return on the consumer's behalf.
func (r *Registry) Pool() *buffer.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool
}
