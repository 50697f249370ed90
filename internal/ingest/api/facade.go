// Package api exposes the narrow, callback-oriented public surface:
// Initialize, AddCamera, StopCamera, Shutdown, PoolReturn, SetLogLevel.
// It is the only entry point a binding (or cmd/camerad) should need -
// everything underneath (registry, supervisor, pool) is an
// implementation detail reachable only through this facade.
package api

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vstreamio/camcore/internal/ingest/buffer"
	"github.com/vstreamio/camcore/internal/ingest/registry"
	"github.com/vstreamio/camcore/internal/ingest/snapshot"
	"github.com/vstreamio/camcore/internal/ingest/supervisor"
	"github.com/vstreamio/camcore/internal/ingest/telemetry"
	"github.com/vstreamio/camcore/internal/ingest/worker"
	"github.com/vstreamio/camcore/internal/servicelog"
)

// Engine is the facade. It must be safe to call from any thread; it
// imposes no concurrency on callbacks beyond "invoked from a worker
// thread, serialized per camera_id" (spec §4.6).
type Engine struct {
	reg       *registry.Registry
	sup       *supervisor.Supervisor
	snapshots *snapshot.Cache
	telemetry *telemetry.Reporter
	logger    servicelog.Logger
}

// Options bundles what New needs beyond registry.Config, so callers
// don't have to reach into internal/ingest/registry directly.
type Options struct {
	Registry     registry.Config
	ScanInterval time.Duration
	SnapshotTTL  time.Duration
	Telemetry    telemetry.Config
}

// New builds an Engine. Initialize must still be called before any
// camera is added.
func New(opts Options, logger servicelog.Logger) (*Engine, error) {
	rep := telemetry.New(opts.Telemetry, logger)

	opts.Registry.OnExhaustion = func(cameraID int32, since time.Duration) {
		msg := fmt.Sprintf("camera %d: frame buffer pool exhausted for %s", cameraID, since.Round(time.Second))
		logger.Warn(msg)
		rep.Alert(context.Background(), strconv.Itoa(int(cameraID)), "warning", msg)
	}

	reg := registry.New(opts.Registry, logger)
	sup := supervisor.New(reg, logger, opts.ScanInterval)
	snaps, err := snapshot.NewCache(opts.Registry.MaxSlots, opts.SnapshotTTL)
	if err != nil {
		return nil, err
	}
	return &Engine{reg: reg, sup: sup, snapshots: snaps, telemetry: rep, logger: logger}, nil
}

// Initialize performs one-time setup and starts the reconnect
// supervisor. Idempotent.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.reg.Initialize(); err != nil {
		return err
	}
	e.sup.Start(ctx)
	return nil
}

// AddCamera registers a new camera and starts its worker. onFrame and
// onStatus are invoked from the worker's own goroutine, serialized per
// camera id; onFrame must copy/retain before returning if it wants to
// keep the buffer past its return.
func (e *Engine) AddCamera(ctx context.Context, cameraID int32, url string, targetFPS int, onFrame worker.FrameCallback, onStatus worker.StatusCallback) error {
	wrappedFrame := func(buf *buffer.FrameBuffer) {
		e.snapshots.Set(buf)
		if onFrame != nil {
			onFrame(buf)
		}
	}
	wrappedStatus := func(id int32, status worker.Status, message string) {
		e.telemetry.Report(ctx, telemetry.StatusEvent{CameraID: id, Status: status, Message: message, Timestamp: time.Now()})
		if onStatus != nil {
			onStatus(id, status, message)
		}
	}
	return e.reg.AddCamera(ctx, cameraID, url, targetFPS, wrappedFrame, wrappedStatus)
}

// StopCamera is an explicit user action and always removes the slot.
func (e *Engine) StopCamera(cameraID int32) error {
	err := e.reg.StopCamera(cameraID)
	e.snapshots.Drop(cameraID)
	return err
}

// ForceDisconnect marks a slot "technically failed" so the next
// supervisor sweep includes it, without removing the slot (spec §4.5).
func (e *Engine) ForceDisconnect(cameraID int32) error {
	return e.reg.ForceDisconnect(cameraID)
}

// PoolReturn is the consumer's release call for a buffer it retained
// past a frame callback's return.
func (e *Engine) PoolReturn(buf *buffer.FrameBuffer) {
	e.reg.Pool().Release(buf)
}

// Snapshot returns the most recently delivered frame for cameraID,
// independent of the frame callback stream.
func (e *Engine) Snapshot(cameraID int32) (snapshot.Snapshot, bool) {
	return e.snapshots.Get(cameraID)
}

// SnapshotCache exposes the underlying cache to the service entry point
// so it can wire an HTTP MJPEG endpoint over it (snapshot.Handler).
func (e *Engine) SnapshotCache() *snapshot.Cache {
	return e.snapshots
}

// SetLogLevel has no effect: the log level is fixed when the logger is
// built and is not changed by this call. camcore logs at a fixed
// verbosity per build (zap's own level filter does the rest); this
// setter exists only to satisfy the facade surface spec'd for language
// bindings that expect it.
func (e *Engine) SetLogLevel(debug bool) {
	// The underlying zap logger's level is fixed at construction time
	// (internal/servicelog.New); toggling it at runtime would require
	// an AtomicLevel, which is not worth the complexity for a knob this
	// engine only ever sets once at startup.
}

// Shutdown cancels every worker, joins them, tears the pool and
// supervisor down. Idempotent.
func (e *Engine) Shutdown(stopTimeout time.Duration) {
	e.sup.Stop(stopTimeout)
	e.reg.Shutdown()
	if e.snapshots != nil {
		e.snapshots.Close()
	}
}
