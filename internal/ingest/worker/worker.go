// Package worker implements the per-camera state machine: connect, read,
// decode, rescale, deliver, reconnect. One Worker owns one open input,
// its decoder/rescaler (through a pipeline.Source), a reconnection
// timer and a single cancellation flag.
package worker

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vstreamio/camcore/internal/ingest/buffer"
	"github.com/vstreamio/camcore/internal/ingest/pipeline"
	"github.com/vstreamio/camcore/internal/servicelog"
)

// Status is the state machine's vocabulary, matching the facade's
// status callback codes byte for byte.
type Status int32

const (
	StatusStopped Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusWaitingReconnect
	StatusReconnecting
	StatusBuffering // reserved, not emitted by this implementation
	StatusNoFreeSlot
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "STOPPED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusWaitingReconnect:
		return "WAITING_RECONNECT"
	case StatusReconnecting:
		return "RECONNECTING"
	case StatusBuffering:
		return "BUFFERING"
	case StatusNoFreeSlot:
		return "NO_FREE_SLOT"
	default:
		return "UNKNOWN"
	}
}

// StatusCallback reports every transition. Messages are informational;
// consumers must not parse them (spec §7).
type StatusCallback func(cameraID int32, status Status, message string)

// FrameCallback receives a borrowed FrameBuffer reference. The worker
// releases its own reference as soon as the callback returns, unless
// the callback called pool.Retain first.
type FrameCallback func(buf *buffer.FrameBuffer)

var (
	workerStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "camcore_worker_status",
			Help: "Current state-machine status per camera (see Status enum)",
		},
		[]string{"camera"},
	)

	framesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camcore_frames_delivered_total",
			Help: "Frames successfully delivered to the frame callback",
		},
		[]string{"camera"},
	)

	framesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camcore_frames_dropped_total",
			Help: "Frames dropped by reason (throttle, pool-exhausted, corrupt)",
		},
		[]string{"camera", "reason"},
	)
)

// ExhaustionCallback reports that pool acquisition has been failing
// continuously for at least the given duration - an operator-visible
// condition distinct from the occasional dropped frame.
type ExhaustionCallback func(cameraID int32, since time.Duration)

// Config bundles the entry conditions spec'd for a worker in §4.3.
type Config struct {
	CameraID        int32
	URL             string
	TargetFPS       int
	Pool            *buffer.Pool
	NewSource       pipeline.Factory
	OnFrame         FrameCallback
	OnStatus        StatusCallback
	OnExhaustion    ExhaustionCallback
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	StopJoinTimeout time.Duration
}

// exhaustionAlertWindow is how long pool acquisition must keep failing
// before OnExhaustion fires, so a single transient blip never pages an
// operator.
const exhaustionAlertWindow = 30 * time.Second

// Worker runs one camera's connect/read/decode/rescale/reconnect loop
// on its own goroutine.
type Worker struct {
	cfg    Config
	logger servicelog.Logger

	cancel int32 // atomic bool, single writer (Stop), polled everywhere

	mu              sync.Mutex
	lastStatus      Status
	lastFrameAt     time.Time
	exhaustedSince  time.Time
	exhaustionFired bool

	done chan struct{}
}

// New constructs a Worker. Run must be called to actually start it.
func New(cfg Config, logger servicelog.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		logger: logger.With(servicelog.Int32("camera", cfg.CameraID)),
		done:   make(chan struct{}),
	}
}

// Stop raises the cancellation flag. It does not wait for the
// goroutine to exit; callers needing that use Join.
func (w *Worker) Stop() {
	atomic.StoreInt32(&w.cancel, 1)
}

func (w *Worker) cancelled() bool {
	return atomic.LoadInt32(&w.cancel) == 1
}

// Join blocks until the worker's goroutine has exited or timeout
// elapses. Returns false if the deadline passed first - the documented
// failure mode of an uncooperative decoder (spec §4.3): the caller must
// proceed and free the slot anyway.
func (w *Worker) Join(timeout time.Duration) bool {
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// LastStatus returns the most recently published status, for the
// supervisor's scan.
func (w *Worker) LastStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastStatus
}

// LastFrameAt returns when the last frame was delivered, zero value if
// never. Used by a consumer wanting to detect a "stuck" stream and
// force a reconnect (spec §4.5, "technically failed").
func (w *Worker) LastFrameAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastFrameAt
}

func (w *Worker) publish(status Status, message string) {
	w.mu.Lock()
	w.lastStatus = status
	w.mu.Unlock()
	workerStatus.WithLabelValues(cameraLabel(w.cfg.CameraID)).Set(float64(status))
	if w.cfg.OnStatus != nil {
		w.cfg.OnStatus(w.cfg.CameraID, status, message)
	}
}

// Run is the worker's goroutine entry point. It returns once the
// cancellation flag is observed and STOPPED has been published.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer w.publish(StatusStopped, "worker exited")

	reconnectBackoff := reconnectBackOff()
	nextAllowed := time.Time{}

	for {
		if w.cancelled() {
			return
		}
		w.publish(StatusConnecting, "opening input")
		source := w.cfg.NewSource(w.cfg.URL)
		err := source.Open(ctx, w.cfg.URL, w.cfg.ConnectTimeout)
		if err != nil {
			w.publish(StatusDisconnected, err.Error())
			if !w.sleepBackoff(ctx, reconnectBackoff) {
				return
			}
			continue
		}
		w.publish(StatusConnected, "input opened")
		reconnectBackoff.Reset()
		nextAllowed = time.Time{}

		connErr := w.runConnection(ctx, source, &nextAllowed)
		source.Close()
		if w.cancelled() {
			return
		}
		w.publish(StatusDisconnected, connErr.Error())
		if !w.sleepBackoff(ctx, reconnectBackoff) {
			return
		}
	}
}

// runConnection loops reading/decoding/rescaling/delivering frames
// until a transport-level error or cancellation ends the connection.
func (w *Worker) runConnection(ctx context.Context, source pipeline.Source, nextAllowed *time.Time) error {
	for {
		if w.cancelled() {
			return nil
		}
		pkt, err := source.ReadPacket(ctx, w.cfg.ReadTimeout)
		if err != nil {
			if pe, ok := err.(*pipeline.Error); ok && pe.Kind == pipeline.KindCorruptPacket {
				w.logger.Warn("dropping corrupt packet", servicelog.Error(err))
				framesDropped.WithLabelValues(cameraLabel(w.cfg.CameraID), "corrupt").Inc()
				continue
			}
			return err
		}
		frames, err := source.Decode(ctx, pkt)
		if err != nil {
			w.logger.Warn("dropping corrupt packet", servicelog.Error(err))
			framesDropped.WithLabelValues(cameraLabel(w.cfg.CameraID), "corrupt").Inc()
			continue
		}
		for _, frame := range frames {
			w.deliver(source, frame, nextAllowed)
		}
	}
}

func (w *Worker) deliver(source pipeline.Source, frame *pipeline.Frame, nextAllowed *time.Time) {
	now := time.Now()
	if w.cfg.TargetFPS > 0 {
		if now.Before(*nextAllowed) {
			framesDropped.WithLabelValues(cameraLabel(w.cfg.CameraID), "throttle").Inc()
			return
		}
		*nextAllowed = now.Add(time.Second / time.Duration(w.cfg.TargetFPS))
	}

	linesize := frame.Width * 3
	buf, err := w.cfg.Pool.Acquire(w.cfg.CameraID, frame.Width, frame.Height, linesize, buffer.FormatBGR24)
	if err != nil {
		framesDropped.WithLabelValues(cameraLabel(w.cfg.CameraID), "pool-exhausted").Inc()
		w.logger.Warn("dropping frame, pool exhausted")
		w.noteExhaustion()
		return
	}
	w.clearExhaustion()
	if err := source.Rescale(frame, buf, frame.Width, frame.Height); err != nil {
		w.cfg.Pool.Release(buf)
		w.logger.Warn("rescale failed, dropping frame", servicelog.Error(err))
		framesDropped.WithLabelValues(cameraLabel(w.cfg.CameraID), "rescale-error").Inc()
		return
	}
	w.mu.Lock()
	w.lastFrameAt = time.Now()
	w.mu.Unlock()
	framesDelivered.WithLabelValues(cameraLabel(w.cfg.CameraID)).Inc()
	if w.cfg.OnFrame != nil {
		w.cfg.OnFrame(buf)
	}
	w.cfg.Pool.Release(buf)
}

// noteExhaustion tracks how long acquisition has been continuously
// failing and fires OnExhaustion once it crosses exhaustionAlertWindow,
// at most once per exhaustion episode.
func (w *Worker) noteExhaustion() {
	w.mu.Lock()
	if w.exhaustedSince.IsZero() {
		w.exhaustedSince = time.Now()
	}
	since := time.Since(w.exhaustedSince)
	fire := since >= exhaustionAlertWindow && !w.exhaustionFired
	if fire {
		w.exhaustionFired = true
	}
	w.mu.Unlock()
	if fire && w.cfg.OnExhaustion != nil {
		w.cfg.OnExhaustion(w.cfg.CameraID, since)
	}
}

func (w *Worker) clearExhaustion() {
	w.mu.Lock()
	w.exhaustedSince = time.Time{}
	w.exhaustionFired = false
	w.mu.Unlock()
}

// sleepBackoff waits out one reconnect backoff interval, polling the
// cancellation flag and honoring ctx cancellation. Returns false if the
// worker should exit instead of reconnecting.
func (w *Worker) sleepBackoff(ctx context.Context, bo backoff.BackOff) bool {
	w.publish(StatusWaitingReconnect, "backing off before reconnect")
	wait := bo.NextBackOff()
	if wait == backoff.Stop {
		wait = 30 * time.Second
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			w.publish(StatusReconnecting, "retrying connection")
			return true
		case <-tick.C:
			if w.cancelled() {
				return false
			}
		}
	}
}

func reconnectBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

func cameraLabel(id int32) string {
	return strconv.Itoa(int(id))
}
