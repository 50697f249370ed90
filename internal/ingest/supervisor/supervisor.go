// Package supervisor implements the single background thread that
// periodically scans the registry for cameras stuck DISCONNECTED and
// re-arms them, so auto-reconnect is a system-level property that
// survives even when the application thread driving the facade is
// blocked on something else entirely.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/vstreamio/camcore/internal/ingest/registry"
	"github.com/vstreamio/camcore/internal/ingest/worker"
	"github.com/vstreamio/camcore/internal/servicelog"
)

// Supervisor owns the reconnect scan loop. Shutdown uses the same
// cancel-and-join-with-timeout pattern as a camera worker (spec §4.5).
type Supervisor struct {
	reg          *registry.Registry
	logger       servicelog.Logger
	scanInterval time.Duration

	mu           sync.Mutex
	lastAttempt  map[int32]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Supervisor that scans reg every scanInterval once Start
// is called.
func New(reg *registry.Registry, logger servicelog.Logger, scanInterval time.Duration) *Supervisor {
	if scanInterval <= 0 {
		scanInterval = 30 * time.Second
	}
	return &Supervisor{
		reg:          reg,
		logger:       logger,
		scanInterval: scanInterval,
		lastAttempt:  make(map[int32]time.Time),
		done:         make(chan struct{}),
	}
}

// Start launches the scan loop on its own goroutine. Calling it while a
// loop is already running does nothing; after that loop has exited, it
// starts a fresh one.
func (s *Supervisor) Start(ctx context.Context) {
	if s.cancel != nil {
		select {
		case <-s.done:
		default:
			return
		}
	}
	s.done = make(chan struct{})
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(ctx)
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep takes a consistent snapshot under the registry's state lock,
// releases it, then re-arms every slot that needs supervisor help
// whose last attempt is old enough - never holding the registry lock
// across the re-add/worker-join it triggers.
//
// A slot qualifies either by status (DISCONNECTED, or still
// WAITING_RECONNECT - the worker publishes WAITING_RECONNECT almost
// immediately after DISCONNECTED, so matching DISCONNECTED alone would
// miss nearly every real scan) or by the Technical flag a consumer set
// through ForceDisconnect, which outlives whatever terminal status the
// forced-out worker published.
func (s *Supervisor) sweep(ctx context.Context) {
	now := time.Now()
	for _, snap := range s.reg.Scan() {
		needsRearm := snap.Status == worker.StatusDisconnected ||
			snap.Status == worker.StatusWaitingReconnect ||
			snap.Technical
		if !needsRearm {
			continue
		}
		s.mu.Lock()
		last, seen := s.lastAttempt[snap.CameraID]
		due := !seen || now.Sub(last) >= s.scanInterval
		if due {
			s.lastAttempt[snap.CameraID] = now
		}
		s.mu.Unlock()
		if !due {
			continue
		}
		s.logger.Info("reconnecting camera", servicelog.Int32("camera", snap.CameraID))
		if err := s.reg.Rearm(ctx, snap.CameraID); err != nil {
			// The slot may have been removed by a concurrent explicit
			// StopCamera between Scan and Rearm; that is not a
			// supervisor error, the user's stop simply won the race
			// (spec §9 open question resolution).
			s.logger.Debug("rearm skipped", servicelog.Error(err))
		}
	}
}

// Stop cancels the scan loop and waits up to timeout for it to exit.
func (s *Supervisor) Stop(timeout time.Duration) bool {
	if s.cancel == nil {
		return true
	}
	s.cancel()
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
