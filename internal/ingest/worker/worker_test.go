package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vstreamio/camcore/internal/ingest/buffer"
	"github.com/vstreamio/camcore/internal/ingest/pipeline"
	"github.com/vstreamio/camcore/internal/servicelog"
)

func testLogger() servicelog.Logger {
	return servicelog.New(nil, "/tmp/camcore-worker-test.log", false)
}

func TestWorkerDeliversFramesWithMonotonicPTS(t *testing.T) {
	pool := buffer.NewPool(4, 640*480*3)
	defer pool.Free()

	var (
		mu          sync.Mutex
		lastPTS     int64 = -1
		monotonic         = true
		statuses    []Status
	)

	w := New(Config{
		CameraID:  1,
		URL:       "fake://640x480@30",
		TargetFPS: 0,
		Pool:      pool,
		NewSource: func(url string) pipeline.Source { return pipeline.NewFakeSource(64, 48, 50) },
		OnFrame: func(buf *buffer.FrameBuffer) {
			mu.Lock()
			defer mu.Unlock()
			if buf.PTS < lastPTS {
				monotonic = false
			}
			lastPTS = buf.PTS
		},
		OnStatus: func(cameraID int32, status Status, message string) {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, status)
		},
		ConnectTimeout:  time.Second,
		ReadTimeout:     time.Second,
		StopJoinTimeout: time.Second,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	time.Sleep(300 * time.Millisecond)
	w.Stop()
	cancel()
	if !w.Join(3 * time.Second) {
		t.Fatalf("worker did not exit within join timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if lastPTS < 0 {
		t.Fatalf("expected at least one frame to have been delivered")
	}
	if !monotonic {
		t.Fatalf("expected non-decreasing PTS within one connected episode")
	}
	if len(statuses) == 0 || statuses[0] != StatusConnecting {
		t.Fatalf("expected first status to be CONNECTING, got %v", statuses)
	}
	if statuses[len(statuses)-1] != StatusStopped {
		t.Fatalf("expected last status to be STOPPED, got %v", statuses[len(statuses)-1])
	}
}

func TestWorkerJoinTimesOutOnUncooperativeSource(t *testing.T) {
	pool := buffer.NewPool(1, 64)
	defer pool.Free()

	block := make(chan struct{})
	w := New(Config{
		CameraID:  2,
		URL:       "fake://stuck",
		TargetFPS: 0,
		Pool:      pool,
		NewSource: func(url string) pipeline.Source { return &blockingSource{unblock: block} },
		ConnectTimeout:  time.Second,
		ReadTimeout:     time.Second,
		StopJoinTimeout: 50 * time.Millisecond,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	w.Stop()
	if w.Join(100 * time.Millisecond) {
		t.Fatalf("expected join to time out against an uncooperative source")
	}
	close(block)
}

// blockingSource never returns from ReadPacket until unblock is closed,
// simulating an uncooperative native decoder that ignores cancellation.
type blockingSource struct {
	unblock chan struct{}
}

func (b *blockingSource) Open(ctx context.Context, url string, timeout time.Duration) error {
	return nil
}

func (b *blockingSource) ReadPacket(ctx context.Context, timeout time.Duration) (*pipeline.Packet, error) {
	<-b.unblock
	return nil, context.Canceled
}

func (b *blockingSource) Decode(ctx context.Context, pkt *pipeline.Packet) ([]*pipeline.Frame, error) {
	return nil, nil
}

func (b *blockingSource) Rescale(src *pipeline.Frame, dst *buffer.FrameBuffer, w, h int) error {
	return nil
}

func (b *blockingSource) Close() error { return nil }
