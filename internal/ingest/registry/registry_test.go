package registry

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
	return servicelog.New(nil, "/tmp/camcore-registry-test.log", false)
}

func testConfig() Config {
	return Config{
		MaxSlots:        2,
		PoolCapacity:    4,
		PlaneSize:       64 * 48 * 3,
		ConnectTimeout:  time.Second,
		ReadTimeout:     time.Second,
		StopJoinTimeout: time.Second,
		NewSource:       func(url string) pipeline.Source { return pipeline.NewFakeSource(64, 48, 30) },
	}
}

func TestAddCameraRejectsDuplicateID(t *testing.T) {
	r := New(testConfig(), testLogger())
	if err := r.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer r.Shutdown()

	ctx := context.Background()
	if err := r.AddCamera(ctx, 1, "fake://a", 1, nil, nil); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := r.AddCamera(ctx, 1, "fake://a", 1, nil, nil)
	if err == nil {
		t.Fatalf("expected duplicate id to be rejected")
	}
	if regErr, ok := err.(*Error); !ok || regErr.Kind != ErrIDInUse {
		t.Fatalf("expected ErrIDInUse, got %v", err)
	}
}

func TestAddCameraRejectsWhenNoFreeSlot(t *testing.T) {
	r := New(testConfig(), testLogger())
	if err := r.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer r.Shutdown()

	ctx := context.Background()
	if err := r.AddCamera(ctx, 1, "fake://a", 1, nil, nil); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if err := r.AddCamera(ctx, 2, "fake://b", 1, nil, nil); err != nil {
		t.Fatalf("add 2: %v", err)
	}
	err := r.AddCamera(ctx, 3, "fake://c", 1, nil, nil)
	if err == nil {
		t.Fatalf("expected no free slot")
	}
	if regErr, ok := err.(*Error); !ok || regErr.Kind != ErrNoFreeSlot {
		t.Fatalf("expected ErrNoFreeSlot, got %v", err)
	}
}

func TestStopThenAddSameIDSucceeds(t *testing.T) {
	r := New(testConfig(), testLogger())
	if err := r.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer r.Shutdown()

	ctx := context.Background()
	if err := r.AddCamera(ctx, 1, "fake://a", 1, nil, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.StopCamera(1); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.StopCamera(1); err == nil {
		t.Fatalf("expected second stop to fail with invalid id")
	}
	if err := r.AddCamera(ctx, 1, "fake://a", 1, nil, nil); err != nil {
		t.Fatalf("re-add after stop: %v", err)
	}
}

func TestRejectsInvalidURL(t *testing.T) {
	r := New(testConfig(), testLogger())
	if err := r.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer r.Shutdown()

	err := r.AddCamera(context.Background(), 1, "not-a-url", 1, nil, nil)
	if err == nil {
		t.Fatalf("expected invalid url to be rejected")
	}
	if regErr, ok := err.(*Error); !ok || regErr.Kind != ErrInvalidURL {
		t.Fatalf("expected ErrInvalidURL, got %v", err)
	}
}

func TestShutdownStopsAllWorkersAndTearsDownPool(t *testing.T) {
	r := New(testConfig(), testLogger())
	if err := r.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	var mu sync.Mutex
	var delivered int

	onFrame := func(buf *buffer.FrameBuffer) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}

	ctx := context.Background()
	if err := r.AddCamera(ctx, 1, "fake://a", 30, onFrame, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	r.Shutdown()

	mu.Lock()
	got := delivered
	mu.Unlock()
	if got == 0 {
		t.Fatalf("expected at least one frame to have been delivered before shutdown")
	}

	if pool := r.Pool(); pool != nil {
		t.Fatalf("expected pool to be torn down after shutdown")
	}
}

func TestForceDisconnectMarksSlotTechnicalWithoutRemovingIt(t *testing.T) {
	r := New(testConfig(), testLogger())
	if err := r.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer r.Shutdown()

	ctx := context.Background()
	if err := r.AddCamera(ctx, 1, "fake://a", 30, nil, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := r.ForceDisconnect(1); err != nil {
		t.Fatalf("force disconnect: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snaps := r.Scan()
		if len(snaps) == 1 && snaps[0].CameraID == 1 && snaps[0].Technical {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the slot to remain present and flagged technical after ForceDisconnect")
}

func TestForceDisconnectOnUnknownIDFails(t *testing.T) {
	r := New(testConfig(), testLogger())
	if err := r.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer r.Shutdown()

	err := r.ForceDisconnect(99)
	if err == nil {
		t.Fatalf("expected unknown camera id to be rejected")
	}
	if regErr, ok := err.(*Error); !ok || regErr.Kind != ErrInvalidID {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}
