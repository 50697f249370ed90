package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vstreamio/camcore/internal/ingest/buffer"
)

func testJPEG(t *testing.T, width, height int, fill color.Gray) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestHTTPSourceOpenReadDecodeRoundTrip(t *testing.T) {
	body := testJPEG(t, 8, 4, color.Gray{Y: 0x80})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(body)
	}))
	defer srv.Close()

	src := NewHTTPSource(time.Second, 0)
	ctx := context.Background()
	if err := src.Open(ctx, srv.URL, time.Second); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	pkt, err := src.ReadPacket(ctx, time.Second)
	if err != nil {
		t.Fatalf("read packet: %v", err)
	}
	frames, err := src.Decode(ctx, pkt)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected exactly one frame, got %d", len(frames))
	}
	if frames[0].Width != 8 || frames[0].Height != 4 {
		t.Fatalf("unexpected frame dims: %dx%d", frames[0].Width, frames[0].Height)
	}
	if frames[0].Format != buffer.FormatBGR24 {
		t.Fatalf("expected BGR24, got %v", frames[0].Format)
	}

	pool := buffer.NewPool(1, 8*4*3)
	defer pool.Free()
	dst, err := pool.Acquire(1, 8, 4, 8*3, buffer.FormatBGR24)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer pool.Release(dst)
	if err := src.Rescale(frames[0], dst, 8, 4); err != nil {
		t.Fatalf("rescale: %v", err)
	}
	if dst.PTS != frames[0].PTS {
		t.Fatalf("expected rescale to carry pts through, got %d want %d", dst.PTS, frames[0].PTS)
	}
}

func TestHTTPSourceReadPacketAfterCloseFails(t *testing.T) {
	body := testJPEG(t, 2, 2, color.Gray{Y: 0})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	src := NewHTTPSource(time.Second, 0)
	ctx := context.Background()
	if err := src.Open(ctx, srv.URL, time.Second); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := src.ReadPacket(ctx, time.Second); err == nil {
		t.Fatalf("expected read after close to fail")
	}
}

func TestHTTPSourceReadPacketRejectsNonJPEGResponse(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("not a jpeg"))
	}))
	defer srv.Close()

	src := NewHTTPSource(time.Second, 0)
	ctx := context.Background()
	if err := src.Open(ctx, srv.URL, time.Second); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	if _, err := src.ReadPacket(ctx, time.Second); err == nil {
		t.Fatalf("expected non-jpeg response body to be rejected")
	}
	if atomic.LoadInt32(&hits) == 0 {
		t.Fatalf("expected server to have been hit")
	}
}
