package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vstreamio/camcore/internal/ingest/buffer"
)

// FakeSource is a synthetic Source producing a fixed byte-ramp pattern,
// rotated by one scan line per frame, at a fixed rate, independent of
// any network. It exists so the worker state machine, the pool and the
// registry can be exercised by tests without a real RTSP/RTMP/HLS
// server. The url passed to Open is accepted but not parsed: frame
// dimensions and rate always come from NewFakeSource.
type FakeSource struct {
	width, height int
	fps           int
	linesize      int

	mu      sync.Mutex
	opened  bool
	frame   []byte
	offset  int
	pktSeq  int64
	closeCh chan struct{}
}

// NewFakeSource builds a FakeSource generating width x height BGR24
// frames at fps packets per second.
func NewFakeSource(width, height, fps int) *FakeSource {
	return &FakeSource{width: width, height: height, fps: fps, linesize: width * 3}
}

func (f *FakeSource) Open(ctx context.Context, url string, connectTimeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opened {
		return nil
	}
	if f.width <= 0 || f.height <= 0 {
		return newError(KindOpenFailed, errors.New("invalid fake source dimensions"))
	}
	f.frame = make([]byte, f.linesize*f.height)
	for i := range f.frame {
		f.frame[i] = byte(i)
	}
	f.opened = true
	f.closeCh = make(chan struct{})
	return nil
}

// ReadPacket returns one synthetic packet per tick of 1/fps, or
// KindTimeout if readTimeout elapses first (it never does, in
// practice, since fps ticks faster than any reasonable read-timeout).
func (f *FakeSource) ReadPacket(ctx context.Context, readTimeout time.Duration) (*Packet, error) {
	f.mu.Lock()
	if !f.opened {
		f.mu.Unlock()
		return nil, newError(KindEndOfStream, errors.New("source closed"))
	}
	closeCh := f.closeCh
	f.mu.Unlock()

	interval := time.Second / time.Duration(maxInt(f.fps, 1))
	timer := time.NewTimer(interval)
	defer timer.Stop()
	deadline := time.NewTimer(readTimeout)
	defer deadline.Stop()
	select {
	case <-ctx.Done():
		return nil, newError(KindTimeout, ctx.Err())
	case <-deadline.C:
		return nil, newError(KindTimeout, errors.New("read timeout"))
	case <-closeCh:
		return nil, newError(KindEndOfStream, errors.New("source closed"))
	case <-timer.C:
		f.mu.Lock()
		f.pktSeq++
		seq := f.pktSeq
		f.mu.Unlock()
		return &Packet{PTS: seq}, nil
	}
}

// Decode rotates the synthetic frame by one scan line so consecutive
// frames are visibly distinct, the same trick the teacher's fake image
// source uses to simulate motion without a real camera.
func (f *FakeSource) Decode(ctx context.Context, pkt *Packet) ([]*Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened {
		return nil, newError(KindDecoderError, errors.New("source closed"))
	}
	line := make([]byte, f.linesize)
	total := len(f.frame)
	copy(line, f.frame[:f.linesize])
	copy(f.frame, f.frame[f.linesize:])
	copy(f.frame[total-f.linesize:], line)

	out := make([]byte, total)
	copy(out, f.frame)
	return []*Frame{{
		Width:    f.width,
		Height:   f.height,
		Format:   buffer.FormatBGR24,
		Linesize: f.linesize,
		PTS:      pkt.PTS,
		Data:     out,
	}}, nil
}

// Rescale records the target dimensions on dst and copies src's pixel
// bytes into plane 0 as they are; no resampling is done, so the result
// is only a correct image when the target equals src's own dimensions.
func (f *FakeSource) Rescale(src *Frame, dst *buffer.FrameBuffer, targetWidth, targetHeight int) error {
	dst.Width = targetWidth
	dst.Height = targetHeight
	dst.Format = buffer.FormatBGR24
	dst.PTS = src.PTS
	plane := dst.Plane(0)
	copy(plane, src.Data)
	return nil
}

func (f *FakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened {
		return nil
	}
	f.opened = false
	close(f.closeCh)
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
