// Package pipeline defines the thin, stateless adapters a camera worker
// drives to pull frames out of an external decoding library: open an
// input, read a packet, decode it to zero or more frames, and rescale a
// frame into BGR24 at the worker's target dimensions. Pipeline holds no
// state of its own beyond the open context returned by Open.
package pipeline

import (
	"context"
	"time"

	"github.com/vstreamio/camcore/internal/ingest/buffer"
)

// Packet is an undecoded chunk read from the input, opaque outside the
// pipeline implementation.
type Packet struct {
	Data []byte
	PTS  int64
}

// Frame is a decoded image still in the source's native format and
// dimensions, before rescaling into the caller's FrameBuffer.
type Frame struct {
	Width, Height int
	Format        buffer.PixelFormat
	Linesize      int
	PTS           int64
	Data          []byte
}

// Kind classifies pipeline errors the way the worker's state machine
// needs to react to them: transport faults trigger a reconnect, codec
// faults are swallowed per-packet.
type Kind int

const (
	KindNone Kind = iota
	KindOpenFailed
	KindTimeout
	KindEndOfStream
	KindDecoderError
	KindCorruptPacket
)

func (k Kind) String() string {
	switch k {
	case KindOpenFailed:
		return "open-failed"
	case KindTimeout:
		return "timeout"
	case KindEndOfStream:
		return "end-of-stream"
	case KindDecoderError:
		return "decoder-error"
	case KindCorruptPacket:
		return "corrupt-packet"
	default:
		return "none"
	}
}

// Error wraps an underlying cause with the Kind the worker state machine
// dispatches on.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Source is implemented by every media input this engine supports
// (RTSP/RTMP/HLS/MPEG-TS through the external decoder, the synthetic
// test source, the HTTP(S) MJPEG poller). A worker drives exactly one
// Source per connection attempt.
type Source interface {
	// Open connects within connectTimeout. A failure is always
	// reported with Kind == KindOpenFailed.
	Open(ctx context.Context, url string, connectTimeout time.Duration) error

	// ReadPacket blocks for at most readTimeout waiting for the next
	// packet. KindTimeout and KindEndOfStream are both terminal for
	// the current connection; KindCorruptPacket is not.
	ReadPacket(ctx context.Context, readTimeout time.Duration) (*Packet, error)

	// Decode turns one packet into zero or more frames. A corrupt
	// packet yields KindCorruptPacket and must not abort the
	// connection.
	Decode(ctx context.Context, pkt *Packet) ([]*Frame, error)

	// Rescale converts src into dst at (targetWidth, targetHeight),
	// BGR24. dst's planes are grown as needed by the caller before
	// this is invoked; Rescale only ever writes into dst.Plane(0).
	Rescale(src *Frame, dst *buffer.FrameBuffer, targetWidth, targetHeight int) error

	// Close releases the open input. Safe to call multiple times.
	Close() error
}

// Factory builds a fresh Source for rawURL. The worker calls it once
// per connection attempt, passing its own camera's URL, so a prior
// attempt's native resources are never reused across reconnects and a
// single registry-wide Factory can still dispatch on the URL's scheme
// (rtsp/rtmp/http/fake) to the matching Source implementation.
type Factory func(rawURL string) Source
