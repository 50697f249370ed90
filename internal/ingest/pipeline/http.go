package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"time"

	resty "github.com/go-resty/resty/v2"

	"github.com/vstreamio/camcore/internal/ingest/buffer"
)

// HTTPSource implements Source for http(s):// URLs serving a single
// still JPEG per GET, such as an IP camera's snapshot endpoint. Each
// response body must be one complete JPEG; a multipart MJPEG stream is
// not read. It polls at ReadPacket cadence rather than holding a
// long-lived multipart connection, the
// same "fetch, validate, decode" shape BrunoKrugel-style camera
// gateways use for HTTP(S) cameras.
type HTTPSource struct {
	client *resty.Client

	mu   sync.Mutex
	url  string
	open bool
}

// NewHTTPSource builds an HTTPSource backed by a resty client with the
// given per-request timeout and retry count.
func NewHTTPSource(requestTimeout time.Duration, retries int) *HTTPSource {
	client := resty.New().
		SetTimeout(requestTimeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond)
	return &HTTPSource{client: client}
}

func (h *HTTPSource) Open(ctx context.Context, url string, connectTimeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	probeCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	resp, err := h.client.R().SetContext(probeCtx).Get(url)
	if err != nil {
		return newError(KindOpenFailed, err)
	}
	if resp.IsError() {
		return newError(KindOpenFailed, errors.New(resp.Status()))
	}
	h.url = url
	h.open = true
	return nil
}

// ReadPacket fetches the current snapshot body as one opaque packet.
// There is no separate transport-level packet framing over plain HTTP
// snapshot polling, so one GET is one packet.
func (h *HTTPSource) ReadPacket(ctx context.Context, readTimeout time.Duration) (*Packet, error) {
	h.mu.Lock()
	url, open := h.url, h.open
	h.mu.Unlock()
	if !open {
		return nil, newError(KindEndOfStream, errors.New("source closed"))
	}
	readCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	resp, err := h.client.R().SetContext(readCtx).Get(url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newError(KindTimeout, err)
		}
		return nil, newError(KindTimeout, err)
	}
	if resp.IsError() {
		return nil, newError(KindTimeout, errors.New(resp.Status()))
	}
	body := resp.Body()
	if !looksLikeJPEG(body) {
		return nil, newError(KindCorruptPacket, errors.New("response is not a JPEG image"))
	}
	return &Packet{Data: body, PTS: time.Now().UnixNano()}, nil
}

func (h *HTTPSource) Decode(ctx context.Context, pkt *Packet) ([]*Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(pkt.Data))
	if err != nil {
		return nil, newError(KindCorruptPacket, err)
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	linesize := width * 3
	out := make([]byte, linesize*height)
	rgba := toRGBA(img)
	for y := 0; y < height; y++ {
		row := out[y*linesize : (y+1)*linesize]
		for x := 0; x < width; x++ {
			r, g, b, _ := rgba.At(x, y).RGBA()
			row[x*3+0] = byte(b >> 8)
			row[x*3+1] = byte(g >> 8)
			row[x*3+2] = byte(r >> 8)
		}
	}
	return []*Frame{{
		Width:    width,
		Height:   height,
		Format:   buffer.FormatBGR24,
		Linesize: linesize,
		PTS:      pkt.PTS,
		Data:     out,
	}}, nil
}

// Rescale copies src into dst at src's own dimensions; targetWidth and
// targetHeight are ignored and no resampling is done.
func (h *HTTPSource) Rescale(src *Frame, dst *buffer.FrameBuffer, targetWidth, targetHeight int) error {
	dst.Width = src.Width
	dst.Height = src.Height
	dst.Format = buffer.FormatBGR24
	dst.PTS = src.PTS
	copy(dst.Plane(0), src.Data)
	return nil
}

func (h *HTTPSource) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open = false
	return nil
}

func looksLikeJPEG(b []byte) bool {
	return len(b) > 4 && b[0] == 0xFF && b[1] == 0xD8
}

func toRGBA(img image.Image) image.Image {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	return img
}
