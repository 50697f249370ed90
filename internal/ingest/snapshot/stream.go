package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"
)

// Handler serves a single camera's latest snapshots as a
// multipart/x-mixed-replace MJPEG stream, hijacking the connection the
// way a raw HTTP push stream must - there is no net/http primitive for
// "keep writing parts until the client disconnects". The polling
// interval is new; the hijack/keepalive/
// mime-writer plumbing below follows the teacher's MJPEG pusher almost
// line for line, repointed from a ref-counted decoder session onto this
// package's plain Get/poll cache.
func Handler(cache *Cache, cameraIDFromPath func(*http.Request) (int32, error), pollInterval time.Duration) http.Handler {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cameraID, err := cameraIDFromPath(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		hijacker, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		conn, rw, err := hijacker.Hijack()
		if err != nil {
			http.Error(w, "hijack failed", http.StatusInternalServerError)
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		keepAlive := make(chan struct{})
		go func() {
			defer close(keepAlive)
			one := make([]byte, 1)
			for {
				if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
					return
				}
				if _, err := rw.Read(one); errors.Is(err, io.EOF) {
					return
				}
				rw.Discard(rw.Available())
			}
		}()

		mimeWriter := multipart.NewWriter(rw)
		defer mimeWriter.Close()

		rw.WriteString(r.Proto)
		rw.WriteString(" 200 OK\n")
		rw.WriteString("Connection: close\n")
		rw.WriteString("Cache-Control: no-store, no-cache\n")
		rw.WriteString("Content-Type: ")
		rw.WriteString(fmt.Sprintf("multipart/x-mixed-replace;boundary=%s", mimeWriter.Boundary()))
		rw.WriteString("\n\n")
		rw.Flush()

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		var lastPTS int64 = -1
		for {
			select {
			case <-keepAlive:
				return
			case <-ticker.C:
				snap, ok := cache.Get(cameraID)
				if !ok || snap.PTS == lastPTS {
					continue
				}
				lastPTS = snap.PTS
				payload, err := encodeJPEG(snap)
				if err != nil {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
				partHeader := make(textproto.MIMEHeader)
				partHeader.Add("Content-Type", "image/jpeg")
				partWriter, err := mimeWriter.CreatePart(partHeader)
				if err != nil {
					return
				}
				if _, err := partWriter.Write(payload); err != nil {
					return
				}
				if err := rw.Flush(); err != nil {
					return
				}
			}
		}
	})
}

// encodeJPEG turns a BGR24 snapshot into a JPEG-encoded byte slice.
func encodeJPEG(snap Snapshot) ([]byte, error) {
	if snap.Width <= 0 || snap.Height <= 0 {
		return nil, errors.New("snapshot: invalid dimensions")
	}
	img := image.NewRGBA(image.Rect(0, 0, snap.Width, snap.Height))
	linesize := snap.Width * 3
	for y := 0; y < snap.Height; y++ {
		row := snap.Data[y*linesize:]
		for x := 0; x < snap.Width; x++ {
			o := x * 3
			if o+2 >= len(row) {
				break
			}
			b, g, rr := row[o], row[o+1], row[o+2]
			i := img.PixOffset(x, y)
			img.Pix[i] = rr
			img.Pix[i+1] = g
			img.Pix[i+2] = b
			img.Pix[i+3] = 0xff
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CameraIDFromQuery reads the "camera" query parameter as an int32,
// the simplest cameraIDFromPath implementation for callers that don't
// use a path-parameter router.
func CameraIDFromQuery(r *http.Request) (int32, error) {
	raw := r.URL.Query().Get("camera")
	if raw == "" {
		return 0, errors.New("snapshot: missing camera query parameter")
	}
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("snapshot: invalid camera id: %w", err)
	}
	return int32(id), nil
}
