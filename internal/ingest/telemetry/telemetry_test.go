package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vstreamio/camcore/internal/servicelog"
)

func testLogger() servicelog.Logger {
	return servicelog.New(nil, "/tmp/camcore-telemetry-test.log", false)
}

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	r := New(Config{}, testLogger())
	if r != nil {
		t.Fatalf("expected nil reporter when APIURL is empty")
	}
}

func TestNilReporterMethodsAreNoOps(t *testing.T) {
	var r *Reporter
	ctx := context.Background()
	r.Report(ctx, StatusEvent{CameraID: 1})
	r.Alert(ctx, "cam-1", "warning", "stuck")
	r.Clear(ctx, "cam-1")
}

func TestReportLogsInThenPostsEvent(t *testing.T) {
	var events int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/login":
			json.NewEncoder(w).Encode(loginReply{Token: "tok"})
		case "/api/camera-events":
			if req.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			atomic.AddInt32(&events, 1)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := New(Config{APIURL: srv.URL, Username: "u", Password: "p", Timeout: time.Second, Attempts: 2}, testLogger())
	if r == nil {
		t.Fatalf("expected a non-nil reporter")
	}

	ctx := context.Background()
	r.Report(ctx, StatusEvent{CameraID: 7, Message: "CONNECTED"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&events) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected exactly one event to have been posted")
}

func TestDoInvalidatesTokenOn401AndRetries(t *testing.T) {
	var logins int32
	var rejected bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/login":
			atomic.AddInt32(&logins, 1)
			json.NewEncoder(w).Encode(loginReply{Token: "tok"})
		case "/api/alerts":
			if !rejected {
				rejected = true
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	r := New(Config{APIURL: srv.URL, Username: "u", Password: "p", Timeout: time.Second, Attempts: 3}, testLogger())
	ctx := context.Background()
	if err := r.do(ctx, "POST", "/api/alerts", alertRequest{ID: "x"}); err != nil {
		t.Fatalf("expected retry after 401 to eventually succeed, got %v", err)
	}
	if atomic.LoadInt32(&logins) < 2 {
		t.Fatalf("expected a second login after the token was invalidated, got %d logins", logins)
	}
}
