// Package telemetry forwards camera lifecycle events and operator alerts
// to an external HTTP API. It is the Go-idiomatic analogue of the
// teacher's media-upload backend, repointed from "upload recorded
// files" to "report status transitions" - a mutex-guarded cached
// credential, bounded retry, and the same "never block the caller"
// policy: a dead telemetry endpoint must never back up behind the
// camera worker that triggered the report.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	resty "github.com/go-resty/resty/v2"

	"github.com/vstreamio/camcore/internal/ingest/worker"
	"github.com/vstreamio/camcore/internal/servicelog"
)

// StatusEvent is one camera lifecycle transition, as reported to the
// external API.
type StatusEvent struct {
	CameraID  int32         `json:"cameraId"`
	Status    worker.Status `json:"status"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

type alertRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type loginRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

type loginReply struct {
	Token string `json:"token"`
}

// Reporter is optional: a nil *Reporter is valid wherever one is
// accepted, and every method on it becomes a no-op so camera lifecycle
// behavior never depends on telemetry succeeding.
type Reporter struct {
	client   *resty.Client
	logger   servicelog.Logger
	apiURL   string
	username string
	password string
	attempts uint

	mu    sync.Mutex
	token string
}

// Config carries the external API's connection details. An empty
// APIURL means telemetry is disabled.
type Config struct {
	APIURL   string
	Username string
	Password string
	Timeout  time.Duration
	Attempts uint
}

// New builds a Reporter, or returns nil if cfg.APIURL is empty.
func New(cfg Config, logger servicelog.Logger) *Reporter {
	if cfg.APIURL == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	return &Reporter{
		client:   resty.New().SetTimeout(cfg.Timeout),
		logger:   logger,
		apiURL:   cfg.APIURL,
		username: cfg.Username,
		password: cfg.Password,
		attempts: cfg.Attempts,
	}
}

func (r *Reporter) authToken(ctx context.Context) (string, error) {
	r.mu.Lock()
	cached := r.token
	r.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	var reply loginReply
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(loginRequest{ID: r.username, Password: r.password}).
		SetResult(&reply).
		Post(r.apiURL + "/api/login")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("telemetry login rejected: %s", resp.Status())
	}
	r.mu.Lock()
	r.token = reply.Token
	r.mu.Unlock()
	return reply.Token, nil
}

func (r *Reporter) invalidateToken() {
	r.mu.Lock()
	r.token = ""
	r.mu.Unlock()
}

// do executes req with a bearer token inside retry-go's bounded-attempts
// wrapper. A 401/403 drops the cached token so the next attempt logs in
// again; other error statuses are not retried.
func (r *Reporter) do(ctx context.Context, method, path string, body interface{}) error {
	return retry.Do(func() error {
		token, err := r.authToken(ctx)
		if err != nil {
			return err
		}
		resp, err := r.client.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetBody(body).
			Execute(method, r.apiURL+path)
		if err != nil {
			return err
		}
		if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
			r.invalidateToken()
			return fmt.Errorf("telemetry auth rejected: %s", resp.Status())
		}
		if resp.IsError() {
			return retry.Unrecoverable(fmt.Errorf("telemetry request failed: %s", resp.Status()))
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("telemetry request retrying", servicelog.Int("attempt", int(n)), servicelog.Error(err))
		}),
	)
}

// Report fire-and-forgets a status transition: the worker never blocks
// on telemetry delivery, only the spawned goroutine does.
func (r *Reporter) Report(ctx context.Context, event StatusEvent) {
	if r == nil {
		return
	}
	go func() {
		if err := r.do(ctx, "POST", "/api/camera-events", event); err != nil {
			r.logger.Error("failed to report camera status", servicelog.Error(err))
		}
	}()
}

// Alert raises an operator-visible condition, such as sustained pool
// exhaustion or a stuck camera.
func (r *Reporter) Alert(ctx context.Context, id, severity, message string) {
	if r == nil {
		return
	}
	go func() {
		req := alertRequest{ID: id, Name: id, Severity: severity, Message: message}
		if err := r.do(ctx, "POST", "/api/alerts", req); err != nil {
			r.logger.Error("failed to send alert", servicelog.Error(err))
		}
	}()
}

// Clear cancels a previously raised alert.
func (r *Reporter) Clear(ctx context.Context, id string) {
	if r == nil {
		return
	}
	go func() {
		if err := r.do(ctx, "PUT", "/api/alerts/"+id, nil); err != nil {
			r.logger.Error("failed to clear alert", servicelog.Error(err))
		}
	}()
}
