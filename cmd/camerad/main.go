package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vstreamio/camcore/internal/ingest/api"
	"github.com/vstreamio/camcore/internal/ingest/buffer"
	"github.com/vstreamio/camcore/internal/ingest/camlist"
	"github.com/vstreamio/camcore/internal/ingest/pipeline"
	"github.com/vstreamio/camcore/internal/ingest/registry"
	"github.com/vstreamio/camcore/internal/ingest/snapshot"
	"github.com/vstreamio/camcore/internal/ingest/telemetry"
	"github.com/vstreamio/camcore/internal/ingest/worker"
	"github.com/vstreamio/camcore/internal/servicelog"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON configuration file")
	asService := flag.Bool("service", false, "run under the OS service manager instead of attached to the console")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logFile := cfg.LogFolder + "/camerad.log"
	logger := servicelog.New(nil, logFile, cfg.Debug)

	run := func(ctx context.Context) {
		runEngine(ctx, cfg, logger)
	}

	if *asService {
		if err := runAsService(cfg, logger, run); err != nil {
			logger.Fatal("service failed", servicelog.Error(err))
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run(ctx)
}

func runEngine(ctx context.Context, cfg *Config, logger servicelog.Logger) {
	engine, err := api.New(api.Options{
		Registry: registry.Config{
			MaxSlots:        cfg.MaxSlots,
			PoolCapacity:    cfg.PoolCapacity,
			ConnectTimeout:  cfg.ConnectTimeout(),
			ReadTimeout:     cfg.ReadTimeout(),
			StopJoinTimeout: cfg.StopJoinTimeout(),
			NewSource:       defaultSourceFactory(),
		},
		ScanInterval: cfg.ReconnectScan(),
		SnapshotTTL:  cfg.SnapshotTTL(),
		Telemetry: telemetry.Config{
			APIURL:   cfg.TelemetryURL,
			Username: cfg.TelemetryUsername,
			Password: cfg.TelemetryKey,
		},
	}, logger)
	if err != nil {
		logger.Fatal("failed to build engine", servicelog.Error(err))
	}

	if err := engine.Initialize(ctx); err != nil {
		logger.Fatal("failed to initialize engine", servicelog.Error(err))
	}
	defer engine.Shutdown(cfg.StopJoinTimeout())

	if cfg.CameraListPath != "" {
		watcher := camlist.New(cfg.CameraListPath, engine, defaultFrameCallback(logger), defaultStatusCallback(logger), logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("camera list watcher exited", servicelog.Error(err))
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/", http.DefaultServeMux)
	mux.Handle("/stream", snapshot.Handler(engine.SnapshotCache(), snapshot.CameraIDFromQuery, 200*time.Millisecond))

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		Handler:        mux,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   7 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("camerad listening", servicelog.Int("port", cfg.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http server exited", servicelog.Error(err))
	}
}

// defaultSourceFactory dispatches on rawURL's scheme: http(s) cameras
// are served by the resty-backed snapshot-polling HTTPSource, every
// other scheme (rtsp/rtmp/fake, and anything an external decoding
// library would otherwise own) falls back to the synthetic FakeSource
// this binary ships without a native decoder dependency.
func defaultSourceFactory() pipeline.Factory {
	return func(rawURL string) pipeline.Source {
		u, err := url.Parse(rawURL)
		if err == nil && strings.HasPrefix(u.Scheme, "http") {
			return pipeline.NewHTTPSource(5*time.Second, 2)
		}
		return pipeline.NewFakeSource(640, 480, 15)
	}
}

func defaultFrameCallback(logger servicelog.Logger) worker.FrameCallback {
	return func(buf *buffer.FrameBuffer) {
		logger.Debug("frame delivered", servicelog.Int32("camera", buf.CameraID), servicelog.Int("pts", int(buf.PTS)))
	}
}

func defaultStatusCallback(logger servicelog.Logger) worker.StatusCallback {
	return func(cameraID int32, status worker.Status, message string) {
		logger.Info("camera status", servicelog.Int32("camera", cameraID), servicelog.String("status", status.String()), servicelog.String("message", message))
	}
}
