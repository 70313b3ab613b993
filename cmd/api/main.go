package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/attend/internal/api"
	"github.com/your-org/attend/internal/api/ws"
	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/gallery"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/observability"
	"github.com/your-org/attend/internal/queue"
	"github.com/your-org/attend/internal/session"
	"github.com/your-org/attend/internal/storage"
	"github.com/your-org/attend/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting attendance service", "port", cfg.Server.Port)

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Enrollment image source: local directory when configured, MinIO
	// otherwise.
	var images gallery.ImageResolver
	var minioStore *storage.MinIOStore
	if cfg.Gallery.ImageDir != "" {
		images = storage.NewLocalImageDir(cfg.Gallery.ImageDir)
		slog.Info("using local enrollment images", "dir", cfg.Gallery.ImageDir)
	} else {
		minioStore, err = storage.NewMinIOStore(cfg.MinIO)
		if err != nil {
			slog.Error("connect to minio", "error", err)
			os.Exit(1)
		}
		if err := minioStore.EnsureBucket(context.Background()); err != nil {
			slog.Warn("ensure minio bucket", "error", err)
		}
		images = minioStore
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStream(context.Background()); err != nil {
		slog.Warn("ensure nats stream", "error", err)
	}

	// WebSocket hub fed by the event consumer
	hub := ws.NewHub()
	go hub.Run()

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create event consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = consumer.ConsumeEvents(ctx, "api-events", func(ctx context.Context, ev models.AttendanceEvent) error {
		hub.BroadcastAttendance(ev)
		return nil
	})
	if err != nil {
		slog.Warn("start event consumer", "error", err)
	}

	// ONNX Runtime engine for detection and encoding
	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("onnx runtime init", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	engine, err := vision.NewONNXEngine(cfg.Vision.ModelsDir, cfg.Vision.DetectionThreshold)
	if err != nil {
		slog.Error("load vision models", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	cache := gallery.NewCache(db, images, engine, cfg.Gallery)
	manager := session.NewManager(db, cache, engine, producer, nil, cfg.Recognition, cfg.Attendance)

	router := api.NewRouter(api.RouterConfig{
		APIKey:   cfg.Server.APIKey,
		DB:       db,
		MinIO:    minioStore,
		Producer: producer,
		Hub:      hub,
		Cache:    cache,
		Manager:  manager,
	})

	// WriteTimeout stays 0: the MJPEG endpoint writes for the lifetime of a
	// stream session.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}

// getONNXLibPath returns the ONNX Runtime shared library path.
func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
