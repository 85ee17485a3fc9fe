package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/duanfuxing/indexTTS/internal/engine"
	"github.com/duanfuxing/indexTTS/internal/postgres"
	rediscache "github.com/duanfuxing/indexTTS/internal/redis"
	"github.com/duanfuxing/indexTTS/internal/storage"
	"github.com/duanfuxing/indexTTS/pkg/telemetry"
	"github.com/duanfuxing/indexTTS/services/api/config"
	"github.com/duanfuxing/indexTTS/services/api/handler"
	"github.com/duanfuxing/indexTTS/services/api/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8000", "HTTP server port")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("engine-url", "http://localhost:8100", "synthesis engine base URL")
	serveCmd.Flags().Duration("engine-timeout", 60*time.Second, "online synthesis timeout")
	serveCmd.Flags().String("storage-root", "./storage", "root directory for task artifacts")
	serveCmd.Flags().String("file-base-url", "http://localhost:8000", "public base URL for stored files")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("engine_url", serveCmd.Flags(), "engine-url")
	bindFlag("engine_timeout", serveCmd.Flags(), "engine-timeout")
	bindFlag("storage_root", serveCmd.Flags(), "storage-root")
	bindFlag("file_base_url", serveCmd.Flags(), "file-base-url")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "api")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "indextts-api", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	repo := postgres.NewRepository(pool)
	voices := postgres.NewVoiceRepository(pool)

	redisClient := rediscache.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	cache := rediscache.NewCache(redisClient)

	files, err := storage.NewFileStore(cfg.StorageRoot)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	uploader := storage.NewLocalUploader(cfg.FileBaseURL)
	eng := engine.NewHTTPEngine(cfg.EngineURL, cfg.EngineTimeout, files, logger)

	restHandler := handler.NewREST(repo, voices, cache, eng, files, uploader, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tts/online", restHandler.SynthesizeOnline)
		r.Post("/tts/task", restHandler.SubmitTask)
		r.Get("/tts/tasks", restHandler.ListTasks)
		r.Get("/tts/task/{id}", restHandler.GetTaskStatus)
		r.Post("/tts/task/{id}/cancel", restHandler.CancelTask)
		r.Get("/voices", restHandler.ListVoices)
	})
	// Task artifacts are served straight off the storage root.
	fileServer := http.StripPrefix("/storage/", http.FileServer(http.Dir(cfg.StorageRoot)))
	r.Get("/storage/*", fileServer.ServeHTTP)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.EngineTimeout,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("api HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
