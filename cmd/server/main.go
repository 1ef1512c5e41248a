package main

import (
	"context"
	"fmt"
	stlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/museforge/muse-backend/internal/audit"
	"github.com/museforge/muse-backend/internal/config"
	"github.com/museforge/muse-backend/internal/engine"
	"github.com/museforge/muse-backend/internal/generation"
	"github.com/museforge/muse-backend/internal/handlers"
	"github.com/museforge/muse-backend/internal/httpx"
	"github.com/museforge/muse-backend/internal/keepalive"
	"github.com/museforge/muse-backend/internal/marketplace"
	"github.com/museforge/muse-backend/internal/metrics"
	"github.com/museforge/muse-backend/internal/netcheck"
	"github.com/museforge/muse-backend/internal/pool"
	"github.com/museforge/muse-backend/internal/server"
	"github.com/museforge/muse-backend/internal/sshkey"
	"github.com/museforge/muse-backend/internal/store"
	"github.com/museforge/muse-backend/internal/tokens"
	"github.com/museforge/muse-backend/internal/watchdog"
)

func main() {
	// --- Configuration ---
	cfg, err := config.LoadConfig("configs/config.yaml")
	if err != nil {
		stlog.Fatalf("Failed to load configuration: %v", err) // Use standard log before Zap is up
	}

	// --- Logger ---
	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		stlog.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		_ = logger.Sync() // Flush logs before exiting
	}()

	logger.Info("Muse backend starting up...")

	// --- Metrics ---
	m := metrics.New()

	// --- Resilient HTTP client ---
	retry := httpx.RetryConfig{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     30 * time.Second,
	}
	httpClient := httpx.New(cfg.HTTPTimeout, retry, logger.Named("httpx"))
	httpClient.OnRetry(m.HTTPRetries.Inc)

	// --- Durable state ---
	fileStore, err := store.NewFileStore(cfg.StateFile)
	if err != nil {
		logger.Fatal("Failed to open state store", zap.Error(err))
	}

	// --- Audit trail ---
	auditLog, err := audit.NewLogger(cfg.AuditLogPath, cfg.AuditHMACSecret, cfg.AuditRetention, logger.Named("audit"))
	if err != nil {
		logger.Fatal("Failed to open audit log", zap.Error(err))
	}

	// --- Clients ---
	market := marketplace.NewClient(cfg.MarketplaceBaseURL, cfg.MarketplaceAPIKey, httpClient, logger.Named("marketplace"))
	engineClient := engine.NewClient(httpClient, logger.Named("engine"))
	resolver := netcheck.NewValidator(cfg.TCPProbeTimeout, cfg.HTTPProbeTimeout, logger.Named("netcheck"))
	keys := sshkey.NewProvisioner(cfg.SSHKeyPath, logger.Named("sshkey"))

	// --- Token validator ---
	validator := tokens.NewValidator(tokens.Config{
		MarketplaceBaseURL: cfg.MarketplaceBaseURL,
		MarketplaceAPIKey:  cfg.MarketplaceAPIKey,
		HuggingFaceToken:   cfg.HuggingFaceToken,
		CivitaiToken:       cfg.CivitaiToken,
		CacheTTL:           cfg.TokenCacheTTL,
	}, httpClient, logger.Named("tokens"))
	validator.StartPeriodic(cfg.TokenRevalidatePeriod)
	defer validator.Stop()

	// --- Keepalive monitor ---
	monitor := keepalive.New(keepalive.Config{
		Interval:       cfg.KeepaliveInterval,
		PingTimeout:    cfg.KeepaliveTimeout,
		MaxConsecutive: cfg.KeepaliveMaxFailures,
	}, httpClient, m, logger.Named("keepalive"))

	// --- Warm pool ---
	manager, err := pool.NewManager(context.Background(), cfg, pool.Deps{
		Market:    market,
		Engine:    engineClient,
		Resolver:  resolver,
		Store:     fileStore,
		Keys:      keys,
		Registrar: market,
		Audit:     auditLog,
		Metrics:   m,
		Keepalive: monitor,
		Logger:    logger.Named("pool"),
	})
	if err != nil {
		logger.Fatal("Failed to initialize warm pool", zap.Error(err))
	}
	manager.Start()
	defer manager.Stop()

	// --- Generation pipeline ---
	pipeline := generation.NewPipeline(cfg, manager, engineClient, fileStore, m, logger.Named("generation"))
	pipeline.Start()
	defer pipeline.Stop()

	// --- Process watchdog ---
	wd := watchdog.New(watchdog.Config{
		RestartDelay:      2 * time.Second,
		MinHealthyRuntime: cfg.WatchdogStableRuntime,
		MaxRestarts:       10,
		ProbeInterval:     cfg.WatchdogHealthInterval,
		MaxBackoff:        cfg.WatchdogMaxBackoff,
	}, logger.Named("watchdog"))
	wd.StartProbe()
	defer wd.StopAll()

	// --- Setup Router and HTTP Server ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewStructuredLogger(logger)) // Zap logging middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Muse backend is healthy.")
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Mount("/api/v1/pool", handlers.NewPoolHandler(manager, logger.Named("handlers")).Routes())
	r.Mount("/api/v1/jobs", handlers.NewJobHandler(pipeline, logger.Named("handlers")).Routes())
	r.Mount("/api/v1/system", handlers.NewSystemHandler(validator, wd, auditLog, logger.Named("handlers")).Routes())

	// Generated artifacts are served straight off disk.
	r.Handle("/results/*", http.StripPrefix("/results/", http.FileServer(http.Dir(cfg.ResultDir))))

	srv := server.NewServer(cfg, r, logger)

	// --- Start Server Goroutine ---
	go srv.Start()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit // Block until a signal is received

	logger.Info("Shutdown signal received, starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv.Stop(ctx)

	logger.Info("Muse backend gracefully stopped")
}

// setupLogger configures Zap based on the log level string.
func setupLogger(levelString string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if err := logLevel.Set(levelString); err != nil {
		logLevel = zapcore.InfoLevel // Default to info if parsing fails
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(logLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// NewStructuredLogger returns a middleware that logs request details using Zap.
func NewStructuredLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				duration := time.Since(start)
				logger.Info("Request completed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_ip", r.RemoteAddr),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", duration),
				)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
