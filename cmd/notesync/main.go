package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/geonotes/notesync/pkg/apperrors"
	"github.com/geonotes/notesync/pkg/config"
	"github.com/geonotes/notesync/pkg/db"
	"github.com/geonotes/notesync/pkg/dispatcher"
	"github.com/geonotes/notesync/pkg/fetcher"
	"github.com/geonotes/notesync/pkg/geo"
	"github.com/geonotes/notesync/pkg/lock"
	"github.com/geonotes/notesync/pkg/parser"
	"github.com/geonotes/notesync/pkg/pgutil"
	"github.com/geonotes/notesync/pkg/syncer"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to configuration file")
	mode       = flag.String("mode", "run-once", "Run mode: run-once or daemon")
	forceFull  = flag.Bool("force-full", false, "Force a full rebuild instead of incremental sync")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return apperrors.ExitGeneral
	}

	// Initialize logger
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return apperrors.ExitGeneral
	}
	defer logger.Sync()

	logger.Info("Starting note synchronization engine",
		zap.String("mode", *mode),
		zap.Bool("force_full", *forceFull))

	// Initialize database
	bunDB, err := pgutil.ConnectDB(&cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", zap.Error(err))
		return apperrors.ExitTransient
	}
	defer bunDB.Close()
	store := db.NewStore(bunDB, logger)
	logger.Info("Database connection established")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Country assigner from the boundary geometry set
	countries, err := store.Countries(ctx)
	if err != nil {
		logger.Error("Failed to load countries", zap.Error(err))
		return apperrors.ExitTransient
	}
	assigner, err := geo.NewAssigner(countries, cfg.Geo.GridCellDegrees, cfg.Geo.BoundaryTolerance, logger)
	if err != nil {
		logger.Error("Failed to build country index", zap.Error(err))
		return apperrors.ExitGeneral
	}

	// Feed fetcher
	feed, err := fetcher.New(fetcher.Options{
		APIURL:          cfg.Feed.APIURL,
		DumpURL:         cfg.Feed.DumpURL,
		ScratchDir:      cfg.Feed.ScratchDir,
		RequestTimeout:  cfg.Feed.RequestTimeout,
		DownloadTimeout: cfg.Feed.DownloadTimeout,
		MaxRetries:      cfg.Feed.MaxRetries,
		InitialBackoff:  cfg.Feed.InitialBackoff,
		WindowSize:      cfg.Feed.WindowSize,
	}, logger)
	if err != nil {
		logger.Error("Failed to initialize fetcher", zap.Error(err))
		return apperrors.ExitGeneral
	}

	// Dispatcher
	disp, err := dispatcher.New(store, dispatcher.Options{
		ParallelThreshold: cfg.Sync.ParallelThreshold,
		Concurrency:       cfg.Sync.Concurrency,
		BatchSize:         cfg.Sync.BatchSize,
		CommitTimeout:     cfg.Sync.CommitTimeout,
	}, logger)
	if err != nil {
		logger.Error("Failed to initialize dispatcher", zap.Error(err))
		return apperrors.ExitGeneral
	}

	engine := syncer.NewEngine(
		syncer.Config{
			JobName:        cfg.Lock.JobName,
			MaxIncremental: cfg.Sync.MaxIncremental,
			ForceFull:      *forceFull,
		},
		feed,
		parser.New(),
		store,
		assigner,
		disp,
		lock.NewManager(cfg.Lock.Dir, logger),
		logger,
	)

	// HTTP surface for health, readiness and metrics
	server := newHTTPServer(cfg, engine, store, logger)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	switch *mode {
	case "daemon":
		err = engine.RunDaemon(ctx, cfg.Sync.DaemonInterval)
	case "run-once":
		err = engine.RunOnce(ctx)
	default:
		logger.Error("Unknown run mode", zap.String("mode", *mode))
		return apperrors.ExitGeneral
	}

	code := apperrors.ExitCode(err)
	if err != nil {
		logger.Error("Run finished with error", zap.Error(err), zap.Int("exit_code", code))
	} else {
		logger.Info("Run finished", zap.String("state", engine.State().String()))
	}
	return code
}

func newHTTPServer(cfg *config.Config, engine *syncer.Engine, store *db.Store, logger *zap.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Liveness
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Readiness: 503 until the first run completes
	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !engine.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})

	if cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/api/v1/status", func(w http.ResponseWriter, req *http.Request) {
		watermark, initialized, err := store.Watermark(req.Context())
		if err != nil {
			http.Error(w, "failed to read watermark", http.StatusInternalServerError)
			return
		}
		resp := map[string]any{
			"state":       engine.State().String(),
			"ready":       engine.IsReady(),
			"initialized": initialized,
		}
		if initialized {
			resp["watermark"] = watermark.Format(time.RFC3339)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warn("Failed to encode status response", zap.Error(err))
		}
	})

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}
