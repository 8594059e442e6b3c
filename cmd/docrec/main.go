// Command docrec runs the document reconciliation service: the HTTP API,
// the reconciliation worker, and the MCP endpoint share one process and
// one SQLite database.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/docrec/blob"
	"github.com/hazyhaar/docrec/config"
	"github.com/hazyhaar/docrec/curate"
	"github.com/hazyhaar/docrec/derived"
	"github.com/hazyhaar/docrec/docpipe"
	"github.com/hazyhaar/docrec/gates"
	"github.com/hazyhaar/docrec/observability"
	"github.com/hazyhaar/docrec/ocr"
	"github.com/hazyhaar/docrec/pipeline"
	"github.com/hazyhaar/docrec/service"
	"github.com/hazyhaar/docrec/store"
)

func main() {
	configPath := flag.String("config", env("DOCREC_CONFIG", ""), "path to the YAML config file")
	flag.Parse()

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	st := store.New(db)

	if err := observability.Init(db); err != nil {
		slog.Error("init metrics", "error", err)
		os.Exit(1)
	}
	metrics := observability.NewRecorder(db, 256, 10*time.Second)
	defer metrics.Close()

	blobs, err := blob.New(cfg.BlobDir)
	if err != nil {
		slog.Error("open blob store", "dir", cfg.BlobDir, "error", err)
		os.Exit(1)
	}

	queue, err := pipeline.NewQueue(db)
	if err != nil {
		slog.Error("init queue", "error", err)
		os.Exit(1)
	}

	var ocrCache *ocr.Cache
	if cfg.OCR.Command != "" {
		ocrCache = ocr.NewCache(ocr.CommandRunner{Path: cfg.OCR.Command}, blobs, logger)
		slog.Info("ocr enabled", "command", cfg.OCR.Command, "langs", cfg.OCR.Langs)
	}

	evaluator := gates.NewEvaluator(st, cfg.Thresholds, logger)
	runner := pipeline.NewRunner(
		st, blobs,
		docpipe.New(logger),
		derived.NewWriter(st, blobs, logger),
		evaluator,
		ocrCache,
		metrics,
		pipeline.Options{
			MaxTokens:       cfg.Chunking.MaxTokens,
			DedupeEnabled:   cfg.Dedupe.Enabled,
			DedupeThreshold: cfg.Dedupe.Threshold,
			OCRLangs:        cfg.OCR.Langs,
			OCRDPI:          cfg.OCR.DPI,
			OCRWorkers:      cfg.OCR.Workers,
			Thresholds:      cfg.Thresholds,
		},
		logger,
	)

	worker := pipeline.NewWorker(queue, logger)
	runner.Attach(worker, cfg.Workers.ReconcileConcurrency)
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker stopped", "error", err)
		}
	}()

	api := service.New(st, blobs, queue, curate.New(st, evaluator, logger), cfg, logger)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	api.RegisterHTTP(r)

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "docrec", Version: "1.2.0"}, nil)
	api.RegisterMCP(mcpServer)
	r.Mount("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}()

	slog.Info("docrec started", "listen", cfg.Listen, "db", cfg.DBPath, "blobs", cfg.BlobDir)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("docrec stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
