// Package main provides the HTTP server for contentops.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/contentops/internal/config"
	"github.com/raphaelgruber/contentops/internal/db"
	"github.com/raphaelgruber/contentops/internal/ingest"
	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/ledger/badgerstore"
	"github.com/raphaelgruber/contentops/internal/llm"
	"github.com/raphaelgruber/contentops/internal/metrics"
	"github.com/raphaelgruber/contentops/internal/parser"
	"github.com/raphaelgruber/contentops/internal/pipeline"
	"github.com/raphaelgruber/contentops/internal/server"
	"github.com/raphaelgruber/contentops/internal/service"
	"github.com/raphaelgruber/contentops/internal/storage"
	"github.com/raphaelgruber/contentops/internal/vectorize"
)

const (
	maxRetryBackoff = 5 * time.Minute
	shutdownTimeout = 30 * time.Second
)

func main() {
	wipe := flag.Bool("wipe", false, "wipe all ledger entries and chunks on startup (testing only)")
	flag.Parse()

	if err := run(*wipe); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// backends are the stores selected by configuration.
type backends struct {
	ledger  ledger.Store
	chunks  vectorize.ChunkStore
	objects storage.Store
	bucket  string
	closers []func() error
}

func (b *backends) close(logger *slog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Error("failed to close backend", "error", err)
		}
	}
}

func run(wipe bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting contentops-server",
		"port", cfg.Port,
		"ledger", cfg.LedgerBackend,
		"storage", cfg.StorageBackend,
		"embed_provider", cfg.EmbedProvider,
	)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	b, err := openBackends(initCtx, cfg, wipe, logger)
	cancel()
	if err != nil {
		return err
	}
	defer b.close(logger)

	collector := metrics.NewCollector()

	embedder, err := llm.NewEmbedder(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}
	embedder.WithMetrics(collector)

	l := ledger.New(b.ledger, ledger.WithLogger(logger))
	retry := pipeline.RetryPolicy{
		MaxAttempts: cfg.MaxRetryAttempts,
		Backoff:     pipeline.ExponentialBackoff(cfg.RetryBaseDelay, maxRetryBackoff),
		Requeue:     true,
	}

	ingestTask := ingest.NewTask(b.objects, b.bucket, logger)
	vectorizeTask := vectorize.NewTask(b.objects, b.chunks, embedder,
		parser.ChunkConfigFor(cfg.ChunkSize, cfg.ChunkOverlap), logger)

	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Ledger: l,
		Dispatcher: pipeline.NewDispatcher(l,
			pipeline.WithRetryPolicy(retry),
			pipeline.WithMaxConcurrent(cfg.MaxConcurrentTasks),
			pipeline.WithDispatcherLogger(logger),
		),
		Sweeper:       pipeline.NewSweeper(l, retry, cfg.DeadWorkerTimeout, logger),
		Ingest:        collector.InstrumentTask(metrics.OpIngestTask, ingestTask),
		Vectorize:     collector.InstrumentTask(metrics.OpVectorizeTask, vectorizeTask),
		Discoverer:    service.NewUploadDiscoverer(l, b.objects, logger),
		ThresholdDays: cfg.RefreshThresholdDays,
		Logger:        logger,
	})

	runs := service.NewRunManager(orch, logger, service.WithRunMetrics(collector))
	content := service.NewContentService(l, b.objects, b.chunks, runs, cfg.RefreshThresholdDays, logger)

	srv := server.New(server.Config{
		Content:   content,
		Runs:      runs,
		Searcher:  vectorize.NewSearcher(b.chunks, embedder),
		Metrics:   collector,
		APIToken:  cfg.APIToken,
		LocalMode: cfg.LocalMode,
		Logger:    logger,
	})
	httpServer := srv.HTTPServer(cfg.Addr())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("API available", "url", fmt.Sprintf("http://localhost:%d/api", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.AutoProcessingEnabled {
		sched := service.NewScheduler(runs, cfg.AutoProcessingInterval, logger)
		g.Go(func() error { return sched.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(
			httpServer.Shutdown(shutdownCtx),
			runs.Shutdown(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func openBackends(ctx context.Context, cfg config.Config, wipe bool, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.LedgerBackend {
	case config.LedgerSurreal:
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		b.closers = append(b.closers, func() error { return client.Close(context.Background()) })
		if err := client.InitSchema(ctx, cfg.EmbedDimension); err != nil {
			b.close(logger)
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
		if wipe {
			if err := client.WipeData(ctx); err != nil {
				b.close(logger)
				return nil, fmt.Errorf("wipe database: %w", err)
			}
			logger.Warn("database wiped")
		}
		b.ledger, b.chunks = client, client

	case config.LedgerBadger:
		store, err := badgerstore.Open(cfg.BadgerPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open badger ledger: %w", err)
		}
		b.closers = append(b.closers, store.Close)
		b.ledger = store
		b.chunks = vectorize.NewMemoryChunkStore()
		logger.Warn("chunks are kept in memory with the badger ledger", "path", cfg.BadgerPath)

	default:
		b.ledger = ledger.NewMemoryStore()
		b.chunks = vectorize.NewMemoryChunkStore()
		logger.Warn("using in-memory ledger, entries are lost on restart")
	}

	switch cfg.StorageBackend {
	case config.StorageS3:
		store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.AWSRegion,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3UsePathStyle,
		}, logger)
		if err != nil {
			b.close(logger)
			return nil, fmt.Errorf("init object store: %w", err)
		}
		b.objects, b.bucket = store, cfg.S3Bucket
	default:
		b.objects, b.bucket = storage.NewMemoryStore(), "memory"
		logger.Warn("using in-memory object store, artifacts are lost on restart")
	}

	return b, nil
}
