package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/bdougie/framesearch/internal/api"
	"github.com/bdougie/framesearch/internal/config"
	"github.com/bdougie/framesearch/internal/descriptor"
	"github.com/bdougie/framesearch/internal/extractor"
	"github.com/bdougie/framesearch/internal/index"
	"github.com/bdougie/framesearch/internal/pipeline"
	"github.com/bdougie/framesearch/internal/storage"
	"github.com/bdougie/framesearch/internal/tracing"
)

const usage = "Usage: framesearch [--config framesearch.yaml] [--video path/to/video.mp4] [--reset-collection]"

type options struct {
	configPath      string
	videoPath       string
	resetCollection bool
}

func parseArgs(args []string) (options, error) {
	var opts options
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 >= len(args) {
				return opts, errors.New("--config needs a value")
			}
			opts.configPath = args[i+1]
			i++
		case "--video":
			if i+1 >= len(args) {
				return opts, errors.New("--video needs a value")
			}
			opts.videoPath = args[i+1]
			i++
		case "--reset-collection":
			opts.resetCollection = true
		default:
			return opts, fmt.Errorf("unknown argument %q", args[i])
		}
	}
	return opts, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	level, _ := cfg.Level()

	// Configure logger
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}),
	)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("framesearch failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	if cfg.TracingEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, cfg.TracingEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tp.Shutdown(shutdownCtx)
		}()
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}

	idx, err := newIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer idx.Close()

	err = idx.EnsureCollection(ctx, cfg.Collection, descriptor.Schema, index.EnsureOptions{
		Reset:              opts.resetCollection || cfg.ResetCollection,
		RecreateOnMismatch: cfg.RecreateOnMismatch,
	})
	if err != nil {
		return fmt.Errorf("prepare collection %q: %w", cfg.Collection, err)
	}
	logger.Info("collection ready",
		"collection", cfg.Collection,
		"schema", descriptor.Schema.String(),
		"index", cfg.IndexBackend,
		"assets", cfg.AssetBackend)

	pool := descriptor.NewPool(cfg.MaxWorkers)
	defer pool.Close()

	proc := pipeline.NewProcessor(idx, store, pool, extractor.OpenFFmpeg, pipeline.Config{
		Collection:         cfg.Collection,
		TempDir:            cfg.TempDir,
		SampleInterval:     cfg.SampleEvery(),
		AcceptedExtensions: cfg.AcceptedExtensions,
		FrameFormat:        extractor.FrameFormat(cfg.FrameFormat),
		DefaultTopK:        cfg.DefaultTopK,
		MaxTopK:            cfg.MaxTopK,
		DecodeTimeout:      cfg.DecodeTimeout,
	}, logger)

	if opts.videoPath != "" {
		return ingestFile(ctx, proc, opts.videoPath, logger)
	}
	return serve(ctx, cfg, proc, logger)
}

func newStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.AssetBackend {
	case "minio":
		store, err := storage.NewMinIO(storage.MinIOConfig{
			Endpoint:    cfg.MinIO.Endpoint,
			AccessKey:   cfg.MinIO.AccessKey,
			SecretKey:   cfg.MinIO.SecretKey,
			UseSSL:      cfg.MinIO.UseSSL,
			VideoBucket: cfg.MinIO.VideoBucket,
			FrameBucket: cfg.MinIO.FrameBucket,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBuckets(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return storage.NewFS(cfg.VideoDir, cfg.FrameDir), nil
	}
}

func newIndex(ctx context.Context, cfg *config.Config) (index.Index, error) {
	switch cfg.IndexBackend {
	case "pgvector":
		return index.NewPGVector(ctx, index.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			DBName:   cfg.Postgres.DBName,
			SSLMode:  cfg.Postgres.SSLMode,
		}, cfg.BatchSize)
	case "qdrant":
		return index.NewQdrant(index.QdrantConfig{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			APIKey: cfg.Qdrant.APIKey,
			UseTLS: cfg.Qdrant.UseTLS,
		}, cfg.BatchSize)
	default:
		return index.NewMemory(), nil
	}
}

// ingestFile indexes one local video and exits.
func ingestFile(ctx context.Context, proc *pipeline.Processor, videoPath string, logger *slog.Logger) error {
	// Check if video file exists
	f, err := os.Open(videoPath)
	if err != nil {
		return fmt.Errorf("video file does not exist at path: '%s'", videoPath)
	}
	defer f.Close()

	logger.Info("starting video ingestion", "video", videoPath)
	res, err := proc.Ingest(ctx, f, filepath.Base(videoPath))
	if err != nil {
		return err
	}

	fmt.Printf("Indexed %d frames (%d skipped) from %s\n", res.Indexed, res.Skipped, res.Video)
	return nil
}

func serve(ctx context.Context, cfg *config.Config, proc *pipeline.Processor, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(api.NewHandler(proc, cfg.MaxUploadBytes, logger), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
