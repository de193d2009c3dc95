package main

import (
	"context"
	"fmt"

	"github.com/bobarin/hookscale/internal/archive"
	"github.com/bobarin/hookscale/internal/config"
	"github.com/bobarin/hookscale/internal/db"
	"github.com/bobarin/hookscale/internal/progress"
	"github.com/bobarin/hookscale/internal/queue"
	"github.com/bobarin/hookscale/internal/services"
	"github.com/bobarin/hookscale/internal/storage"
	"github.com/bobarin/hookscale/internal/worker"
	"github.com/rs/zerolog/log"
)

// backend holds the connections shared by serve and run.
type backend struct {
	cfg      *config.Config
	database *db.DB
	queue    *queue.Queue
	store    storage.ObjectStore
}

func connect(ctx context.Context, cfg *config.Config) (*backend, error) {
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("connected to database")

	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to connect to queue: %w", err)
	}
	log.Info().Msg("connected to redis")

	dl := storage.NewDownloader()
	dl.Attempts = cfg.DownloadAttempts
	dl.Timeout = cfg.DownloadTimeout

	store, err := storage.New(ctx, storage.Options{
		Backend:            cfg.StorageBackend,
		SupabaseURL:        cfg.SupabaseURL,
		SupabaseServiceKey: cfg.SupabaseServiceKey,
		SupabaseBucket:     cfg.SupabaseStorageBucket,
		S3Bucket:           cfg.S3Bucket,
		S3Region:           cfg.S3Region,
		S3Endpoint:         cfg.S3Endpoint,
		S3PublicBaseURL:    cfg.S3PublicBaseURL,
		S3AccessKeyID:      cfg.S3AccessKeyID,
		S3SecretAccessKey:  cfg.S3SecretAccessKey,
		Downloader:         dl,
	})
	if err != nil {
		q.Close()
		database.Close()
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	log.Info().Str("backend", cfg.StorageBackend).Msg("initialized object storage")

	return &backend{cfg: cfg, database: database, queue: q, store: store}, nil
}

func (b *backend) Close() {
	b.queue.Close()
	b.database.Close()
}

func (b *backend) orchestrator(notifier progress.Notifier) *worker.Orchestrator {
	media := services.NewFFmpegService(services.FFmpegConfig{
		FFmpegPath:    b.cfg.FFmpegPath,
		FFprobePath:   b.cfg.FFprobePath,
		RenderTimeout: b.cfg.RenderTimeout,
		CopyFastPath:  b.cfg.CopyFastPath,
	})
	packager := archive.NewPackager(b.database, b.store, b.cfg.WorkDir)

	return worker.NewOrchestrator(b.database, b.store, media, notifier, packager, worker.Options{
		BatchSize:              b.cfg.BatchSize,
		WorkDir:                b.cfg.WorkDir,
		MaxConcurrentTransfers: b.cfg.MaxConcurrentTransfers,
	})
}
