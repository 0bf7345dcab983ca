// Package main starts the mediaflow processing worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/driftbyte/mediaflow/internal/config"
	"github.com/driftbyte/mediaflow/internal/database"
	"github.com/driftbyte/mediaflow/internal/imageproc"
	"github.com/driftbyte/mediaflow/internal/logging"
	"github.com/driftbyte/mediaflow/internal/objectstore"
	"github.com/driftbyte/mediaflow/internal/pipeline"
	"github.com/driftbyte/mediaflow/internal/repository"
	"github.com/driftbyte/mediaflow/internal/thumbnail"
	"github.com/driftbyte/mediaflow/internal/transcode"
	"github.com/driftbyte/mediaflow/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.New()
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("connect database")
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.WithError(err).Fatal("ensure schema")
	}
	repo := repository.NewAssetRepository(pool)

	store, err := objectstore.New(cfg)
	if err != nil {
		log.WithError(err).Fatal("init object store")
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		log.WithError(err).Fatal("ensure buckets")
	}

	runner := transcode.ExecRunner()
	primary := transcode.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath)
	pipe := pipeline.New(pipeline.Options{
		Store:       store,
		Assets:      repo,
		Primary:     primary,
		Fallback:    transcode.NewCompat(cfg.FFmpegPath),
		Thumbs:      thumbnail.New(cfg.FFmpegPath, runner, primary),
		Images:      imageproc.NewConverter(cfg.FFmpegPath, runner),
		ImageThumbs: imageproc.Thumbnail,
		Thresholds: pipeline.Thresholds{
			Small:          cfg.SmallTierLimit,
			Medium:         cfg.MediumTierLimit,
			Oversize:       cfg.OversizeLimit,
			MemoryFallback: cfg.MemoryFallbackLimit,
		},
		CallTimeout: cfg.ExternalCallTimeout,
		SourceTTL:   cfg.SignedURLTTL,
		Log:         log,
	})

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.ProcessingPool,
		Logger:      logging.AsynqLogger{Log: log},
	})
	mux := asynq.NewServeMux()
	worker.New(pipe, log).Register(mux)

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.WithField("concurrency", cfg.ProcessingPool).Info("worker starting")
	if err := server.Run(mux); err != nil {
		log.WithError(err).Error("worker stopped")
		os.Exit(1)
	}
}
