// Package main starts the mediaflow HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/driftbyte/mediaflow/internal/api"
	"github.com/driftbyte/mediaflow/internal/config"
	"github.com/driftbyte/mediaflow/internal/database"
	"github.com/driftbyte/mediaflow/internal/loader"
	"github.com/driftbyte/mediaflow/internal/logging"
	"github.com/driftbyte/mediaflow/internal/objectstore"
	"github.com/driftbyte/mediaflow/internal/queue"
	"github.com/driftbyte/mediaflow/internal/repository"
	"github.com/driftbyte/mediaflow/internal/signing"
	"github.com/driftbyte/mediaflow/internal/urlcache"
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

	signer := signing.NewSigner(cfg.SigningSecret)
	urls := urlcache.New(store, urlcache.Options{
		TTL:           cfg.SignedURLTTL,
		MaxEntries:    cfg.URLCacheSize,
		PublicBaseURL: cfg.PublicBaseURL,
		Signer:        signer,
	})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	loads := loader.New(loader.Options{
		Source:    urls,
		Cache:     loader.NewRedisCache(redisClient, cfg.LoaderCacheTTL),
		Freshness: cfg.LoaderCacheTTL,
		Debounce:  cfg.BoostDebounce,
		Log:       log,
	})

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	srv := api.New(cfg, repo, store, urls, queue.NewEnqueuer(client), signer, loads, log)
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("api stopped")
		os.Exit(1)
	}
}
