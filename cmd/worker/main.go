package main

import (
	"context"
	"os"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/briangreenhill/offlinecache/internal/config"
	"github.com/briangreenhill/offlinecache/internal/jobs"
	"github.com/briangreenhill/offlinecache/internal/kv"
	"github.com/briangreenhill/offlinecache/internal/logging"
	"github.com/briangreenhill/offlinecache/internal/network"
	"github.com/briangreenhill/offlinecache/internal/syncqueue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New(os.Stderr, zerolog.InfoLevel)
		l.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(os.Stdout, cfg.Level())

	if !cfg.HasRedis() {
		logger.Fatal().Msg("REDIS_ADDR is required for the worker")
	}
	if cfg.KVDriver == config.KVMemory {
		// the queue would be invisible to the proxy process
		logger.Fatal().Msg("the worker needs a shared KV_DRIVER (sqlite or postgres)")
	}

	store, closeKV, err := kv.Open(context.Background(), cfg.KVDriver, cfg.KVPath, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open kv store")
	}
	defer closeKV()

	client := network.NewHTTPClient(network.WithTimeout(cfg.NetworkTimeout), network.WithUserAgent("offlinecache-worker"))
	var syncClient network.Client = client
	if cfg.HasSyncAuth() {
		syncClient = network.ClientCredentials(&clientcredentials.Config{
			ClientID:     cfg.Sync.ClientID,
			ClientSecret: cfg.Sync.ClientSecret,
			TokenURL:     cfg.Sync.TokenURL,
			Scopes:       cfg.Sync.Scopes,
		}, cfg.NetworkTimeout)
	}
	queue := syncqueue.New(store, syncClient, cfg.Endpoints(), syncqueue.WithLogger(logging.Component(logger, "sync")))

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency:    8,
		StrictPriority: false,
		Queues: map[string]int{
			jobs.QueueSync:    10, // higher priority
			jobs.QueueDefault: 5,
		},
		Logger: jobs.NewLogger(logging.Component(logger, "asynq")),
	})

	mux := jobs.NewServeMux(jobs.Handlers{
		Flusher:      queue,
		Network:      client,
		PushURL:      strings.TrimRight(cfg.APIBaseURL, "/") + "/_sw/push",
		ControlToken: cfg.ControlToken,
		Logger:       logging.Component(logger, "jobs"),
	})

	logger.Info().Strs("tags", queue.Tags()).Msg("worker running")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped")
	}
}
