// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/briangreenhill/offlinecache/cache"
	"github.com/briangreenhill/offlinecache/internal/config"
	"github.com/briangreenhill/offlinecache/internal/http/routes"
	"github.com/briangreenhill/offlinecache/internal/jobs"
	"github.com/briangreenhill/offlinecache/internal/kv"
	"github.com/briangreenhill/offlinecache/internal/lifecycle"
	"github.com/briangreenhill/offlinecache/internal/logging"
	"github.com/briangreenhill/offlinecache/internal/network"
	"github.com/briangreenhill/offlinecache/internal/notify"
	"github.com/briangreenhill/offlinecache/internal/policy"
	"github.com/briangreenhill/offlinecache/internal/service"
	"github.com/briangreenhill/offlinecache/internal/strategy"
	"github.com/briangreenhill/offlinecache/internal/syncqueue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New(os.Stderr, zerolog.InfoLevel)
		l.Fatal().Err(err).Msg("load config")
	}

	// Logger
	logger := logging.New(os.Stdout, cfg.Level())
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	manifest, err := config.LoadManifest(cfg.AssetManifest)
	if err != nil {
		logger.Fatal().Err(err).Msg("load asset manifest")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Key-value store for the sync queue and the active generation
	store, closeKV, err := kv.Open(ctx, cfg.KVDriver, cfg.KVPath, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.KVDriver).Msg("open kv store")
	}
	defer closeKV()

	// Cache stores, persisted across restarts
	blobs, err := cache.NewFileStore(cfg.CacheDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("open cache dir")
	}
	registry := cache.NewRegistry(
		cache.WithBlobStore(blobs),
		cache.WithLogger(logging.Component(logger, "cache")),
	)
	restored, err := registry.Restore()
	if err != nil {
		logger.Error().Err(err).Msg("restore cache stores")
	}

	client := network.NewHTTPClient(
		network.WithTimeout(cfg.NetworkTimeout),
		network.WithUserAgent("offlinecache"),
	)
	var syncClient network.Client = client
	if cfg.HasSyncAuth() {
		syncClient = network.ClientCredentials(&clientcredentials.Config{
			ClientID:     cfg.Sync.ClientID,
			ClientSecret: cfg.Sync.ClientSecret,
			TokenURL:     cfg.Sync.TokenURL,
			Scopes:       cfg.Sync.Scopes,
		}, cfg.NetworkTimeout, network.WithUserAgent("offlinecache"))
	}

	// Background jobs are optional; without redis everything runs inline and
	// snoozed reminders fire from in-process timers
	var (
		enqueuer  *jobs.Enqueuer
		local     *notify.LocalScheduler
		notifyOps = []notify.Option{notify.WithSnooze(cfg.SnoozeDelay), notify.WithLogger(logging.Component(logger, "notify"))}
	)
	if !cfg.HasRedis() {
		local = notify.NewLocalScheduler(logging.Component(logger, "notify"))
		notifyOps = append(notifyOps, notify.WithScheduler(local))
	} else {
		ac := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := ac.Close(); err != nil {
				logger.Error().Err(err).Msg("close asynq client")
			}
		}()
		enqueuer = jobs.NewEnqueuer(ac, logging.Component(logger, "jobs"))
		notifyOps = append(notifyOps, notify.WithScheduler(enqueuer))
	}

	lcOpts := lifecycle.Options{
		AppID:    cfg.AppID,
		Origin:   cfg.UpstreamURL,
		Assets:   manifest.Precache,
		Registry: registry,
		Network:  client,
		KV:       store,
		Logger:   logging.Component(logger, "lifecycle"),
	}
	if cfg.VersionURL != "" {
		lcOpts.Versions = lifecycle.HTTPVersionSource(client, cfg.VersionURL)
	}
	lc := lifecycle.New(lcOpts)
	lc.OnActivate(func(g lifecycle.Generation) {
		logger.Info().Str("version", g.Version).Str("static_store", g.StaticStore).Msg("generation activated")
	})

	exec := strategy.New(strategy.Options{
		Classifier:  policy.New(manifest.Routes),
		Registry:    registry,
		Evictor:     cache.NewEvictor(cfg.MaxCacheSize, logging.Component(logger, "eviction")),
		Network:     client,
		Stores:      lc,
		OfflinePage: cfg.OfflinePage,
		Logger:      logging.Component(logger, "strategy"),
	})

	queue := syncqueue.New(store, syncClient, cfg.Endpoints(), syncqueue.WithLogger(logging.Component(logger, "sync")))

	svcOpts := service.Options{
		Version:      cfg.AppVersion,
		Origin:       cfg.UpstreamURL,
		QuestionsKey: cfg.QuestionsKey,
		Registry:     registry,
		Lifecycle:    lc,
		Executor:     exec,
		Sync:         queue,
		Notify:       notify.New(notifyOps...),
		Logger:       logging.Component(logger, "service"),
	}
	if enqueuer != nil {
		svcOpts.Enqueuer = enqueuer
	}
	if cfg.NotifyWebhook != "" {
		svcOpts.Notifier = &notify.WebhookSink{Client: client, URL: cfg.NotifyWebhook}
	}
	svc := service.New(svcOpts)
	if local != nil {
		local.SetSink(svc)
		defer local.Stop()
	}

	// Bring up the configured generation
	if ok, err := lc.Restore(ctx); err != nil {
		logger.Error().Err(err).Msg("restore active generation")
	} else if ok {
		logger.Info().Int("stores", restored).Msg("restored active generation")
	}
	if _, err := svc.Dispatch(ctx, service.Event{Kind: service.EventInstall}); err != nil {
		logger.Error().Err(err).Str("version", cfg.AppVersion).Msg("install failed, serving previous generation")
	} else if _, waiting := lc.Waiting(); waiting && cfg.SkipWaiting {
		if err := lc.SkipWaiting(ctx); err != nil {
			logger.Error().Err(err).Msg("activate installed generation")
		}
	}

	if cfg.ControlToken == "" {
		logger.Warn().Msg("CONTROL_TOKEN is not set, control routes are unauthenticated")
	}

	// Router / server
	s, err := routes.New(routes.ServerOptions{
		Service:      svc,
		UpstreamURL:  cfg.UpstreamURL,
		ControlToken: cfg.ControlToken,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build router")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("upstream", cfg.UpstreamURL).Msg("starting proxy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
	svc.Wait()
}
