package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"airelay-go/internal/config"
	"airelay-go/internal/dispatch"
	"airelay-go/internal/logging"
	"airelay-go/internal/models"
	"airelay-go/internal/monitoring/tracing"
	"airelay-go/internal/pool"
	"airelay-go/internal/reqlog"
	"airelay-go/internal/server"
	"airelay-go/internal/storage"
	"airelay-go/internal/upstream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()
	if *debug {
		os.Setenv("DEBUG", "1")
	}

	mgr, err := config.NewManager(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	settings := mgr.Get()

	if err := logging.Setup(settings.Debug, settings.LogFile); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}
	log.WithField("config", *configPath).Info("starting airelay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceShutdown, err := tracing.Init(ctx, settings.OTLPEndpoint)
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	if traceShutdown != nil {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.WithError(err).Warn("failed to shutdown tracing")
			}
		}()
	}

	aliases := models.NewAliasMap()
	if err := aliases.LoadJSON(settings.ModelMappingRules); err != nil {
		log.WithError(err).Warn("invalid model mapping rules, ignoring")
	}
	mgr.OnReload(func(s *config.Settings) {
		if err := aliases.LoadJSON(s.ModelMappingRules); err != nil {
			log.WithError(err).Warn("model mapping rules reload failed, keeping previous")
		}
	})
	mgr.StartWatcher()
	defer mgr.Stop()

	store := buildStore(ctx, settings)
	defer store.Close()

	cache := buildCache(ctx, settings)
	p := pool.New(store, cache)

	hub := logging.NewWSHub()
	hub.Start()
	defer hub.Stop()

	pipeline := reqlog.NewPipeline(store, hub)
	pipeline.Start()
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pipeline.Stop(drainCtx)
	}()

	aggregator := reqlog.NewAggregator(store, store)
	aggregator.Start()
	defer aggregator.Stop()

	refresher := upstream.NewTokenRefresher(settings.OAuth.ClientID, settings.OAuth.ClientSecret)
	refresher.SetRefreshLeeway(time.Duration(settings.Token.RefreshBeforeExpiryMinutes) * time.Minute)

	dispatcher := &dispatch.Dispatcher{
		Pool:        p,
		Refresher:   refresher,
		CodeAssist:  upstream.NewCodeAssistClient(settings.Gemini.CodeAssistEndpoint, settings.ProxyURL),
		Antigravity: upstream.NewAntigravityClient(settings.Antigravity.APIURL, settings.ProxyURL, settings.Antigravity.SkipTLSValidate),
		Creds:       store,
		Logs:        pipeline,
	}

	srv := server.New(server.Dependencies{
		Config:     mgr,
		Store:      store,
		Pool:       p,
		Dispatcher: dispatcher,
		Logs:       pipeline,
		Hub:        hub,
		Aliases:    aliases,
		Codex:      upstream.NewCodexClient(settings.Codex.BaseURL, settings.ProxyURL),
	})

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server exited with error")
	}
	log.Info("server stopped")
}

// buildStore prefers Postgres and falls back to the in-memory store so the
// relay still comes up without persistence.
func buildStore(ctx context.Context, settings *config.Settings) storage.Store {
	if settings.PostgresDSN != "" {
		pg, err := storage.NewPostgresStore(settings.PostgresDSN)
		if err == nil {
			if err := pg.Initialize(ctx); err != nil {
				log.WithError(err).Error("postgres migration failed, falling back to in-memory storage")
				_ = pg.Close()
			} else {
				log.Info("using postgres storage")
				return pg
			}
		} else {
			log.WithError(err).Error("postgres unavailable, falling back to in-memory storage")
		}
	} else {
		log.Warn("postgres_dsn not set, request logs will not survive restarts")
	}
	mem := storage.NewMemoryStore()
	_ = mem.Initialize(ctx)
	return mem
}

// buildCache prefers Redis so quota and affinity state is shared across
// replicas; a single process runs fine on ristretto.
func buildCache(ctx context.Context, settings *config.Settings) pool.Cache {
	if settings.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: settings.RedisAddr,
			DB:   settings.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, falling back to in-process cache")
		} else {
			log.WithField("addr", settings.RedisAddr).Info("using redis cache")
			return pool.NewRedisCache(rdb, settings.RedisPrefix)
		}
	}
	cache, err := pool.NewRistrettoCache()
	if err != nil {
		log.WithError(err).Fatal("failed to build in-process cache")
	}
	return cache
}
