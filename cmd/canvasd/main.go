package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"canvas-gateway/pkg/logger"
	"canvas-gateway/realtime/canvas"
	"canvas-gateway/realtime/canvas/application"
	"canvas-gateway/realtime/canvas/domain"
	"canvas-gateway/realtime/canvas/infra"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "arquivo YAML opcional (o ambiente tem precedência)")
	flag.Parse()

	v, err := newViper(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	cfg, err := readConfig(v)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logr, err := logger.New(cfg.logLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logr.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	catalog, err := infra.LoadCatalog(cfg.catalogPath, logr)
	if err != nil {
		logr.Fatal("canvas catalog", zap.String("file", cfg.catalogPath), zap.Error(err))
	}
	catalog.Watch()

	registry := infra.NewRegistry(cfg.subscriptionsMaxPerConn)
	nodeID := uuid.New()

	var (
		admission domain.AdmissionStore
		chunks    domain.ChunkStore
		publisher domain.Publisher = registry
		committer domain.DiffCommitter
		presence  domain.PresenceStore
		stats     domain.PixelStats
	)
	if cfg.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		pingCancel()
		if err != nil {
			logr.Fatal("redis ping", zap.String("addr", cfg.redisAddr), zap.Error(err))
		}

		redisChunks := infra.NewRedisChunkStore(rdb, catalog)
		admission = infra.NewRedisAdmissionStore(rdb)
		chunks = redisChunks
		presence = infra.NewRedisPresence(rdb, "", 3*cfg.presenceEvery)

		// escrita e anúncio no mesmo script: todos os nós veem a mesma ordem
		relay := infra.NewRedisRelay(rdb, registry,
			infra.WithRelayChannel(cfg.relayChannel),
			infra.WithRelayLogger(logr),
			infra.WithRelayNodeID(nodeID),
			infra.WithRelayChunks(redisChunks),
		)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logr.Error("relay stopped", zap.Error(err))
			}
		}()
		publisher = relay
		committer = relay

		if cfg.statsEnabled {
			stats = infra.NewRedisPixelStats(rdb,
				infra.WithStatsPrefix(cfg.statsPrefix),
				infra.WithStatsTTL(cfg.statsTTL),
				infra.WithStatsBucket(cfg.statsBucket),
				infra.WithStatsTrackIdentities(cfg.statsTrackIdentities),
			)
		}
	} else {
		logr.Warn("REDIS_ADDR not set: single-process in-memory state")
		memAdmission := infra.NewMemoryAdmissionStore()
		memAdmission.StartJanitor(ctx, time.Minute)
		admission = memAdmission
		chunks = infra.NewMemoryChunkStore(catalog)
	}

	var placementLog domain.PlacementLog
	if cfg.postgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.postgresDSN)
		if err != nil {
			logr.Fatal("postgres pool", zap.Error(err))
		}
		defer pool.Close()

		pl := infra.NewPgPlacementLog(pool, infra.WithLogLogger(logr))
		if err := pl.EnsureSchema(ctx); err != nil {
			logr.Fatal("postgres schema", zap.Error(err))
		}
		logDone := make(chan struct{})
		go func() {
			defer close(logDone)
			pl.Run(ctx)
		}()
		// o último lote precisa sair antes de pool.Close
		defer func() {
			cancel()
			<-logDone
		}()
		placementLog = pl
	}

	var reputation domain.ReputationChecker
	if cfg.reputationURL != "" {
		reputation = infra.NewBreakerReputation(
			infra.NewHTTPReputation(cfg.reputationURL, &http.Client{Timeout: cfg.reputationTimeout}),
			cfg.reputationFailures,
			cfg.reputationCooldown,
			logr,
		)
	}

	gate := infra.NewLeaseGate(
		infra.WithStaleAfter(cfg.gateStaleAfter),
		infra.WithSweepEvery(cfg.gateSweepEvery),
		infra.WithGateLogger(logr),
	)
	gate.StartReaper(ctx)

	pipe := &application.Pipeline{
		Catalog: catalog,
		Gate:    gate,
		Admission: application.AdmissionService{
			Store:         admission,
			Ranks:         infra.NewStaticRankMultiplier(cfg.rankCountries),
			GlobalFactor:  cfg.globalFactor,
			NewConnMargin: cfg.newConnMargin,
		},
		Chunks:            chunks,
		Publisher:         publisher,
		Committer:         committer,
		Reputation:        reputation,
		ReputationTimeout: cfg.reputationTimeout,
		ReputationTTL:     cfg.reputationTTL,
		ReputationGrace:   cfg.reputationGrace,
		Log:               placementLog,
		Stats:             stats,
		Logger:            logr,
	}

	flood := infra.NewFloodStore(cfg.floodRPS, cfg.floodBurst)
	flood.StartJanitor(ctx)

	rateOpts := canvas.RateLimitOptions{
		TrustXForwardedFor:  cfg.trustXFF,
		RejectStatus:        http.StatusTooManyRequests,
		RetryAfter:          cfg.retryAfter,
		AddRateLimitHeaders: cfg.addHeaders,
	}
	if cfg.rateEnabled {
		store := infra.NewFloodStore(cfg.rateRPS, cfg.rateBurst)
		store.StartJanitor(ctx)
		rateOpts.Store = store
	}

	srv, err := canvas.NewServer(canvas.Options{
		Catalog:  catalog,
		Pipeline: pipe,
		Registry: registry,
		Chunks:   chunks,
		Presence: presence,
		Resolver: canvas.OriginResolver{
			Origin:        canvas.DefaultOriginFunc(cfg.trustXFF),
			UserHeader:    cfg.userHeader,
			CountryHeader: cfg.countryHeader,
		},
		Flood:         flood,
		Workers:       canvas.WorkerOptions{Max: cfg.workersMax, AcquireTimeout: cfg.workersAcquireTimeout},
		NodeID:        nodeID.String(),
		SendQueue:     cfg.sendQueue,
		PresenceEvery: cfg.presenceEvery,
		RateLimit:     rateOpts,
		Concurrency: canvas.ConcurrencyOptions{
			Max:            cfg.concurrencyMax,
			RejectStatus:   http.StatusServiceUnavailable,
			AcquireTimeout: cfg.concurrencyTimeout,
		},
		Logger: logr,
	})
	if err != nil {
		logr.Fatal("canvas server", zap.Error(err))
	}
	go srv.Run(ctx)

	// sem ReadTimeout/WriteTimeout: o socket controla os próprios deadlines
	httpSrv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logr.Info("canvasd listening",
		zap.String("addr", cfg.listenAddr),
		zap.String("node", nodeID.String()),
		zap.Int("canvases", len(catalog.All())),
		zap.Bool("redis", cfg.redisAddr != ""),
		zap.Bool("placement_log", placementLog != nil),
		zap.Bool("reputation", reputation != nil),
	)
	logr.Info("limits",
		zap.Bool("rate_enabled", cfg.rateEnabled),
		zap.Float64("rate_rps", cfg.rateRPS),
		zap.Int("rate_burst", cfg.rateBurst),
		zap.Float64("flood_rps", cfg.floodRPS),
		zap.Int("flood_burst", cfg.floodBurst),
		zap.Int("workers_max", cfg.workersMax),
		zap.Duration("workers_acquire_timeout", cfg.workersAcquireTimeout),
		zap.Int("concurrency_max", cfg.concurrencyMax),
		zap.Int("subscriptions_max_per_conn", cfg.subscriptionsMaxPerConn),
	)

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logr.Fatal("server error", zap.Error(err))
	}
}
