package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/config"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/engine"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/handler"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/idgen"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/orchestrator"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/registry"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/service"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/session"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/timeline"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/webrtc"
	pkgconfig "github.com/weiawesome/wes-io-live/broadcast-service/pkg/config"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/jwt"
	pkglog "github.com/weiawesome/wes-io-live/broadcast-service/pkg/log"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/pubsub"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/storage"
)

var (
	flagConfigDir string
	flagEnvFile   string
	flagPort      int
)

func init() {
	flag.StringVarP(&flagConfigDir, "config-dir", "c", pkgconfig.GetEnv("CONFIG_DIR", "./config"), "Directory containing config.yaml")
	flag.StringVar(&flagEnvFile, "env-file", ".env", "Environment file loaded before the configuration")
	flag.IntVarP(&flagPort, "port", "p", 8080, "HTTP listen port (overrides server.port)")
}

func main() {
	flag.Parse()

	if err := pkgconfig.LoadDotEnv(flagEnvFile); err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load env file")
	}

	// Load configuration
	v, err := pkgconfig.Load(flagConfigDir, "config")
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}
	if err := pkgconfig.BindFlags(v, flag.CommandLine, map[string]string{"port": "server.port"}); err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to bind flags")
	}
	cfg, err := config.Decode(v)
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("invalid config")
	}

	// Initialize structured logger
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	kinds, _ := cfg.Media.MediaKinds()
	m := metrics.New()

	// Rendering engine and the shared timeline
	eng := engine.NewFileEngine(engine.FileEngineConfig{
		VideoCodec: cfg.Media.VideoCodec,
		MTU:        cfg.Media.MTU,
	})
	orch := orchestrator.New(eng, timeline.New(), orchestrator.Config{
		QueueSize: cfg.Orchestrator.QueueSize,
		AutoPlay:  cfg.Orchestrator.AutoPlay,
	}, m)

	// Session ids
	ids, err := idgen.New(cfg.Session.IDFormat)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create id generator")
	}

	// Initialize session record store based on config
	var store registry.RecordStore
	switch cfg.Session.Store.Type {
	case "redis":
		redisCfg := cfg.Session.Store.Redis
		redisStore, err := registry.NewRedisRecordStore(registry.RedisConfig{
			Address:   redisCfg.Address,
			Password:  redisCfg.Password,
			DB:        redisCfg.DB,
			KeyPrefix: redisCfg.KeyPrefix,
			TTL:       redisCfg.TTL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create redis session store")
		}
		defer redisStore.Close()
		store = redisStore
		logger.Info().Msg("using redis session store")
	case "database":
		dbStore, err := registry.NewDatabaseRecordStore(cfg.Session.Store.Database)
		if err != nil {
			logger.Fatal().Err(err).Str("driver", cfg.Session.Store.Database.Driver).Msg("failed to open session database")
		}
		defer dbStore.Close()
		store = dbStore
		logger.Info().Str("driver", cfg.Session.Store.Database.Driver).Msg("using database session store")
	case "memory":
		store = registry.NewMemoryRecordStore()
		logger.Info().Msg("using in-memory session store")
	}
	reg := registry.New(store, m)

	// Initialize PubSub
	var ps pubsub.PubSub
	if cfg.PubSub.Enabled() {
		ps, err = pubsub.NewPubSub(cfg.PubSub)
		if err != nil {
			logger.Fatal().Err(err).Str("driver", cfg.PubSub.Driver).Msg("failed to initialize pubsub")
		}
		defer ps.Close()
		logger.Info().Str("driver", cfg.PubSub.Driver).Msg("control bus connected")
	}

	// Clip library for storage:// uris
	clipStore, err := storage.New(context.Background(), cfg.Storage.Config)
	if err != nil {
		logger.Fatal().Err(err).Str("type", cfg.Storage.Type).Msg("failed to initialize clip storage")
	}
	var svcOpts []service.Option
	if clipStore != nil {
		svcOpts = append(svcOpts, service.WithClipFetcher(service.NewClipFetcher(clipStore, cfg.Storage.CacheDir)))
		logger.Info().Str("type", cfg.Storage.Type).Str("cache_dir", cfg.Storage.CacheDir).Msg("clip storage enabled")
	}

	// Get ICE servers
	iceServers, err := cfg.WebRTC.GetICEServers()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to get ICE servers")
	}
	logger.Info().Int("ice_servers", len(iceServers)).Msg("ICE servers configured")

	peerMgr := webrtc.NewPeerManager(iceServers, cfg.Media.VideoCodec)

	broadcastSvc := service.NewBroadcastService(peerMgr.Transport(), orch, reg, ps, m, session.Options{
		Kinds:              kinds,
		BridgeCapacity:     cfg.Media.BridgeCapacity,
		NegotiationTimeout: cfg.Session.NegotiationTimeout,
		IDGenerator:        ids,
		Metrics:            m,
	}, svcOpts...)

	// Setup Gin router
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))
	r.Use(metrics.GinMiddleware(m))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(m.Handler(func() {
		m.SetTimelineClips(orch.Timeline().Len())
		m.SetActiveSessions(reg.Len())
	})))

	var apiMiddleware []gin.HandlerFunc
	if cfg.Server.Auth.Enabled() {
		tokens, err := jwt.NewManager(cfg.Server.Auth.JWTSecret, cfg.Server.Auth.Issuer)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create token validator")
		}
		apiMiddleware = append(apiMiddleware, middleware.NewAuthMiddleware(tokens).RequireAuth(cfg.Server.Auth.Role))
		logger.Info().Str("role", cfg.Server.Auth.Role).Msg("control API requires bearer tokens")
	}

	handler.NewHandler(broadcastSvc, ids).RegisterRoutes(r, apiMiddleware...)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// The loop outlives the HTTP server so closing sessions can still
	// remove their slots.
	orchCtx, orchCancel := context.WithCancel(context.Background())
	defer orchCancel()

	g.Go(func() error {
		return orch.Run(orchCtx)
	})

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("broadcast-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return broadcastSvc.ListenControl(gctx)
	})

	if cfg.Timeline.WatchDir != "" {
		watcher := service.NewClipWatcher(cfg.Timeline.WatchDir, broadcastSvc.AddClip)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	// Initial clips are appended in order before anything else reaches the
	// queue from this goroutine.
	g.Go(func() error {
		for _, uri := range cfg.Timeline.InitialClips {
			if err := broadcastSvc.AddClip(gctx, uri); err != nil {
				if errors.Is(err, orchestrator.ErrQueueClosed) || gctx.Err() != nil {
					return nil
				}
				logger.Error().Err(err).Str(pkglog.FieldClipURI, uri).Msg("failed to add initial clip")
				continue
			}
			logger.Info().Str(pkglog.FieldClipURI, uri).Msg("initial clip queued")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down broadcast-service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("server forced to shutdown")
		}
		if err := broadcastSvc.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("sessions closed with errors")
		}
		orchCancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("broadcast-service stopped")
		os.Exit(1)
	}
	logger.Info().Msg("broadcast-service stopped")
}
