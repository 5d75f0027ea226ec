// Command chatcounter is the process entrypoint: it loads configuration,
// connects Postgres and Redis, constructs every component (C1-C8), wires
// them into one gin router, runs startup subscription reconciliation, and
// serves until an interrupt requests graceful shutdown.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"tallyhook/api_chat/internal/config"
	"tallyhook/api_chat/internal/counter"
	"tallyhook/api_chat/internal/fleet"
	"tallyhook/api_chat/internal/identity"
	"tallyhook/api_chat/internal/pipeline"
	"tallyhook/api_chat/internal/queryapi"
	"tallyhook/api_chat/internal/subscription"
	"tallyhook/api_chat/internal/verifykey"
	"tallyhook/api_chat/internal/webhook"
	"tallyhook/api_chat/internal/worker"
	"tallyhook/pkg/cache"
	"tallyhook/pkg/database"
	pkgconfig "tallyhook/pkg/config"
	"tallyhook/pkg/logging"
	"tallyhook/pkg/middleware"
	"tallyhook/pkg/monitoring"
	"tallyhook/pkg/redis"
	"tallyhook/pkg/server"
	"tallyhook/pkg/version"
)

const ircEndpoint = "wss://irc-ws.chat.twitch.tv:443"

func main() {
	logger := logging.NewLoggerWithService("chatcounter")
	pkgconfig.LoadEnv(logger)

	cfg := config.Load()
	logger.Info("starting chatcounter")

	healthChecker := monitoring.NewHealthChecker("chatcounter", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("chatcounter", version.Version, version.GitCommit)

	db := database.MustConnect(database.Config{URL: cfg.DatabaseURL, MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute}, logger)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := redis.NewClientFromURL(ctx, cfg.CacheURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	redisCache := cache.NewRedisCache(redisClient)
	invalidationPubSub := redis.NewTypedPubSub[string](redisClient)

	verificationKey, err := verifykey.Generate()
	if err != nil {
		logger.WithError(err).Fatal("failed to generate verification key")
	}

	tracked, err := config.FetchTrackedChannels(ctx, cfg.ChannelListURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to fetch tracked channel list")
	}
	logger.WithField("count", len(tracked)).Info("loaded tracked channel list")

	store := counter.New(db)
	store.SetCache(redisCache)
	store.SetInvalidationPublisher(invalidationPubSub)

	resolver := identity.New(identity.Config{
		BaseURL:     "https://api.twitch.tv/helix",
		ClientID:    cfg.UpstreamClientID,
		BearerToken: cfg.AppToken,
		Persist: func(ctx context.Context, p identity.Profile) error {
			return store.UpsertChatter(ctx, counter.Chatter{
				ID: p.ID, Login: p.Login, DisplayName: p.DisplayName, Color: p.Color, Image: p.Image,
			})
		},
		Logger:     logger,
		RedisCache: redisCache,
	})
	go resolver.SubscribeInvalidations(ctx, invalidationPubSub)

	droppedEvents := metricsCollector.NewCounter("events_dropped_total", "Worker/fleet events dropped on a full fan-in channel", []string{"kind"})

	forward := make(chan worker.Event, 1024)
	fleetMgr := fleet.New(fleet.Config{
		Strategy:           fleet.LeastLoaded,
		WorkerChannelCap:   cfg.WorkerChannelCap,
		MinWorkers:         cfg.FleetMinWorkers,
		MaxWorkers:         cfg.FleetMaxWorkers,
		ScaleUpThreshold:   cfg.ScaleUpThreshold,
		ScaleDownThreshold: cfg.ScaleDownThreshold,
		HealthInterval:     cfg.HealthInterval,
		RejoinInterval:     cfg.RejoinInterval,
		IdleGracePeriod:    cfg.IdleGracePeriod,
		SocketEndpoint:     ircEndpoint,
		UserToken:          cfg.UserToken,
		UserLogin:          cfg.UserLogin,
		Logger:             logger,
		DroppedEvents:      droppedEvents,
	}, forward)
	go fleetMgr.Start(ctx)

	subController := subscription.New(subscription.Config{
		ClientID:    cfg.UpstreamClientID,
		BearerToken: cfg.AppToken,
		CallbackURL: cfg.CallbackURL,
		Secret:      verificationKey.Hex(),
		Logger:      logger,
	})

	subChannels := make([]subscription.Channel, 0, len(tracked))
	for _, t := range tracked {
		subChannels = append(subChannels, subscription.Channel{ID: t.ID, Login: t.Login})
	}
	go func() {
		reconcileCtx, reconcileCancel := context.WithTimeout(ctx, 60*time.Second)
		defer reconcileCancel()
		if err := subController.Reconcile(reconcileCtx, subChannels); err != nil {
			logger.WithError(err).Warn("startup subscription reconciliation had failures")
		}
	}()

	countPipeline := pipeline.New(pipeline.Config{
		Identity:       resolver,
		Store:          store,
		Fleet:          fleetMgr,
		Needle:         cfg.Needle,
		CommandEnabled: cfg.CommandEnabled,
		ReplyWindow:    cfg.CommandReplyRateLimit,
		BotLogin:       cfg.UserLogin,
		Logger:         logger,
	})
	go countPipeline.Run(ctx, forward)

	verifier := webhook.NewVerifier(verificationKey)
	dispatcher := webhook.NewDispatcher(fleetMgr, resolver, logger)
	webhookHandler := webhook.NewHandler(verifier, dispatcher, logger)

	router := server.SetupServiceRouter(logger, "chatcounter", healthChecker, metricsCollector, cfg.CORSAllowlist)
	router.POST("/webhook-global", webhookHandler.ServeHTTP)

	queryapi.New(fleetMgr, store, resolver, tracked, logger).Register(router)

	internal := router.Group("/internal")
	internal.Use(middleware.InternalAuthMiddleware(cfg.InternalToken))
	internal.POST("/reconcile", func(c *gin.Context) {
		reconcileCtx, reconcileCancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
		defer reconcileCancel()
		if err := subController.Reconcile(reconcileCtx, subChannels); err != nil {
			c.JSON(500, gin.H{"message": fmt.Sprintf("reconciliation had failures: %v", err)})
			return
		}
		c.JSON(200, gin.H{"message": "reconciled"})
	})

	serverConfig := server.Config{
		Port:         cfg.HTTPPort,
		ServiceName:  "chatcounter",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("http server startup failed")
	}
}
