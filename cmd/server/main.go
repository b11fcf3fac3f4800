package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Bowhza/H2M-ServerScraper/internal/api"
	"github.com/Bowhza/H2M-ServerScraper/internal/config"
	"github.com/Bowhza/H2M-ServerScraper/internal/game"
	"github.com/Bowhza/H2M-ServerScraper/internal/middleware"
	"github.com/Bowhza/H2M-ServerScraper/internal/probe"
	"github.com/Bowhza/H2M-ServerScraper/internal/redis"
	"github.com/Bowhza/H2M-ServerScraper/internal/webfront"
	"github.com/Bowhza/H2M-ServerScraper/internal/ws"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()

	logger := newLogger(cfg.Environment)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis is optional: without it queue events are not published and the
	// webfront cache stays in-process.
	var rdb *goredis.Client
	if cfg.RedisURL != "" {
		var err error
		rdb, err = redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		logger.Info("redis connected")
	} else {
		logger.Info("redis not configured, queue events disabled")
	}

	clk := clock.New()

	prober, err := probe.New(logger, cfg.ProbeRatePerSecond)
	if err != nil {
		logger.Fatal("failed to start prober", zap.Error(err))
	}
	defer prober.Close()

	var statuses game.StatusProvider
	if cfg.WebfrontBaseURL != "" {
		statuses = webfront.NewClient(cfg.WebfrontBaseURL, cfg.WebfrontCacheTTL, rdb, clk, logger)
		logger.Info("webfront status client enabled", zap.String("base", cfg.WebfrontBaseURL))
	} else {
		logger.Info("webfront not configured, join confirmation disabled")
	}

	players := game.NewPlayerRegistry()
	servers := game.NewServerRegistry(clk, logger)
	events := game.NewPublisher(rdb, logger)

	// The hub is built first; it is the notifier the services push through.
	hub := ws.NewHub(players, logger)

	queueing := game.NewQueueingService(game.Config{
		QueueCap:                    cfg.QueueCap,
		MaxJoinAttempts:             cfg.MaxJoinAttempts,
		TotalJoinTimeLimit:          cfg.TotalJoinTimeLimit,
		ProcessInterval:             cfg.QueueProcessInterval,
		EmptyPollInterval:           cfg.EmptyQueuePollInterval,
		ProbeTimeout:                cfg.ProbeTimeout,
		ConfirmJoinsWithWebfront:    cfg.ConfirmJoinsWithWebfront,
		ClearAttemptsWhenServerFull: cfg.ClearAttemptsWhenServerFull,
	}, game.Deps{
		Players:  players,
		Servers:  servers,
		Prober:   prober,
		Statuses: statuses,
		Notifier: hub,
		Events:   events,
	}, clk, logger)

	matchmaking := game.NewMatchmakingService(game.MatchmakingConfig{
		Interval:     cfg.MatchmakingInterval,
		Timeout:      cfg.MatchmakingTimeout,
		ProbeTimeout: cfg.ProbeTimeout,
	}, queueing, prober, hub, events, clk, logger)

	hub.Bind(queueing, matchmaking)

	queueing.Start(ctx)
	go matchmaking.Run(ctx)
	go servers.RunJanitor(ctx, time.Minute)

	// Set up Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORSMiddleware(cfg, logger))

	api.SetupRoutes(router, api.Deps{
		Logger:      logger,
		Config:      cfg,
		Players:     players,
		Servers:     servers,
		Queueing:    queueing,
		Matchmaking: matchmaking,
		Hub:         hub,
		Redis:       rdb,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening",
			zap.String("port", cfg.Port),
			zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// In-flight requests get a grace period; the queue loops already stopped
	// with the root context.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}

func newLogger(environment string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if environment == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	return logger
}
