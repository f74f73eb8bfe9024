package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/skillshare-signaling/config"
	"github.com/mossy-p/skillshare-signaling/internal/bus"
	"github.com/mossy-p/skillshare-signaling/internal/handlers"
	"github.com/mossy-p/skillshare-signaling/internal/logging"
	"github.com/mossy-p/skillshare-signaling/internal/matchmaker"
	"github.com/mossy-p/skillshare-signaling/internal/middleware"
	"github.com/mossy-p/skillshare-signaling/internal/redis"
	"github.com/mossy-p/skillshare-signaling/internal/store"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.Setup(nil, "development", "info")
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(nil, cfg.Environment, cfg.LogLevel)

	db, err := store.Open(ctx, cfg.StoreDSN)
	if err != nil {
		log.Fatal().Err(err).Str("dsn", cfg.StoreDSN).Msg("failed to open store")
	}
	defer db.Close()

	b, err := openBus(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open bus")
	}
	defer b.Close()
	log.Info().Str("driver", cfg.BusDriver).Msg("bus ready")

	repo := store.NewRepo(db, b)
	mm := matchmaker.New(repo, b, cfg.Match.PollInterval)

	policy, err := matchmaker.ParsePolicy(cfg.Match.Policy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid match policy")
	}
	pairer := matchmaker.NewPairer(repo, matchmaker.PairerConfig{
		Interval:      cfg.Match.PairInterval,
		FallbackAfter: cfg.Match.FallbackAfter,
		Policy:        policy,
	})
	go pairer.Run(ctx)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: setupRouter(cfg, db, b, mm),
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Skill-share signaling server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func openBus(ctx context.Context, cfg *config.Config) (bus.Bus, error) {
	if cfg.BusDriver == "memory" {
		return bus.NewMemory(), nil
	}
	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	return bus.NewRedis(client), nil
}

func setupRouter(cfg *config.Config, db *store.DB, b bus.Bus, pool handlers.Pool) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		if err := db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))

		apiGroup.POST("/pool", auth, handlers.EnterPool(pool))
		apiGroup.DELETE("/pool", auth, handlers.LeavePool(pool))
		apiGroup.GET("/calls/active", auth, handlers.GetActiveCall(pool))
		apiGroup.POST("/calls/end", auth, handlers.EndCall(pool))
	}

	// Browsers cannot set headers on WebSocket upgrades, so these take ?token=
	wsGroup := router.Group("/ws", auth)
	{
		wsGroup.GET("/match", handlers.HandleMatch(pool, cfg.PingPeriod))
		wsGroup.GET("/signal/:peerId", handlers.HandleSignal(b, pool, cfg.PingPeriod))
		wsGroup.GET("/chat/:peerId", handlers.HandleChat(b, pool, cfg.PingPeriod))
	}

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("module", "http").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
