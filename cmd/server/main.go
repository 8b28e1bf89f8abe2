package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/cache"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/clock"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/collab"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/config"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/handlers"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/handlers/ws"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/httpx"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/logger"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/metrics"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/middleware"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/ratelimit"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/repository"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/search"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/service"
)

func main() {
	configPath := flag.String("config", os.Getenv("EVENTFLOW_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger.Init(cfg.Log.Level, cfg.Log.JSON)
	log := logger.Component("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}

	// Storage
	var (
		db          *gorm.DB
		threadRepo  repository.ThreadRepositoryInterface
		messageRepo repository.MessageRepositoryInterface
	)
	switch cfg.Database.Driver {
	case "memory":
		store := repository.NewMemoryStore()
		threadRepo, messageRepo = store.Threads(), store.Messages()
		log.Warn("Using in-memory storage; data is lost on restart")
	default:
		db, err = repository.InitDB(cfg.Database.DSN())
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to database")
		}
		threadRepo = repository.NewThreadRepository(db)
		messageRepo = repository.NewMessageRepository(db)
	}

	// Redis (best-effort; presence mirror and history cache are skipped without it)
	var (
		mirror  ws.PresenceMirror
		history service.HistoryCache
	)
	redisCache := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := redisCache.Ping(ctx); err != nil {
		log.WithError(err).Warn("Redis connection failed, running without cache")
		_ = redisCache.Close()
		redisCache = nil
	} else {
		log.Info("Redis cache connected successfully")
		mirror = cache.NewPresenceCache(redisCache)
		history = cache.NewHistoryCache(redisCache)
	}

	var rateStore ratelimit.Store
	var sweeper service.RateSweeper
	if cfg.RateGuard.Store == "redis" && redisCache != nil {
		rateStore = ratelimit.NewRedisStore(redisCache.Client())
	} else {
		mem := ratelimit.NewMemoryStore()
		rateStore, sweeper = mem, mem
	}

	// Search
	var (
		searcher search.Searcher
		indexer  service.Indexer
	)
	if cfg.Messaging.SearchBackend == "postgres" && db != nil {
		searcher = search.NewPostgresSearcher(db)
	} else {
		index := search.NewIndex()
		searcher, indexer = index, index
		if db != nil {
			log.Warn("In-memory search index only covers messages sent since startup")
		}
	}

	// Collaborators
	events := collab.NewLogSink()
	tiers := collab.NewStaticTiers(models.TierFree)
	blocks := collab.NewMemoryBlockList()
	validator := collab.AllowAll{}

	// Services
	quotas := service.NewQuotaTracker(tiers, threadRepo, messageRepo, clk)
	guard := ratelimit.NewGuard(ratelimit.Config{
		Window:          cfg.RateGuard.Window.Std(),
		Threshold:       cfg.RateGuard.Threshold,
		DuplicateWindow: cfg.RateGuard.DuplicateWindow.Std(),
	}, rateStore, clk)
	threadService := service.NewThreadService(threadRepo, messageRepo, quotas, validator, events, cfg.Messaging.PinCap, clk)

	hub := ws.NewHub(ws.Config{
		PresenceGrace: cfg.Hub.PresenceGrace.Std(),
		TypingTTL:     cfg.Hub.TypingTTL.Std(),
		SendQueueSize: cfg.Hub.SendQueueSize,
		PingInterval:  cfg.Hub.PingInterval.Std(),
		PongTimeout:   cfg.Hub.PongTimeout.Std(),
		InboundRate:   cfg.Hub.InboundRate,
		InboundBurst:  cfg.Hub.InboundBurst,
		GzipThreshold: int(cfg.Hub.GzipThreshold),
	}, threadService, mirror, clk)
	hub.Start()

	deliveryService := service.NewDeliveryService(service.DeliveryConfig{
		EditWindow:     cfg.Messaging.EditWindow.Std(),
		IdempotencyTTL: cfg.Messaging.IdempotencyTTL.Std(),
		HistoryLimit:   cfg.Messaging.HistoryLimit,
	}, service.DeliveryDeps{
		Threads:   threadRepo,
		Messages:  messageRepo,
		Quotas:    quotas,
		Guard:     guard,
		Validator: validator,
		Blocks:    blocks,
		Events:    events,
		Notifier:  service.NewNotifier(events, clk),
		Hub:       hub,
		Index:     indexer,
		History:   history,
		Clock:     clk,
	})

	janitor, err := service.NewJanitor(cfg.Retention.Cron, messageRepo, sweeper, cfg.RateGuard.Window.Std(), clk)
	if err != nil {
		log.WithError(err).Fatal("Failed to configure retention")
	}
	janitor.Start(ctx)

	// Handlers
	wsHandler := handlers.NewWebSocketHandler(hub, deliveryService, threadService, int64(cfg.Hub.MaxFrameSize))
	routes := handlers.API{
		Threads:  handlers.NewThreadHandler(threadService, deliveryService),
		Messages: handlers.NewMessageHandler(deliveryService),
		Search:   handlers.NewSearchHandler(searcher),
	}

	app := fiber.New(fiber.Config{
		AppName:   "EventFlow Messaging",
		BodyLimit: int(cfg.Server.BodyLimit),
	})

	// Middleware
	app.Use(requestid.New())
	app.Use(fiberlogger.New())
	app.Use(metrics.Middleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.Server.AllowedOrigins, ","),
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Idempotency-Key, " + middleware.CSRFHeader,
		AllowMethods:     "GET, POST, PATCH, PUT, DELETE, OPTIONS",
		AllowCredentials: len(cfg.Server.AllowedOrigins) > 0,
	}))

	// Protected routes
	api := app.Group("/api",
		middleware.OriginAllowed(cfg.Server.AllowedOrigins),
		middleware.AuthRequired(cfg.Server.JWTSecret),
		middleware.CSRFRequired(cfg.Server.CSRFMode, cfg.Server.AllowedOrigins),
		limiter.New(limiter.Config{
			Max:        300,
			Expiration: time.Minute,
			KeyGenerator: func(c *fiber.Ctx) string {
				if uid, err := httpx.LocalUint(c, "userID"); err == nil {
					return "api:" + strconv.FormatUint(uint64(uid), 10)
				}
				return c.IP()
			},
		}),
	)
	routes.Mount(api)

	// WebSocket route (websocket upgrade needs special handling)
	app.Use(
		"/ws",
		middleware.OriginAllowed(cfg.Server.AllowedOrigins),
		middleware.AuthRequired(cfg.Server.JWTSecret),
		func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		},
	)
	app.Get("/ws", websocket.New(wsHandler.HandleWebSocket))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"connections": hub.ConnectionCount(),
		})
	})

	go func() {
		<-ctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := wsHandler.GetHub().Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Hub shutdown incomplete")
		}
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP shutdown incomplete")
		}
	}()

	log.WithField("port", cfg.Server.Port).Info("Server starting")
	if err := app.Listen(":" + cfg.Server.Port); err != nil {
		log.WithError(err).Fatal("Failed to start server")
	}

	if redisCache != nil {
		_ = redisCache.Close()
	}
	log.Info("Server stopped")
}
