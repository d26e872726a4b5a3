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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"securechat/internal/ai"
	"securechat/internal/auth"
	"securechat/internal/chat"
	"securechat/internal/config"
	"securechat/internal/db"
	grpcclient "securechat/internal/grpc"
	"securechat/internal/handlers"
	"securechat/internal/keydist"
	"securechat/internal/logging"
	"securechat/internal/middleware"
	"securechat/internal/observability"
	"securechat/internal/queue"
	"securechat/internal/rabbitmq"
	"securechat/internal/ratelimit"
	"securechat/internal/repositories"
	"securechat/internal/telemetry"
	"securechat/internal/ws"
)

const serviceName = "chat-service"

func main() {
	cfg := config.Load()
	logging.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer database.Close()

	verifier, closeVerifier := buildVerifier(cfg)
	defer closeVerifier()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", serviceName, cfg.Env)
	log.Info().Str("mode", rabbitmq.PublisherMode(publisher)).Str("reason", rabbitmq.PublisherNoopReason(publisher)).Msg("event publisher ready")

	roomRepo := repositories.NewRoomRepo(database)
	userRepo := repositories.NewUserRepo(database)
	messageRepo := repositories.NewMessageRepo(database)

	localLimiter := ratelimit.NewLocal(rate.Limit(cfg.EventRatePerSec), cfg.EventBurst, 10*time.Minute)
	defer localLimiter.Stop()
	var eventLimiter ratelimit.Limiter = localLimiter
	if cfg.RedisURL != "" {
		redisClient, err := ratelimit.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, rate limiting in process")
		} else {
			defer redisClient.Close()
			window := time.Duration(float64(cfg.EventBurst) / cfg.EventRatePerSec * float64(time.Second))
			eventLimiter = ratelimit.NewRedis(redisClient, cfg.EventBurst, window, localLimiter)
		}
	}

	hub := ws.NewHub()

	jobClient, jobServer := buildQueue(cfg)
	defer jobClient.Close()
	assistant := chat.NewAssistant(ai.NewClient(cfg.AIServiceURL, cfg.AITimeout), messageRepo, hub)
	chat.RegisterAssistant(jobServer, assistant)
	go func() {
		if err := jobServer.Run(ctx); err != nil {
			log.Error().Err(err).Msg("job server stopped")
		}
	}()

	keys := keydist.NewService(roomRepo, hub, cfg.E2EEEnabled, audit)
	pipeline := chat.NewPipeline(verifier, messageRepo, userRepo, hub, chat.NewQueueDispatcher(jobClient, cfg.AITimeout), cfg.E2EEEnabled)

	gateway := ws.NewGateway(ws.GatewayConfig{
		Hub:               hub,
		Verifier:          verifier,
		Rooms:             roomRepo,
		Keys:              keys,
		Messages:          pipeline,
		Typing:            chat.NewTyping(hub),
		Receipts:          chat.NewReceipts(messageRepo, hub),
		Limiter:           eventLimiter,
		Audit:             audit,
		RequireMembership: cfg.RequireMembership,
	})

	keyHandler := handlers.NewKeyHandler(userRepo, audit)
	roomHandler := handlers.NewRoomHandler(roomRepo, messageRepo)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authMiddleware := middleware.AuthMiddleware(verifier)
	restLimiter := middleware.RateLimit(localLimiter)

	router.PUT("/users/me/public-key", restLimiter, authMiddleware, keyHandler.PutMyPublicKey)
	router.GET("/users/:user_id/public-key", authMiddleware, keyHandler.GetPublicKey)
	router.GET("/rooms/:room_id/members/keys", authMiddleware, roomHandler.MemberKeys)
	router.GET("/rooms/:room_id/messages", restLimiter, authMiddleware, roomHandler.Messages)

	router.GET("/ws", gateway.Handle)

	handlers.RegisterDebugRoutes(router, audit, cfg.DebugRoutes)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		log.Info().Str("port", cfg.Port).Bool("e2ee", cfg.E2EEEnabled).Str("auth_mode", cfg.AuthMode).Msg("chat service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := jobServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("job server shutdown")
	}
}

func buildVerifier(cfg config.Config) (auth.Verifier, func()) {
	if cfg.AuthMode != "grpc" {
		return auth.NewJWTVerifier(cfg.JWTSecret), func() {}
	}
	conn, err := grpcclient.Dial(cfg.AuthGRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to auth grpc")
	}
	return grpcclient.NewAuthClient(conn), func() { _ = conn.Close() }
}

// buildQueue prefers Redis-backed asynq and runs jobs in process otherwise.
func buildQueue(cfg config.Config) (queue.Client, queue.Server) {
	if cfg.RedisURL != "" {
		client, err := queue.NewAsynqClient(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("asynq unavailable, running assistant jobs in process")
			inline := queue.NewInline()
			return inline, inline
		}
		server, err := queue.NewAsynqServer(cfg.RedisURL, 4)
		if err != nil {
			_ = client.Close()
			log.Warn().Err(err).Msg("asynq unavailable, running assistant jobs in process")
			inline := queue.NewInline()
			return inline, inline
		}
		return client, server
	}
	inline := queue.NewInline()
	return inline, inline
}
