package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"dm-service/internal/auth"
	"dm-service/internal/config"
	"dm-service/internal/db"
	"dm-service/internal/delivery"
	grpcclient "dm-service/internal/grpc"
	"dm-service/internal/handlers"
	"dm-service/internal/middleware"
	"dm-service/internal/natsbus"
	"dm-service/internal/observability"
	"dm-service/internal/presence"
	"dm-service/internal/rabbitmq"
	"dm-service/internal/repositories"
	"dm-service/internal/services"
	"dm-service/internal/telemetry"
	"dm-service/internal/ws"
)

const (
	serviceName = "dm-service"
	version     = "1.0.0"
)

func main() {
	cfg := config.MustLoad()
	observability.SetupLogger(cfg.LogLevel, cfg.LogPretty)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}

	database, err := db.Connect(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer database.Close()

	authConn, err := dialGRPC(cfg.AuthGRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.AuthGRPCAddr).Msg("failed to create auth grpc client")
	}
	defer authConn.Close()

	userConn, err := dialGRPC(cfg.UserGRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.UserGRPCAddr).Msg("failed to create user grpc client")
	}
	defer userConn.Close()

	authClient := grpcclient.NewAuthClient(authConn)
	userClient := grpcclient.NewUserClient(userConn)

	var (
		revoked    auth.RevocationList
		revocation *auth.RedisRevocationList
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		revocation = auth.NewRedisRevocationList(rdb)
		revoked = revocation
	} else {
		log.Warn().Msg("REDIS_ADDR not set, token revocation disabled")
	}

	bus := telemetry.NewBus(newPublisher(ctx, cfg.Events), cfg.Events.SubjectBase, serviceName, cfg.Environment)

	registry := presence.NewRegistry()
	messageRepo := repositories.NewMessageRepo(database)
	router := delivery.NewRouter(registry, messageRepo, bus)
	registry.SetNotifier(router)

	messageService := services.NewMessages(messageRepo, userClient, router, cfg.DB.StoreTimeout)
	authenticator := auth.NewAuthenticator(authClient, revoked)
	gateway := ws.NewGateway(authenticator, registry, messageService, router, bus, cfg.WS, cfg.AllowedOrigins)

	engine := gin.New()
	engine.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Logger())
	engine.Use(middleware.Recovery())
	engine.Use(observability.HTTPMetricsMiddleware())
	engine.Use(corsMiddleware(cfg.AllowedOrigins))

	engine.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws", gateway.Handle)
	handlers.RegisterDebugRoutes(engine, registry, gateway, cfg.DebugRoutes)

	api := engine.Group("/", gzip.Gzip(gzip.DefaultCompression), middleware.AuthMiddleware(authenticator))
	handlers.NewMessageHandler(messageService, registry).Register(api)
	if revocation != nil {
		api.POST("/logout", handlers.NewSessionHandler(revocation, cfg.Redis.RevocationTTL).Logout)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Environment).Msg("dm-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := gateway.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("websocket connections did not drain")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	if err := bus.Close(); err != nil {
		log.Warn().Err(err).Msg("event bus close")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracer shutdown")
	}
}

func dialGRPC(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
}

// newPublisher picks the event transport. An unreachable broker disables
// events instead of failing startup.
func newPublisher(ctx context.Context, cfg config.EventsConfig) telemetry.Publisher {
	switch cfg.Driver {
	case config.EventsNATS:
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		pub, err := natsbus.Connect(connectCtx, cfg.NATSURL, cfg.SubjectBase, cfg.NATSStream)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATSURL).Msg("nats unavailable, events disabled")
			return nil
		}
		return pub
	case config.EventsAMQP:
		pub := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.Exchange)
		log.Info().Str("mode", rabbitmq.PublisherMode(pub)).Str("reason", rabbitmq.PublisherNoopReason(pub)).Msg("event publisher ready")
		return pub
	default:
		return nil
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
		AllowCredentials: len(origins) > 0,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
