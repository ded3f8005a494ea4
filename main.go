package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"chat-core/internal/auth"
	"chat-core/internal/cache"
	"chat-core/internal/config"
	"chat-core/internal/db"
	grpcclient "chat-core/internal/grpc"
	"chat-core/internal/handlers"
	"chat-core/internal/middleware"
	"chat-core/internal/observability"
	"chat-core/internal/rabbitmq"
	"chat-core/internal/repositories"
	"chat-core/internal/telemetry"
	"chat-core/internal/ws"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	store, directory, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	cleanups = append(cleanups, closeStorage)

	directory, closeDirectory, err := wrapDirectory(cfg, directory)
	if err != nil {
		log.Fatalf("failed to build user directory: %v", err)
	}
	cleanups = append(cleanups, closeDirectory)

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	log.Printf("event publisher mode=%s reason=%q", rabbitmq.PublisherMode(publisher), rabbitmq.PublisherNoopReason(publisher))
	cleanups = append(cleanups, func() { _ = publisher.Close() })
	observability.SetPublisher(publisher)
	auditEmitter := telemetry.NewAuditEmitter(publisher, "audit.chat", cfg.ServiceName, cfg.Environment)

	if cfg.JWTSecret == "" {
		log.Printf("JWT_SECRET is empty: every handshake will resolve to anonymous")
	}
	authenticator := auth.NewAuthenticator(auth.NewJWTVerifier(cfg.JWTSecret), directory)

	hub := ws.NewHub()
	chatWS := ws.NewChatWebSocketHandler(hub, store, auditEmitter, ws.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
	})

	router := gin.New()

	// middlewares
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(middleware.RequestID())

	identity := middleware.Identity(authenticator)

	router.GET("/ws/chat/:chat_id", identity, chatWS.Handle)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterHealthRoutes(router, cfg.ServiceName)
	handlers.RegisterDebugRoutes(router, auditEmitter, hub, identity, cfg.DebugRoutes)

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: cors.New(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID", "X-Device-Id"},
			AllowCredentials: true,
		}).Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("chat service listening on :%s store=%s directory=%s", cfg.Port, cfg.StoreDriver, cfg.UserDirectory)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		hub.CloseAll(websocket.CloseGoingAway, "server shutting down")
		err := srv.Shutdown(shutdownCtx)
		if tErr := shutdownTracer(shutdownCtx); tErr != nil {
			log.Printf("tracer shutdown error: %v", tErr)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Printf("server error: %v", err)
	}
}

// openStorage picks the message store by STORE_DRIVER and a database-backed
// user directory to go with it.
func openStorage(ctx context.Context, cfg config.Config) (repositories.MessageRepository, repositories.UserDirectory, func(), error) {
	switch cfg.StoreDriver {
	case "sqlite":
		gdb, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := repositories.NewGormStore(gdb)
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() {
			if sqlDB, err := gdb.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return store, store, closeFn, nil

	case "mongo":
		client, err := db.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := repositories.NewMongoMessageRepo(ctx, client.Database(cfg.MongoDB))
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, nil, err
		}
		closeFn := func() { _ = client.Disconnect(context.Background()) }
		if cfg.UserDirectory == "grpc" {
			return store, nil, closeFn, nil
		}
		// users stay in Postgres next to the rest of the account data
		database, err := db.Connect(cfg.DBDSN)
		if err != nil {
			closeFn()
			return nil, nil, nil, err
		}
		return store, repositories.NewUserRepo(database), func() {
			_ = database.Close()
			closeFn()
		}, nil

	case "postgres":
		database, err := db.Connect(cfg.DBDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return repositories.NewMessageRepo(database), repositories.NewUserRepo(database), closeSQL(database), nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func closeSQL(database *sqlx.DB) func() {
	return func() { _ = database.Close() }
}

// wrapDirectory swaps in the remote user service when configured and puts the
// Redis cache in front of whichever directory is used.
func wrapDirectory(cfg config.Config, directory repositories.UserDirectory) (repositories.UserDirectory, func(), error) {
	closeFn := func() {}

	if cfg.UserDirectory == "grpc" {
		conn, err := grpcclient.Dial(cfg.UserGRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("connect user grpc: %w", err)
		}
		directory = grpcclient.NewUserClient(conn)
		closeFn = func() { _ = conn.Close() }
	}
	if directory == nil {
		return nil, nil, errors.New("no user directory configured")
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		directory = cache.NewUserCache(client, directory, cfg.UserCacheTTL)
		prev := closeFn
		closeFn = func() {
			_ = client.Close()
			prev()
		}
		log.Printf("user cache enabled addr=%s ttl=%s", cfg.RedisAddr, cfg.UserCacheTTL)
	}
	return directory, closeFn, nil
}
