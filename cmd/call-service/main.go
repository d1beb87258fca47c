package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	intDatabase "callrelay-backend/internal/database"
	callHandler "callrelay-backend/internal/handler/http/call"
	wsHandler "callrelay-backend/internal/handler/ws"
	"callrelay-backend/internal/middleware"
	"callrelay-backend/internal/repository/cassandra"
	"callrelay-backend/internal/repository/cockroach"
	redisRepo "callrelay-backend/internal/repository/redis"
	callService "callrelay-backend/internal/service/call"
	"callrelay-backend/internal/signaling"
	pkgDatabase "callrelay-backend/pkg/database"
	"callrelay-backend/pkg/env"
	"callrelay-backend/pkg/jwt"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

func main() {
	// 1. Logger
	logger.InitDefault()
	defer logger.Sync()

	// 2. JWT Manager
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(jwtSecret, 15*time.Minute)

	// 3. Connect to CockroachDB (with startup retry, the database may still
	// be coming up when the container starts)
	cockroachConfig := &pkgDatabase.CockroachConfig{
		Host:     env.GetString("COCKROACH_HOST", "localhost"),
		Port:     env.GetInt("COCKROACH_PORT", 26257),
		User:     env.GetString("COCKROACH_USER", "root"),
		Password: env.GetStringFromFile("COCKROACH_PASSWORD", ""),
		Database: env.GetString("COCKROACH_DATABASE", "callrelay_db"),
		SSLMode:  env.GetString("COCKROACH_SSLMODE", "disable"),
	}

	var cockroachDB *pkgDatabase.CockroachDB
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		cockroachDB, err = pkgDatabase.NewCockroachDB(context.Background(), cockroachConfig)
		if err == nil {
			break
		}
		logger.Warn("CockroachDB not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Duration(attempt) * 2 * time.Second)
	}
	if err != nil {
		log.Fatalf("Failed to connect to CockroachDB: %v", err)
	}
	defer cockroachDB.Close()
	logger.Info("connected to CockroachDB")

	// 4. Connect to Redis with degraded mode support (presence mirror only,
	// call flow survives without it)
	intDatabase.InitRedisMetrics()
	redisConfig := &intDatabase.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	}
	redisDB, err := intDatabase.NewRedisDB(redisConfig)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisDB.Close()
	redisDB.StartHealthCheck(context.Background(), 10*time.Second)
	logger.Info("connected to Redis")

	// 5. Connect to Cassandra for the signaling audit trail. Optional: an
	// empty CASSANDRA_HOST disables it.
	var signalLogRepo *cassandra.SignalLogRepository
	var cassandraDB *pkgDatabase.CassandraDB
	if cassandraHost := env.GetString("CASSANDRA_HOST", ""); cassandraHost != "" {
		cassandraConfig := &pkgDatabase.CassandraConfig{
			Hosts:    strings.Split(cassandraHost, ","),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "callrelay_ks"),
			Username: env.GetStringFromFile("CASSANDRA_USER", ""),
			Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:  10 * time.Second,
		}
		cassandraDB, err = pkgDatabase.NewCassandraDB(cassandraConfig)
		if err != nil {
			log.Fatalf("Failed to connect to Cassandra: %v", err)
		}
		defer cassandraDB.Close()
		signalLogRepo = cassandra.NewSignalLogRepository(cassandraDB.Session)
		logger.Info("connected to Cassandra, signaling audit trail enabled")
	} else {
		logger.Info("CASSANDRA_HOST not set, signaling audit trail disabled")
	}

	// 6. Repositories
	callRepo := cockroach.NewCallRepository(cockroachDB.Pool)
	chatEventRepo := cockroach.NewChatEventRepository(cockroachDB.Pool)
	presenceRepo := redisRepo.NewPresenceRepository(redisDB)

	// 7. Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 8. Connection registry and call service
	registry := signaling.NewRegistry()

	var signalLog callService.SignalLog
	if signalLogRepo != nil {
		signalLog = signalLogRepo
	}
	callSvc := callService.NewService(callRepo, chatEventRepo, signalLog, registry, appMetrics, callService.Config{
		RingTimeout:    env.GetDuration("CALL_RING_TIMEOUT", 0),
		RejectWhenBusy: env.GetBool("CALL_REJECT_WHEN_BUSY", false),
	})

	// 9. WebSocket gateway
	gateway := wsHandler.NewSignalingGateway(registry, callSvc, presenceRepo, appMetrics, wsHandler.GatewayConfig{
		MaxConnections: env.GetInt("WS_MAX_CONNECTIONS", 1000),
		AllowedOrigins: strings.Split(env.GetString("WS_ALLOWED_ORIGINS", "http://localhost:3000"), ","),
	})

	// 10. HTTP handlers
	callHdlr := callHandler.NewHandler(callSvc, signalLogRepo)

	// 11. Gin router
	router := gin.New()
	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		code := http.StatusOK
		if err := cockroachDB.Ping(c.Request.Context()); err != nil {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":         status,
			"service":        "call-service",
			"redis_degraded": redisDB.IsDegraded(),
			"online_users":   registry.OnlineCount(),
			"time":           time.Now().UTC(),
		})
	})

	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		v1.GET("/calls", callHdlr.ListCalls)
		v1.GET("/calls/:id", callHdlr.GetCall)
		v1.GET("/calls/:id/events", callHdlr.GetCallEvents)

		// Signaling plane (real-time call lifecycle)
		v1.GET("/ws/signaling", gateway.ServeWS)
	}

	// 12. Start server
	port := env.GetString("PORT", "8084")
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("call service starting",
			zap.String("port", port),
			zap.String("ws_endpoint", "/v1/ws/signaling"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 13. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down call service")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
}
