package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dethon/relay/internal/agent"
	"github.com/dethon/relay/internal/approval"
	"github.com/dethon/relay/internal/config"
	"github.com/dethon/relay/internal/gateway"
	"github.com/dethon/relay/internal/history"
	"github.com/dethon/relay/internal/ingress"
	"github.com/dethon/relay/internal/logger"
	"github.com/dethon/relay/internal/notify"
	"github.com/dethon/relay/internal/session"
	"github.com/dethon/relay/internal/streaming"
	"github.com/dethon/relay/internal/transport/hub"
	"github.com/dethon/relay/internal/transport/telegram"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	appLogger := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	gin.SetMode(cfg.GinMode)

	db, err := history.InitDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()
	store := history.NewPostgresStore(db, appLogger)

	agents := agent.NewRegistry(cfg.Agents)
	sessions := session.NewRegistry(agents.Validate, appLogger)
	notifier := notify.NewNotifier(appLogger)
	queue := ingress.NewQueue(appLogger)

	broker := streaming.NewBroker(streaming.Options{
		BufferSize:       cfg.StreamBufferSize,
		GracePeriod:      cfg.StreamGrace(),
		SubscriberBuffer: cfg.SubscriberBufferSize,
	}, appLogger)

	var svc *gateway.Service
	groupSlug := func(topicID string) string { return svc.GroupSlug(topicID) }

	approvals := approval.NewRendezvous(broker, notifier, groupSlug, cfg.ApprovalTimeout(), appLogger)

	// Distributed cancel is optional; a single instance runs without NATS.
	var nc *nats.Conn
	var distributed *streaming.DistributedCancelService
	if cfg.NatsURL != "" {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer nc.Close()

		distributed = streaming.NewDistributedCancelService(nc, broker, appLogger, logger.GetInstanceID())
		if err := distributed.Start(); err != nil {
			log.Fatalf("Failed to start distributed cancel service: %v", err)
		}
	}

	svc = gateway.New(sessions, agents, broker, approvals, queue, notifier, store, distributed, appLogger)

	model := agent.NewOpenAIClient(cfg.ModelBaseURL, cfg.ModelAPIKey, appLogger)
	worker := agent.NewWorker(queue, broker, approvals, agents, model, store, notifier, groupSlug, appLogger)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		worker.Run(workerCtx)
		close(workerDone)
	}()

	wsHub := hub.New(svc, appLogger)
	notifier.Register(wsHub)

	janitor := gateway.NewJanitor(svc,
		time.Duration(cfg.SessionIdleTimeoutMinutes)*time.Minute, appLogger)
	if err := janitor.Start(); err != nil {
		log.Fatalf("Failed to start session janitor: %v", err)
	}

	if cfg.EnableTelegramBot && cfg.TelegramToken != "" {
		bot := telegram.New(cfg.TelegramToken, cfg.Agents[0].ID, svc, appLogger)
		go func() {
			if err := bot.Start(workerCtx); err != nil {
				appLogger.Error("telegram bot exited", "error", err)
			}
		}()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", cfg.CORSAllowedOrigins)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": svc.ActiveSessionCount(),
			"instance": logger.GetInstanceID(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", wsHub.HandleWS)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		appLogger.Info("relay listening on :" + cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down")

	janitor.Stop()

	if distributed != nil {
		if err := distributed.Stop(); err != nil {
			appLogger.Warn("distributed cancel shutdown failed", "error", err)
		}
	}

	// Stop accepting prompts, cancel in-flight streams, wait for the worker.
	svc.Shutdown()
	stopWorker()
	select {
	case <-workerDone:
	case <-time.After(10 * time.Second):
		appLogger.Warn("worker did not drain in time")
	}

	wsHub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	appLogger.Info("server exited")
}
