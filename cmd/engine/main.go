package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/primehaul/mailflow/internal/api"
	"github.com/primehaul/mailflow/internal/automation"
	"github.com/primehaul/mailflow/internal/config"
	"github.com/primehaul/mailflow/internal/mailing"
	"github.com/primehaul/mailflow/internal/pkg/logger"
	"github.com/primehaul/mailflow/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}
	if cfg.Engine.SigningSecret == "" {
		logger.Error("SIGNING_SECRET is required")
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("failed to open database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("failed to ping database", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		})
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, falling back to advisory locks",
				"addr", cfg.Redis.Addr, "error", err.Error())
			redisClient = nil
		} else {
			logger.Info("connected to redis", "addr", cfg.Redis.Addr)
		}
	}

	store := mailing.NewStore(db)
	suppression := mailing.NewSuppressionChecker(store)
	signer := mailing.NewSigner(cfg.Engine.SigningSecret)
	manager := automation.NewManager(store, suppression)

	defaultDelivery := mailing.DeliveryConfig{
		FromName:  cfg.Engine.DefaultFromName,
		FromEmail: cfg.Engine.DefaultFromEmail,
		Region:    cfg.SES.Region,
		AccessKey: cfg.SES.AccessKey,
		SecretKey: cfg.SES.SecretKey,
	}
	var sender worker.Sender = worker.NewSESSender(cfg.SES.Region)
	if !cfg.SES.Enabled {
		logger.Warn("ses disabled, using log-only transport")
		sender = worker.LogSender{}
	}

	scheduler := worker.NewSequenceScheduler(db, store, suppression,
		cfg.Engine.SchedulerInterval(), cfg.Engine.SchedulerBatchSize, cfg.Engine.MaxSendAttempts)
	processor := worker.NewQueueProcessor(db, store, suppression, sender, signer,
		defaultDelivery, cfg.Engine.UnsubscribeBaseURL,
		cfg.Engine.QueueInterval(), cfg.Engine.QueueBatchSize)
	if redisClient != nil {
		scheduler.SetRedisClient(redisClient)
		processor.SetRedisClient(redisClient)
	}

	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start sequence scheduler", "error", err.Error())
		os.Exit(1)
	}
	if err := processor.Start(); err != nil {
		logger.Error("failed to start queue processor", "error", err.Error())
		os.Exit(1)
	}

	srv := api.NewServer(store, signer, manager)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err.Error())
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	scheduler.Stop()
	processor.Stop()
	if redisClient != nil {
		redisClient.Close()
	}
	logger.Info("engine stopped")
}
