package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/mailing"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping database: %v", err)
	}
	logger.Info("connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unavailable, falling back to advisory locks", "error", err.Error())
			redisClient = nil
		}
	}

	transport, err := worker.NewSESSender(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region, cfg.SES.Timeout())
	if err != nil {
		log.Fatalf("init ses transport: %v", err)
	}

	store := mailing.NewStore(db)
	resolver := mailing.NewResolver(store)
	templates := mailing.NewTemplateService()
	urls := mailing.NewURLBuilder(cfg.Site.BaseURL)
	queue := worker.NewQueue(db)
	tracker := worker.NewCompletionTracker(db)
	dispatcher := worker.NewDispatcher(store, resolver, queue, redisClient)

	pool := worker.NewSendWorkerPool(worker.PoolConfig{
		NumWorkers:     cfg.Worker.NumWorkers,
		BatchSize:      cfg.Worker.BatchSize,
		PollInterval:   cfg.Worker.PollInterval(),
		MaxAttempts:    cfg.Worker.MaxAttempts,
		FromName:       cfg.Sender.FromName,
		FromEmail:      cfg.Sender.FromEmail,
		ReplyTo:        cfg.Sender.ReplyTo,
		CompanyName:    cfg.Site.CompanyName,
		CompanyAddress: cfg.Site.CompanyAddress,
	}, queue, store, templates, urls, transport, tracker)
	pool.Start()

	recovery := worker.NewQueueRecovery(db,
		time.Duration(cfg.Worker.StaleClaimMinutes)*time.Minute,
		time.Duration(cfg.Worker.RecoveryIntervalSec)*time.Second)
	recovery.Start()

	scheduler := worker.NewCampaignScheduler(db, dispatcher, cfg.Scheduler.PollInterval())
	scheduler.SetRedisClient(redisClient)
	scheduler.Start()

	logger.Info("campaign engine worker running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	scheduler.Stop()
	recovery.Stop()
	pool.Stop()
}
