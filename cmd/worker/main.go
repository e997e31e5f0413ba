package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-outbox/internal/config"
	"github.com/ignite/email-outbox/internal/deliverability"
	"github.com/ignite/email-outbox/internal/directory"
	"github.com/ignite/email-outbox/internal/pkg/logger"
	"github.com/ignite/email-outbox/internal/render"
	"github.com/ignite/email-outbox/internal/repository/postgres"
	"github.com/ignite/email-outbox/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		logger.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	var sender worker.Sender
	if cfg.SES.Configured() {
		sesSender, err := worker.NewSESSender(cfg.SES)
		if err != nil {
			logger.Error("failed to build ses transport", "error", err.Error())
			os.Exit(1)
		}
		sender = sesSender
		logger.Info("using ses transport", "region", cfg.SES.Region)
	} else {
		sender = worker.DevSender{}
		logger.Warn("ses credentials absent, using dev transport")
	}

	pipeline := worker.NewPipeline(
		postgres.NewWorkerRepo(db),
		postgres.NewProjectRepo(db),
		directory.NewStore(db),
		render.NewEngine(),
		deliverability.NewChecker(cfg.Deliverability, nil),
		sender,
		worker.NewSendLimiter(redisClient),
		cfg.Worker,
		cfg.Capacity,
	)

	runner := worker.NewRunner(pipeline, cfg.Worker, redisClient, db)
	runner.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", "signal", sig.String())
	runner.Stop()
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
