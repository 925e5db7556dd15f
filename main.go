package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "fieldtask/app/configs"
	"fieldtask/app/core/admin"
	"fieldtask/app/core/db"
	"fieldtask/app/core/engine"
	"fieldtask/app/core/interaction/cli"
	"fieldtask/app/core/interaction/gateway"
	"fieldtask/app/core/interaction/telegram"
	"fieldtask/app/core/notify"
	"fieldtask/app/core/queue"
	"fieldtask/app/core/session"
	"fieldtask/app/core/task"
	"fieldtask/app/core/worker"
	"fieldtask/app/pkg/logger"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to runtime config toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logger.Init(cfg.Store.LogDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("fieldtask starting...")

	database, err := db.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("Failed to initialize DB: %v", err)
		os.Exit(1)
	}
	defer database.Close()
	logger.Info("Database initialized")

	workerStore := worker.NewStore(database)
	taskStore := task.NewStore(database)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Admin.SeedContact != "" {
		if _, err := workerStore.EnsureAdmin(ctx, cfg.Admin.SeedContact, cfg.Admin.SeedName); err != nil {
			logger.Error("Failed to seed admin worker: %v", err)
			os.Exit(1)
		}
	}

	deliveryQueue := queue.New(cfg.Delivery.Buffer)
	if err := deliveryQueue.Start(ctx, cfg.Delivery.Workers); err != nil {
		logger.Error("Failed to start delivery queue: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := deliveryQueue.Stop(3 * time.Second); err != nil {
			logger.Error("Delivery queue stop: %v", err)
		}
	}()

	sessions := session.NewStore(time.Duration(cfg.Session.IdleTTLMinutes) * time.Minute)
	sessions.StartSweeper(ctx, time.Minute)

	defaultChannelID := "telegram"
	if cfg.Telegram.BotToken == "" {
		defaultChannelID = "cli"
	}

	router := gateway.NewRouter(nil, 0)
	if cfg.Store.TraceDir != "" {
		recorder, err := gateway.NewTraceRecorder(cfg.Store.TraceDir)
		if err != nil {
			logger.Error("Failed to initialize gateway trace: %v", err)
			os.Exit(1)
		}
		router.SetTraceRecorder(recorder)
	}
	dispatcher := notify.NewDispatcher(router, workerStore, deliveryQueue, notify.Options{
		DefaultChannelID: defaultChannelID,
		MaxRetries:       cfg.Delivery.MaxRetries,
		RetryDelay:       time.Duration(cfg.Delivery.RetryDelaySec) * time.Second,
		AttemptTimeout:   time.Duration(cfg.Delivery.AttemptTimeoutSec) * time.Second,
	})
	conv := engine.New(workerStore, taskStore, sessions, dispatcher)
	router.SetHandler(conv)

	taskStore.OnCreated(func(t task.Task) {
		if err := dispatcher.NotifyAssignment(ctx, t); err != nil {
			logger.Error("Assignment notification for task %s: %v", t.ID, err)
		}
	})

	if cfg.Telegram.BotToken != "" {
		router.RegisterChannel(telegram.NewChannel(telegram.Config{
			BotToken:       cfg.Telegram.BotToken,
			PollInterval:   time.Duration(cfg.Telegram.PollIntervalSec) * time.Second,
			LongPollSec:    cfg.Telegram.LongPollSec,
			RequestTimeout: time.Duration(cfg.Telegram.RequestTimeoutSec) * time.Second,
			APIRoot:        cfg.Telegram.APIRoot,
		}))
	} else {
		logger.Info("No bot token configured, Telegram channel disabled")
	}
	if cfg.Admin.EnableCLI || cfg.Telegram.BotToken == "" {
		router.RegisterChannel(cli.NewChannel(cfg.Admin.CLIChatID))
	}

	adminServer := admin.NewServer(admin.NewService(workerStore, taskStore), cfg.Admin.Listen)
	go func() {
		logger.Info("Admin API listening on %s", cfg.Admin.Listen)
		if err := adminServer.Start(ctx); err != nil {
			logger.Error("Admin API stopped: %v", err)
		}
	}()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("Shutting down...")
		cancel()
	}()

	if err := router.Start(ctx); err != nil {
		logger.Error("Gateway stopped: %v", err)
		os.Exit(1)
	}
	logger.Info("fieldtask stopped")
}
