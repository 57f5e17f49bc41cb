package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"loom/internal/config"
	"loom/internal/daemon"
	"loom/internal/deadletter"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/quota"
	"loom/internal/retry"
	"loom/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return
	}

	quotas := quota.NewTracker(store.DB(),
		quota.WithRecencyWindow(time.Duration(cfg.Workflow.QuotaRecencyWindowSecs)*time.Second),
	)
	letters := deadletter.NewStore(store.DB())
	scheduler := retry.NewScheduler(store, letters, quotas, retry.PolicyFromConfig(cfg), cfg.Quota.DefaultService, logger)

	var pool *worker.Pool
	if handler := buildHandler(cfg); handler != nil {
		pool = worker.NewPool(store, scheduler, quotas, handler, cfg, logger)
	}

	d, err := daemon.New(cfg, store, logger, pool, quotas)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		store.Close()
		return
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("daemon start", logging.Error(err))
		return
	}

	<-ctx.Done()
	logger.Info("loomd shutting down")
	d.Stop()
}
