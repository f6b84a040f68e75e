// Package main is the entry point for the BleepRelay metadata-mirror
// processor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bleepstore/bleeprelay/internal/config"
	"github.com/bleepstore/bleeprelay/internal/logging"
	"github.com/bleepstore/bleeprelay/internal/metrics"
	"github.com/bleepstore/bleeprelay/internal/mirror"
	"github.com/bleepstore/bleeprelay/internal/queue"
	"github.com/bleepstore/bleeprelay/internal/replicate"
	"github.com/bleepstore/bleeprelay/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	engine := flag.String("engine", "", "override mirror engine: dynamodb, firestore, cosmos, memory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *engine != "" {
		cfg.Mirror.Engine = *engine
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := mirror.NewStore(ctx, cfg.Mirror)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize mirror store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mirror store unreachable: %v\n", err)
		os.Exit(1)
	}

	// The mirror runs its own consumer group so it tracks the log
	// independently of the replication workers.
	kafkaCfg := cfg.Kafka
	kafkaCfg.GroupID = cfg.Kafka.GroupID + "-mirror"
	consumer := queue.NewKafkaConsumer(kafkaCfg)
	defer consumer.Close()

	runner := replicate.NewRunner(replicate.RetryPolicy{
		MinBackoff: cfg.Retry.MinBackoff,
		MaxBackoff: cfg.Retry.MaxBackoff,
		Factor:     cfg.Retry.Factor,
		Jitter:     cfg.Retry.Jitter,
		MaxRetries: cfg.Retry.MaxRetries,
		Timeout:    cfg.Retry.Timeout,
	}, logging.ForComponent("retry"))

	processor := mirror.NewProcessor(store, runner, cfg.Mirror, logging.ForComponent("mirror"))

	parser := &queue.Parser{UsersBucket: cfg.Mirror.UsersBucket}
	worker := queue.NewWorker(consumer, parser, processor,
		cfg.Worker.Concurrency, logging.ForComponent("worker"))

	srv := server.New(cfg.Server, store.Ping, logging.ForComponent("server"))
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("operational endpoint failed", "error", err)
		}
	}()

	slog.Info("mirror processor starting",
		"topic", cfg.Kafka.Topic, "group", kafkaCfg.GroupID, "engine", cfg.Mirror.Engine)

	runErr := worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "mirror worker error: %v\n", runErr)
		os.Exit(1)
	}
	slog.Info("mirror processor stopped")
}
