// Package main is the entry point for the BleepRelay replication worker.
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
	"github.com/bleepstore/bleeprelay/internal/dest"
	"github.com/bleepstore/bleeprelay/internal/logging"
	"github.com/bleepstore/bleeprelay/internal/metrics"
	"github.com/bleepstore/bleeprelay/internal/queue"
	"github.com/bleepstore/bleeprelay/internal/replicate"
	"github.com/bleepstore/bleeprelay/internal/server"
	"github.com/bleepstore/bleeprelay/internal/source"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	concurrency := flag.Int("concurrency", 0, "override in-flight entries per worker (default: from config or 10)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *concurrency != 0 {
		cfg.Worker.Concurrency = *concurrency
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := source.NewGateway(ctx, cfg.Source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize source gateway: %v\n", err)
		os.Exit(1)
	}

	backends := make(map[string]dest.Backend, len(cfg.Destinations))
	for _, dc := range cfg.Destinations {
		backend, berr := dest.New(ctx, dc)
		if berr != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize destination %q: %v\n", dc.Site, berr)
			os.Exit(1)
		}
		backends[dc.Site] = backend
	}
	if len(backends) == 0 {
		fmt.Fprintf(os.Stderr, "no destinations configured\n")
		os.Exit(1)
	}

	var sink *metrics.CounterSink
	if cfg.Metrics.RedisAddr != "" {
		sink, err = metrics.NewCounterSink(cfg.Metrics.RedisAddr, cfg.Metrics.RedisPrefix,
			logging.ForComponent("counter-sink"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect counter sink: %v\n", err)
			os.Exit(1)
		}
		defer sink.Close()
	}

	producer := queue.NewKafkaProducer(cfg.Kafka.Brokers)
	defer producer.Close()

	consumer := queue.NewKafkaConsumer(cfg.Kafka)
	defer consumer.Close()

	runner := replicate.NewRunner(replicate.RetryPolicy{
		MinBackoff: cfg.Retry.MinBackoff,
		MaxBackoff: cfg.Retry.MaxBackoff,
		Factor:     cfg.Retry.Factor,
		Jitter:     cfg.Retry.Jitter,
		MaxRetries: cfg.Retry.MaxRetries,
		Timeout:    cfg.Retry.Timeout,
	}, logging.ForComponent("retry"))

	pub := replicate.NewPublisher(producer,
		cfg.Kafka.StatusTopic, cfg.Kafka.MetricsTopic, cfg.Metrics.Extension,
		sink, logging.ForComponent("publisher"))

	engine := replicate.NewEngine(src, backends, runner, pub,
		cfg.Worker.PartConcurrency, logging.ForComponent("task"))

	worker := queue.NewWorker(consumer, queue.NewParser(), engine,
		cfg.Worker.Concurrency, logging.ForComponent("worker"))

	srv := server.New(cfg.Server, nil, logging.ForComponent("server"))
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("operational endpoint failed", "error", err)
		}
	}()

	slog.Info("replication worker starting",
		"topic", cfg.Kafka.Topic, "group", cfg.Kafka.GroupID,
		"sites", len(backends), "concurrency", cfg.Worker.Concurrency)

	runErr := worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "worker error: %v\n", runErr)
		os.Exit(1)
	}
	slog.Info("replication worker stopped")
}
