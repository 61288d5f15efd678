// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fluxpoll/config"
	"github.com/absmach/fluxpoll/kafka"
	"github.com/absmach/fluxpoll/otel"
	"github.com/absmach/fluxpoll/poll"
	"github.com/absmach/fluxpoll/ratelimit"
	gotel "go.opentelemetry.io/otel"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting poll consumer", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"brokers", cfg.Kafka.Brokers,
		"group_id", cfg.Kafka.GroupID,
		"topics", cfg.Kafka.Topics,
		"strategy", cfg.Poll.Strategy,
		"poll_timeout", cfg.Poll.Timeout,
		"batch_size", cfg.Poll.BatchSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := kafka.New(kafka.Config{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     cfg.Kafka.GroupID,
		Topics:      cfg.Kafka.Topics,
		Timeout:     cfg.Poll.Timeout,
		MaxBuffered: cfg.Kafka.MaxBuffered,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("Failed to create Kafka consumer", "error", err)
		os.Exit(1)
	}

	var otelShutdown func(context.Context) error
	opts := []poll.Option{poll.WithLogger(logger)}

	if cfg.Metrics.Enabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Metrics, consumer.ID())
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Metrics.Addr)

		metrics, err := poll.NewMetrics(nil)
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		opts = append(opts, poll.WithMetrics(metrics))

		if cfg.Metrics.TracesEnabled {
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Metrics.TraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	strategy, err := poll.NewRoundRobin(consumer, opts...)
	if err != nil {
		slog.Error("Failed to create poll strategy", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(cfg.Poll.RateLimit)
	if limiter != nil {
		consumer.OnRebalance(limiter.Rebalance)
		slog.Info("Rate limiting enabled",
			"rate", cfg.Poll.RateLimit.Rate,
			"burst", cfg.Poll.RateLimit.Burst)
	}

	r := &runner{
		strategy:  strategy,
		batchSize: cfg.Poll.BatchSize,
		timeout:   cfg.Poll.Timeout,
		limiter:   limiter,
		tracer:    gotel.Tracer("fluxpoll"),
		logger:    logger,
		handle:    logMessage(logger),
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- r.run(ctx)
	}()

	slog.Info("Poll consumer started", "consumer_id", consumer.ID())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
		if err := <-runErr; err != nil {
			slog.Error("Poll loop error", "error", err)
		}
	case err := <-runErr:
		if err != nil {
			slog.Error("Poll loop error", "error", err)
		}
	}

	if err := strategy.Close(); err != nil {
		slog.Error("Failed to restore partition forwarding", "error", err)
	}
	if err := consumer.Close(); err != nil {
		slog.Error("Failed to close Kafka consumer", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Poll consumer stopped")
}
