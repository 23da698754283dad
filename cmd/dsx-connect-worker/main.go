// Package main is the scan worker entry point. It drains the request, batch,
// and analyze queues with a shared worker pool and exposes an ops HTTP
// surface for health and metrics.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/deepinstinct/dsx-connect/internal/adapter/connector"
	"github.com/deepinstinct/dsx-connect/internal/adapter/dianna"
	"github.com/deepinstinct/dsx-connect/internal/adapter/dlq"
	"github.com/deepinstinct/dsx-connect/internal/adapter/queue"
	"github.com/deepinstinct/dsx-connect/internal/adapter/scanner"
	"github.com/deepinstinct/dsx-connect/internal/adapter/state"
	"github.com/deepinstinct/dsx-connect/internal/app"
	"github.com/deepinstinct/dsx-connect/internal/config"
	"github.com/deepinstinct/dsx-connect/internal/domain"
	"github.com/deepinstinct/dsx-connect/internal/names"
	"github.com/deepinstinct/dsx-connect/internal/notify"
	"github.com/deepinstinct/dsx-connect/internal/observability"
	"github.com/deepinstinct/dsx-connect/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	store, err := state.FromURL(cfg.RedisURL)
	if err != nil {
		slog.Error("broker connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Client().Close()

	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		slog.Error("queue client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer q.Close()

	dlqStore := dlq.New(store.Client(), cfg.DLQExpiry())
	malicious := state.NewMaliciousIndex(store.Client(), cfg.Dianna.IndexRetainDays)
	notifier := notify.New(store.Client(), logger)
	syslogSink := notify.NewSyslog(cfg.Syslog, logger)
	defer syslogSink.Close()

	connectorClient := connector.New()
	scannerClient := scanner.New(cfg.Scanner)

	kernel := &worker.Kernel{
		Queue:   q,
		DLQ:     dlqStore,
		Workers: cfg.Workers,
		Log:     logger,
	}

	handlers := []worker.Handler{
		worker.NewScanRequestWorker(cfg, q, store, malicious, connectorClient, scannerClient),
		worker.NewBatchWorker(cfg, q),
	}
	if cfg.Dianna.Enabled {
		analyzer, err := dianna.New(cfg.Dianna)
		if err != nil {
			slog.Error("deep-analysis client init failed", slog.Any("error", err))
			os.Exit(1)
		}
		handlers = append(handlers, worker.NewDiannaWorker(cfg, connectorClient, analyzer, notifier, syslogSink))
	}

	queues := names.QueuesFor(cfg.AppEnv)
	srv, err := queue.NewServer(cfg.RedisURL, cfg.WorkerConcurrency, map[string]int{
		queues.Request:      6,
		queues.RequestBatch: 2,
		queues.Analyze:      1,
	})
	if err != nil {
		slog.Error("queue server init failed", slog.Any("error", err))
		os.Exit(1)
	}
	for _, h := range handlers {
		h := h
		srv.Handle(h.Name(), func(ctx context.Context, taskID string, env domain.TaskEnvelope) (string, error) {
			return kernel.Process(ctx, h, taskID, env)
		})
	}

	ops := &http.Server{Addr: cfg.OpsAddr, Handler: app.NewOpsRouter(store)}
	go func() {
		slog.Info("ops server listening", slog.String("addr", cfg.OpsAddr))
		if err := ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server error", slog.Any("error", err))
		}
	}()

	if err := srv.Start(); err != nil {
		slog.Error("queue server start failed", slog.Any("error", err))
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutting down")

	srv.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := ops.Shutdown(ctx); err != nil {
		slog.Error("ops server shutdown error", slog.Any("error", err))
	}
	slog.Info("worker stopped")
}
