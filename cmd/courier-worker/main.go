// Courier Worker — выполняет задачи из task_queue.
//
// Worker:
//   - Получает задачи из durable очереди (prefetch 1)
//   - «Работает» UNIT_DELAY на каждый символ сообщения
//   - Подтверждает задачу только после выполнения
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/telemetry"
	"github.com/shaiso/Courier/internal/workqueue"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting courier-worker")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// RabbitMQ
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}

	mqConn, err := mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()

	// Создаём топологию
	if err := mq.SetupTopology(ctx, mqConn, mq.DefaultTopology()); err != nil {
		logger.Warn("failed to setup topology", "error", err)
	}
	logger.Debug("topology", "info", mq.TopologyInfo())

	unitDelay := time.Second
	if v := os.Getenv("UNIT_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("invalid UNIT_DELAY", "value", v, "error", err)
			os.Exit(1)
		}
		unitDelay = d
	}

	// Создаём worker
	w := workqueue.New(workqueue.Config{
		Transport: mqConn,
		UnitDelay: unitDelay,
		Logger:    logger,
	})

	// Запускаем worker
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("disconnected"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8091"
	if v := os.Getenv("WORKER_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем worker
	w.Stop()
	logger.Info("courier-worker stopped")
}
