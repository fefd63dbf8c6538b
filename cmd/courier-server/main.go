// Courier Server — RPC-сервер.
//
// Server:
//   - Читает запросы из rpc_queue (prefetch 1, manual ack)
//   - Вычисляет fib(n)
//   - Отвечает в ReplyTo с тем же CorrelationId
//   - Опционально пишет журнал вызовов в PostgreSQL (DB_URL)
//
// Серверы масштабируются горизонтально: запросы делятся между ними.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/rpc"
	"github.com/shaiso/Courier/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting courier-server")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}

	cfg := rpc.ServerConfig{
		Dial:   mq.DialAMQP(mqURL, logger),
		Queue:  mq.Queue(os.Getenv("RPC_QUEUE")),
		Logger: logger,
	}

	// Журнал вызовов — только если задан DB_URL
	if dsn := os.Getenv("DB_URL"); dsn != "" {
		pool, err := repo.NewPool(ctx, dsn)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		calls := repo.NewCallRepo(pool)
		if err := calls.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare call journal", "error", err)
			os.Exit(1)
		}
		cfg.Journal = calls
		logger.Info("call journal enabled")
	}

	server := rpc.NewServer(cfg)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		select {
		case <-server.Ready():
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("starting"))
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8090"
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port = ":" + v
	}
	httpServer := &http.Server{Addr: port, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(gctx)
	})

	g.Go(func() error {
		logger.Info("listening", "addr", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("courier-server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("courier-server stopped")
}
