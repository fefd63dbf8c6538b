package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/telemetry"
)

// defaultPrefetch — один неподтверждённый запрос на экземпляр сервера:
// занятый сервер не получает новую работу, пока не подтвердит текущую.
const defaultPrefetch = 1

// replyTimeout ограничивает публикацию ответа и запись в журнал.
// Эти операции не зависят от отмены ctx Serve: начатый ответ доводится до конца.
const replyTimeout = 5 * time.Second

// CallRecord — запись журнала об обработанном запросе.
type CallRecord struct {
	CorrelationID string
	ReplyTo       string
	Request       []byte
	Response      []byte
	Error         string
	Duration      time.Duration
	HandledAt     time.Time
}

// Journal сохраняет обработанные запросы. Ошибки журнала не влияют на ответ.
type Journal interface {
	Record(ctx context.Context, rec CallRecord) error
}

// Server — RPC-сервер: читает общую очередь запросов, вычисляет ответ
// и публикует его в ReplyTo с тем же correlation id.
//
// Жизненный цикл запроса:
//
//	Received → Computing → Replied (ответ или пустой маркер ошибки) → Acknowledged
//
// Подтверждение отправляется ровно один раз, после попытки публикации ответа,
// независимо от её исхода. Исключение — остановка сервера во время вычисления:
// запрос возвращается в очередь (Nack с requeue) и достаётся другому серверу.
type Server struct {
	dial     mq.Dialer
	queue    mq.Queue
	prefetch int
	compute  ComputeFunc
	journal  Journal
	logger   *slog.Logger

	publisher *mq.Publisher

	ready     chan struct{}
	readyOnce sync.Once
}

// ServerConfig — конфигурация Server.
type ServerConfig struct {
	// Dial открывает соединение с брокером.
	Dial mq.Dialer

	// Queue — очередь запросов (default: rpc_queue).
	Queue mq.Queue

	// Prefetch — лимит неподтверждённых запросов (default: 1).
	Prefetch int

	// Compute — бизнес-логика (default: ComputeFibonacci).
	Compute ComputeFunc

	// Journal — опциональный журнал обработанных запросов.
	Journal Journal

	// Logger
	Logger *slog.Logger
}

// NewServer создаёт новый Server.
func NewServer(cfg ServerConfig) *Server {
	queue := cfg.Queue
	if queue == "" {
		queue = mq.QueueRPC
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	compute := cfg.Compute
	if compute == nil {
		compute = ComputeFibonacci
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		dial:     cfg.Dial,
		queue:    queue,
		prefetch: prefetch,
		compute:  compute,
		journal:  cfg.Journal,
		logger:   telemetry.WithComponent(logger, "rpc-server"),
		ready:    make(chan struct{}),
	}
}

// Ready закрывается, когда очередь запросов объявлена и consumer зарегистрирован.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Serve подключается к брокеру, объявляет очередь запросов и обрабатывает
// запросы до отмены ctx. Отмена ctx — штатное завершение (nil).
func (s *Server) Serve(ctx context.Context) error {
	transport, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	defer transport.Close()

	spec := mq.RPCQueueSpec(s.queue)
	if _, err := transport.DeclareQueue(ctx, spec); err != nil {
		return fmt.Errorf("declare request queue: %w", err)
	}

	s.publisher = mq.NewPublisher(transport, s.logger)

	consumer := mq.NewConsumer(transport, s.logger, mq.ConsumerConfig{
		Queue:    s.queue,
		Declare:  &spec,
		Handler:  s.Handle,
		Prefetch: s.prefetch,
		OnReady: func() {
			s.readyOnce.Do(func() { close(s.ready) })
		},
	})

	s.logger.Info("awaiting rpc requests", "queue", s.queue, "prefetch", s.prefetch)

	err = consumer.Start(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Info("rpc server stopped", "queue", s.queue)
		return nil
	}
	return err
}

// Handle обрабатывает один запрос. Возвращает nil и для ответа, и для
// маркера ошибки: оба завершаются подтверждением. Ошибку возвращает только
// вычисление, прерванное остановкой сервера, и Consumer вернёт запрос в очередь.
func (s *Server) Handle(ctx context.Context, d *mq.Delivery) error {
	logger := telemetry.WithCorrelationID(s.logger, d.CorrelationID)
	start := time.Now()

	// Computing
	response, computeErr := s.compute(ctx, d.Body)
	telemetry.RPCComputeDuration.Observe(time.Since(start).Seconds())

	if computeErr != nil && ctx.Err() != nil && errors.Is(computeErr, ctx.Err()) {
		logger.Info("compute interrupted by shutdown, returning request to queue",
			"payload", string(d.Body),
		)
		telemetry.RPCRequests.WithLabelValues("requeued").Inc()
		return fmt.Errorf("compute interrupted: %w", computeErr)
	}

	// Ответ публикуется и после отмены ctx: иначе запрос будет подтверждён без ответа.
	replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()

	outcome := "replied"
	if computeErr != nil {
		logger.Warn("compute failed, replying with empty body",
			"payload", string(d.Body),
			"error", computeErr,
		)
		response = []byte{}
		outcome = "error_marker"
	} else {
		logger.Info("computed rpc response", "payload", string(d.Body), "duration", time.Since(start))
	}

	// Replied
	if d.ReplyTo == "" {
		logger.Warn("request has no reply_to, dropping response")
		outcome = "no_reply_to"
	} else {
		err := s.publisher.PublishToQueue(replyCtx, d.ReplyTo, mq.Message{
			Body:          response,
			CorrelationID: d.CorrelationID,
		})
		if err != nil {
			logger.Error("failed to publish rpc response", "reply_to", d.ReplyTo, "error", err)
			outcome = "publish_failed"
		}
	}

	telemetry.RPCRequests.WithLabelValues(outcome).Inc()
	s.record(replyCtx, d, response, computeErr, time.Since(start))

	// Acknowledged — подтверждает Consumer, получив nil
	return nil
}

// record пишет запрос в журнал, если он настроен.
func (s *Server) record(ctx context.Context, d *mq.Delivery, response []byte, computeErr error, duration time.Duration) {
	if s.journal == nil {
		return
	}

	rec := CallRecord{
		CorrelationID: d.CorrelationID,
		ReplyTo:       string(d.ReplyTo),
		Request:       d.Body,
		Response:      response,
		Duration:      duration,
		HandledAt:     time.Now(),
	}
	if computeErr != nil {
		rec.Error = computeErr.Error()
	}

	if err := s.journal.Record(ctx, rec); err != nil {
		s.logger.Warn("failed to record rpc call", "correlation_id", d.CorrelationID, "error", err)
	}
}
