package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/telemetry"
)

// Client — RPC-клиент поверх брокера сообщений.
//
// При Open клиент объявляет приватную очередь ответов и читает её
// в отдельной горутине. Call публикует запрос с новым correlation id
// и ждёт ответ с тем же id. Ответы без ожидающего вызова отбрасываются.
//
// Client безопасен для одновременных Call из нескольких горутин.
type Client struct {
	dial    mq.Dialer
	queue   mq.Queue
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.RWMutex
	transport mq.Transport
	publisher *mq.Publisher
	replyTo   mq.Queue

	pending *pendingCalls
	wg      sync.WaitGroup
}

// ClientConfig — конфигурация Client.
type ClientConfig struct {
	// Dial открывает соединение с брокером.
	Dial mq.Dialer

	// Queue — очередь запросов сервера (default: rpc_queue).
	Queue mq.Queue

	// Timeout — deadline одного вызова. 0 — без ограничения,
	// вызов ограничен только ctx.
	Timeout time.Duration

	// Logger
	Logger *slog.Logger
}

// NewClient создаёт новый Client. Перед Call нужно вызвать Open.
func NewClient(cfg ClientConfig) *Client {
	queue := cfg.Queue
	if queue == "" {
		queue = mq.QueueRPC
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		dial:    cfg.Dial,
		queue:   queue,
		timeout: cfg.Timeout,
		logger:  telemetry.WithComponent(logger, "rpc-client"),
		pending: newPendingCalls(),
	}
}

// Open подключается к брокеру, объявляет очередь ответов
// и начинает её потребление с auto-ack.
func (c *Client) Open(ctx context.Context) error {
	transport, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	replyTo, err := transport.DeclareQueue(ctx, mq.ReplyQueueSpec())
	if err != nil {
		transport.Close()
		return fmt.Errorf("declare reply queue: %w", err)
	}

	deliveries, err := transport.Consume(replyTo, mq.ConsumeOptions{AutoAck: true, Exclusive: true})
	if err != nil {
		transport.Close()
		return fmt.Errorf("consume reply queue: %w", err)
	}

	c.mu.Lock()
	c.transport = transport
	c.publisher = mq.NewPublisher(transport, c.logger)
	c.replyTo = replyTo
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.receive(deliveries)
	}()

	c.logger.Info("rpc client opened", "reply_to", replyTo, "queue", c.queue)
	return nil
}

// ReplyTo возвращает имя приватной очереди ответов.
func (c *Client) ReplyTo() mq.Queue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.replyTo
}

// Call публикует запрос и блокируется до ответа с тем же correlation id,
// истечения ctx/Timeout (ErrTimeout) или закрытия клиента (ErrClientClosed).
func (c *Client) Call(ctx context.Context, payload []byte) ([]byte, error) {
	c.mu.RLock()
	publisher := c.publisher
	replyTo := c.replyTo
	c.mu.RUnlock()

	if publisher == nil {
		return nil, ErrNotOpen
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	correlationID := uuid.NewString()
	logger := telemetry.WithCorrelationID(c.logger, correlationID)

	wait, err := c.pending.add(correlationID)
	if err != nil {
		telemetry.RPCCalls.WithLabelValues("closed").Inc()
		return nil, err
	}

	start := time.Now()
	err = publisher.PublishToQueue(ctx, c.queue, mq.Message{
		Body:          payload,
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
	})
	if err != nil {
		c.pending.remove(correlationID)
		telemetry.RPCCalls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("publish request: %w", err)
	}

	logger.Debug("rpc request sent", "queue", c.queue, "reply_to", replyTo)

	select {
	case r := <-wait:
		if r.err != nil {
			telemetry.RPCCalls.WithLabelValues("closed").Inc()
			return nil, r.err
		}
		telemetry.RPCCalls.WithLabelValues("ok").Inc()
		telemetry.RPCCallDuration.Observe(time.Since(start).Seconds())
		logger.Debug("rpc reply received", "duration", time.Since(start))
		return r.body, nil

	case <-ctx.Done():
		c.pending.remove(correlationID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			telemetry.RPCCalls.WithLabelValues("timeout").Inc()
			logger.Warn("rpc call timed out", "waited", time.Since(start))
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		telemetry.RPCCalls.WithLabelValues("cancelled").Inc()
		return nil, ctx.Err()
	}
}

// receive — горутина доставки: сопоставляет ответы с ожидающими вызовами.
func (c *Client) receive(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		if !c.pending.resolve(d.CorrelationId, d.Body) {
			telemetry.RPCUnmatchedReplies.Inc()
			c.logger.Debug("dropping reply without matching call",
				"correlation_id", d.CorrelationId,
			)
		}
	}

	// Канал закрыт: соединение закрыто или потеряно,
	// очередь ответов исчезла вместе с ним.
	c.pending.closeAll(ErrClientClosed)
}

// Pending возвращает число вызовов, ожидающих ответа.
func (c *Client) Pending() int {
	return c.pending.len()
}

// Close закрывает соединение. Ожидающие вызовы завершаются с ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()

	c.pending.closeAll(ErrClientClosed)

	if transport == nil {
		return nil
	}

	err := transport.Close()
	c.wg.Wait()

	c.logger.Info("rpc client closed")
	return err
}
