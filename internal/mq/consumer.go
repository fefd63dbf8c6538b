package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Courier/internal/telemetry"
)

// Handler — функция обработки сообщения.
// Возвращает error, если обработка не удалась (сообщение будет nack).
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	// Body — тело сообщения.
	Body []byte

	// CorrelationID и ReplyTo — свойства сообщения для RPC.
	CorrelationID string
	ReplyTo       Queue

	// RoutingKey — ключ, с которым сообщение было опубликовано.
	RoutingKey RoutingKey

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// NewDelivery оборачивает amqp.Delivery.
func NewDelivery(raw amqp.Delivery) *Delivery {
	return &Delivery{
		Body:          raw.Body,
		CorrelationID: raw.CorrelationId,
		ReplyTo:       Queue(raw.ReplyTo),
		RoutingKey:    RoutingKey(raw.RoutingKey),
		Raw:           raw,
	}
}

// Consumer потребляет сообщения из очереди.
type Consumer struct {
	transport Transport
	logger    *slog.Logger
	queue     Queue
	declare   *QueueSpec
	handler   Handler
	prefetch  int
	autoAck   bool
	onReady   func()

	cancelFunc context.CancelFunc
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue Queue

	// Declare — если задано, очередь объявляется перед каждым запуском
	// потребления (в том числе после reconnect).
	Declare *QueueSpec

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — лимит неподтверждённых сообщений (default: 1).
	// В режиме AutoAck не применяется.
	Prefetch int

	// AutoAck — брокер не ждёт подтверждения, Handler ошибки только логируются.
	AutoAck bool

	// OnReady вызывается после каждой успешной регистрации consumer.
	OnReady func()
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(t Transport, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	queue := cfg.Queue
	if queue == "" && cfg.Declare != nil {
		queue = cfg.Declare.Name
	}

	return &Consumer{
		transport: t,
		logger:    logger,
		queue:     queue,
		declare:   cfg.Declare,
		handler:   cfg.Handler,
		prefetch:  prefetch,
		autoAck:   cfg.AutoAck,
		onReady:   cfg.OnReady,
	}
}

// Start запускает потребление сообщений. Блокирует до отмены ctx
// или окончательного закрытия транспорта (ErrClosed).
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	defer cancel()

	// Запускаем основной цикл потребления
	return c.consume(ctx)
}

// consume — основной цикл потребления.
func (c *Consumer) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.transport.Done():
			return ErrClosed
		default:
		}

		// Получаем канал доставки
		deliveries, err := c.setupConsume(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return ErrClosed
			}
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			// Ждём переподключения
			if err := c.waitReconnect(ctx); err != nil {
				return err
			}
			c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
			continue
		}

		c.logger.Info("consumer started", "queue", c.queue)
		if c.onReady != nil {
			c.onReady()
		}

		// Обрабатываем сообщения
		if err := c.processDeliveries(ctx, deliveries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed, reconnecting", "queue", c.queue)
			// Канал закрыт, ждём переподключения
			if err := c.waitReconnect(ctx); err != nil {
				return err
			}
		}
	}
}

// waitReconnect ждёт переподключения транспорта.
func (c *Consumer) waitReconnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.transport.Done():
		return ErrClosed
	case <-c.transport.ReconnectNotify():
		return nil
	}
}

// setupConsume настраивает канал и начинает потребление.
func (c *Consumer) setupConsume(ctx context.Context) (<-chan amqp.Delivery, error) {
	if c.declare != nil {
		if _, err := c.transport.DeclareQueue(ctx, *c.declare); err != nil {
			return nil, err
		}
	}

	// Устанавливаем prefetch
	if !c.autoAck {
		if err := c.transport.SetPrefetch(c.prefetch); err != nil {
			return nil, err
		}
	}

	// Начинаем потребление
	deliveries, err := c.transport.Consume(c.queue, ConsumeOptions{AutoAck: c.autoAck})
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	return deliveries, nil
}

// processDeliveries обрабатывает сообщения из канала.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}

			// select выбирает случайно, если готовы оба случая
			if ctx.Err() != nil {
				c.requeue(raw)
				return ctx.Err()
			}

			c.handleDelivery(ctx, raw)
		}
	}
}

// handleDelivery обрабатывает одно сообщение.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	delivery := NewDelivery(raw)

	telemetry.MessagesConsumed.WithLabelValues(string(c.queue)).Inc()

	c.logger.Debug("received message",
		"queue", c.queue,
		"message_id", raw.MessageId,
		"correlation_id", raw.CorrelationId,
		"redelivered", raw.Redelivered,
	)

	// Вызываем обработчик
	err := c.handler(ctx, delivery)

	if c.autoAck {
		if err != nil {
			c.logger.Error("handler failed", "queue", c.queue, "message_id", raw.MessageId, "error", err)
		}
		return
	}

	if err != nil {
		c.logger.Error("handler failed",
			"queue", c.queue,
			"message_id", raw.MessageId,
			"error", err,
		)
		// Ошибка обработки — возвращаем в очередь для retry
		if nackErr := raw.Nack(false, true); nackErr != nil {
			c.logger.Warn("failed to nack message", "queue", c.queue, "error", nackErr)
		}
		return
	}

	// Успешно обработано
	if ackErr := raw.Ack(false); ackErr != nil {
		c.logger.Warn("failed to ack message", "queue", c.queue, "error", ackErr)
	}
}

// requeue возвращает в очередь сообщение, взятое после остановки consumer.
// В режиме auto-ack сообщение уже подтверждено брокером.
func (c *Consumer) requeue(raw amqp.Delivery) {
	if c.autoAck {
		c.logger.Warn("dropping auto-acked message received after stop",
			"queue", c.queue,
			"message_id", raw.MessageId,
		)
		return
	}
	if err := raw.Nack(false, true); err != nil {
		c.logger.Warn("failed to requeue message", "queue", c.queue, "error", err)
	}
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}
