package mq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Courier/internal/telemetry"
)

// ContentTypeText — тело сообщений Courier: UTF-8 текст.
const ContentTypeText = "text/plain"

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения. Пустой — сгенерируется.
	ID string

	// Body — полезная нагрузка.
	Body []byte

	// ContentType — по умолчанию text/plain.
	ContentType string

	// CorrelationID — идентификатор, связывающий ответ с запросом.
	CorrelationID string

	// ReplyTo — очередь, в которую ожидается ответ.
	ReplyTo Queue

	// Persistent — сообщение переживёт рестарт брокера (если очередь durable).
	Persistent bool

	// Timestamp — время создания. Нулевое — текущее.
	Timestamp time.Time
}

// Publisher публикует сообщения через Transport.
type Publisher struct {
	transport Transport
	logger    *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(t Transport, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		transport: t,
		logger:    logger,
	}
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.ContentType == "" {
		msg.ContentType = ContentTypeText
	}

	publishing := amqp.Publishing{
		ContentType:   msg.ContentType,
		MessageId:     msg.ID,
		Timestamp:     msg.Timestamp,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       string(msg.ReplyTo),
		Body:          msg.Body,
	}
	if msg.Persistent {
		publishing.DeliveryMode = amqp.Persistent
	}

	if err := p.transport.Publish(ctx, exchange, routingKey, publishing); err != nil {
		return fmt.Errorf("publish to %q/%s: %w", exchange, routingKey, err)
	}

	telemetry.MessagesPublished.WithLabelValues(exchangeLabel(exchange)).Inc()

	p.logger.Debug("published message",
		"exchange", exchange,
		"routing_key", routingKey,
		"message_id", msg.ID,
		"correlation_id", msg.CorrelationID,
	)

	return nil
}

// PublishToQueue публикует сообщение прямо в очередь через default exchange.
func (p *Publisher) PublishToQueue(ctx context.Context, queue Queue, msg Message) error {
	return p.Publish(ctx, DefaultExchange, RoutingKey(queue), msg)
}

// exchangeLabel — метка метрики; у default exchange пустое имя.
func exchangeLabel(exchange Exchange) string {
	if exchange == DefaultExchange {
		return "(default)"
	}
	return string(exchange)
}
