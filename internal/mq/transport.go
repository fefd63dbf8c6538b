package mq

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind — тип маршрутизации обменника.
type ExchangeKind string

// Поддерживаемые типы обменников.
const (
	// KindFanout — сообщение получают все привязанные очереди.
	KindFanout ExchangeKind = "fanout"

	// KindDirect — точное совпадение routing key.
	KindDirect ExchangeKind = "direct"

	// KindTopic — совпадение по шаблону (*, #).
	KindTopic ExchangeKind = "topic"
)

// QueueSpec — параметры объявления очереди.
type QueueSpec struct {
	// Name — имя очереди. Пустое имя — брокер сгенерирует имя сам.
	Name Queue

	Durable    bool
	Exclusive  bool
	AutoDelete bool

	// Args — дополнительные аргументы (x-dead-letter-exchange и т.д.).
	Args amqp.Table
}

// ExchangeSpec — параметры объявления обменника.
type ExchangeSpec struct {
	Name    Exchange
	Kind    ExchangeKind
	Durable bool
}

// ConsumeOptions — параметры потребления.
type ConsumeOptions struct {
	// Tag — consumer tag. Пустой — сгенерируется автоматически.
	Tag string

	// AutoAck — брокер считает сообщение подтверждённым сразу при доставке.
	AutoAck bool

	// Exclusive — единственный consumer очереди. Пока он активен, Consume
	// других получает ErrResourceLocked. Если consumer у очереди уже есть,
	// ErrResourceLocked получает сам exclusive-запрос.
	Exclusive bool
}

// Transport — минимальный контракт брокера сообщений, которым пользуются
// rpc, workqueue и pubsub.
//
// Реализации:
//   - Connection — RabbitMQ (amqp091-go)
//   - MemoryBroker — брокер в памяти процесса (тесты, --broker memory)
//
// Доставки приходят в канал, который наполняется горутиной брокера,
// а не горутиной вызывающего. Подтверждение — через amqp.Delivery.Ack.
type Transport interface {
	DeclareQueue(ctx context.Context, spec QueueSpec) (Queue, error)
	DeclareExchange(ctx context.Context, spec ExchangeSpec) error
	BindQueue(ctx context.Context, queue Queue, exchange Exchange, key RoutingKey) error

	Publish(ctx context.Context, exchange Exchange, key RoutingKey, msg amqp.Publishing) error
	Consume(queue Queue, opts ConsumeOptions) (<-chan amqp.Delivery, error)

	// SetPrefetch ограничивает число неподтверждённых сообщений на consumer.
	SetPrefetch(count int) error

	// ReconnectNotify сигнализирует о восстановлении соединения.
	// Может возвращать nil, если транспорт не переподключается.
	ReconnectNotify() <-chan struct{}

	// Done закрывается после Close.
	Done() <-chan struct{}

	Close() error
}

// Dialer открывает новый Transport.
type Dialer func(ctx context.Context) (Transport, error)

// DialAMQP возвращает Dialer для RabbitMQ.
func DialAMQP(url string, logger *slog.Logger) Dialer {
	return func(_ context.Context) (Transport, error) {
		return NewConnection(url, logger)
	}
}
