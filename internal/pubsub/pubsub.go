package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shaiso/Courier/internal/mq"
)

// Пресеты обменников.
var (
	// Logs — fanout: сообщение получают все подписчики.
	Logs = mq.ExchangeSpec{Name: mq.ExchangeLogs, Kind: mq.KindFanout}

	// DirectLogs — direct: подписчик получает сообщения с ключами, на которые подписан.
	DirectLogs = mq.ExchangeSpec{Name: mq.ExchangeDirectLogs, Kind: mq.KindDirect}

	// TopicLogs — topic: подписка по шаблонам (* — одно слово, # — любое число слов).
	TopicLogs = mq.ExchangeSpec{Name: mq.ExchangeTopicLogs, Kind: mq.KindTopic}
)

// Preset возвращает пресет по имени режима: fanout, direct, topic.
func Preset(mode string) (mq.ExchangeSpec, error) {
	switch strings.ToLower(mode) {
	case "fanout", "":
		return Logs, nil
	case "direct":
		return DirectLogs, nil
	case "topic":
		return TopicLogs, nil
	default:
		return mq.ExchangeSpec{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// Message — сообщение, полученное подписчиком.
type Message struct {
	RoutingKey mq.RoutingKey
	Body       []byte
}

// Emitter публикует сообщения в обменник.
type Emitter struct {
	transport mq.Transport
	publisher *mq.Publisher
	exchange  mq.ExchangeSpec
}

// NewEmitter объявляет обменник и возвращает Emitter.
func NewEmitter(ctx context.Context, t mq.Transport, exchange mq.ExchangeSpec, logger *slog.Logger) (*Emitter, error) {
	if err := t.DeclareExchange(ctx, exchange); err != nil {
		return nil, err
	}
	return &Emitter{
		transport: t,
		publisher: mq.NewPublisher(t, logger),
		exchange:  exchange,
	}, nil
}

// Emit публикует сообщение. Для fanout ключ на маршрутизацию не влияет.
func (e *Emitter) Emit(ctx context.Context, key mq.RoutingKey, body []byte) error {
	return e.publisher.Publish(ctx, e.exchange.Name, key, mq.Message{Body: body})
}

// Subscriber — подписка на обменник через приватную очередь.
type Subscriber struct {
	transport mq.Transport
	exchange  mq.ExchangeSpec
	queue     mq.Queue
	keys      []mq.RoutingKey
	logger    *slog.Logger
}

// Subscribe объявляет обменник, exclusive очередь с именем от брокера
// и привязывает её по каждому ключу. Для fanout достаточно одной привязки
// с пустым ключом.
func Subscribe(ctx context.Context, t mq.Transport, exchange mq.ExchangeSpec, keys []mq.RoutingKey, logger *slog.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if exchange.Kind == mq.KindFanout {
		keys = []mq.RoutingKey{""}
	} else if len(keys) == 0 {
		return nil, ErrNoBindings
	}

	if err := t.DeclareExchange(ctx, exchange); err != nil {
		return nil, err
	}

	queue, err := t.DeclareQueue(ctx, mq.QueueSpec{Exclusive: true, AutoDelete: true})
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		if err := t.BindQueue(ctx, queue, exchange.Name, key); err != nil {
			return nil, err
		}
	}

	logger.Info("subscribed", "exchange", exchange.Name, "kind", exchange.Kind, "queue", queue, "keys", keys)

	return &Subscriber{
		transport: t,
		exchange:  exchange,
		queue:     queue,
		keys:      keys,
		logger:    logger,
	}, nil
}

// Queue возвращает имя приватной очереди подписчика.
func (s *Subscriber) Queue() mq.Queue {
	return s.queue
}

// Run потребляет сообщения с auto-ack и передаёт их handler до отмены ctx.
func (s *Subscriber) Run(ctx context.Context, handler func(ctx context.Context, msg Message)) error {
	consumer := mq.NewConsumer(s.transport, s.logger, mq.ConsumerConfig{
		Queue:   s.queue,
		AutoAck: true,
		Handler: func(ctx context.Context, d *mq.Delivery) error {
			handler(ctx, Message{RoutingKey: d.RoutingKey, Body: d.Body})
			return nil
		},
	})

	err := consumer.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Keys возвращает ключи привязки.
func (s *Subscriber) Keys() []mq.RoutingKey {
	return s.keys
}
