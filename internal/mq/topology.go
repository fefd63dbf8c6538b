package mq

import (
	"context"
	"fmt"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// DefaultExchange — безымянный обменник: маршрутизирует в очередь,
// имя которой совпадает с routing key.
const DefaultExchange Exchange = ""

// Exchanges — имена обменников.
const (
	ExchangeLogs       Exchange = "logs"
	ExchangeDirectLogs Exchange = "direct_logs"
	ExchangeTopicLogs  Exchange = "topic_logs"
)

// Queues — имена очередей.
const (
	QueueRPC   Queue = "rpc_queue"
	QueueTasks Queue = "task_queue"
)

// RPCQueueSpec — общая очередь запросов RPC.
// Не durable: запросы теряются при рестарте брокера.
func RPCQueueSpec(name Queue) QueueSpec {
	if name == "" {
		name = QueueRPC
	}
	return QueueSpec{Name: name}
}

// TaskQueueSpec — durable очередь задач.
func TaskQueueSpec(name Queue) QueueSpec {
	if name == "" {
		name = QueueTasks
	}
	return QueueSpec{Name: name, Durable: true}
}

// ReplyQueueSpec — приватная очередь ответов клиента: exclusive,
// имя генерирует брокер, удаляется вместе с соединением.
func ReplyQueueSpec() QueueSpec {
	return QueueSpec{Exclusive: true, AutoDelete: true}
}

// Binding — привязка очереди к обменнику.
type Binding struct {
	Queue      Queue
	Exchange   Exchange
	RoutingKey RoutingKey
}

// Topology — набор объявлений.
type Topology struct {
	Exchanges []ExchangeSpec
	Queues    []QueueSpec
	Bindings  []Binding
}

// DefaultTopology — все именованные сущности Courier.
func DefaultTopology() Topology {
	return Topology{
		Exchanges: []ExchangeSpec{
			{Name: ExchangeLogs, Kind: KindFanout},
			{Name: ExchangeDirectLogs, Kind: KindDirect},
			{Name: ExchangeTopicLogs, Kind: KindTopic},
		},
		Queues: []QueueSpec{
			RPCQueueSpec(QueueRPC),
			TaskQueueSpec(QueueTasks),
		},
	}
}

// SetupTopology объявляет обменники, очереди и привязки.
func SetupTopology(ctx context.Context, t Transport, topo Topology) error {
	// 1. Создаём exchanges
	for _, ex := range topo.Exchanges {
		if err := t.DeclareExchange(ctx, ex); err != nil {
			return err
		}
	}

	// 2. Создаём queues
	for _, q := range topo.Queues {
		if _, err := t.DeclareQueue(ctx, q); err != nil {
			return err
		}
	}

	// 3. Привязываем queues к exchanges
	for _, b := range topo.Bindings {
		if err := t.BindQueue(ctx, b.Queue, b.Exchange, b.RoutingKey); err != nil {
			return fmt.Errorf("setup binding: %w", err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Courier RabbitMQ Topology:

    (default exchange)
    ├── rpc_queue          [non-durable, prefetch 1]   Consumer: courier-server
    ├── task_queue         [durable, manual ack]       Consumer: courier-worker
    └── amq.gen-*          [exclusive reply queues]    Consumer: rpc client

    logs (fanout)          → exclusive queue per subscriber
    direct_logs (direct)   → exclusive queue per subscriber, bound per severity
    topic_logs (topic)     → exclusive queue per subscriber, bound per pattern (*, #)
  `
}
