package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MemoryBroker — брокер сообщений в памяти процесса.
//
// Повторяет семантику RabbitMQ, на которую опирается Courier:
//   - default exchange маршрутизирует по имени очереди
//   - fanout / direct / topic обменники
//   - exclusive и auto-delete очереди
//   - per-consumer prefetch и round-robin раздача (fair dispatch)
//   - ack / nack / requeue, redelivery неподтверждённых при закрытии транспорта
//
// Каждый вызов Dial открывает отдельный транспорт (аналог соединения с каналом).
// Персистентности нет: durable и DeliveryMode хранятся, но ни на что не влияют.
type MemoryBroker struct {
	mu        sync.Mutex
	queues    map[Queue]*memQueue
	exchanges map[Exchange]*memExchange
	nextID    int
}

type memExchange struct {
	spec     ExchangeSpec
	bindings []Binding
}

type memQueue struct {
	spec     QueueSpec
	owner    *memTransport
	ready    []amqp.Delivery
	consumed bool
	cursor   int

	consumers []*memConsumer

	published int
	acked     int
}

type memConsumer struct {
	tag       string
	queue     *memQueue
	transport *memTransport
	autoAck   bool
	exclusive bool
	unacked   int
	removed   bool

	buf    []amqp.Delivery
	out    chan amqp.Delivery
	notify chan struct{}
	done   chan struct{}
}

type memUnacked struct {
	consumer *memConsumer
	msg      amqp.Delivery
}

type memTransport struct {
	broker   *MemoryBroker
	id       int
	prefetch int
	tag      uint64
	unacked  map[uint64]memUnacked

	consumers []*memConsumer
	closed    bool
	done      chan struct{}
}

// QueueStats — состояние очереди в MemoryBroker.
type QueueStats struct {
	// Ready — сообщения, ожидающие доставки.
	Ready int

	// Unacked — доставленные, но не подтверждённые.
	Unacked int

	// Consumers — активные consumers.
	Consumers int

	// Published — всего попало в очередь.
	Published int

	// Acked — всего подтверждено (ack или auto-ack).
	Acked int
}

// NewMemoryBroker создаёт пустой брокер.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:    make(map[Queue]*memQueue),
		exchanges: make(map[Exchange]*memExchange),
	}
}

// Dial открывает новый транспорт. Совместим с Dialer.
func (b *MemoryBroker) Dial(_ context.Context) (Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	return &memTransport{
		broker:  b,
		id:      b.nextID,
		unacked: make(map[uint64]memUnacked),
		done:    make(chan struct{}),
	}, nil
}

// Stats возвращает состояние очереди. ok=false, если очереди нет.
func (b *MemoryBroker) Stats(queue Queue) (QueueStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return QueueStats{}, false
	}

	stats := QueueStats{
		Ready:     len(q.ready),
		Consumers: len(q.consumers),
		Published: q.published,
		Acked:     q.acked,
	}
	for _, c := range q.consumers {
		stats.Unacked += c.unacked
	}
	return stats, true
}

// HasQueue проверяет, объявлена ли очередь.
func (b *MemoryBroker) HasQueue(queue Queue) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[queue]
	return ok
}

// --- Transport ---

var _ Transport = (*memTransport)(nil)

func (t *memTransport) DeclareQueue(ctx context.Context, spec QueueSpec) (Queue, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.closed {
		return "", ErrClosed
	}

	if spec.Name == "" {
		spec.Name = Queue("amq.gen-" + uuid.NewString())
	}

	if q, ok := b.queues[spec.Name]; ok {
		if q.owner != nil && q.owner != t {
			return "", fmt.Errorf("%w: queue %s is exclusive to another connection", ErrResourceLocked, spec.Name)
		}
		if q.spec.Durable != spec.Durable || q.spec.Exclusive != spec.Exclusive || q.spec.AutoDelete != spec.AutoDelete {
			return "", fmt.Errorf("%w: queue %s redeclared with different parameters", ErrPreconditionFailed, spec.Name)
		}
		return spec.Name, nil
	}

	q := &memQueue{spec: spec}
	if spec.Exclusive {
		q.owner = t
	}
	b.queues[spec.Name] = q

	return spec.Name, nil
}

func (t *memTransport) DeclareExchange(ctx context.Context, spec ExchangeSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch spec.Kind {
	case KindFanout, KindDirect, KindTopic:
	default:
		return fmt.Errorf("%w: unsupported exchange kind %q", ErrPreconditionFailed, spec.Kind)
	}
	if spec.Name == DefaultExchange {
		return fmt.Errorf("%w: default exchange cannot be redeclared", ErrPreconditionFailed)
	}

	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	if ex, ok := b.exchanges[spec.Name]; ok {
		if ex.spec.Kind != spec.Kind || ex.spec.Durable != spec.Durable {
			return fmt.Errorf("%w: exchange %s redeclared as %s", ErrPreconditionFailed, spec.Name, spec.Kind)
		}
		return nil
	}

	b.exchanges[spec.Name] = &memExchange{spec: spec}
	return nil
}

func (t *memTransport) BindQueue(ctx context.Context, queue Queue, exchange Exchange, key RoutingKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	q, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("%w: queue %s", ErrNotFound, queue)
	}
	if q.owner != nil && q.owner != t {
		return fmt.Errorf("%w: queue %s", ErrResourceLocked, queue)
	}
	ex, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("%w: exchange %s", ErrNotFound, exchange)
	}

	for _, bnd := range ex.bindings {
		if bnd.Queue == queue && bnd.RoutingKey == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, Binding{Queue: queue, Exchange: exchange, RoutingKey: key})
	return nil
}

func (t *memTransport) Publish(ctx context.Context, exchange Exchange, key RoutingKey, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	targets, err := b.route(exchange, key)
	if err != nil {
		return err
	}

	// Непрошедшие маршрутизацию сообщения молча отбрасываются (mandatory=false).
	for _, q := range targets {
		q.ready = append(q.ready, amqp.Delivery{
			Headers:         msg.Headers,
			ContentType:     msg.ContentType,
			ContentEncoding: msg.ContentEncoding,
			DeliveryMode:    msg.DeliveryMode,
			Priority:        msg.Priority,
			CorrelationId:   msg.CorrelationId,
			ReplyTo:         msg.ReplyTo,
			Expiration:      msg.Expiration,
			MessageId:       msg.MessageId,
			Timestamp:       msg.Timestamp,
			Type:            msg.Type,
			UserId:          msg.UserId,
			AppId:           msg.AppId,
			Exchange:        string(exchange),
			RoutingKey:      string(key),
			Body:            append([]byte(nil), msg.Body...),
		})
		q.published++
		b.dispatch(q)
	}

	return nil
}

// route находит очереди-получатели. Вызывается под b.mu.
func (b *MemoryBroker) route(exchange Exchange, key RoutingKey) ([]*memQueue, error) {
	if exchange == DefaultExchange {
		if q, ok := b.queues[Queue(key)]; ok {
			return []*memQueue{q}, nil
		}
		return nil, nil
	}

	ex, ok := b.exchanges[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: exchange %s", ErrNotFound, exchange)
	}

	seen := make(map[Queue]bool)
	var targets []*memQueue
	for _, bnd := range ex.bindings {
		if seen[bnd.Queue] {
			continue
		}

		var match bool
		switch ex.spec.Kind {
		case KindFanout:
			match = true
		case KindDirect:
			match = bnd.RoutingKey == key
		case KindTopic:
			match = MatchTopic(string(bnd.RoutingKey), string(key))
		}
		if !match {
			continue
		}

		if q, ok := b.queues[bnd.Queue]; ok {
			seen[bnd.Queue] = true
			targets = append(targets, q)
		}
	}
	return targets, nil
}

func (t *memTransport) Consume(queue Queue, opts ConsumeOptions) (<-chan amqp.Delivery, error) {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	q, ok := b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: queue %s", ErrNotFound, queue)
	}
	if q.owner != nil && q.owner != t {
		return nil, fmt.Errorf("%w: queue %s", ErrResourceLocked, queue)
	}
	if len(q.consumers) > 0 && (opts.Exclusive || q.consumers[0].exclusive) {
		return nil, fmt.Errorf("%w: queue %s has an exclusive consumer", ErrResourceLocked, queue)
	}

	tag := opts.Tag
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	c := &memConsumer{
		tag:       tag,
		queue:     q,
		transport: t,
		autoAck:   opts.AutoAck,
		exclusive: opts.Exclusive,
		out:       make(chan amqp.Delivery),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	q.consumers = append(q.consumers, c)
	q.consumed = true
	t.consumers = append(t.consumers, c)

	go c.pump(&b.mu)
	b.dispatch(q)

	return c.out, nil
}

func (t *memTransport) SetPrefetch(count int) error {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if count < 0 {
		count = 0
	}
	t.prefetch = count

	// Увеличенный лимит мог освободить место.
	for _, c := range t.consumers {
		b.dispatch(c.queue)
	}
	return nil
}

func (t *memTransport) ReconnectNotify() <-chan struct{} {
	return nil
}

func (t *memTransport) Done() <-chan struct{} {
	return t.done
}

func (t *memTransport) Close() error {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)

	// Останавливаем consumers
	touched := make(map[*memQueue]bool)
	for _, c := range t.consumers {
		b.removeConsumer(c)
		touched[c.queue] = true
	}
	t.consumers = nil

	// Неподтверждённые сообщения возвращаются в очередь как redelivered
	for tag, u := range t.unacked {
		msg := u.msg
		msg.Redelivered = true
		msg.Acknowledger = nil
		msg.DeliveryTag = 0
		msg.ConsumerTag = ""
		u.consumer.queue.ready = append([]amqp.Delivery{msg}, u.consumer.queue.ready...)
		touched[u.consumer.queue] = true
		delete(t.unacked, tag)
	}

	// Exclusive очереди живут, пока живёт соединение
	for name, q := range b.queues {
		if q.owner == t {
			b.deleteQueue(name)
			delete(touched, q)
		}
	}

	for q := range touched {
		if b.queues[q.spec.Name] == q {
			b.dispatch(q)
		}
	}

	return nil
}

// --- Acknowledger ---

var _ amqp.Acknowledger = (*memTransport)(nil)

func (t *memTransport) Ack(tag uint64, multiple bool) error {
	return t.settle(tag, multiple, func(u memUnacked) {
		u.consumer.queue.acked++
	})
}

func (t *memTransport) Nack(tag uint64, multiple bool, requeue bool) error {
	return t.settle(tag, multiple, func(u memUnacked) {
		if !requeue {
			return
		}
		msg := u.msg
		msg.Redelivered = true
		msg.Acknowledger = nil
		msg.DeliveryTag = 0
		msg.ConsumerTag = ""
		u.consumer.queue.ready = append([]amqp.Delivery{msg}, u.consumer.queue.ready...)
	})
}

func (t *memTransport) Reject(tag uint64, requeue bool) error {
	return t.Nack(tag, false, requeue)
}

// settle снимает сообщения с учёта неподтверждённых и вызывает fn для каждого.
func (t *memTransport) settle(tag uint64, multiple bool, fn func(memUnacked)) error {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	var tags []uint64
	if multiple {
		for tg := range t.unacked {
			if tg <= tag {
				tags = append(tags, tg)
			}
		}
	} else if _, ok := t.unacked[tag]; ok {
		tags = append(tags, tag)
	}

	if len(tags) == 0 {
		return fmt.Errorf("%w: %d", ErrUnknownDeliveryTag, tag)
	}

	touched := make(map[*memQueue]bool)
	for _, tg := range tags {
		u := t.unacked[tg]
		delete(t.unacked, tg)
		u.consumer.unacked--
		fn(u)
		touched[u.consumer.queue] = true
	}

	for q := range touched {
		if b.queues[q.spec.Name] == q {
			b.dispatch(q)
		}
	}
	return nil
}

// --- dispatch ---

// dispatch раздаёт готовые сообщения consumers очереди по кругу,
// пропуская тех, у кого исчерпан prefetch. Вызывается под b.mu.
func (b *MemoryBroker) dispatch(q *memQueue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		c := b.nextConsumer(q)
		if c == nil {
			return
		}

		msg := q.ready[0]
		q.ready = q.ready[1:]

		t := c.transport
		t.tag++
		msg.DeliveryTag = t.tag
		msg.ConsumerTag = c.tag
		msg.Acknowledger = t

		if c.autoAck {
			q.acked++
		} else {
			c.unacked++
			t.unacked[msg.DeliveryTag] = memUnacked{consumer: c, msg: msg}
		}

		c.buf = append(c.buf, msg)
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

// nextConsumer выбирает следующий consumer со свободным prefetch.
func (b *MemoryBroker) nextConsumer(q *memQueue) *memConsumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		c := q.consumers[idx]
		if c.autoAck || c.transport.prefetch == 0 || c.unacked < c.transport.prefetch {
			q.cursor = (idx + 1) % n
			return c
		}
	}
	return nil
}

// removeConsumer отключает consumer. Вызывается под b.mu.
func (b *MemoryBroker) removeConsumer(c *memConsumer) {
	if c.removed {
		return
	}
	c.removed = true

	q := c.queue
	for i, qc := range q.consumers {
		if qc == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.cursor >= len(q.consumers) {
		q.cursor = 0
	}
	close(c.done)

	if q.spec.AutoDelete && q.consumed && len(q.consumers) == 0 {
		b.deleteQueue(q.spec.Name)
	}
}

// deleteQueue удаляет очередь и её привязки. Вызывается под b.mu.
func (b *MemoryBroker) deleteQueue(name Queue) {
	q, ok := b.queues[name]
	if !ok {
		return
	}
	for _, c := range q.consumers {
		if !c.removed {
			c.removed = true
			close(c.done)
		}
	}
	q.consumers = nil
	delete(b.queues, name)

	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bnd := range ex.bindings {
			if bnd.Queue != name {
				kept = append(kept, bnd)
			}
		}
		ex.bindings = kept
	}
}

// pump передаёт доставки из буфера consumer в его канал.
// Канал закрывается, когда consumer отключён.
func (c *memConsumer) pump(mu *sync.Mutex) {
	defer close(c.out)

	for {
		mu.Lock()
		if len(c.buf) == 0 {
			mu.Unlock()
			select {
			case <-c.notify:
				continue
			case <-c.done:
				return
			}
		}
		d := c.buf[0]
		c.buf = c.buf[1:]
		mu.Unlock()

		select {
		case c.out <- d:
		case <-c.done:
			return
		}
	}
}

// WaitFor ждёт, пока cond не станет true для состояния очереди, или истечёт timeout.
// Удобно в тестах, где доставка идёт асинхронно.
func (b *MemoryBroker) WaitFor(queue Queue, timeout time.Duration, cond func(QueueStats) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if stats, ok := b.Stats(queue); ok && cond(stats) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
