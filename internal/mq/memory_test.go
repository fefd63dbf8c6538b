package mq

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// --- helpers ---

func dial(t *testing.T, b *MemoryBroker) Transport {
	t.Helper()
	tr, err := b.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func receive(t *testing.T, ch <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("deliveries channel closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
	return amqp.Delivery{}
}

func publishText(t *testing.T, tr Transport, exchange Exchange, key RoutingKey, body string) {
	t.Helper()
	err := tr.Publish(context.Background(), exchange, key, amqp.Publishing{Body: []byte(body)})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func readyCount(t *testing.T, b *MemoryBroker, q Queue) int {
	t.Helper()
	stats, ok := b.Stats(q)
	if !ok {
		t.Fatalf("queue %s not found", q)
	}
	return stats.Ready
}

// --- Routing Tests ---

func TestMemoryBroker_DefaultExchange(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	tr := dial(t, b)

	if _, err := tr.DeclareQueue(ctx, QueueSpec{Name: "hello"}); err != nil {
		t.Fatalf("declare: %v", err)
	}

	publishText(t, tr, DefaultExchange, "hello", "Hello World!")
	// Очереди нет — сообщение отбрасывается без ошибки
	publishText(t, tr, DefaultExchange, "missing", "lost")

	deliveries, err := tr.Consume("hello", ConsumeOptions{AutoAck: true})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	d := receive(t, deliveries)
	if string(d.Body) != "Hello World!" {
		t.Errorf("expected 'Hello World!', got %q", d.Body)
	}
	if d.RoutingKey != "hello" {
		t.Errorf("expected routing key hello, got %s", d.RoutingKey)
	}
	if b.HasQueue("missing") {
		t.Error("publish must not create queues")
	}
}

func TestMemoryBroker_UnknownExchange(t *testing.T) {
	b := NewMemoryBroker()
	tr := dial(t, b)

	err := tr.Publish(context.Background(), "nope", "", amqp.Publishing{Body: []byte("x")})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryBroker_Fanout(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	tr := dial(t, b)

	if err := tr.DeclareExchange(ctx, ExchangeSpec{Name: ExchangeLogs, Kind: KindFanout}); err != nil {
		t.Fatalf("declare exchange: %v", err)
	}
	for _, q := range []Queue{"a", "b"} {
		if _, err := tr.DeclareQueue(ctx, QueueSpec{Name: q}); err != nil {
			t.Fatalf("declare: %v", err)
		}
		// Ключ игнорируется fanout обменником
		if err := tr.BindQueue(ctx, q, ExchangeLogs, "ignored"); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}

	publishText(t, tr, ExchangeLogs, "whatever", "log line")

	if readyCount(t, b, "a") != 1 || readyCount(t, b, "b") != 1 {
		t.Error("fanout should deliver to every bound queue")
	}
}

func TestMemoryBroker_Direct(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	tr := dial(t, b)

	if err := tr.DeclareExchange(ctx, ExchangeSpec{Name: ExchangeDirectLogs, Kind: KindDirect}); err != nil {
		t.Fatalf("declare exchange: %v", err)
	}
	bindings := []Binding{
		{Queue: "errors", RoutingKey: "error"},
		{Queue: "all", RoutingKey: "info"},
		{Queue: "all", RoutingKey: "warning"},
		{Queue: "all", RoutingKey: "error"},
	}
	for _, bnd := range bindings {
		if _, err := tr.DeclareQueue(ctx, QueueSpec{Name: bnd.Queue}); err != nil {
			t.Fatalf("declare: %v", err)
		}
		if err := tr.BindQueue(ctx, bnd.Queue, ExchangeDirectLogs, bnd.RoutingKey); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}

	publishText(t, tr, ExchangeDirectLogs, "info", "i")
	publishText(t, tr, ExchangeDirectLogs, "error", "e")
	publishText(t, tr, ExchangeDirectLogs, "debug", "d")

	if got := readyCount(t, b, "errors"); got != 1 {
		t.Errorf("errors: expected 1 message, got %d", got)
	}
	if got := readyCount(t, b, "all"); got != 2 {
		t.Errorf("all: expected 2 messages, got %d", got)
	}
}

func TestMemoryBroker_Topic(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	tr := dial(t, b)

	if err := tr.DeclareExchange(ctx, ExchangeSpec{Name: ExchangeTopicLogs, Kind: KindTopic}); err != nil {
		t.Fatalf("declare exchange: %v", err)
	}
	bindings := []Binding{
		{Queue: "q1", RoutingKey: "*.orange.*"},
		{Queue: "q2", RoutingKey: "*.*.rabbit"},
		{Queue: "q2", RoutingKey: "lazy.#"},
	}
	for _, bnd := range bindings {
		if _, err := tr.DeclareQueue(ctx, QueueSpec{Name: bnd.Queue}); err != nil {
			t.Fatalf("declare: %v", err)
		}
		if err := tr.BindQueue(ctx, bnd.Queue, ExchangeTopicLogs, bnd.RoutingKey); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}

	publishText(t, tr, ExchangeTopicLogs, "quick.orange.rabbit", "1") // q1, q2
	publishText(t, tr, ExchangeTopicLogs, "lazy.orange.elephant", "2") // q1, q2
	publishText(t, tr, ExchangeTopicLogs, "lazy.pink.rabbit", "3")     // q2 один раз
	publishText(t, tr, ExchangeTopicLogs, "quick.brown.fox", "4")      // никуда

	if got := readyCount(t, b, "q1"); got != 2 {
		t.Errorf("q1: expected 2 messages, got %d", got)
	}
	if got := readyCount(t, b, "q2"); got != 3 {
		t.Errorf("q2: expected 3 messages, got %d", got)
	}
}

func TestMemoryBroker_ExchangeRedeclare(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	tr := dial(t, b)

	if err := tr.DeclareExchange(ctx, ExchangeSpec{Name: "x", Kind: KindFanout}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := tr.DeclareExchange(ctx, ExchangeSpec{Name: "x", Kind: KindFanout}); err != nil {
		t.Errorf("identical redeclare should succeed, got %v", err)
	}
	err := tr.DeclareExchange(ctx, ExchangeSpec{Name: "x", Kind: KindTopic})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed, got %v", err)
	}
}

// --- Queue Tests ---

func TestMemoryBroker_ServerNamedQueue(t *testing.T) {
	b := NewMemoryBroker()
	tr := dial(t, b)

	q1, err := tr.DeclareQueue(context.Background(), ReplyQueueSpec())
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	q2, err := tr.DeclareQueue(context.Background(), ReplyQueueSpec())
	if err != nil {
		t.Fatalf("declare: %v", err)
	}

	if !strings.HasPrefix(string(q1), "amq.gen-") {
		t.Errorf("expected generated name, got %s", q1)
	}
	if q1 == q2 {
		t.Error("generated names should be unique")
	}
}

func TestMemoryBroker_QueueRedeclare(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	tr := dial(t, b)

	if _, err := tr.DeclareQueue(ctx, TaskQueueSpec("")); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if _, err := tr.DeclareQueue(ctx, TaskQueueSpec("")); err != nil {
		t.Errorf("identical redeclare should succeed, got %v", err)
	}

	_, err := tr.DeclareQueue(ctx, QueueSpec{Name: QueueTasks})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed, got %v", err)
	}
}

func TestMemoryBroker_ExclusiveQueue(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	owner := dial(t, b)
	other := dial(t, b)

	q, err := owner.DeclareQueue(ctx, QueueSpec{Name: "private", Exclusive: true})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}

	if _, err := other.DeclareQueue(ctx, QueueSpec{Name: q, Exclusive: true}); !errors.Is(err, ErrResourceLocked) {
		t.Errorf("declare from other transport: expected ErrResourceLocked, got %v", err)
	}
	if _, err := other.Consume(q, ConsumeOptions{}); !errors.Is(err, ErrResourceLocked) {
		t.Errorf("consume from other transport: expected ErrResourceLocked, got %v", err)
	}

	// Публиковать в чужую exclusive очередь можно
	publishText(t, other, DefaultExchange, RoutingKey(q), "reply")
	if got := readyCount(t, b, q); got != 1 {
		t.Errorf("expected 1 message, got %d", got)
	}

	owner.Close()
	if b.HasQueue(q) {
		t.Error("exclusive queue should be deleted when its transport closes")
	}
}

func TestMemoryBroker_ExclusiveConsumer(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	tr := dial(t, b)

	for _, name := range []Queue{"solo", "shared"} {
		if _, err := tr.DeclareQueue(ctx, QueueSpec{Name: name}); err != nil {
			t.Fatalf("declare %s: %v", name, err)
		}
	}

	if _, err := tr.Consume("solo", ConsumeOptions{Exclusive: true}); err != nil {
		t.Fatalf("exclusive consume: %v", err)
	}
	if _, err := tr.Consume("solo", ConsumeOptions{}); !errors.Is(err, ErrResourceLocked) {
		t.Errorf("second consumer on exclusive queue: expected ErrResourceLocked, got %v", err)
	}

	if _, err := tr.Consume("shared", ConsumeOptions{}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, err := tr.Consume("shared", ConsumeOptions{Exclusive: true}); !errors.Is(err, ErrResourceLocked) {
		t.Errorf("exclusive consumer on busy queue: expected ErrResourceLocked, got %v", err)
	}

	stats, _ := b.Stats("solo")
	if stats.Consumers != 1 {
		t.Errorf("expected 1 consumer on solo, got %d", stats.Consumers)
	}
}

func TestMemoryBroker_AutoDelete(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	tr := dial(t, b)

	if _, err := tr.DeclareQueue(ctx, QueueSpec{Name: "temp", AutoDelete: true}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	// Без consumers auto-delete очередь живёт
	if !b.HasQueue("temp") {
		t.Fatal("queue should exist before first consumer")
	}

	if _, err := tr.Consume("temp", ConsumeOptions{AutoAck: true}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	tr.Close()

	if b.HasQueue("temp") {
		t.Error("auto-delete queue should be deleted after last consumer is gone")
	}
}

// --- Acknowledgement Tests ---

func TestMemoryBroker_FairDispatch(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	w1 := dial(t, b)
	w2 := dial(t, b)

	var chans []<-chan amqp.Delivery
	for _, w := range []Transport{w1, w2} {
		if _, err := w.DeclareQueue(ctx, TaskQueueSpec("")); err != nil {
			t.Fatalf("declare: %v", err)
		}
		if err := w.SetPrefetch(1); err != nil {
			t.Fatalf("prefetch: %v", err)
		}
		ch, err := w.Consume(QueueTasks, ConsumeOptions{})
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		chans = append(chans, ch)
	}

	for _, body := range []string{"1", "2", "3", "4"} {
		publishText(t, w1, DefaultExchange, RoutingKey(QueueTasks), body)
	}

	// Каждому worker не больше одного неподтверждённого
	stats, _ := b.Stats(QueueTasks)
	if stats.Unacked != 2 || stats.Ready != 2 {
		t.Fatalf("expected 2 unacked and 2 ready, got %+v", stats)
	}

	// w2 «занят», w1 подтверждает и получает следующее
	d := receive(t, chans[0])
	if string(d.Body) != "1" {
		t.Errorf("expected first message on w1, got %q", d.Body)
	}
	if err := d.Ack(false); err != nil {
		t.Fatalf("ack: %v", err)
	}

	d = receive(t, chans[0])
	if string(d.Body) != "3" {
		t.Errorf("expected w1 to receive 3, got %q", d.Body)
	}

	stats, _ = b.Stats(QueueTasks)
	if stats.Unacked != 2 || stats.Ready != 1 || stats.Acked != 1 {
		t.Errorf("unexpected stats after ack: %+v", stats)
	}
}

func TestMemoryBroker_NackRequeue(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	tr := dial(t, b)

	if _, err := tr.DeclareQueue(ctx, QueueSpec{Name: "q"}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := tr.SetPrefetch(1); err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	ch, err := tr.Consume("q", ConsumeOptions{})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	publishText(t, tr, DefaultExchange, "q", "first")
	publishText(t, tr, DefaultExchange, "q", "second")

	d := receive(t, ch)
	if d.Redelivered {
		t.Error("first delivery should not be redelivered")
	}
	if err := d.Nack(false, true); err != nil {
		t.Fatalf("nack: %v", err)
	}

	// Возвращённое сообщение встаёт в начало очереди
	d = receive(t, ch)
	if string(d.Body) != "first" || !d.Redelivered {
		t.Errorf("expected redelivered 'first', got %q (redelivered=%v)", d.Body, d.Redelivered)
	}
	if err := d.Ack(false); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// Повторный ack того же тега — ошибка
	if err := d.Ack(false); !errors.Is(err, ErrUnknownDeliveryTag) {
		t.Errorf("expected ErrUnknownDeliveryTag, got %v", err)
	}
}

func TestMemoryBroker_NackDiscard(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	tr := dial(t, b)

	if _, err := tr.DeclareQueue(ctx, QueueSpec{Name: "q"}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	ch, err := tr.Consume("q", ConsumeOptions{})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	publishText(t, tr, DefaultExchange, "q", "poison")
	d := receive(t, ch)
	if err := d.Reject(false); err != nil {
		t.Fatalf("reject: %v", err)
	}

	stats, _ := b.Stats("q")
	if stats.Ready != 0 || stats.Unacked != 0 || stats.Acked != 0 {
		t.Errorf("rejected message should be dropped, got %+v", stats)
	}
}

func TestMemoryBroker_CloseRequeuesUnacked(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	crashed, err := b.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if _, err := crashed.DeclareQueue(ctx, TaskQueueSpec("")); err != nil {
		t.Fatalf("declare: %v", err)
	}
	ch, err := crashed.Consume(QueueTasks, ConsumeOptions{})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	publishText(t, crashed, DefaultExchange, RoutingKey(QueueTasks), "task")
	receive(t, ch)

	// Worker умер, не подтвердив задачу
	crashed.Close()

	select {
	case <-crashed.Done():
	default:
		t.Error("Done should be closed after Close")
	}
	if _, ok := <-ch; ok {
		t.Error("deliveries channel should be closed")
	}

	survivor := dial(t, b)
	ch2, err := survivor.Consume(QueueTasks, ConsumeOptions{})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	d := receive(t, ch2)
	if string(d.Body) != "task" || !d.Redelivered {
		t.Errorf("expected redelivered 'task', got %q (redelivered=%v)", d.Body, d.Redelivered)
	}
}

func TestMemoryBroker_ClosedTransport(t *testing.T) {
	b := NewMemoryBroker()
	tr, _ := b.Dial(context.Background())
	tr.Close()

	if err := tr.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, err := tr.DeclareQueue(context.Background(), QueueSpec{Name: "q"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	err := tr.Publish(context.Background(), DefaultExchange, "q", amqp.Publishing{})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestSetupTopology(t *testing.T) {
	b := NewMemoryBroker()
	tr := dial(t, b)

	if err := SetupTopology(context.Background(), tr, DefaultTopology()); err != nil {
		t.Fatalf("setup topology: %v", err)
	}
	// Повторный вызов идемпотентен
	if err := SetupTopology(context.Background(), tr, DefaultTopology()); err != nil {
		t.Fatalf("second setup topology: %v", err)
	}

	for _, q := range []Queue{QueueRPC, QueueTasks} {
		if !b.HasQueue(q) {
			t.Errorf("queue %s should be declared", q)
		}
	}
	for _, ex := range []Exchange{ExchangeLogs, ExchangeDirectLogs, ExchangeTopicLogs} {
		if err := tr.Publish(context.Background(), ex, "k", amqp.Publishing{}); err != nil {
			t.Errorf("exchange %s should be declared, publish failed: %v", ex, err)
		}
	}
}
