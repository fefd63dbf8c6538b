package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Courier/internal/mq"
)

func dial(t *testing.T, b *mq.MemoryBroker) mq.Transport {
	t.Helper()
	tr, err := b.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func newProducer(t *testing.T, b *mq.MemoryBroker) *Producer {
	t.Helper()
	p := NewProducer(ProducerConfig{Transport: dial(t, b)})
	if err := p.Declare(context.Background()); err != nil {
		t.Fatalf("declare: %v", err)
	}
	return p
}

// --- Producer Tests ---

func TestProducer_SendPersistent(t *testing.T) {
	b := mq.NewMemoryBroker()
	p := newProducer(t, b)

	if err := p.Send(context.Background(), []byte("Hello World...")); err != nil {
		t.Fatalf("send: %v", err)
	}

	tr := dial(t, b)
	ch, err := tr.Consume(mq.QueueTasks, mq.ConsumeOptions{AutoAck: true})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	select {
	case d := <-ch:
		if string(d.Body) != "Hello World..." {
			t.Errorf("unexpected body %q", d.Body)
		}
		if d.DeliveryMode != amqp.Persistent {
			t.Errorf("task should be persistent, got delivery mode %d", d.DeliveryMode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task not delivered")
	}
}

func TestProducer_SendEmpty(t *testing.T) {
	b := mq.NewMemoryBroker()
	p := newProducer(t, b)

	if err := p.Send(context.Background(), nil); !errors.Is(err, ErrEmptyTask) {
		t.Errorf("expected ErrEmptyTask, got %v", err)
	}
	if stats, _ := b.Stats(mq.QueueTasks); stats.Published != 0 {
		t.Errorf("empty task must not be published, got %d", stats.Published)
	}
}

func TestProducer_SendEvery(t *testing.T) {
	b := mq.NewMemoryBroker()
	p := newProducer(t, b)

	// Часы сдвигаются на секунду при каждом обращении,
	// поэтому каждый тик расписания уже наступил
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		sent int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sent, err := p.SendEvery(ctx, "@every 1s", []byte("tick"))
		done <- result{sent, err}
	}()

	if !b.WaitFor(mq.QueueTasks, 2*time.Second, func(s mq.QueueStats) bool { return s.Published >= 3 }) {
		t.Fatal("scheduled tasks were not sent")
	}
	cancel()

	r := <-done
	if r.err != nil {
		t.Errorf("SendEvery should stop cleanly on cancel, got %v", r.err)
	}
	if r.sent < 3 {
		t.Errorf("expected at least 3 sent tasks, got %d", r.sent)
	}
}

func TestProducer_SendEveryInvalid(t *testing.T) {
	b := mq.NewMemoryBroker()
	p := newProducer(t, b)

	sent, err := p.SendEvery(context.Background(), "every now and then", []byte("x"))
	if !errors.Is(err, ErrInvalidSchedule) || sent != 0 {
		t.Errorf("expected ErrInvalidSchedule and 0 sent, got %d, %v", sent, err)
	}
}

// --- Worker Tests ---

func TestWorker_ProcessesAndAcks(t *testing.T) {
	b := mq.NewMemoryBroker()
	p := newProducer(t, b)

	var mu sync.Mutex
	var bodies []string
	w := New(Config{
		Transport: dial(t, b),
		Work: func(_ context.Context, body []byte) error {
			mu.Lock()
			bodies = append(bodies, string(body))
			mu.Unlock()
			return nil
		},
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	for _, body := range []string{"first.", "second..", "third..."} {
		if err := p.Send(context.Background(), []byte(body)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	if !b.WaitFor(mq.QueueTasks, 2*time.Second, func(s mq.QueueStats) bool { return s.Acked == 3 }) {
		t.Fatal("tasks were not acked")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first.", "second..", "third..."}
	if len(bodies) != len(want) {
		t.Fatalf("expected %d tasks, got %v", len(want), bodies)
	}
	for i := range want {
		if bodies[i] != want[i] {
			t.Errorf("task %d: expected %q, got %q", i, want[i], bodies[i])
		}
	}
}

func TestWorker_FailedTaskIsRequeued(t *testing.T) {
	b := mq.NewMemoryBroker()
	p := newProducer(t, b)

	var attempts atomic.Int32
	w := New(Config{
		Transport: dial(t, b),
		Work: func(context.Context, []byte) error {
			if attempts.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		},
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	if err := p.Send(context.Background(), []byte("retry me")); err != nil {
		t.Fatalf("send: %v", err)
	}

	if !b.WaitFor(mq.QueueTasks, 2*time.Second, func(s mq.QueueStats) bool { return s.Acked == 1 }) {
		t.Fatal("task was not eventually acked")
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestWorker_CrashedWorkerTaskGoesToAnother(t *testing.T) {
	b := mq.NewMemoryBroker()
	p := newProducer(t, b)

	started := make(chan struct{}, 1)
	crashing, err := b.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	w1 := New(Config{
		Transport: crashing,
		Work: func(ctx context.Context, _ []byte) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if err := w1.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := p.Send(context.Background(), []byte("important")); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-started

	// Соединение первого воркера обрывается до ack
	crashing.Close()

	var received atomic.Bool
	w2 := New(Config{
		Transport: dial(t, b),
		Work: func(_ context.Context, body []byte) error {
			if string(body) == "important" {
				received.Store(true)
			}
			return nil
		},
	})
	if err := w2.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w2.Stop()

	if !b.WaitFor(mq.QueueTasks, 2*time.Second, func(s mq.QueueStats) bool { return s.Acked == 1 }) {
		t.Fatal("task was not picked up by the second worker")
	}
	if !received.Load() {
		t.Error("second worker should receive the task")
	}

	w1.Stop()
}

func TestWorker_StartAfterStop(t *testing.T) {
	b := mq.NewMemoryBroker()
	w := New(Config{Transport: dial(t, b), UnitDelay: time.Millisecond})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.Stop()

	if !w.IsStopped() {
		t.Error("worker should be stopped")
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("expected ErrWorkerStopped, got %v", err)
	}
}

func TestSimulatedWork(t *testing.T) {
	work := SimulatedWork(time.Millisecond)

	start := time.Now()
	if err := work(context.Background(), []byte(".....")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("expected at least 5ms of work, took %v", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SimulatedWork(time.Hour)(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
