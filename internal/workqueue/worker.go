package workqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/telemetry"
)

// Default configuration values.
const (
	defaultPrefetch  = 1
	defaultUnitDelay = time.Second
)

// WorkFunc выполняет одну задачу. Ошибка — задача возвращается в очередь.
type WorkFunc func(ctx context.Context, body []byte) error

// SimulatedWork возвращает WorkFunc, который «работает» unit за каждый
// символ сообщения.
func SimulatedWork(unit time.Duration) WorkFunc {
	return func(ctx context.Context, body []byte) error {
		d := time.Duration(utf8.RuneCount(body)) * unit
		telemetry.FromContext(ctx).Info("working on task", "body", string(body), "duration", d)

		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Worker потребляет задачи из durable очереди.
//
// Worker:
//   - Объявляет очередь задач (durable)
//   - Получает не больше Prefetch неподтверждённых задач
//   - Подтверждает задачу только после успешного выполнения
//   - При ошибке возвращает задачу в очередь (nack + requeue)
//
// Несколько воркеров на одной очереди делят задачи по кругу;
// задача упавшего воркера достаётся другому.
type Worker struct {
	transport mq.Transport
	queue     mq.Queue
	prefetch  int
	work      WorkFunc

	// Consumer
	consumer *mq.Consumer

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Transport mq.Transport

	// Queue — очередь задач (default: task_queue).
	Queue mq.Queue

	// Prefetch — лимит неподтверждённых задач (default: 1).
	Prefetch int

	// Work — обработчик (default: SimulatedWork(UnitDelay)).
	Work WorkFunc

	// UnitDelay — длительность «работы» на символ для SimulatedWork (default: 1s).
	UnitDelay time.Duration

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	queue := cfg.Queue
	if queue == "" {
		queue = mq.QueueTasks
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	work := cfg.Work
	if work == nil {
		unit := cfg.UnitDelay
		if unit <= 0 {
			unit = defaultUnitDelay
		}
		work = SimulatedWork(unit)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		transport: cfg.Transport,
		queue:     queue,
		prefetch:  prefetch,
		work:      work,
		logger:    telemetry.WithComponent(logger, "worker"),
	}
}

// Start объявляет очередь и запускает потребление в фоне.
func (w *Worker) Start(ctx context.Context) error {
	if w.IsStopped() {
		return ErrWorkerStopped
	}

	spec := mq.TaskQueueSpec(w.queue)
	if _, err := w.transport.DeclareQueue(ctx, spec); err != nil {
		return fmt.Errorf("declare task queue: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker", "queue", w.queue, "prefetch", w.prefetch)

	w.consumer = mq.NewConsumer(w.transport, w.logger, mq.ConsumerConfig{
		Queue:    w.queue,
		Declare:  &spec,
		Handler:  w.handleTask,
		Prefetch: w.prefetch,
	})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		err := w.consumer.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, mq.ErrClosed) {
			w.logger.Error("task consumer error", "error", err)
		}
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт завершения текущей задачи.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	if w.consumer != nil {
		w.consumer.Stop()
	}

	// Ждём завершения горутин
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// handleTask выполняет задачу. nil — ack, ошибка — nack с requeue.
func (w *Worker) handleTask(ctx context.Context, d *mq.Delivery) error {
	logger := w.logger.With("message_id", d.Raw.MessageId, "redelivered", d.Raw.Redelivered)
	ctx = telemetry.WithLogger(ctx, logger)

	logger.Info("task received", "body", string(d.Body))

	start := time.Now()
	if err := w.work(ctx, d.Body); err != nil {
		telemetry.Tasks.WithLabelValues("failed").Inc()
		return fmt.Errorf("task failed: %w", err)
	}

	telemetry.Tasks.WithLabelValues("done").Inc()
	logger.Info("task done", "duration", time.Since(start))
	return nil
}
