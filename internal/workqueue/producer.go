package workqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Courier/internal/mq"
)

// Producer публикует задачи в durable очередь.
type Producer struct {
	transport mq.Transport
	publisher *mq.Publisher
	queue     mq.Queue
	logger    *slog.Logger

	// now — источник времени для расписания.
	now func() time.Time
}

// ProducerConfig — конфигурация Producer.
type ProducerConfig struct {
	Transport mq.Transport

	// Queue — очередь задач (default: task_queue).
	Queue mq.Queue

	Logger *slog.Logger
}

// NewProducer создаёт Producer.
func NewProducer(cfg ProducerConfig) *Producer {
	queue := cfg.Queue
	if queue == "" {
		queue = mq.QueueTasks
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Producer{
		transport: cfg.Transport,
		publisher: mq.NewPublisher(cfg.Transport, logger),
		queue:     queue,
		logger:    logger,
		now:       time.Now,
	}
}

// Declare объявляет очередь задач. Повторный вызов безопасен.
func (p *Producer) Declare(ctx context.Context) error {
	if _, err := p.transport.DeclareQueue(ctx, mq.TaskQueueSpec(p.queue)); err != nil {
		return fmt.Errorf("declare task queue: %w", err)
	}
	return nil
}

// Send публикует задачу как persistent сообщение.
func (p *Producer) Send(ctx context.Context, body []byte) error {
	if len(body) == 0 {
		return ErrEmptyTask
	}

	if err := p.publisher.PublishToQueue(ctx, p.queue, mq.Message{
		Body:       body,
		Persistent: true,
	}); err != nil {
		return err
	}

	p.logger.Info("task sent", "queue", p.queue, "size", len(body))
	return nil
}

// SendEvery публикует задачу по cron-расписанию до отмены ctx.
// Возвращает число отправленных задач.
func (p *Producer) SendEvery(ctx context.Context, cronExpr string, body []byte) (int, error) {
	if err := ValidateCronExpr(cronExpr); err != nil {
		return 0, err
	}

	sent := 0
	for {
		next, err := NextDue(cronExpr, p.now())
		if err != nil {
			return sent, err
		}

		p.logger.Debug("next scheduled task", "queue", p.queue, "due_at", next)

		timer := time.NewTimer(next.Sub(p.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return sent, nil
		case <-timer.C:
		}

		if err := p.Send(ctx, body); err != nil {
			return sent, err
		}
		sent++
	}
}
