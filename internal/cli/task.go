package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/workqueue"
)

// NewTaskCmd создаёт группу команд work queue.
func NewTaskCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Durable work queue with manual acknowledgment",
	}

	cmd.AddCommand(
		newTaskSendCmd(env),
		newTaskWorkCmd(env),
	)

	return cmd
}

func newTaskSendCmd(env *Env) *cobra.Command {
	var queue string
	var count int
	var perSecond float64
	var cronExpr string

	cmd := &cobra.Command{
		Use:   "send MESSAGE...",
		Short: "Send a task (words are joined with spaces)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := NewOutputTo(cmd.OutOrStdout(), cmd.ErrOrStderr(), env.JSON)
			body := []byte(strings.Join(args, " "))

			if cronExpr != "" {
				if err := workqueue.ValidateCronExpr(cronExpr); err != nil {
					return err
				}
			}

			t, err := env.Dial(ctx)
			if err != nil {
				return err
			}
			defer t.Close()

			producer := workqueue.NewProducer(workqueue.ProducerConfig{
				Transport: t,
				Queue:     mq.Queue(queue),
				Logger:    env.Logger,
			})
			if err := producer.Declare(ctx); err != nil {
				return err
			}

			if cronExpr != "" {
				out.Success(fmt.Sprintf("Sending on schedule %q until interrupted", cronExpr))
				sent, err := producer.SendEvery(ctx, cronExpr, body)
				out.Success(fmt.Sprintf("Sent %d task(s)", sent))
				return err
			}

			sent, err := sendPaced(ctx, producer, body, count, perSecond)
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Sent %d task(s) to %s", sent, queue))
			return nil
		},
	}

	cmd.Flags().StringVar(&queue, "queue", string(mq.QueueTasks), "Task queue")
	cmd.Flags().IntVar(&count, "count", 1, "Number of copies to send")
	cmd.Flags().Float64Var(&perSecond, "rate", 0, "Maximum tasks per second (0 = unlimited)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Send repeatedly on a cron schedule (e.g. \"*/5 * * * *\" or \"@every 10s\")")

	return cmd
}

// sendPaced отправляет count копий задачи не быстрее perSecond в секунду.
func sendPaced(ctx context.Context, producer *workqueue.Producer, body []byte, count int, perSecond float64) (int, error) {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	sent := 0
	for i := 0; i < count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return sent, err
		}
		if err := producer.Send(ctx, body); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func newTaskWorkCmd(env *Env) *cobra.Command {
	var queue string
	var prefetch int
	var unitDelay time.Duration

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Consume tasks until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := NewOutputTo(cmd.OutOrStdout(), cmd.ErrOrStderr(), env.JSON)

			t, err := env.Dial(ctx)
			if err != nil {
				return err
			}
			defer t.Close()

			w := workqueue.New(workqueue.Config{
				Transport: t,
				Queue:     mq.Queue(queue),
				Prefetch:  prefetch,
				UnitDelay: unitDelay,
				Logger:    env.Logger,
			})
			if err := w.Start(ctx); err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Waiting for tasks on %s", queue))

			<-ctx.Done()
			w.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&queue, "queue", string(mq.QueueTasks), "Task queue")
	cmd.Flags().IntVar(&prefetch, "prefetch", 1, "Unacknowledged tasks per worker")
	cmd.Flags().DurationVar(&unitDelay, "unit-delay", time.Second, "Simulated work per message character")

	return cmd
}
