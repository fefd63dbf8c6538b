package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/rpc"
)

// CallResult — результат одного RPC-вызова для вывода.
type CallResult struct {
	Request    string `json:"request"`
	Response   string `json:"response"`
	DurationMs int64  `json:"duration_ms"`
}

// NewRPCCmd создаёт группу команд RPC.
func NewRPCCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rpc",
		Short: "Request/response over the broker",
	}

	cmd.AddCommand(
		newRPCCallCmd(env),
		newRPCServeCmd(env),
		newRPCHistoryCmd(env),
	)

	return cmd
}

func newRPCCallCmd(env *Env) *cobra.Command {
	var timeout time.Duration
	var queue string

	cmd := &cobra.Command{
		Use:   "call PAYLOAD [PAYLOAD...]",
		Short: "Call the RPC server once per payload (calls run concurrently)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := NewOutputTo(cmd.OutOrStdout(), cmd.ErrOrStderr(), env.JSON)

			dial, err := env.Dialer()
			if err != nil {
				return err
			}

			// С брокером в памяти сервер запускается в этом же процессе
			if env.InProcess() {
				stop, err := startInProcessServer(ctx, env, dial, mq.Queue(queue))
				if err != nil {
					return err
				}
				defer stop()
			}

			client := rpc.NewClient(rpc.ClientConfig{
				Dial:    dial,
				Queue:   mq.Queue(queue),
				Timeout: timeout,
				Logger:  env.Logger,
			})
			if err := client.Open(ctx); err != nil {
				return err
			}
			defer client.Close()

			results := make([]CallResult, len(args))
			g, gctx := errgroup.WithContext(ctx)
			for i, payload := range args {
				g.Go(func() error {
					start := time.Now()
					resp, err := client.Call(gctx, []byte(payload))
					if err != nil {
						return fmt.Errorf("call %q: %w", payload, err)
					}
					results[i] = CallResult{
						Request:    payload,
						Response:   string(resp),
						DurationMs: time.Since(start).Milliseconds(),
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			headers := []string{"REQUEST", "RESPONSE", "DURATION_MS"}
			rows := make([][]string, len(results))
			for i, r := range results {
				rows[i] = []string{r.Request, r.Response, strconv.FormatInt(r.DurationMs, 10)}
			}
			out.Print(headers, rows, results)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Per-call timeout (0 = wait forever)")
	cmd.Flags().StringVar(&queue, "queue", string(mq.QueueRPC), "Server request queue")

	return cmd
}

// startInProcessServer запускает RPC-сервер в горутине и ждёт его готовности.
func startInProcessServer(ctx context.Context, env *Env, dial mq.Dialer, queue mq.Queue) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	server := rpc.NewServer(rpc.ServerConfig{
		Dial:   dial,
		Queue:  queue,
		Logger: env.Logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ctx)
	}()

	select {
	case <-server.Ready():
		return func() {
			cancel()
			<-errCh
		}, nil
	case err := <-errCh:
		cancel()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("start in-process server: %w", err)
	}
}

func newRPCServeCmd(env *Env) *cobra.Command {
	var queue string
	var prefetch int
	var dbURL string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve Fibonacci RPC requests until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := NewOutputTo(cmd.OutOrStdout(), cmd.ErrOrStderr(), env.JSON)

			dial, err := env.Dialer()
			if err != nil {
				return err
			}

			cfg := rpc.ServerConfig{
				Dial:     dial,
				Queue:    mq.Queue(queue),
				Prefetch: prefetch,
				Logger:   env.Logger,
			}

			if dbURL != "" {
				pool, err := repo.NewPool(ctx, dbURL)
				if err != nil {
					return err
				}
				defer pool.Close()

				calls := repo.NewCallRepo(pool)
				if err := calls.EnsureSchema(ctx); err != nil {
					return err
				}
				cfg.Journal = calls
			}

			server := rpc.NewServer(cfg)
			go func() {
				select {
				case <-server.Ready():
					out.Success(fmt.Sprintf("Awaiting RPC requests on %s", cfg.Queue))
				case <-ctx.Done():
				}
			}()

			return server.Serve(ctx)
		},
	}

	cmd.Flags().StringVar(&queue, "queue", string(mq.QueueRPC), "Request queue")
	cmd.Flags().IntVar(&prefetch, "prefetch", 1, "Unacknowledged requests per server")
	cmd.Flags().StringVar(&dbURL, "db-url", os.Getenv("DB_URL"), "PostgreSQL URL for the call journal (optional)")

	return cmd
}

func newRPCHistoryCmd(env *Env) *cobra.Command {
	var limit int
	var dbURL string
	var correlationID string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently handled RPC requests from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := NewOutputTo(cmd.OutOrStdout(), cmd.ErrOrStderr(), env.JSON)

			pool, err := repo.NewPool(ctx, dbURL)
			if err != nil {
				if errors.Is(err, repo.ErrNoDSN) {
					return fmt.Errorf("%w: pass --db-url or set DB_URL", err)
				}
				return err
			}
			defer pool.Close()

			calls := repo.NewCallRepo(pool)

			var records []rpc.CallRecord
			if correlationID != "" {
				rec, err := calls.GetByCorrelationID(ctx, correlationID)
				if err != nil {
					return fmt.Errorf("call %s: %w", correlationID, err)
				}
				records = []rpc.CallRecord{*rec}
			} else {
				records, err = calls.ListRecent(ctx, limit)
				if err != nil {
					return err
				}
			}

			entries := make([]HistoryEntry, len(records))
			rows := make([][]string, len(records))
			for i, c := range records {
				entries[i] = newHistoryEntry(c)
				rows[i] = []string{
					c.CorrelationID,
					string(c.Request),
					string(c.Response),
					c.Error,
					strconv.FormatInt(c.Duration.Milliseconds(), 10),
					c.HandledAt.Format(time.RFC3339),
				}
			}

			headers := []string{"CORRELATION_ID", "REQUEST", "RESPONSE", "ERROR", "DURATION_MS", "HANDLED_AT"}
			out.Print(headers, rows, entries)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of results")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Show a single call")
	cmd.Flags().StringVar(&dbURL, "db-url", os.Getenv("DB_URL"), "PostgreSQL URL")

	return cmd
}

// HistoryEntry — запись журнала для вывода.
type HistoryEntry struct {
	CorrelationID string    `json:"correlation_id"`
	ReplyTo       string    `json:"reply_to"`
	Request       string    `json:"request"`
	Response      string    `json:"response"`
	Error         string    `json:"error,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	HandledAt     time.Time `json:"handled_at"`
}

func newHistoryEntry(c rpc.CallRecord) HistoryEntry {
	return HistoryEntry{
		CorrelationID: c.CorrelationID,
		ReplyTo:       c.ReplyTo,
		Request:       string(c.Request),
		Response:      string(c.Response),
		Error:         c.Error,
		DurationMs:    c.Duration.Milliseconds(),
		HandledAt:     c.HandledAt,
	}
}
