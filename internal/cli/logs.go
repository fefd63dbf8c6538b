package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/pubsub"
)

// LogEvent — сообщение, полученное listen.
type LogEvent struct {
	RoutingKey string `json:"routing_key"`
	Message    string `json:"message"`
}

// NewLogsCmd создаёт группу команд publish/subscribe.
func NewLogsCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Publish/subscribe through fanout, direct and topic exchanges",
	}

	cmd.AddCommand(
		newLogsEmitCmd(env),
		newLogsListenCmd(env),
	)

	return cmd
}

// defaultKey — ключ по умолчанию для emit в зависимости от режима.
func defaultKey(kind mq.ExchangeKind) mq.RoutingKey {
	switch kind {
	case mq.KindDirect:
		return "info"
	case mq.KindTopic:
		return "anonymous.info"
	default:
		return ""
	}
}

func newLogsEmitCmd(env *Env) *cobra.Command {
	var mode string
	var key string

	cmd := &cobra.Command{
		Use:   "emit MESSAGE...",
		Short: "Publish a message (words are joined with spaces)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := NewOutputTo(cmd.OutOrStdout(), cmd.ErrOrStderr(), env.JSON)

			exchange, err := pubsub.Preset(mode)
			if err != nil {
				return err
			}

			routingKey := mq.RoutingKey(key)
			if !cmd.Flags().Changed("key") {
				routingKey = defaultKey(exchange.Kind)
			}

			t, err := env.Dial(ctx)
			if err != nil {
				return err
			}
			defer t.Close()

			emitter, err := pubsub.NewEmitter(ctx, t, exchange, env.Logger)
			if err != nil {
				return err
			}

			if err := emitter.Emit(ctx, routingKey, []byte(strings.Join(args, " "))); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Sent to %s [%s]", exchange.Name, routingKey))
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "fanout", "Exchange mode: fanout, direct or topic")
	cmd.Flags().StringVar(&key, "key", "", "Routing key (default: info for direct, anonymous.info for topic)")

	return cmd
}

func newLogsListenCmd(env *Env) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "listen [BINDING_KEY...]",
		Short: "Print messages until interrupted (binding keys required for direct and topic)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := NewOutputTo(cmd.OutOrStdout(), cmd.ErrOrStderr(), env.JSON)

			exchange, err := pubsub.Preset(mode)
			if err != nil {
				return err
			}

			keys := make([]mq.RoutingKey, len(args))
			for i, a := range args {
				keys[i] = mq.RoutingKey(a)
			}

			t, err := env.Dial(ctx)
			if err != nil {
				return err
			}
			defer t.Close()

			sub, err := pubsub.Subscribe(ctx, t, exchange, keys, env.Logger)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Listening on %s via %s, keys: %s", exchange.Name, sub.Queue(), strings.Join(args, ",")))

			return sub.Run(ctx, func(_ context.Context, msg pubsub.Message) {
				out.Event(
					fmt.Sprintf("[%s] %s", msg.RoutingKey, msg.Body),
					LogEvent{RoutingKey: string(msg.RoutingKey), Message: string(msg.Body)},
				)
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "fanout", "Exchange mode: fanout, direct or topic")

	return cmd
}
