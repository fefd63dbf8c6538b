package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/telemetry"
)

// NewRootCmd создаёт корневую команду courier.
func NewRootCmd(version string) *cobra.Command {
	env := &Env{}

	rootCmd := &cobra.Command{
		Use:           "courier",
		Short:         "Courier CLI — RabbitMQ messaging patterns",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if env.Logger == nil {
				env.Logger = telemetry.SetupStderrLogger()
			}
		},
	}

	defaultURL := os.Getenv("RABBITMQ_URL")
	if defaultURL == "" {
		defaultURL = mq.DefaultURL()
	}

	rootCmd.PersistentFlags().StringVar(&env.AMQPURL, "amqp-url", defaultURL, "RabbitMQ URL")
	rootCmd.PersistentFlags().StringVar(&env.Broker, "broker", BrokerAMQP, "Broker: amqp or memory (in-process, for demos)")
	rootCmd.PersistentFlags().BoolVar(&env.JSON, "json", false, "Output in JSON format")

	rootCmd.AddCommand(
		NewRPCCmd(env),
		NewTaskCmd(env),
		NewLogsCmd(env),
	)

	return rootCmd
}
