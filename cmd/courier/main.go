// Courier CLI — шаблоны обмена сообщениями через RabbitMQ.
//
// Использование:
//
//	courier [--amqp-url URL] [--broker amqp|memory] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	rpc   Запрос/ответ: call, serve, history
//	task  Очередь задач: send, work
//	logs  Publish/subscribe: emit, listen
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Courier/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cli.NewRootCmd(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}
