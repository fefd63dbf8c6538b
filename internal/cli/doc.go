// Package cli реализует инструмент командной строки Courier.
//
// # Обзор
//
// CLI — обвязка над пакетами rpc, workqueue и pubsub для ручной проверки
// шаблонов обмена сообщениями против RabbitMQ (или брокера в памяти).
//
// ## Commands
//
// Cobra-команды организованы по шаблонам:
//   - rpc: call, serve, history
//   - task: send, work
//   - logs: emit, listen (--mode fanout|direct|topic)
//
// Каждая группа создаётся фабричной функцией (NewRPCCmd и т.д.),
// принимающей *Env — общие параметры из PersistentFlags.
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) и логи — в stderr.
//
// ## --broker memory
//
// Брокер живёт в памяти процесса. rpc call в этом режиме поднимает
// сервер в том же процессе, поэтому работает без RabbitMQ:
//
//	courier --broker memory rpc call 10 20 30
package cli
