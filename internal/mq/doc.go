// Package mq предоставляет инфраструктуру для работы с брокером сообщений.
//
// Структура:
//   - transport.go  — интерфейс Transport, общий для RabbitMQ и брокера в памяти
//   - connection.go — RabbitMQ (reconnect, graceful shutdown)
//   - memory.go     — MemoryBroker: брокер в памяти процесса с той же маршрутизацией
//   - topology.go   — имена exchanges и queues, объявление топологии
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений, ack/nack
//   - match.go      — сопоставление routing key с topic-шаблоном
//
// Очереди:
//   - rpc_queue   — запросы RPC (не durable)
//   - task_queue  — задачи (durable, persistent сообщения)
//   - amq.gen-*   — приватные очереди ответов RPC-клиентов
//
// Exchanges:
//   - logs        — fanout
//   - direct_logs — direct
//   - topic_logs  — topic
package mq
