package mq

import "errors"

// Ошибки транспорта.
var (
	// ErrUnavailable — не удалось подключиться к брокеру.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrClosed — транспорт закрыт.
	ErrClosed = errors.New("transport closed")

	// ErrNoChannel — нет открытого AMQP канала (идёт переподключение).
	ErrNoChannel = errors.New("no channel available")

	// ErrNotFound — очередь или обменник не объявлены.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed — повторное объявление с другими параметрами.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrResourceLocked — exclusive очередь принадлежит другому соединению.
	ErrResourceLocked = errors.New("resource locked")

	// ErrUnknownDeliveryTag — ack/nack для неизвестного delivery tag.
	ErrUnknownDeliveryTag = errors.New("unknown delivery tag")
)
