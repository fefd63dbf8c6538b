package rpc

import "errors"

// Ошибки RPC.
var (
	// ErrTransportUnavailable — не удалось подключиться к брокеру.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrInvalidArgument — Compute не смог разобрать запрос.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTimeout — ответ не пришёл до истечения deadline.
	ErrTimeout = errors.New("rpc call timed out")

	// ErrClientClosed — клиент закрыт или соединение потеряно.
	ErrClientClosed = errors.New("rpc client closed")

	// ErrNotOpen — Call до Open.
	ErrNotOpen = errors.New("rpc client is not open")

	// ErrDuplicateCall — вызов с таким correlation id уже ожидает ответа.
	ErrDuplicateCall = errors.New("duplicate correlation id")
)
