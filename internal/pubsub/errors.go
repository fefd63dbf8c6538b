package pubsub

import "errors"

// Ошибки pubsub.
var (
	// ErrUnknownMode — неизвестный тип обменника.
	ErrUnknownMode = errors.New("unknown exchange mode")

	// ErrNoBindings — для direct/topic нужен хотя бы один ключ.
	ErrNoBindings = errors.New("at least one binding key is required")
)
