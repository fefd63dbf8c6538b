package workqueue

import "errors"

// Ошибки work queue.
var (
	// ErrInvalidSchedule — некорректное cron-выражение.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrEmptyTask — пустое тело задачи.
	ErrEmptyTask = errors.New("empty task")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")
)
