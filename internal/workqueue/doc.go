// Package workqueue — очередь задач с ручным подтверждением.
//
// Producer публикует persistent сообщения в durable очередь task_queue.
// Worker читает её с prefetch 1 и подтверждает задачу только после
// выполнения: если воркер упал посреди задачи, брокер отдаст её другому.
//
//	w := workqueue.New(workqueue.Config{Transport: t, Logger: logger})
//	if err := w.Start(ctx); err != nil {
//	    return err
//	}
//	defer w.Stop()
//
// SendEvery публикует задачу по cron-расписанию (5 полей или @every).
package workqueue
