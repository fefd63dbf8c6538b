// Package rpc реализует запрос/ответ поверх брокера сообщений.
//
// # Протокол
//
// Клиент публикует запрос в общую очередь rpc_queue через default exchange.
// Свойства сообщения:
//   - CorrelationId — новый UUID на каждый вызов
//   - ReplyTo — приватная очередь ответов клиента (exclusive, имя от брокера)
//
// Сервер (prefetch 1, manual ack) вычисляет ответ и публикует его
// в очередь ReplyTo с тем же CorrelationId, затем подтверждает запрос.
// Клиент сопоставляет ответы по CorrelationId; ответы без ожидающего
// вызова молча отбрасываются.
//
// # Client
//
//	client := rpc.NewClient(rpc.ClientConfig{
//	    Dial:    mq.DialAMQP(url, logger),
//	    Timeout: 30 * time.Second,
//	})
//	if err := client.Open(ctx); err != nil {
//	    // errors.Is(err, rpc.ErrTransportUnavailable)
//	}
//	defer client.Close()
//
//	resp, err := client.Call(ctx, []byte("30"))
//
// Несколько Call могут выполняться одновременно: ожидающие вызовы хранятся
// в таблице correlation id → канал ёмкостью 1 под мьютексом.
//
// # Server
//
//	server := rpc.NewServer(rpc.ServerConfig{
//	    Dial:    mq.DialAMQP(url, logger),
//	    Compute: rpc.ComputeFibonacci,
//	})
//	err := server.Serve(ctx) // блокирует до отмены ctx
//
// Compute — подменяемая функция. Если она вернула ошибку, сервер отвечает
// пустым телом, чтобы клиент не ждал вечно, и всё равно подтверждает запрос.
//
// # Ошибки
//
//   - ErrTransportUnavailable — брокер недоступен при Open/Serve
//   - ErrInvalidArgument — Compute не разобрал запрос (на клиент не передаётся)
//   - ErrTimeout — ответ не пришёл до deadline
//   - ErrClientClosed — клиент закрыт или соединение потеряно
package rpc
