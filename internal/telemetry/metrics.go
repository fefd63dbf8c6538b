package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики Courier. Регистрируются в prometheus.DefaultRegisterer
// и отдаются через promhttp.Handler() на /metrics.
var (
	// MessagesPublished — опубликованные сообщения по exchange.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_messages_published_total",
		Help: "Messages published, by exchange",
	}, []string{"exchange"})

	// MessagesConsumed — полученные сообщения по очереди.
	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_messages_consumed_total",
		Help: "Messages delivered to consumers, by queue",
	}, []string{"queue"})

	// RPCCalls — вызовы RPC-клиента по исходу (ok, timeout, closed, error).
	RPCCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_rpc_calls_total",
		Help: "RPC client calls, by outcome",
	}, []string{"outcome"})

	// RPCCallDuration — время от публикации запроса до получения ответа.
	RPCCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_rpc_call_duration_seconds",
		Help:    "RPC round trip latency",
		Buckets: prometheus.DefBuckets,
	})

	// RPCUnmatchedReplies — ответы, для которых нет ожидающего вызова.
	RPCUnmatchedReplies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_rpc_unmatched_replies_total",
		Help: "Replies dropped because no outstanding call had their correlation id",
	})

	// RPCRequests — запросы, обработанные сервером (replied, error_marker, no_reply_to).
	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_rpc_requests_total",
		Help: "RPC requests handled by the server, by outcome",
	}, []string{"outcome"})

	// RPCComputeDuration — время вычисления ответа на сервере.
	RPCComputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_rpc_compute_duration_seconds",
		Help:    "Time spent computing RPC responses",
		Buckets: prometheus.DefBuckets,
	})

	// Tasks — задачи work queue по исходу (done, failed).
	Tasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_tasks_total",
		Help: "Work queue tasks processed, by outcome",
	}, []string{"outcome"})
)
