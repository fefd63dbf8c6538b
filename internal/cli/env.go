package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shaiso/Courier/internal/mq"
)

// Брокеры, доступные через --broker.
const (
	BrokerAMQP   = "amqp"
	BrokerMemory = "memory"
)

// Env — общие параметры команд, заполняемые из PersistentFlags.
type Env struct {
	AMQPURL string
	Broker  string
	JSON    bool
	Logger  *slog.Logger

	memOnce sync.Once
	memory  *mq.MemoryBroker
}

// InProcess — брокер живёт в памяти процесса: потребители и производители
// должны запускаться в одной команде.
func (e *Env) InProcess() bool {
	return e.Broker == BrokerMemory
}

// Dialer возвращает Dialer выбранного брокера.
func (e *Env) Dialer() (mq.Dialer, error) {
	switch e.Broker {
	case BrokerAMQP, "":
		return mq.DialAMQP(e.AMQPURL, e.Logger), nil
	case BrokerMemory:
		e.memOnce.Do(func() { e.memory = mq.NewMemoryBroker() })
		return e.memory.Dial, nil
	default:
		return nil, fmt.Errorf("unknown broker %q (expected %s or %s)", e.Broker, BrokerAMQP, BrokerMemory)
	}
}

// Dial открывает транспорт выбранного брокера.
func (e *Env) Dial(ctx context.Context) (mq.Transport, error) {
	dial, err := e.Dialer()
	if err != nil {
		return nil, err
	}
	return dial(ctx)
}
