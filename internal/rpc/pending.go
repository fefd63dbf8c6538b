package rpc

import "sync"

// reply — результат ожидающего вызова.
type reply struct {
	body []byte
	err  error
}

// pendingCalls — таблица ожидающих вызовов: correlation id → rendezvous.
//
// Каждый rendezvous — канал ёмкостью 1, в который пишется ровно один раз.
// Горутина доставки и вызывающие горутины общаются только через эту таблицу.
type pendingCalls struct {
	mu     sync.Mutex
	calls  map[string]chan reply
	closed error
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]chan reply)}
}

// add регистрирует вызов.
func (p *pendingCalls) add(id string) (<-chan reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed != nil {
		return nil, p.closed
	}
	if _, ok := p.calls[id]; ok {
		return nil, ErrDuplicateCall
	}

	ch := make(chan reply, 1)
	p.calls[id] = ch
	return ch, nil
}

// resolve отдаёт ответ вызову с этим id и удаляет его из таблицы.
// false — такого вызова нет.
func (p *pendingCalls) resolve(id string, body []byte) bool {
	p.mu.Lock()
	ch, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- reply{body: body}
	return true
}

// remove снимает вызов без ответа (timeout, отмена, ошибка публикации).
func (p *pendingCalls) remove(id string) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// closeAll завершает все ожидающие вызовы ошибкой err.
// Новые вызовы после этого получают err сразу.
func (p *pendingCalls) closeAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed == nil {
		p.closed = err
	}
	for id, ch := range p.calls {
		ch <- reply{err: err}
		delete(p.calls, id)
	}
}

// len — число ожидающих вызовов.
func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
