package realtime

import "sync"

// mailbox runs queued handlers in order on one goroutine. Push never blocks,
// so handlers may call back into the relay.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.items = append(m.items, fn)
	m.cond.Signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.cond.Signal()
	m.mu.Unlock()
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		for len(m.items) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		fn := m.items[0]
		m.items = m.items[1:]
		m.mu.Unlock()
		fn()
	}
}
