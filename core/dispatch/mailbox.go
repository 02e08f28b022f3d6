package dispatch

import "sync"

// mailbox is the session's event queue: unbounded, FIFO, single consumer.
// put and close are atomic with respect to each other, so an event is
// either queued before the close (and returned by close for stale
// handling) or refused (put returns false); it can never be silently
// lost between the two.
type mailbox struct {
	mu     sync.Mutex
	queue  []sessionEvent
	signal chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// put enqueues an event. It reports false once the mailbox is closed.
func (m *mailbox) put(ev sessionEvent) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// take blocks until an event is available. Only the owning session
// goroutine may call it.
func (m *mailbox) take() sessionEvent {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			ev := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return ev
		}
		m.mu.Unlock()
		<-m.signal
	}
}

// close refuses further puts and returns whatever was still queued.
func (m *mailbox) close() []sessionEvent {
	m.mu.Lock()
	m.closed = true
	left := m.queue
	m.queue = nil
	m.mu.Unlock()
	return left
}
