package ipc

import "sync"

// mailbox is an unbounded, ordered queue feeding one call's event channel, so the receive loop
// never blocks on a slow consumer
type mailbox struct {
	mu     sync.Mutex
	queue  []*Event
	closed bool
	signal chan struct{}
	out    chan *Event
}

func newMailbox() *mailbox {
	m := &mailbox{
		signal: make(chan struct{}, 1),
		out:    make(chan *Event),
	}
	go m.run()
	return m
}

func (m *mailbox) push(ev *Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	m.wake()
}

// close lets the queued events drain, then closes the output channel
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return
			}
			<-m.signal
			continue
		}
		ev := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.out <- ev
	}
}
