package lifecycle

import "sync"

type eventKind int

const (
	eventTimer eventKind = iota
	eventAdvance
	eventOpen
	eventMessage
	eventWritable
	eventReset
)

func (k eventKind) String() string {
	switch k {
	case eventTimer:
		return "timer"
	case eventAdvance:
		return "advance"
	case eventOpen:
		return "open"
	case eventMessage:
		return "message"
	case eventWritable:
		return "writable"
	case eventReset:
		return "reset"
	default:
		return "unknown"
	}
}

type event struct {
	data   []byte
	reason string
	kind   eventKind
	conn   uint32
	n      uint32
}

// mailbox is an unbounded FIFO. push never blocks, so imports running on
// the dispatch goroutine can enqueue work for it.
type mailbox struct {
	notify chan struct{}
	queue  []event
	mu     sync.Mutex
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(ev event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// connSink routes connection events for one guest connection id.
type connSink struct {
	mailbox *mailbox
	id      uint32
}

func (s *connSink) OnOpen(writable uint32) {
	s.mailbox.push(event{kind: eventOpen, conn: s.id, n: writable})
}

func (s *connSink) OnMessage(data []byte) {
	s.mailbox.push(event{kind: eventMessage, conn: s.id, data: data})
}

func (s *connSink) OnWritable(n uint32) {
	s.mailbox.push(event{kind: eventWritable, conn: s.id, n: n})
}

func (s *connSink) OnReset(reason string) {
	s.mailbox.push(event{kind: eventReset, conn: s.id, reason: reason})
}
