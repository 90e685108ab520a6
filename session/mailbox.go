package session

import (
	"context"
	"sync"

	"github.com/hostbridge/vm-bridge/errors"
)

// DefaultQueueCapacity is the message queue size used when Config leaves
// QueueCapacity zero. This is the bridge's only externally visible
// configuration knob besides the integration mode.
const DefaultQueueCapacity = 256

// Fn is a unit of work executed on the thread that owns guest state.
type Fn func(ctx context.Context, s *Session) error

type message struct {
	fn         Fn
	done       chan error  // sync completion, nil for async
	onComplete func(error) // async callback, runs on the executing thread
}

// mailbox is the bounded FIFO channel between producer threads and the
// dedicated execution thread. One mutex guards the ring; a condition
// variable wakes the consumer. Enqueue on a full ring fails explicitly;
// a message is never dropped silently.
type mailbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	buf      []message
	head     int
	count    int
	stopping bool
}

func newMailbox(capacity int) *mailbox {
	m := &mailbox{buf: make([]message, capacity)}
	m.notEmpty = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) capacity() int { return len(m.buf) }

func (m *mailbox) depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// enqueue appends msg in FIFO order. Fails with queue_full at capacity
// and not_running once a stop has been requested.
func (m *mailbox) enqueue(msg message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return errors.NotRunning("enqueue")
	}
	if m.count == len(m.buf) {
		return errors.QueueFull(len(m.buf))
	}
	m.buf[(m.head+m.count)%len(m.buf)] = msg
	m.count++
	m.notEmpty.Signal()
	return nil
}

// dequeueWait blocks until a message is available or a stop has been
// requested and the ring is empty. Accepted messages are always drained
// before the consumer sees ok=false.
func (m *mailbox) dequeueWait() (message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.count == 0 && !m.stopping {
		m.notEmpty.Wait()
	}
	if m.count == 0 {
		return message{}, false
	}
	return m.takeLocked(), true
}

// tryDequeue removes the head message without blocking.
func (m *mailbox) tryDequeue() (message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		return message{}, false
	}
	return m.takeLocked(), true
}

func (m *mailbox) takeLocked() message {
	msg := m.buf[m.head]
	m.buf[m.head] = message{}
	m.head = (m.head + 1) % len(m.buf)
	m.count--
	return msg
}

func (m *mailbox) stopRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}

// requestStop rejects further enqueues and wakes the consumer. Messages
// already accepted still execute.
func (m *mailbox) requestStop() {
	m.mu.Lock()
	m.stopping = true
	m.notEmpty.Broadcast()
	m.mu.Unlock()
}
