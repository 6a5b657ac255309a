package delivery

import (
	"sync"

	"github.com/keymesh-io/keymesh-go/pkg/sample"
)

// Handler consumes one sample on a pool worker.
type Handler func(*sample.Sample)

// Mailbox is the per-subscriber delivery queue. Samples pushed into a
// mailbox are handed to its handler in push order, one at a time, so the
// per-(publisher, subscriber) FIFO guarantee holds. At most one worker
// drains a mailbox at any moment; mailboxes of different subscribers
// drain concurrently.
//
// Reliable pushes are never dropped while the mailbox is open: the queue
// grows as needed. BestEffort pushes are dropped once the queue reaches
// its soft limit.
type Mailbox struct {
	mu        sync.Mutex
	queue     []*sample.Sample
	limit     int
	scheduled bool
	closed    bool
	pool      *Pool
	handler   Handler
	onDrop    func()
	final     func()
}

// NewMailbox creates a mailbox draining into handler on the given pool.
// limit bounds BestEffort queueing only.
func NewMailbox(pool *Pool, limit int, handler Handler) *Mailbox {
	if limit <= 0 {
		limit = 256
	}
	return &Mailbox{
		pool:    pool,
		limit:   limit,
		handler: handler,
	}
}

// OnDrop registers a hook invoked whenever a BestEffort sample is dropped.
func (m *Mailbox) OnDrop(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDrop = fn
}

// Push enqueues a sample for delivery. It never blocks. The return value
// reports admission: a BestEffort sample pushed into a full mailbox is
// dropped and Push returns false. Pushes into a closed mailbox are
// discarded; deliveries already queued before Close may still be observed
// by the handler.
func (m *Mailbox) Push(s *sample.Sample) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if s.QoS().Reliability == sample.BestEffort && len(m.queue) >= m.limit {
		onDrop := m.onDrop
		m.mu.Unlock()
		if onDrop != nil {
			onDrop()
		}
		return false
	}
	m.queue = append(m.queue, s)
	schedule := !m.scheduled
	if schedule {
		m.scheduled = true
	}
	m.mu.Unlock()

	if schedule {
		m.pool.Submit(m.drain)
	}
	return true
}

// drain runs on a pool worker and delivers queued samples in order until
// the queue is empty, then reschedules itself off.
func (m *Mailbox) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.scheduled = false
			final := m.final
			m.final = nil
			m.mu.Unlock()
			if final != nil {
				final()
			}
			return
		}
		s := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		handler := m.handler
		m.mu.Unlock()

		handler(s)
	}
}

// Close stops admitting new samples. Samples already queued are still
// delivered; there is no mid-flight cancellation.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// CloseWith stops admitting new samples and runs fn on a pool worker once
// every already-queued sample has been delivered. fn runs after the last
// handler invocation, so it may safely release resources the handler uses.
func (m *Mailbox) CloseWith(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.final = fn
	schedule := !m.scheduled
	if schedule {
		m.scheduled = true
	}
	m.mu.Unlock()

	if schedule {
		m.pool.Submit(m.drain)
	}
}

// Len returns the number of queued, undelivered samples.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
