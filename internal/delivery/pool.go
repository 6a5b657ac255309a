// Package delivery drives all callback execution: subscriber, queryable,
// and reply callbacks run on a bounded pool of workers fed by per-target
// FIFO mailboxes.
package delivery

import (
	"sync"
)

// Pool is a bounded set of workers executing submitted tasks. Submission
// never blocks: tasks queue on an unbounded list so that work submitted
// from inside a running callback cannot deadlock the pool.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	workers int
	closed  bool
	wg      sync.WaitGroup
}

// NewPool starts a pool with the given number of workers.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	p := &Pool{workers: workers}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a task. Tasks submitted after Close are dropped.
func (p *Pool) Submit(task func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, task)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		task()
	}
}

// Close drains queued tasks and stops the workers.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil // Already closed, safe to call multiple times
	}
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
	return nil
}
