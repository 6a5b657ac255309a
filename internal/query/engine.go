// Package query correlates fanned-out queries with their asynchronous,
// multi-reply response streams.
package query

import (
	"sync"
	"time"

	sessionpkg "github.com/keymesh-io/keymesh-go/pkg/session"
)

// Engine owns the table of in-flight queries. Replies and completion
// signals arrive from local queryable callbacks and from remote peers;
// both paths submit without blocking, so a reply issued from inside a
// callback can never deadlock the worker that runs it.
type Engine struct {
	mu             sync.Mutex
	pending        map[string]*Pending
	defaultTimeout time.Duration
	stop           chan struct{}
	stopped        bool
}

// NewEngine creates an engine applying defaultTimeout to queries that do
// not carry their own bound.
func NewEngine(defaultTimeout time.Duration) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	return &Engine{
		pending:        make(map[string]*Pending),
		defaultTimeout: defaultTimeout,
		stop:           make(chan struct{}),
	}
}

// Register creates the pending state for a query fanned out to the given
// responders. Responder keys must be unique per query. With no responders
// the reply stream closes immediately: the caller can distinguish "no
// queryable matched" from "matched but none replied before the timeout".
func (e *Engine) Register(id string, responders []string, timeout time.Duration) *Pending {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	p := &Pending{
		id:      id,
		engine:  e,
		out:     make(chan sessionpkg.Reply),
		waiting: make(map[string]struct{}, len(responders)),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, r := range responders {
		p.waiting[r] = struct{}{}
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		p.finish(sessionpkg.ErrSessionClosed)
		go p.pump()
		return p
	}
	e.pending[id] = p
	e.mu.Unlock()

	if len(responders) == 0 {
		p.finish(nil)
	} else {
		p.timer = time.AfterFunc(timeout, func() {
			p.finish(sessionpkg.ErrQueryTimeout)
		})
	}
	go p.pump()
	return p
}

// SubmitReply appends a reply to the query's stream. Unknown or already
// finished query IDs are ignored; a late reply racing the timeout is not
// an error. Submission never blocks.
func (e *Engine) SubmitReply(id string, r sessionpkg.Reply) {
	if p := e.lookup(id); p != nil {
		p.submit(r)
	}
}

// Complete records that one responder finished replying. When every
// responder completed, the stream closes cleanly.
func (e *Engine) Complete(id, responder string) {
	if p := e.lookup(id); p != nil {
		p.complete(responder)
	}
}

// Fail closes the query's stream with the given error, retaining replies
// already delivered. It fails the one query, not the session.
func (e *Engine) Fail(id string, err error) {
	if p := e.lookup(id); p != nil {
		p.finish(err)
	}
}

// InFlight returns the number of queries awaiting completion.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close cancels all outstanding queries; their reply streams close with
// ErrSessionClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil // Already closed, safe to call multiple times
	}
	e.stopped = true
	open := make([]*Pending, 0, len(e.pending))
	for _, p := range e.pending {
		open = append(open, p)
	}
	e.mu.Unlock()

	close(e.stop)
	for _, p := range open {
		p.finish(sessionpkg.ErrSessionClosed)
	}
	return nil
}

func (e *Engine) lookup(id string) *Pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending[id]
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// Pending is one in-flight query. It implements session.Receiver.
type Pending struct {
	id     string
	engine *Engine

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []sessionpkg.Reply
	waiting map[string]struct{}
	timer   *time.Timer
	done    bool
	err     error

	out chan sessionpkg.Reply
}

// Replies yields replies in arrival order; the channel closes when the
// query completes, times out, or the session closes.
func (p *Pending) Replies() <-chan sessionpkg.Reply {
	return p.out
}

// Next blocks for the next reply; ok is false once the stream has closed.
func (p *Pending) Next() (sessionpkg.Reply, bool) {
	r, ok := <-p.out
	return r, ok
}

// Err reports why the stream closed. Valid once Replies is closed.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pending) submit(r sessionpkg.Reply) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.buf = append(p.buf, r)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *Pending) complete(responder string) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	delete(p.waiting, responder)
	last := len(p.waiting) == 0
	p.mu.Unlock()

	if last {
		p.finish(nil)
	}
}

// finish marks the query terminal. The first call wins; replies already
// buffered are still delivered before the stream closes.
func (p *Pending) finish(err error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.err = err
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	p.cond.Signal()
	p.engine.remove(p.id)
}

// pump moves buffered replies to the consumer-facing channel. It is the
// only writer of p.out. If the session stops, undelivered replies are
// dropped so an abandoned receiver cannot pin the goroutine.
func (p *Pending) pump() {
	for {
		p.mu.Lock()
		for len(p.buf) == 0 && !p.done {
			p.cond.Wait()
		}
		if len(p.buf) == 0 {
			p.mu.Unlock()
			close(p.out)
			return
		}
		r := p.buf[0]
		p.buf = p.buf[1:]
		p.mu.Unlock()

		select {
		case p.out <- r:
		case <-p.engine.stop:
			close(p.out)
			return
		}
	}
}

// Verify that Pending implements the Receiver interface at compile time
var _ sessionpkg.Receiver = (*Pending)(nil)
