package session

import (
	"context"
	"sync"

	"github.com/keymesh-io/keymesh-go/internal/delivery"
	registrypkg "github.com/keymesh-io/keymesh-go/pkg/registry"
	"github.com/keymesh-io/keymesh-go/pkg/sample"
	sessionpkg "github.com/keymesh-io/keymesh-go/pkg/session"
)

// publisherHandle implements session.Publisher. It snapshots the
// declaration-time defaults and reports asynchronous delivery failures
// on a buffered channel.
type publisherHandle struct {
	s        *PeerSession
	declID   registrypkg.ID
	key      string
	defaults sessionpkg.PublisherOptions

	mu     sync.Mutex
	closed bool
	errs   chan error
}

func (h *publisherHandle) KeyExpr() string { return h.key }

func (h *publisherHandle) Put(ctx context.Context, payload []byte, opts ...sessionpkg.PutOption) error {
	err := h.s.put(ctx, h.key, sample.Put, payload, h.baseOptions(), opts)
	if err != nil {
		h.fail(err)
	}
	return err
}

func (h *publisherHandle) Delete(ctx context.Context, opts ...sessionpkg.PutOption) error {
	err := h.s.put(ctx, h.key, sample.Delete, nil, h.baseOptions(), opts)
	if err != nil {
		h.fail(err)
	}
	return err
}

func (h *publisherHandle) Errors() <-chan error { return h.errs }

func (h *publisherHandle) Undeclare(ctx context.Context) error {
	return h.s.undeclarePublisher(ctx, h)
}

func (h *publisherHandle) baseOptions() sessionpkg.PutOptions {
	base := sessionpkg.DefaultPutOptions()
	base.CongestionControl = h.defaults.CongestionControl
	base.Priority = h.defaults.Priority
	return base
}

// fail publishes a delivery failure to the Errors channel without
// blocking; when the channel is full the oldest unobserved failure wins.
func (h *publisherHandle) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.errs <- err:
	default:
	}
}

func (h *publisherHandle) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.errs)
}

// subscriberHandle implements session.Subscriber. Samples flow through a
// per-subscription mailbox, then into either the handle channel or the
// registered handler.
type subscriberHandle struct {
	s       *PeerSession
	declID  registrypkg.ID
	keyExpr string
	mailbox *delivery.Mailbox
	ch      chan *sample.Sample // nil in handler mode
}

func (h *subscriberHandle) KeyExpr() string { return h.keyExpr }

func (h *subscriberHandle) Samples() <-chan *sample.Sample { return h.ch }

func (h *subscriberHandle) Undeclare(ctx context.Context) error {
	return h.s.undeclareSubscriber(ctx, h)
}

// push enqueues a sample, downgrading Reliable samples to the
// subscription's BestEffort contract when the declaration asks for it.
func (h *subscriberHandle) push(sm *sample.Sample, declared sample.Reliability) bool {
	if declared == sample.BestEffort && sm.QoS().Reliability == sample.Reliable {
		qos := sm.QoS()
		qos.Reliability = sample.BestEffort
		sm = sm.WithQoS(qos)
	}
	return h.mailbox.Push(sm)
}

// shutdown stops admission and closes the handle channel once queued
// samples have been delivered.
func (h *subscriberHandle) shutdown() {
	if h.ch != nil {
		ch := h.ch
		h.mailbox.CloseWith(func() { close(ch) })
		return
	}
	h.mailbox.Close()
}

// queryableHandle implements session.Queryable.
type queryableHandle struct {
	s       *PeerSession
	declID  registrypkg.ID
	keyExpr string
	handler sessionpkg.QueryHandler
}

func (h *queryableHandle) KeyExpr() string { return h.keyExpr }

func (h *queryableHandle) Undeclare(ctx context.Context) error {
	return h.s.undeclareQueryable(ctx, h)
}

// undeclarePublisher removes the publisher registration. Publishers are
// not mirrored to peers, so no retraction frame is sent.
func (s *PeerSession) undeclarePublisher(ctx context.Context, h *publisherHandle) error {
	s.mu.Lock()
	if _, ok := s.publishers[h.declID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.publishers, h.declID)
	err := s.local.Undeclare(ctx, h.declID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.stats.DeclarationsLive.WithLabelValues(registrypkg.Publisher.String()).Dec()
	h.shutdown()
	return nil
}

// undeclareSubscriber stops delivery and retracts the mirrored
// declaration from every peer. Samples already queued in the mailbox are
// still delivered before the handle channel closes.
func (s *PeerSession) undeclareSubscriber(ctx context.Context, h *subscriberHandle) error {
	s.mu.Lock()
	if _, ok := s.subscribers[h.declID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.subscribers, h.declID)
	err := s.local.Undeclare(ctx, h.declID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.stats.DeclarationsLive.WithLabelValues(registrypkg.Subscriber.String()).Dec()
	s.broadcastUndeclare(ctx, h.declID)
	h.shutdown()
	return nil
}

// undeclareQueryable stops this queryable from being matched by new
// queries. Handlers already dispatched run to completion.
func (s *PeerSession) undeclareQueryable(ctx context.Context, h *queryableHandle) error {
	s.mu.Lock()
	if _, ok := s.queryables[h.declID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.queryables, h.declID)
	err := s.local.Undeclare(ctx, h.declID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.stats.DeclarationsLive.WithLabelValues(registrypkg.Queryable.String()).Dec()
	s.broadcastUndeclare(ctx, h.declID)
	return nil
}

// Verify handle types implement their public interfaces at compile time
var (
	_ sessionpkg.Publisher  = (*publisherHandle)(nil)
	_ sessionpkg.Subscriber = (*subscriberHandle)(nil)
	_ sessionpkg.Queryable  = (*queryableHandle)(nil)
	_ sessionpkg.Session    = (*PeerSession)(nil)
)
