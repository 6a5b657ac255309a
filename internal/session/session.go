// Package session implements the session.Session facade: one declaration
// registry, one delivery engine, and one query engine wired to a peer link.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/keymesh-io/keymesh-go/internal/delivery"
	"github.com/keymesh-io/keymesh-go/internal/frame"
	"github.com/keymesh-io/keymesh-go/internal/metrics"
	"github.com/keymesh-io/keymesh-go/internal/query"
	"github.com/keymesh-io/keymesh-go/internal/registry"
	"github.com/keymesh-io/keymesh-go/pkg/keyexpr"
	"github.com/keymesh-io/keymesh-go/pkg/peerlink"
	registrypkg "github.com/keymesh-io/keymesh-go/pkg/registry"
	"github.com/keymesh-io/keymesh-go/pkg/sample"
	sessionpkg "github.com/keymesh-io/keymesh-go/pkg/session"
)

// remoteDeclKey identifies a declaration mirrored from a peer. Peers
// assign declaration IDs independently, so the key is scoped by peer.
type remoteDeclKey struct {
	peerID string
	declID uint64
}

// PeerSession implements the session.Session interface. It orchestrates
// the registry, delivery, and query components around one peer link.
//
// Declarations made by this process live in the local registry and are
// mirrored to every connected peer; declarations received from peers live
// in a separate remote registry and steer the outbound sample and query
// fan-out. Both registries share the same matching semantics.
type PeerSession struct {
	mu     sync.RWMutex
	config *Config
	logger *slog.Logger
	stats  *metrics.Metrics

	// Core components
	link    peerlink.Link
	local   registrypkg.Registry
	remote  registrypkg.Registry
	queries *query.Engine
	pool    *delivery.Pool

	// State management
	closed     bool
	nextTarget uint64 // monotonic, indices are never reused

	// Handle tables, keyed by local declaration ID
	publishers  map[registrypkg.ID]*publisherHandle
	subscribers map[registrypkg.ID]*subscriberHandle
	queryables  map[registrypkg.ID]*queryableHandle

	// Mirrored peer declarations, mapping their wire identity to the ID
	// assigned by the remote registry
	remoteDecls map[remoteDeclKey]registrypkg.ID

	recvDone chan struct{}
}

// Open creates a session over the configured peer link and starts its
// receive loop. If the configuration carries a discovery mechanism, Open
// connects to every discovered peer before returning.
func Open(ctx context.Context, config *Config) (*PeerSession, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &PeerSession{
		config:      config,
		logger:      config.Logger.With("session", config.SessionID),
		stats:       config.Metrics,
		link:        config.Link,
		local:       registry.NewInMemoryRegistry(),
		remote:      registry.NewInMemoryRegistry(),
		queries:     query.NewEngine(config.QueryTimeout),
		pool:        delivery.NewPool(config.Workers),
		publishers:  make(map[registrypkg.ID]*publisherHandle),
		subscribers: make(map[registrypkg.ID]*subscriberHandle),
		queryables:  make(map[registrypkg.ID]*queryableHandle),
		remoteDecls: make(map[remoteDeclKey]registrypkg.ID),
		recvDone:    make(chan struct{}),
	}

	go s.receiveLoop()

	if config.Discovery != nil {
		peers, err := config.Discovery.FindPeers(ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("discovery failed: %w", err)
		}
		for _, peer := range peers {
			if err := s.link.Connect(ctx, peer); err != nil {
				s.logger.Warn("failed to connect to discovered peer",
					"address", peer.Address(), "error", err)
			}
		}
	}

	return s, nil
}

// ID returns this session's unique identifier in the mesh.
func (s *PeerSession) ID() string {
	return s.config.SessionID
}

// DeclarePublisher registers a publisher for a concrete key and returns
// a handle bound to it.
func (s *PeerSession) DeclarePublisher(ctx context.Context, keyExpr string, opts ...sessionpkg.PublisherOption) (sessionpkg.Publisher, error) {
	ke, err := keyexpr.New(keyExpr)
	if err != nil {
		return nil, err
	}
	if !ke.IsConcrete() {
		return nil, fmt.Errorf("%w: publisher key must be concrete, got %q", keyexpr.ErrMalformed, keyExpr)
	}

	defaults := sessionpkg.PublisherOptions{
		CongestionControl: sample.DefaultQoS().CongestionControl,
		Priority:          sample.DefaultQoS().Priority,
	}
	for _, opt := range opts {
		opt(&defaults)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, sessionpkg.ErrSessionClosed
	}
	id, err := s.local.Declare(ctx, registrypkg.Publisher, ke, sample.Reliable, newLocalTarget(registrypkg.Publisher, s.nextLocalIndex()))
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	h := &publisherHandle{
		s:        s,
		declID:   id,
		key:      keyExpr,
		defaults: defaults,
		errs:     make(chan error, 16),
	}
	s.publishers[id] = h
	s.mu.Unlock()

	s.stats.DeclarationsLive.WithLabelValues(registrypkg.Publisher.String()).Inc()
	return h, nil
}

// DeclareSubscriber registers interest in samples matching keyExpr.
func (s *PeerSession) DeclareSubscriber(ctx context.Context, keyExpr string, opts ...sessionpkg.SubscriberOption) (sessionpkg.Subscriber, error) {
	ke, err := keyexpr.New(keyExpr)
	if err != nil {
		return nil, err
	}

	options := sessionpkg.SubscriberOptions{
		Reliability: sample.Reliable,
		Buffer:      s.config.SubscriberBuffer,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Buffer <= 0 {
		options.Buffer = s.config.SubscriberBuffer
	}

	h := &subscriberHandle{s: s, keyExpr: keyExpr}
	var deliver delivery.Handler
	if options.Handler != nil {
		deliver = func(sm *sample.Sample) { options.Handler(sm) }
	} else {
		h.ch = make(chan *sample.Sample, options.Buffer)
		deliver = func(sm *sample.Sample) { h.ch <- sm }
	}
	h.mailbox = delivery.NewMailbox(s.pool, options.Buffer, deliver)
	h.mailbox.OnDrop(func() {
		s.stats.SamplesDropped.WithLabelValues("mailbox").Inc()
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, sessionpkg.ErrSessionClosed
	}
	id, err := s.local.Declare(ctx, registrypkg.Subscriber, ke, options.Reliability, newLocalTarget(registrypkg.Subscriber, s.nextLocalIndex()))
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	h.declID = id
	s.subscribers[id] = h
	s.mu.Unlock()

	s.stats.DeclarationsLive.WithLabelValues(registrypkg.Subscriber.String()).Inc()
	s.broadcastDeclare(ctx, id, registrypkg.Subscriber, keyExpr, options.Reliability)
	return h, nil
}

// DeclareQueryable registers handler to answer queries matching keyExpr.
func (s *PeerSession) DeclareQueryable(ctx context.Context, keyExpr string, handler sessionpkg.QueryHandler) (sessionpkg.Queryable, error) {
	ke, err := keyexpr.New(keyExpr)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("query handler cannot be nil")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, sessionpkg.ErrSessionClosed
	}
	id, err := s.local.Declare(ctx, registrypkg.Queryable, ke, sample.Reliable, newLocalTarget(registrypkg.Queryable, s.nextLocalIndex()))
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	h := &queryableHandle{s: s, declID: id, keyExpr: keyExpr, handler: handler}
	s.queryables[id] = h
	s.mu.Unlock()

	s.stats.DeclarationsLive.WithLabelValues(registrypkg.Queryable.String()).Inc()
	s.broadcastDeclare(ctx, id, registrypkg.Queryable, keyExpr, sample.Reliable)
	return h, nil
}

// Put publishes a payload on a concrete key to all matching subscribers.
func (s *PeerSession) Put(ctx context.Context, key string, payload []byte, opts ...sessionpkg.PutOption) error {
	return s.put(ctx, key, sample.Put, payload, sessionpkg.DefaultPutOptions(), opts)
}

// Delete publishes a deletion on a concrete key.
func (s *PeerSession) Delete(ctx context.Context, key string, opts ...sessionpkg.PutOption) error {
	return s.put(ctx, key, sample.Delete, nil, sessionpkg.DefaultPutOptions(), opts)
}

// put builds the sample and routes it to local mailboxes and remote peers.
// Delete samples carry no payload regardless of what the caller passed.
func (s *PeerSession) put(ctx context.Context, key string, kind sample.Kind, payload []byte, base sessionpkg.PutOptions, opts []sessionpkg.PutOption) error {
	if s.isClosed() {
		return sessionpkg.ErrSessionClosed
	}

	ke, err := keyexpr.New(key)
	if err != nil {
		return err
	}
	if !ke.IsConcrete() {
		return fmt.Errorf("%w: publication key must be concrete, got %q", keyexpr.ErrMalformed, key)
	}

	for _, opt := range opts {
		opt(&base)
	}
	if kind == sample.Delete {
		payload = nil
	}

	sm := sample.New(key, kind, sample.NewPayload(payload), base.QoS())
	if base.Attachment != nil {
		sm = sm.WithAttachment(base.Attachment)
	}

	s.routeLocal(ctx, sm)
	return s.routeRemote(ctx, sm)
}

// Get fans a query out to every matching queryable, local and remote.
func (s *PeerSession) Get(ctx context.Context, selector string, opts ...sessionpkg.GetOption) (sessionpkg.Receiver, error) {
	if s.isClosed() {
		return nil, sessionpkg.ErrSessionClosed
	}

	ke, params, err := keyexpr.ParseSelector(selector)
	if err != nil {
		return nil, err
	}

	options := sessionpkg.GetOptions{Timeout: s.config.QueryTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	queryID := uuid.NewString()

	locals, err := s.local.MatchingExpr(ctx, registrypkg.Queryable, ke)
	if err != nil {
		return nil, err
	}
	remotes, err := s.remote.MatchingExpr(ctx, registrypkg.Queryable, ke)
	if err != nil {
		return nil, err
	}

	type dispatch struct {
		responder string
		handle    *queryableHandle
	}
	var dispatches []dispatch
	responders := make([]string, 0, len(locals)+len(remotes))

	s.mu.RLock()
	for _, d := range locals {
		h := s.queryables[d.ID]
		if h == nil {
			continue
		}
		responder := fmt.Sprintf("local:%d", d.ID)
		responders = append(responders, responder)
		dispatches = append(dispatches, dispatch{responder: responder, handle: h})
	}
	s.mu.RUnlock()

	peerSet := make(map[string]struct{})
	for _, d := range remotes {
		pt, ok := d.Target.(peerTarget)
		if !ok {
			continue
		}
		if _, seen := peerSet[pt.peerID]; !seen {
			peerSet[pt.peerID] = struct{}{}
			responders = append(responders, "peer:"+pt.peerID)
		}
	}

	pending := s.queries.Register(queryID, responders, options.Timeout)
	s.stats.QueriesStarted.Inc()
	s.stats.QueriesInFlight.Set(float64(s.queries.InFlight()))

	value := sample.NewPayload(options.Value)
	for _, d := range dispatches {
		d := d
		q := &localQuery{
			queryBase: queryBase{
				keyExpr:    ke.String(),
				parameters: params,
				value:      value,
				attachment: options.Attachment,
			},
			s:       s,
			queryID: queryID,
			replier: d.responder,
		}
		// The caller may be occupying a pool worker itself, so handlers
		// get their own goroutines; a blocking Get issued from inside a
		// delivery callback must not starve its own query.
		go func() {
			d.handle.handler(q)
			s.queries.Complete(queryID, d.responder)
		}()
	}

	if len(peerSet) > 0 {
		buf := (&frame.Frame{
			Type:       frame.TypeQuery,
			QueryID:    queryID,
			KeyExpr:    ke.String(),
			Parameters: params,
			Value:      options.Value,
			Attachment: options.Attachment.Encode(),
		}).Encode()
		for peerID := range peerSet {
			if err := s.link.Send(ctx, peerID, buf); err != nil {
				s.logger.Warn("failed to send query to peer", "peer", peerID, "error", err)
				s.queries.Complete(queryID, "peer:"+peerID)
				continue
			}
			s.stats.FramesSent.Inc()
		}
	}

	return pending, nil
}

// Close tears the session down: outstanding queries fail with
// ErrSessionClosed, subscriber channels close after queued samples are
// delivered, and the link and registries are released.
func (s *PeerSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil // Already closed, idempotent
	}
	s.closed = true
	subs := make([]*subscriberHandle, 0, len(s.subscribers))
	for _, h := range s.subscribers {
		subs = append(subs, h)
	}
	pubs := make([]*publisherHandle, 0, len(s.publishers))
	for _, h := range s.publishers {
		pubs = append(pubs, h)
	}
	s.mu.Unlock()

	s.queries.Close()

	if err := s.link.Close(); err != nil {
		s.logger.Warn("failed to close peer link", "error", err)
	}
	<-s.recvDone

	for _, h := range subs {
		h.shutdown()
	}
	for _, h := range pubs {
		h.shutdown()
	}

	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("failed to close delivery pool: %w", err)
	}
	if err := s.local.Close(); err != nil {
		return fmt.Errorf("failed to close local registry: %w", err)
	}
	if err := s.remote.Close(); err != nil {
		return fmt.Errorf("failed to close remote registry: %w", err)
	}
	return nil
}

func (s *PeerSession) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// routeLocal pushes the sample into the mailbox of every matching local
// subscription. A Reliable sample delivered to a BestEffort subscription
// is downgraded so the subscription's drop contract applies.
func (s *PeerSession) routeLocal(ctx context.Context, sm *sample.Sample) {
	decls, err := s.local.Matching(ctx, registrypkg.Subscriber, sm.Key())
	if err != nil {
		s.logger.Warn("local matching failed", "key", sm.Key(), "error", err)
		return
	}
	for _, d := range decls {
		s.mu.RLock()
		h := s.subscribers[d.ID]
		s.mu.RUnlock()
		if h == nil {
			continue
		}
		if h.push(sm, d.Reliability) {
			s.stats.SamplesRouted.WithLabelValues(sm.QoS().Reliability.String()).Inc()
		}
	}
}

// routeRemote forwards the sample to every peer with at least one
// matching subscription, once per peer. Block congestion control waits
// for outbound capacity; Drop discards on a full queue without error.
func (s *PeerSession) routeRemote(ctx context.Context, sm *sample.Sample) error {
	decls, err := s.remote.Matching(ctx, registrypkg.Subscriber, sm.Key())
	if err != nil {
		return fmt.Errorf("remote matching failed: %w", err)
	}
	if len(decls) == 0 {
		return nil
	}

	peerSet := make(map[string]struct{}, len(decls))
	for _, d := range decls {
		if pt, ok := d.Target.(peerTarget); ok {
			peerSet[pt.peerID] = struct{}{}
		}
	}

	qos := sm.QoS()
	buf := (&frame.Frame{
		Type:              frame.TypeSample,
		Key:               sm.Key(),
		SampleKind:        uint8(sm.Kind()),
		Payload:           sm.Payload().Bytes(),
		Attachment:        sm.Attachment().Encode(),
		CongestionControl: uint8(qos.CongestionControl),
		Priority:          uint8(qos.Priority),
		Reliability:       uint8(qos.Reliability),
	}).Encode()

	var firstErr error
	for peerID := range peerSet {
		if qos.CongestionControl == sample.Block {
			if err := s.link.Send(ctx, peerID, buf); err != nil {
				s.deliveryFailed(peerID, sm, err, &firstErr)
				continue
			}
		} else {
			ok, err := s.link.TrySend(peerID, buf)
			if err != nil {
				s.deliveryFailed(peerID, sm, err, &firstErr)
				continue
			}
			if !ok {
				s.stats.SamplesDropped.WithLabelValues("peerlink").Inc()
				continue
			}
		}
		s.stats.FramesSent.Inc()
	}
	return firstErr
}

// deliveryFailed records a transport-level send failure. Only Reliable
// samples surface the failure to the caller.
func (s *PeerSession) deliveryFailed(peerID string, sm *sample.Sample, err error, firstErr *error) {
	s.logger.Warn("failed to forward sample", "peer", peerID, "key", sm.Key(), "error", err)
	if sm.QoS().Reliability != sample.Reliable {
		return
	}
	s.stats.DeliveryFailures.Inc()
	if *firstErr == nil {
		*firstErr = fmt.Errorf("%w: peer %s: %v", sessionpkg.ErrDeliveryFailure, peerID, err)
	}
}

// broadcastDeclare mirrors a new local declaration to every connected peer.
func (s *PeerSession) broadcastDeclare(ctx context.Context, id registrypkg.ID, kind registrypkg.Kind, keyExpr string, rel sample.Reliability) {
	buf := (&frame.Frame{
		Type:        frame.TypeDeclare,
		DeclID:      uint64(id),
		DeclKind:    uint8(kind),
		KeyExpr:     keyExpr,
		Reliability: uint8(rel),
	}).Encode()
	if err := s.link.Broadcast(ctx, buf); err != nil {
		s.logger.Warn("failed to broadcast declaration", "declaration", id, "error", err)
		return
	}
	s.stats.FramesSent.Inc()
}

// broadcastUndeclare retracts a local declaration from every connected peer.
func (s *PeerSession) broadcastUndeclare(ctx context.Context, id registrypkg.ID) {
	buf := (&frame.Frame{
		Type:   frame.TypeUndeclare,
		DeclID: uint64(id),
	}).Encode()
	if err := s.link.Broadcast(ctx, buf); err != nil {
		s.logger.Warn("failed to broadcast retraction", "declaration", id, "error", err)
		return
	}
	s.stats.FramesSent.Inc()
}

// sendFrame encodes and sends one frame to one peer, waiting for
// outbound capacity.
func (s *PeerSession) sendFrame(ctx context.Context, peerID string, f *frame.Frame) error {
	if err := s.link.Send(ctx, peerID, f.Encode()); err != nil {
		return err
	}
	s.stats.FramesSent.Inc()
	return nil
}
