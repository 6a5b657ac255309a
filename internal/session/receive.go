package session

import (
	"context"
	"sync"

	"github.com/keymesh-io/keymesh-go/internal/frame"
	"github.com/keymesh-io/keymesh-go/pkg/keyexpr"
	registrypkg "github.com/keymesh-io/keymesh-go/pkg/registry"
	"github.com/keymesh-io/keymesh-go/pkg/sample"
	sessionpkg "github.com/keymesh-io/keymesh-go/pkg/session"
)

// receiveLoop is the single consumer of the link's inbound stream. It
// exits when the link closes; Close waits for that before tearing down
// the handle tables the handlers touch.
func (s *PeerSession) receiveLoop() {
	defer close(s.recvDone)

	in, errs := s.link.Receive(context.Background())
	for {
		select {
		case inbound, ok := <-in:
			if !ok {
				return
			}
			s.stats.FramesReceived.Inc()
			f, err := frame.Decode(inbound.Frame)
			if err != nil {
				s.logger.Warn("dropping undecodable frame", "peer", inbound.PeerID, "error", err)
				continue
			}
			s.handleFrame(inbound.PeerID, f)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warn("peer link error", "error", err)
		}
	}
}

func (s *PeerSession) handleFrame(peerID string, f *frame.Frame) {
	switch f.Type {
	case frame.TypeHello:
		s.handleHello(peerID)
	case frame.TypeDeclare:
		s.handleDeclare(peerID, f)
	case frame.TypeUndeclare:
		s.handleUndeclare(peerID, f)
	case frame.TypeSample:
		s.handleSample(f)
	case frame.TypeQuery:
		s.handleQuery(peerID, f)
	case frame.TypeReply:
		s.handleReply(peerID, f)
	case frame.TypeFinal:
		s.queries.Complete(f.QueryID, "peer:"+peerID)
		s.stats.QueriesInFlight.Set(float64(s.queries.InFlight()))
	default:
		s.logger.Warn("dropping frame of unknown type", "peer", peerID, "type", uint8(f.Type))
	}
}

// handleHello pushes the full local declaration state to the newly
// attached peer. Publishers are local bookkeeping and are not mirrored.
func (s *PeerSession) handleHello(peerID string) {
	ctx := context.Background()
	decls, err := s.local.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("failed to snapshot declarations for state push", "peer", peerID, "error", err)
		return
	}
	for _, d := range decls {
		if d.Kind == registrypkg.Publisher {
			continue
		}
		err := s.sendFrame(ctx, peerID, &frame.Frame{
			Type:        frame.TypeDeclare,
			DeclID:      uint64(d.ID),
			DeclKind:    uint8(d.Kind),
			KeyExpr:     d.KeyExpr.String(),
			Reliability: uint8(d.Reliability),
		})
		if err != nil {
			s.logger.Warn("state push failed", "peer", peerID, "error", err)
			return
		}
	}
	s.logger.Debug("peer attached", "peer", peerID, "declarations", len(decls))
}

// handleDeclare mirrors a peer's declaration into the remote registry.
// Re-announcements of an already-mirrored declaration are ignored, so a
// repeated state push is harmless.
func (s *PeerSession) handleDeclare(peerID string, f *frame.Frame) {
	ke, err := keyexpr.New(f.KeyExpr)
	if err != nil {
		s.logger.Warn("dropping declaration with malformed key expression",
			"peer", peerID, "keyexpr", f.KeyExpr, "error", err)
		return
	}
	kind := registrypkg.Kind(f.DeclKind)
	if kind != registrypkg.Subscriber && kind != registrypkg.Queryable {
		s.logger.Warn("dropping declaration of unexpected kind", "peer", peerID, "kind", f.DeclKind)
		return
	}

	key := remoteDeclKey{peerID: peerID, declID: f.DeclID}
	s.mu.RLock()
	_, known := s.remoteDecls[key]
	s.mu.RUnlock()
	if known {
		return
	}

	id, err := s.remote.Declare(context.Background(), kind, ke, sample.Reliability(f.Reliability), peerTarget{peerID: peerID})
	if err != nil {
		s.logger.Warn("failed to mirror declaration", "peer", peerID, "error", err)
		return
	}
	s.mu.Lock()
	s.remoteDecls[key] = id
	s.mu.Unlock()
}

func (s *PeerSession) handleUndeclare(peerID string, f *frame.Frame) {
	key := remoteDeclKey{peerID: peerID, declID: f.DeclID}
	s.mu.Lock()
	id, known := s.remoteDecls[key]
	delete(s.remoteDecls, key)
	s.mu.Unlock()
	if !known {
		return
	}
	if err := s.remote.Undeclare(context.Background(), id); err != nil {
		s.logger.Warn("failed to retract mirrored declaration", "peer", peerID, "error", err)
	}
}

// handleSample rebuilds the sample and fans it out to local
// subscriptions only: the owning peer already routed it to every other
// interested peer, so re-forwarding would duplicate deliveries.
func (s *PeerSession) handleSample(f *frame.Frame) {
	att, err := sample.DecodeAttachment(f.Attachment)
	if err != nil {
		s.logger.Warn("dropping sample with malformed attachment", "key", f.Key, "error", err)
		return
	}
	qos := sample.QoS{
		CongestionControl: sample.CongestionControl(f.CongestionControl),
		Priority:          sample.Priority(f.Priority),
		Reliability:       sample.Reliability(f.Reliability),
	}
	sm := sample.New(f.Key, sample.Kind(f.SampleKind), sample.AdoptPayload(f.Payload), qos)
	if att != nil {
		sm = sm.WithAttachment(att)
	}
	s.routeLocal(context.Background(), sm)
}

// handleQuery dispatches a peer's query to every matching local
// queryable and sends the Final frame once the last handler returns.
func (s *PeerSession) handleQuery(peerID string, f *frame.Frame) {
	ctx := context.Background()
	final := &frame.Frame{Type: frame.TypeFinal, QueryID: f.QueryID}

	ke, err := keyexpr.New(f.KeyExpr)
	if err != nil {
		s.logger.Warn("dropping query with malformed key expression",
			"peer", peerID, "keyexpr", f.KeyExpr, "error", err)
		if err := s.sendFrame(ctx, peerID, final); err != nil {
			s.logger.Warn("failed to finalize query", "peer", peerID, "error", err)
		}
		return
	}
	att, err := sample.DecodeAttachment(f.Attachment)
	if err != nil {
		s.logger.Warn("dropping query with malformed attachment", "peer", peerID, "error", err)
		if err := s.sendFrame(ctx, peerID, final); err != nil {
			s.logger.Warn("failed to finalize query", "peer", peerID, "error", err)
		}
		return
	}

	decls, err := s.local.MatchingExpr(ctx, registrypkg.Queryable, ke)
	if err != nil {
		s.logger.Warn("queryable matching failed", "peer", peerID, "error", err)
		decls = nil
	}

	var handles []*queryableHandle
	s.mu.RLock()
	for _, d := range decls {
		if h := s.queryables[d.ID]; h != nil {
			handles = append(handles, h)
		}
	}
	s.mu.RUnlock()

	if len(handles) == 0 {
		if err := s.sendFrame(ctx, peerID, final); err != nil {
			s.logger.Warn("failed to finalize query", "peer", peerID, "error", err)
		}
		return
	}

	value := sample.NewPayload(f.Value)
	var wg sync.WaitGroup
	for _, h := range handles {
		h := h
		q := &remoteQuery{
			queryBase: queryBase{
				keyExpr:    f.KeyExpr,
				parameters: f.Parameters,
				value:      value,
				attachment: att,
			},
			s:       s,
			peerID:  peerID,
			queryID: f.QueryID,
		}
		wg.Add(1)
		s.pool.Submit(func() {
			defer wg.Done()
			h.handler(q)
		})
	}

	// The waiter must not occupy a pool worker: with every worker busy
	// on handlers the Final frame would never go out.
	go func() {
		wg.Wait()
		if err := s.sendFrame(ctx, peerID, final); err != nil {
			s.logger.Warn("failed to finalize query", "peer", peerID, "error", err)
		}
	}()
}

// handleReply validates a peer's reply and feeds it to the query engine.
// A Delete reply carrying a payload breaks the reply contract and fails
// the query with ErrProtocolViolation.
func (s *PeerSession) handleReply(peerID string, f *frame.Frame) {
	att, err := sample.DecodeAttachment(f.Attachment)
	if err != nil {
		s.queries.Fail(f.QueryID, sessionpkg.ErrProtocolViolation)
		return
	}

	rep := sessionpkg.Reply{ReplierID: "peer:" + peerID, Attachment: att}
	switch f.ReplyKind {
	case frame.ReplyOK:
		sm := sample.New(f.Key, sample.Put, sample.AdoptPayload(f.Payload), sample.DefaultQoS())
		if att != nil {
			sm = sm.WithAttachment(att)
		}
		rep.Sample = sm
		s.stats.RepliesDelivered.WithLabelValues("ok").Inc()
	case frame.ReplyDelete:
		if len(f.Payload) > 0 {
			s.queries.Fail(f.QueryID, sessionpkg.ErrProtocolViolation)
			return
		}
		sm := sample.New(f.Key, sample.Delete, nil, sample.DefaultQoS())
		if att != nil {
			sm = sm.WithAttachment(att)
		}
		rep.Sample = sm
		s.stats.RepliesDelivered.WithLabelValues("delete").Inc()
	case frame.ReplyErr:
		rep.Err = sample.AdoptPayload(f.Value)
		s.stats.RepliesDelivered.WithLabelValues("err").Inc()
	default:
		s.queries.Fail(f.QueryID, sessionpkg.ErrProtocolViolation)
		return
	}

	s.queries.SubmitReply(f.QueryID, rep)
}
