package peerlink

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/keymesh-io/keymesh-go/internal/frame"
	peerlinkpkg "github.com/keymesh-io/keymesh-go/pkg/peerlink"
)

// The peering service carries opaque, self-delimiting frames over one
// bidirectional stream per peer pair. The service descriptor is written
// by hand and the codec passes raw bytes through, so no generated stubs
// are involved; the frame package is the single source of wire truth.
const (
	peeringServiceName = "keymesh.v1.Peering"
	peeringChannelPath = "/keymesh.v1.Peering/Channel"
	peeringChannelName = "Channel"
)

// rawCodec moves *[]byte values through gRPC untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec: unexpected message type %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: unexpected message type %T", v)
	}
	// Copy out: gRPC may reuse the buffer after Unmarshal returns.
	*b = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return "keymesh-raw" }

var peeringStreamDesc = grpc.StreamDesc{
	StreamName:    peeringChannelName,
	ServerStreams: true,
	ClientStreams: true,
}

// GRPCPeer identifies a remote session by node ID and dial address.
type GRPCPeer struct {
	NodeID string
	Addr   string
}

// ID returns the unique identifier of the peer session.
func (p GRPCPeer) ID() string { return p.NodeID }

// Address returns the peer's dial address.
func (p GRPCPeer) Address() string { return p.Addr }

// grpcOutbound is one connected peer: its outbound queue, writer loop
// state, and an optional client connection to tear down.
type grpcOutbound struct {
	peerID string
	addr   string
	queue  chan []byte
	done   chan struct{}
	conn   *grpc.ClientConn // nil on the accepting side
	once   sync.Once
}

func (o *grpcOutbound) stop() {
	o.once.Do(func() { close(o.done) })
}

// GRPCLink implements the peerlink.Link interface over gRPC bidirectional
// streams. Per-peer frame order is preserved: one stream, one writer.
type GRPCLink struct {
	config   *Config
	server   *grpc.Server
	listener net.Listener

	mu      sync.Mutex
	peers   map[string]*grpcOutbound
	inbound chan peerlinkpkg.Inbound
	errs    chan error
	closed  chan struct{}
	inWG    sync.WaitGroup
	once    sync.Once
}

// NewGRPCLink creates a link. If the config carries a listen address the
// link accepts incoming peers immediately.
func NewGRPCLink(config *Config) (*GRPCLink, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	configCopy := *config
	configCopy.SetDefaults()

	l := &GRPCLink{
		config:  &configCopy,
		peers:   make(map[string]*grpcOutbound),
		inbound: make(chan peerlinkpkg.Inbound, configCopy.ReceiveQueueSize),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}

	if configCopy.ListenAddress != "" {
		lis, err := net.Listen("tcp", configCopy.ListenAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", configCopy.ListenAddress, err)
		}
		l.listener = lis
		l.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
		l.server.RegisterService(&grpc.ServiceDesc{
			ServiceName: peeringServiceName,
			HandlerType: (*any)(nil),
			Streams: []grpc.StreamDesc{{
				StreamName:    peeringChannelName,
				Handler:       peeringChannelHandler,
				ServerStreams: true,
				ClientStreams: true,
			}},
		}, l)
		go func() {
			if err := l.server.Serve(lis); err != nil {
				select {
				case l.errs <- err:
				default:
				}
			}
		}()
	}

	return l, nil
}

func peeringChannelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(*GRPCLink).serveStream(stream)
}

// serveStream handles one accepted peer: hello exchange, then the usual
// reader/writer pair.
func (l *GRPCLink) serveStream(stream grpc.ServerStream) error {
	var first []byte
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}
	hello, err := frame.Decode(first)
	if err != nil || hello.Type != frame.TypeHello {
		return fmt.Errorf("peer did not open with a hello frame")
	}
	peerID := hello.PeerID

	// Answer with our own hello so the dialer learns this node's ID.
	answer := (&frame.Frame{Type: frame.TypeHello, PeerID: l.config.NodeID}).Encode()
	if err := stream.SendMsg(&answer); err != nil {
		return err
	}

	out, err := l.register(peerID, "", nil)
	if err != nil {
		return err
	}
	defer l.detach(peerID, out)

	l.announce(peerID, hello)

	writeDone := make(chan error, 1)
	go func() { writeDone <- l.writeLoop(stream, out) }()

	err = l.readLoop(recvFunc(stream.RecvMsg), peerID)
	out.stop()
	<-writeDone
	return err
}

// Connect dials the peer, exchanges hellos, and starts the stream loops.
func (l *GRPCLink) Connect(ctx context.Context, peer peerlinkpkg.Peer) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	if peer.Address() == "" {
		return fmt.Errorf("peer %q has no address", peer.ID())
	}

	conn, err := grpc.NewClient(peer.Address(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return fmt.Errorf("failed to dial peer %s: %w", peer.Address(), err)
	}

	stream, err := conn.NewStream(context.Background(), &peeringStreamDesc, peeringChannelPath)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open peering stream: %w", err)
	}

	hello := (&frame.Frame{Type: frame.TypeHello, PeerID: l.config.NodeID}).Encode()
	if err := stream.SendMsg(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send hello: %w", err)
	}

	var answerBytes []byte
	if err := stream.RecvMsg(&answerBytes); err != nil {
		conn.Close()
		return fmt.Errorf("failed to receive hello: %w", err)
	}
	answer, err := frame.Decode(answerBytes)
	if err != nil || answer.Type != frame.TypeHello {
		conn.Close()
		return fmt.Errorf("peer did not answer with a hello frame")
	}
	peerID := answer.PeerID

	out, err := l.register(peerID, peer.Address(), conn)
	if err != nil {
		conn.Close()
		return err
	}

	l.announce(peerID, answer)

	go func() {
		defer l.detach(peerID, out)
		writeDone := make(chan error, 1)
		go func() { writeDone <- l.writeLoop(stream, out) }()
		if err := l.readLoop(recvFunc(stream.RecvMsg), peerID); err != nil && !l.isClosed() {
			select {
			case l.errs <- fmt.Errorf("peer %s stream: %w", peerID, err):
			default:
			}
		}
		out.stop()
		<-writeDone
	}()

	return nil
}

type sendStream interface {
	SendMsg(m any) error
}

type recvFunc func(m any) error

// writeLoop drains the outbound queue onto the stream in order.
func (l *GRPCLink) writeLoop(stream sendStream, out *grpcOutbound) error {
	for {
		select {
		case f := <-out.queue:
			if err := stream.SendMsg(&f); err != nil {
				return err
			}
		case <-out.done:
			return nil
		case <-l.closed:
			return nil
		}
	}
}

// readLoop moves received frames into the merged inbound channel.
func (l *GRPCLink) readLoop(recv recvFunc, peerID string) error {
	for {
		var f []byte
		if err := recv(&f); err != nil {
			return err
		}
		if !l.deliver(peerlinkpkg.Inbound{PeerID: peerID, Frame: f}) {
			return nil
		}
	}
}

// announce surfaces the peer's hello to the session, which responds with
// a declaration state push.
func (l *GRPCLink) announce(peerID string, hello *frame.Frame) {
	l.deliver(peerlinkpkg.Inbound{PeerID: peerID, Frame: hello.Encode()})
}

// deliver hands one inbound frame to the session. The sender-count guard
// keeps the inbound channel open until every in-flight deliver returns,
// so Close never races a send.
func (l *GRPCLink) deliver(in peerlinkpkg.Inbound) bool {
	l.mu.Lock()
	if l.isClosed() {
		l.mu.Unlock()
		return false
	}
	l.inWG.Add(1)
	l.mu.Unlock()
	defer l.inWG.Done()

	select {
	case l.inbound <- in:
		return true
	case <-l.closed:
		return false
	}
}

func (l *GRPCLink) register(peerID, addr string, conn *grpc.ClientConn) (*grpcOutbound, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isClosed() {
		return nil, ErrLinkClosed
	}
	if existing, ok := l.peers[peerID]; ok {
		// A duplicate connection to the same peer replaces the old one.
		existing.stop()
		if existing.conn != nil {
			existing.conn.Close()
		}
	}
	out := &grpcOutbound{
		peerID: peerID,
		addr:   addr,
		queue:  make(chan []byte, l.config.SendQueueSize),
		done:   make(chan struct{}),
		conn:   conn,
	}
	l.peers[peerID] = out
	return out, nil
}

// detach tears down one outbound entry. The registered entry is removed
// only when it is still the given one, so a stale stream's teardown
// never evicts the connection that replaced it. A nil out detaches
// whatever entry is current.
func (l *GRPCLink) detach(peerID string, out *grpcOutbound) {
	l.mu.Lock()
	cur := l.peers[peerID]
	if out == nil {
		out = cur
	}
	if cur != nil && cur == out {
		delete(l.peers, peerID)
	}
	l.mu.Unlock()
	if out != nil {
		out.stop()
		if out.conn != nil {
			out.conn.Close()
		}
	}
}

// Disconnect closes the connection to the peer.
func (l *GRPCLink) Disconnect(ctx context.Context, peerID string) error {
	l.detach(peerID, nil)
	return nil
}

// Send enqueues a frame for the peer, waiting for outbound capacity.
func (l *GRPCLink) Send(ctx context.Context, peerID string, f []byte) error {
	out := l.outbound(peerID)
	if out == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
	select {
	case out.queue <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed:
		return ErrLinkClosed
	case <-out.done:
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
}

// TrySend enqueues a frame if capacity is available. It never blocks.
func (l *GRPCLink) TrySend(peerID string, f []byte) (bool, error) {
	out := l.outbound(peerID)
	if out == nil {
		return false, fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
	select {
	case out.queue <- f:
		return true, nil
	default:
		return false, nil
	}
}

// Broadcast sends a frame to every connected peer.
func (l *GRPCLink) Broadcast(ctx context.Context, f []byte) error {
	l.mu.Lock()
	ids := make([]string, 0, len(l.peers))
	for id := range l.peers {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	for _, id := range ids {
		if err := l.Send(ctx, id, f); err != nil {
			return err
		}
	}
	return nil
}

// Receive returns the inbound frame stream.
func (l *GRPCLink) Receive(ctx context.Context) (<-chan peerlinkpkg.Inbound, <-chan error) {
	return l.inbound, l.errs
}

// ListenAddress returns the bound listen address, or "" for an
// outbound-only link. Useful when the configured address was ":0".
func (l *GRPCLink) ListenAddress() string {
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// ConnectedPeers returns the currently connected peer set.
func (l *GRPCLink) ConnectedPeers(ctx context.Context) ([]peerlinkpkg.Peer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	peers := make([]peerlinkpkg.Peer, 0, len(l.peers))
	for id, out := range l.peers {
		peers = append(peers, GRPCPeer{NodeID: id, Addr: out.addr})
	}
	return peers, nil
}

func (l *GRPCLink) outbound(peerID string) *grpcOutbound {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peers[peerID]
}

func (l *GRPCLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Close stops the server, tears down every peer stream, and closes the
// receive channels once the reader loops exit.
func (l *GRPCLink) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		close(l.closed)
		outs := make([]*grpcOutbound, 0, len(l.peers))
		for _, out := range l.peers {
			outs = append(outs, out)
		}
		l.peers = make(map[string]*grpcOutbound)
		l.mu.Unlock()

		for _, out := range outs {
			out.stop()
			if out.conn != nil {
				out.conn.Close()
			}
		}
		if l.server != nil {
			l.server.Stop()
		}

		l.inWG.Wait()
		close(l.inbound)
		close(l.errs)
	})
	return nil
}

// Verify that GRPCLink implements the Link interface at compile time
var _ peerlinkpkg.Link = (*GRPCLink)(nil)
