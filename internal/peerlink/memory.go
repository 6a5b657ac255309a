package peerlink

import (
	"context"
	"fmt"
	"sync"

	"github.com/keymesh-io/keymesh-go/internal/frame"
	peerlinkpkg "github.com/keymesh-io/keymesh-go/pkg/peerlink"
)

// MemoryNetwork connects in-process links by node ID. It stands in for a
// real network in tests and in applications embedding several sessions
// in one process.
type MemoryNetwork struct {
	mu    sync.Mutex
	links map[string]*MemoryLink
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{links: make(map[string]*MemoryLink)}
}

// NewLink creates and registers a link for one session.
func (n *MemoryNetwork) NewLink(config *Config) (*MemoryLink, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	configCopy := *config
	configCopy.SetDefaults()

	l := &MemoryLink{
		config:  &configCopy,
		network: n,
		peers:   make(map[string]*memoryOutbound),
		inbound: make(chan peerlinkpkg.Inbound, configCopy.ReceiveQueueSize),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.links[config.NodeID]; exists {
		return nil, fmt.Errorf("node %q is already on the network", config.NodeID)
	}
	n.links[config.NodeID] = l
	return l, nil
}

func (n *MemoryNetwork) lookup(id string) *MemoryLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[id]
}

func (n *MemoryNetwork) remove(id string) {
	n.mu.Lock()
	delete(n.links, id)
	n.mu.Unlock()
}

// MemoryPeer identifies a link on a MemoryNetwork.
type MemoryPeer struct {
	NodeID string
}

// ID returns the unique identifier of the peer session.
func (p MemoryPeer) ID() string { return p.NodeID }

// Address returns an empty string; memory peers have no network address.
func (p MemoryPeer) Address() string { return "" }

// memoryOutbound is one per-peer outbound queue with its pump goroutine.
type memoryOutbound struct {
	peerID string
	queue  chan []byte
	done   chan struct{}
	once   sync.Once
}

func (o *memoryOutbound) stop() {
	o.once.Do(func() { close(o.done) })
}

// MemoryLink implements the peerlink.Link interface over channels.
// Per-peer frame order is preserved: one queue, one pump.
type MemoryLink struct {
	config  *Config
	network *MemoryNetwork

	mu      sync.Mutex
	peers   map[string]*memoryOutbound
	inbound chan peerlinkpkg.Inbound
	errs    chan error
	closed  chan struct{}
	inWG    sync.WaitGroup // pumps feeding this link's inbound channel
	once    sync.Once
}

// Connect attaches this link and the peer's link to each other. Both
// sides observe a hello frame for the other.
func (l *MemoryLink) Connect(ctx context.Context, peer peerlinkpkg.Peer) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	remote := l.network.lookup(peer.ID())
	if remote == nil {
		return fmt.Errorf("unknown peer %q", peer.ID())
	}
	if remote == l {
		return fmt.Errorf("cannot connect a link to itself")
	}
	if err := l.attach(remote); err != nil {
		return err
	}
	if err := remote.attach(l); err != nil {
		l.detach(remote.config.NodeID)
		return err
	}
	return nil
}

// attach creates the outbound queue from l to remote and starts its pump.
// The hello frame is the first frame through the queue, so the remote
// session always processes it before any traffic.
func (l *MemoryLink) attach(remote *MemoryLink) error {
	// Register as an inbound sender on the remote before anything else;
	// the remote's inbound channel stays open until every registered
	// sender has exited.
	remote.mu.Lock()
	if remote.isClosed() {
		remote.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLinkClosed, remote.config.NodeID)
	}
	remote.inWG.Add(1)
	remote.mu.Unlock()

	l.mu.Lock()
	if _, exists := l.peers[remote.config.NodeID]; exists {
		l.mu.Unlock()
		remote.inWG.Done()
		return nil // Already connected, idempotent
	}
	out := &memoryOutbound{
		peerID: remote.config.NodeID,
		queue:  make(chan []byte, l.config.SendQueueSize),
		done:   make(chan struct{}),
	}
	hello := &frame.Frame{Type: frame.TypeHello, PeerID: l.config.NodeID}
	out.queue <- hello.Encode()
	l.peers[remote.config.NodeID] = out
	l.mu.Unlock()

	go l.pump(out, remote)
	return nil
}

// pump moves frames from one outbound queue into the remote's inbound
// channel, tagging them with this link's node ID.
func (l *MemoryLink) pump(out *memoryOutbound, remote *MemoryLink) {
	defer remote.inWG.Done()
	for {
		select {
		case f := <-out.queue:
			select {
			case remote.inbound <- peerlinkpkg.Inbound{PeerID: l.config.NodeID, Frame: f}:
			case <-remote.closed:
				return
			case <-out.done:
				return
			}
		case <-out.done:
			return
		case <-remote.closed:
			return
		}
	}
}

// Disconnect detaches both directions of the connection.
func (l *MemoryLink) Disconnect(ctx context.Context, peerID string) error {
	l.detach(peerID)
	if remote := l.network.lookup(peerID); remote != nil {
		remote.detach(l.config.NodeID)
	}
	return nil
}

func (l *MemoryLink) detach(peerID string) {
	l.mu.Lock()
	out := l.peers[peerID]
	delete(l.peers, peerID)
	l.mu.Unlock()
	if out != nil {
		out.stop()
	}
}

// Send enqueues a frame for the peer, waiting for outbound capacity.
func (l *MemoryLink) Send(ctx context.Context, peerID string, f []byte) error {
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
func (l *MemoryLink) TrySend(peerID string, f []byte) (bool, error) {
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
func (l *MemoryLink) Broadcast(ctx context.Context, f []byte) error {
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
func (l *MemoryLink) Receive(ctx context.Context) (<-chan peerlinkpkg.Inbound, <-chan error) {
	return l.inbound, l.errs
}

// ConnectedPeers returns the currently connected peer set.
func (l *MemoryLink) ConnectedPeers(ctx context.Context) ([]peerlinkpkg.Peer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	peers := make([]peerlinkpkg.Peer, 0, len(l.peers))
	for id := range l.peers {
		peers = append(peers, MemoryPeer{NodeID: id})
	}
	return peers, nil
}

func (l *MemoryLink) outbound(peerID string) *memoryOutbound {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peers[peerID]
}

func (l *MemoryLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Close detaches every peer, waits for inbound pumps to stop, and closes
// the receive channels.
func (l *MemoryLink) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		close(l.closed)
		outs := make([]*memoryOutbound, 0, len(l.peers))
		for _, out := range l.peers {
			outs = append(outs, out)
		}
		l.peers = make(map[string]*memoryOutbound)
		l.mu.Unlock()

		for _, out := range outs {
			out.stop()
			if remote := l.network.lookup(out.peerID); remote != nil {
				remote.detach(l.config.NodeID)
			}
		}
		l.network.remove(l.config.NodeID)

		// All pumps writing into l.inbound select on l.closed; once
		// they exit the channel can close safely.
		l.inWG.Wait()
		close(l.inbound)
		close(l.errs)
	})
	return nil
}

// Verify that MemoryLink implements the Link interface at compile time
var _ peerlinkpkg.Link = (*MemoryLink)(nil)
