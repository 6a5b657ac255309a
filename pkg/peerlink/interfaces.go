// Package peerlink defines the transport boundary between peered
// sessions. The engine reasons only about application-level delivery
// semantics; links are assumed reliable at the byte-transport level.
package peerlink

import (
	"context"
	"io"
)

// Peer identifies a remote session reachable over a link.
type Peer interface {
	// ID returns the unique identifier of the peer session.
	ID() string

	// Address returns the network address of the peer, or an empty
	// string for in-process peers.
	Address() string
}

// Inbound is one frame received from a peer.
type Inbound struct {
	// PeerID identifies the sending peer.
	PeerID string

	// Frame is the opaque frame payload.
	Frame []byte
}

// Link moves opaque frames between this session and its connected peers.
// A link owns per-peer outbound queues; frame order per peer is
// preserved. The connected peer set is externally mutable input: peers
// attach and detach while the session runs.
type Link interface {
	io.Closer

	// Connect establishes a connection to the peer. Both sides observe
	// a hello frame once the connection is up.
	Connect(ctx context.Context, peer Peer) error

	// Disconnect closes the connection to the peer.
	Disconnect(ctx context.Context, peerID string) error

	// Send enqueues a frame for the peer, waiting for outbound capacity.
	// It returns when the frame is admitted, the context is cancelled,
	// or the link is closed.
	Send(ctx context.Context, peerID string, frame []byte) error

	// TrySend enqueues a frame if outbound capacity is available and
	// reports whether the frame was admitted. It never blocks.
	TrySend(peerID string, frame []byte) (bool, error)

	// Broadcast sends a frame to every connected peer, waiting for
	// capacity on each.
	Broadcast(ctx context.Context, frame []byte) error

	// Receive returns the inbound frame stream. The channels close when
	// the link closes.
	Receive(ctx context.Context) (<-chan Inbound, <-chan error)

	// ConnectedPeers returns the currently connected peer set.
	ConnectedPeers(ctx context.Context) ([]Peer, error)
}
