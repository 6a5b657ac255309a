// Package discovery produces the set of peers a session should connect
// to. The connected peer set is externally mutable input to the engine.
package discovery

import (
	"context"

	"github.com/keymesh-io/keymesh-go/pkg/peerlink"
)

// Discovery defines the interface for peer discovery mechanisms.
type Discovery interface {
	// FindPeers discovers and returns available peers.
	FindPeers(ctx context.Context) ([]peerlink.Peer, error)
}

// StaticDiscovery implements Discovery using a static list of endpoints,
// the unicast configuration path.
type StaticDiscovery struct {
	endpoints []string
}

// staticPeer implements peerlink.Peer for static endpoints.
type staticPeer struct {
	id      string
	address string
}

func (p *staticPeer) ID() string      { return p.id }
func (p *staticPeer) Address() string { return p.address }

// NewStaticDiscovery creates a discovery service over the given endpoint
// addresses.
func NewStaticDiscovery(endpoints []string) *StaticDiscovery {
	return &StaticDiscovery{
		endpoints: endpoints,
	}
}

// FindPeers returns one peer per configured endpoint. Session IDs are
// learned during the hello exchange, so the address doubles as the ID
// until then.
func (s *StaticDiscovery) FindPeers(ctx context.Context) ([]peerlink.Peer, error) {
	peers := make([]peerlink.Peer, len(s.endpoints))
	for i, address := range s.endpoints {
		peers[i] = &staticPeer{
			id:      address,
			address: address,
		}
	}
	return peers, nil
}

var _ Discovery = (*StaticDiscovery)(nil)
