package session

import (
	"fmt"

	registrypkg "github.com/keymesh-io/keymesh-go/pkg/registry"
)

// localTarget is a delivery destination inside this process: a handle
// channel, a sample handler, or a query handler.
type localTarget struct {
	id string
}

func (t localTarget) ID() string { return t.id }

func (t localTarget) Type() registrypkg.TargetType { return registrypkg.LocalTarget }

// peerTarget forwards toward the peer session that owns the mirrored
// declaration.
type peerTarget struct {
	peerID string
}

func (t peerTarget) ID() string { return "peer:" + t.peerID }

func (t peerTarget) Type() registrypkg.TargetType { return registrypkg.PeerTarget }

func newLocalTarget(kind registrypkg.Kind, n uint64) localTarget {
	return localTarget{id: fmt.Sprintf("local:%s:%d", kind, n)}
}

// nextLocalIndex allocates a fresh target index. Indices are monotonic
// so no two declarations of a session ever share a target identity,
// live or not. The caller holds s.mu.
func (s *PeerSession) nextLocalIndex() uint64 {
	s.nextTarget++
	return s.nextTarget
}
