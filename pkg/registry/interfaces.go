package registry

import (
	"context"
	"io"

	"github.com/keymesh-io/keymesh-go/pkg/keyexpr"
	"github.com/keymesh-io/keymesh-go/pkg/sample"
)

// Kind identifies what a declaration registers for.
type Kind int

const (
	// Publisher declares intent to publish on a key expression.
	Publisher Kind = iota

	// Subscriber declares interest in samples matching a key expression.
	Subscriber

	// Queryable declares the ability to answer queries matching a key
	// expression.
	Queryable
)

func (k Kind) String() string {
	switch k {
	case Publisher:
		return "Publisher"
	case Subscriber:
		return "Subscriber"
	case Queryable:
		return "Queryable"
	default:
		return "Unknown"
	}
}

// ID is a stable handle for a declaration, unique within one registry.
type ID uint64

// TargetType distinguishes delivery destinations.
type TargetType int

const (
	// LocalTarget is a callback or mailbox inside this process.
	LocalTarget TargetType = iota

	// PeerTarget is a remote peer that mirrored its declaration here.
	PeerTarget
)

// Target is the delivery destination bound to a declaration: a local
// mailbox or a forwarder toward the peer that owns the declaration.
type Target interface {
	// ID returns a unique identifier for this target.
	ID() string

	// Type returns whether the target is local or a remote peer.
	Type() TargetType
}

// Declaration is one registered interest: a publisher, subscriber, or
// queryable bound to a key expression for the owning session's lifetime.
// Declarations of the same kind may overlap in key space; each matching
// one is routed to independently.
type Declaration struct {
	ID          ID
	Kind        Kind
	KeyExpr     keyexpr.KeyExpr
	Reliability sample.Reliability // Subscriber declarations only
	Target      Target
}

// Registry is the per-session table of live declarations.
//
// Matching lookups take a read-only snapshot: they are safe to run
// concurrently with declares and undeclares and never observe a
// partially-inserted or partially-removed declaration.
type Registry interface {
	io.Closer

	// Declare registers a declaration and returns its stable ID.
	Declare(ctx context.Context, kind Kind, ke keyexpr.KeyExpr, rel sample.Reliability, target Target) (ID, error)

	// Undeclare removes a declaration. It is a no-op if the ID was
	// already removed, so concurrent teardown is safe.
	Undeclare(ctx context.Context, id ID) error

	// Matching returns the declarations of the given kind whose key
	// expression matches the concrete key.
	Matching(ctx context.Context, kind Kind, key string) ([]Declaration, error)

	// MatchingExpr returns the declarations of the given kind whose key
	// expression intersects the given expression.
	MatchingExpr(ctx context.Context, kind Kind, ke keyexpr.KeyExpr) ([]Declaration, error)

	// Snapshot returns all live declarations, for mirroring to a newly
	// connected peer.
	Snapshot(ctx context.Context) ([]Declaration, error)

	// Count returns the number of live declarations of the given kind.
	Count(ctx context.Context, kind Kind) (int, error)
}
