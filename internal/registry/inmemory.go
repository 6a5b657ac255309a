package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/keymesh-io/keymesh-go/pkg/keyexpr"
	registrypkg "github.com/keymesh-io/keymesh-go/pkg/registry"
	"github.com/keymesh-io/keymesh-go/pkg/sample"
)

// InMemoryRegistry implements the registry.Registry interface with a
// copy-on-write table. Writers take a mutex and publish a fresh snapshot;
// readers load the current snapshot atomically and never block, so
// match-and-dispatch runs concurrently with declare/undeclare.
type InMemoryRegistry struct {
	writeMu sync.Mutex
	table   atomic.Pointer[snapshot]
	nextID  atomic.Uint64
	closed  atomic.Bool
}

// snapshot is an immutable view of all live declarations.
type snapshot struct {
	decls []registrypkg.Declaration
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	r := &InMemoryRegistry{}
	r.table.Store(&snapshot{})
	return r
}

// Declare registers a declaration and returns its stable ID.
func (r *InMemoryRegistry) Declare(ctx context.Context, kind registrypkg.Kind, ke keyexpr.KeyExpr, rel sample.Reliability, target registrypkg.Target) (registrypkg.ID, error) {
	if r.closed.Load() {
		return 0, fmt.Errorf("registry is closed")
	}
	if ke.IsZero() {
		return 0, fmt.Errorf("key expression cannot be zero")
	}
	if target == nil {
		return 0, fmt.Errorf("target cannot be nil")
	}

	id := registrypkg.ID(r.nextID.Add(1))
	decl := registrypkg.Declaration{
		ID:          id,
		Kind:        kind,
		KeyExpr:     ke,
		Reliability: rel,
		Target:      target,
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.table.Load()
	next := make([]registrypkg.Declaration, len(cur.decls), len(cur.decls)+1)
	copy(next, cur.decls)
	next = append(next, decl)
	r.table.Store(&snapshot{decls: next})

	return id, nil
}

// Undeclare removes a declaration. Removing an unknown or already-removed
// ID is a no-op.
func (r *InMemoryRegistry) Undeclare(ctx context.Context, id registrypkg.ID) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.table.Load()
	next := make([]registrypkg.Declaration, 0, len(cur.decls))
	for _, d := range cur.decls {
		if d.ID != id {
			next = append(next, d)
		}
	}
	if len(next) == len(cur.decls) {
		return nil // Already removed
	}
	r.table.Store(&snapshot{decls: next})
	return nil
}

// Matching returns declarations of the given kind matching the concrete key.
func (r *InMemoryRegistry) Matching(ctx context.Context, kind registrypkg.Kind, key string) ([]registrypkg.Declaration, error) {
	cur := r.table.Load()
	var out []registrypkg.Declaration
	for _, d := range cur.decls {
		if d.Kind == kind && d.KeyExpr.Matches(key) {
			out = append(out, d)
		}
	}
	return out, nil
}

// MatchingExpr returns declarations of the given kind whose key expression
// intersects ke.
func (r *InMemoryRegistry) MatchingExpr(ctx context.Context, kind registrypkg.Kind, ke keyexpr.KeyExpr) ([]registrypkg.Declaration, error) {
	cur := r.table.Load()
	var out []registrypkg.Declaration
	for _, d := range cur.decls {
		if d.Kind == kind && d.KeyExpr.Intersects(ke) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Snapshot returns all live declarations.
func (r *InMemoryRegistry) Snapshot(ctx context.Context) ([]registrypkg.Declaration, error) {
	cur := r.table.Load()
	out := make([]registrypkg.Declaration, len(cur.decls))
	copy(out, cur.decls)
	return out, nil
}

// Count returns the number of live declarations of the given kind.
func (r *InMemoryRegistry) Count(ctx context.Context, kind registrypkg.Kind) (int, error) {
	cur := r.table.Load()
	n := 0
	for _, d := range cur.decls {
		if d.Kind == kind {
			n++
		}
	}
	return n, nil
}

// Close empties the registry and rejects further declares.
func (r *InMemoryRegistry) Close() error {
	if r.closed.Swap(true) {
		return nil // Already closed, safe to call multiple times
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.table.Store(&snapshot{})
	return nil
}

// Verify that InMemoryRegistry implements the Registry interface at compile time
var _ registrypkg.Registry = (*InMemoryRegistry)(nil)
