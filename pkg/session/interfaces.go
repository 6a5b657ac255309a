// Package session defines the application-facing interfaces of a keymesh
// session: declaring publishers, subscribers, and queryables, publishing
// samples, and issuing queries answered by a stream of typed replies.
package session

import (
	"context"
	"io"

	"github.com/keymesh-io/keymesh-go/pkg/sample"
)

// Session is the facade owning one declaration registry. All operations
// fail with ErrSessionClosed after Close returns.
type Session interface {
	io.Closer

	// ID returns this session's unique identifier in the mesh.
	ID() string

	// DeclarePublisher registers a publisher for a concrete key and
	// returns a handle bound to it.
	DeclarePublisher(ctx context.Context, keyExpr string, opts ...PublisherOption) (Publisher, error)

	// DeclareSubscriber registers interest in samples matching keyExpr.
	// By default samples arrive on the handle's channel; WithHandler
	// switches to callback dispatch on the worker pool.
	DeclareSubscriber(ctx context.Context, keyExpr string, opts ...SubscriberOption) (Subscriber, error)

	// DeclareQueryable registers handler to answer queries matching
	// keyExpr. The handler runs on the worker pool and may reply
	// synchronously from inside the callback.
	DeclareQueryable(ctx context.Context, keyExpr string, handler QueryHandler) (Queryable, error)

	// Put publishes a payload on a concrete key to all matching
	// subscribers, local and remote.
	Put(ctx context.Context, key string, payload []byte, opts ...PutOption) error

	// Delete publishes a deletion on a concrete key.
	Delete(ctx context.Context, key string, opts ...PutOption) error

	// Get fans a query out to all matching queryables. The selector is
	// "<keyexpr>[?<parameters>]"; parameters are opaque to the engine.
	// Replies arrive on the receiver in arrival order; the stream
	// closes when every matched queryable completed or the timeout
	// elapsed, whichever is first.
	Get(ctx context.Context, selector string, opts ...GetOption) (Receiver, error)
}

// Publisher is a handle for publishing repeatedly on one key.
type Publisher interface {
	// KeyExpr returns the concrete key this publisher is bound to.
	KeyExpr() string

	// Put publishes a payload on the publisher's key.
	Put(ctx context.Context, payload []byte, opts ...PutOption) error

	// Delete publishes a deletion on the publisher's key.
	Delete(ctx context.Context, opts ...PutOption) error

	// Errors reports asynchronous delivery failures for Reliable
	// samples that could not reach a still-registered remote subscriber.
	Errors() <-chan error

	// Undeclare removes the publisher registration.
	Undeclare(ctx context.Context) error
}

// Subscriber is a live subscription handle.
type Subscriber interface {
	// KeyExpr returns the declared key expression.
	KeyExpr() string

	// Samples is the pull side of the subscription. It yields nothing
	// when the subscriber was declared with WithHandler. The channel
	// closes after Undeclare once queued samples were delivered.
	Samples() <-chan *sample.Sample

	// Undeclare stops delivery. Deliveries already dispatched may still
	// be observed; no new ones are dispatched after Undeclare returns
	// and the propagation delay elapses.
	Undeclare(ctx context.Context) error
}

// Queryable is a live queryable registration handle.
type Queryable interface {
	// KeyExpr returns the declared key expression.
	KeyExpr() string

	// Undeclare stops this queryable from being matched by new queries.
	Undeclare(ctx context.Context) error
}

// QueryHandler answers one query. Replying from inside the handler,
// including via blocking session operations, must not deadlock the pool.
type QueryHandler func(Query)

// Query is one query instance dispatched to one queryable.
type Query interface {
	// KeyExpr returns the query's key expression text.
	KeyExpr() string

	// Parameters returns the opaque selector parameters.
	Parameters() string

	// Value returns the optional query payload; never nil.
	Value() *sample.Payload

	// Attachment returns the optional attachment, or nil.
	Attachment() sample.Attachment

	// Reply sends a success reply carrying a Put sample.
	Reply(ctx context.Context, key string, payload []byte, opts ...ReplyOption) error

	// ReplyDelete sends a success reply signalling deletion. Delete
	// replies carry no payload by definition.
	ReplyDelete(ctx context.Context, key string, opts ...ReplyOption) error

	// ReplyErr sends an application-level error reply carrying a value.
	ReplyErr(ctx context.Context, value []byte, opts ...ReplyOption) error
}

// Reply is one reply to a query. Exactly one of Sample and Err is set:
// Sample for Ok-Put and Ok-Delete replies (distinguished by the sample
// kind), Err for application-level error replies.
type Reply struct {
	// ReplierID attributes the reply to the queryable that produced it.
	ReplierID string

	// Sample carries the data of an Ok reply; nil for error replies.
	Sample *sample.Sample

	// Err carries the value of an error reply; nil for Ok replies.
	Err *sample.Payload

	// Attachment is the reply's optional attachment, or nil.
	Attachment sample.Attachment
}

// OK reports whether this is a success reply.
func (r Reply) OK() bool { return r.Err == nil }

// Receiver is the lazy, finite reply stream of one Get call.
type Receiver interface {
	// Replies yields replies in arrival order and closes when the query
	// completes, times out, or the session closes.
	Replies() <-chan Reply

	// Next blocks for the next reply; ok is false once the stream has
	// closed. Next and Replies draw from the same stream.
	Next() (reply Reply, ok bool)

	// Err reports why the stream closed: nil after normal completion
	// (including the no-queryable-matched case, where the stream closes
	// immediately), ErrQueryTimeout when the caller's bound elapsed,
	// ErrProtocolViolation when a responder broke the reply contract,
	// or ErrSessionClosed. Valid after Replies is closed.
	Err() error
}
