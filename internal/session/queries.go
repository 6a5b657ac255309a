package session

import (
	"context"

	"github.com/keymesh-io/keymesh-go/internal/frame"
	"github.com/keymesh-io/keymesh-go/pkg/sample"
	sessionpkg "github.com/keymesh-io/keymesh-go/pkg/session"
)

// queryBase carries the fields common to local and remote query
// dispatch: the selector pieces and the optional query body.
type queryBase struct {
	keyExpr    string
	parameters string
	value      *sample.Payload
	attachment sample.Attachment
}

func (q *queryBase) KeyExpr() string { return q.keyExpr }

func (q *queryBase) Parameters() string { return q.parameters }

func (q *queryBase) Value() *sample.Payload { return q.value }

func (q *queryBase) Attachment() sample.Attachment { return q.attachment }

// localQuery is a query dispatched to a queryable living in the same
// process as the querier. Replies go straight into the query engine, so
// replying from inside the handler never blocks.
type localQuery struct {
	queryBase
	s       *PeerSession
	queryID string
	replier string
}

func (q *localQuery) Reply(ctx context.Context, key string, payload []byte, opts ...sessionpkg.ReplyOption) error {
	options := replyOptions(opts)
	sm := sample.New(key, sample.Put, sample.NewPayload(payload), sample.DefaultQoS())
	if options.Attachment != nil {
		sm = sm.WithAttachment(options.Attachment)
	}
	q.submit(sessionpkg.Reply{ReplierID: q.replier, Sample: sm, Attachment: options.Attachment}, "ok")
	return nil
}

func (q *localQuery) ReplyDelete(ctx context.Context, key string, opts ...sessionpkg.ReplyOption) error {
	options := replyOptions(opts)
	sm := sample.New(key, sample.Delete, nil, sample.DefaultQoS())
	if options.Attachment != nil {
		sm = sm.WithAttachment(options.Attachment)
	}
	q.submit(sessionpkg.Reply{ReplierID: q.replier, Sample: sm, Attachment: options.Attachment}, "delete")
	return nil
}

func (q *localQuery) ReplyErr(ctx context.Context, value []byte, opts ...sessionpkg.ReplyOption) error {
	options := replyOptions(opts)
	q.submit(sessionpkg.Reply{ReplierID: q.replier, Err: sample.NewPayload(value), Attachment: options.Attachment}, "err")
	return nil
}

func (q *localQuery) submit(rep sessionpkg.Reply, kind string) {
	q.s.queries.SubmitReply(q.queryID, rep)
	q.s.stats.RepliesDelivered.WithLabelValues(kind).Inc()
}

// remoteQuery is a query received from a peer. Replies are framed and
// sent back to the peer that issued the query.
type remoteQuery struct {
	queryBase
	s       *PeerSession
	peerID  string
	queryID string
}

func (q *remoteQuery) Reply(ctx context.Context, key string, payload []byte, opts ...sessionpkg.ReplyOption) error {
	options := replyOptions(opts)
	return q.s.sendFrame(ctx, q.peerID, &frame.Frame{
		Type:       frame.TypeReply,
		QueryID:    q.queryID,
		ReplyKind:  frame.ReplyOK,
		Key:        key,
		Payload:    payload,
		Attachment: options.Attachment.Encode(),
	})
}

func (q *remoteQuery) ReplyDelete(ctx context.Context, key string, opts ...sessionpkg.ReplyOption) error {
	options := replyOptions(opts)
	return q.s.sendFrame(ctx, q.peerID, &frame.Frame{
		Type:       frame.TypeReply,
		QueryID:    q.queryID,
		ReplyKind:  frame.ReplyDelete,
		Key:        key,
		Attachment: options.Attachment.Encode(),
	})
}

func (q *remoteQuery) ReplyErr(ctx context.Context, value []byte, opts ...sessionpkg.ReplyOption) error {
	options := replyOptions(opts)
	return q.s.sendFrame(ctx, q.peerID, &frame.Frame{
		Type:       frame.TypeReply,
		QueryID:    q.queryID,
		ReplyKind:  frame.ReplyErr,
		Value:      value,
		Attachment: options.Attachment.Encode(),
	})
}

func replyOptions(opts []sessionpkg.ReplyOption) sessionpkg.ReplyOptions {
	var options sessionpkg.ReplyOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Verify query types implement the public interface at compile time
var (
	_ sessionpkg.Query = (*localQuery)(nil)
	_ sessionpkg.Query = (*remoteQuery)(nil)
)
