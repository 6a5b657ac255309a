package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keymesh-io/keymesh-go/internal/peerlink"
	"github.com/keymesh-io/keymesh-go/pkg/sample"
	sessionpkg "github.com/keymesh-io/keymesh-go/pkg/session"
)

// settle gives declaration frames time to propagate between peers.
func settle() {
	time.Sleep(200 * time.Millisecond)
}

// openPair opens two sessions connected over an in-process network.
func openPair(t *testing.T) (*PeerSession, *PeerSession) {
	t.Helper()
	ctx := context.Background()

	network := peerlink.NewMemoryNetwork()
	linkA, err := network.NewLink(&peerlink.Config{NodeID: "peer-a"})
	require.NoError(t, err)
	linkB, err := network.NewLink(&peerlink.Config{NodeID: "peer-b"})
	require.NoError(t, err)

	a, err := Open(ctx, NewConfig("peer-a", linkA))
	require.NoError(t, err)
	b, err := Open(ctx, NewConfig("peer-b", linkB))
	require.NoError(t, err)

	require.NoError(t, linkA.Connect(ctx, peerlink.MemoryPeer{NodeID: "peer-b"}))
	settle()

	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

// numberedPayload builds a payload of the given size carrying its
// sequence number in the first four bytes.
func numberedPayload(size, seq int) []byte {
	p := make([]byte, size)
	for i := range p {
		p[i] = byte(seq)
	}
	binary.BigEndian.PutUint32(p[:4], uint32(seq))
	return p
}

func recvSample(t *testing.T, ch <-chan *sample.Sample) *sample.Sample {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "sample channel closed early")
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sample")
		return nil
	}
}

func TestSession_ReliablePubSub(t *testing.T) {
	cases := []struct {
		size  int
		count int
	}{
		{size: 1024, count: 1000},
		{size: 100_000, count: 100},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("size_%d", tc.size), func(t *testing.T) {
			ctx := context.Background()
			a, b := openPair(t)

			sub, err := b.DeclareSubscriber(ctx, "test/session/data")
			require.NoError(t, err)
			settle()

			for i := 0; i < tc.count; i++ {
				err := a.Put(ctx, "test/session/data", numberedPayload(tc.size, i),
					sessionpkg.WithCongestionControl(sample.Block))
				require.NoError(t, err)
			}

			for i := 0; i < tc.count; i++ {
				s := recvSample(t, sub.Samples())
				assert.Equal(t, sample.Put, s.Kind())
				assert.Equal(t, "test/session/data", s.Key())
				require.Equal(t, tc.size, s.Payload().Len())
				assert.Equal(t, uint32(i), binary.BigEndian.Uint32(s.Payload().Bytes()[:4]),
					"samples must arrive in publication order")
			}

			require.NoError(t, sub.Undeclare(ctx))
		})
	}
}

func TestSession_DeleteReachesSubscriber(t *testing.T) {
	ctx := context.Background()
	a, b := openPair(t)

	sub, err := b.DeclareSubscriber(ctx, "test/session/del")
	require.NoError(t, err)
	settle()

	require.NoError(t, a.Put(ctx, "test/session/del", []byte("value"),
		sessionpkg.WithCongestionControl(sample.Block)))
	require.NoError(t, a.Delete(ctx, "test/session/del",
		sessionpkg.WithCongestionControl(sample.Block)))

	s := recvSample(t, sub.Samples())
	assert.Equal(t, sample.Put, s.Kind())

	s = recvSample(t, sub.Samples())
	assert.Equal(t, sample.Delete, s.Kind())
	assert.Zero(t, s.Payload().Len(), "Delete samples carry no payload")
}

func TestSession_BestEffortPubSub(t *testing.T) {
	const count = 1000
	ctx := context.Background()
	a, b := openPair(t)

	received := make(chan *sample.Sample, count)
	_, err := b.DeclareSubscriber(ctx, "test/session/besteffort",
		sessionpkg.WithSubscriberReliability(sample.BestEffort),
		sessionpkg.WithHandler(func(s *sample.Sample) { received <- s }))
	require.NoError(t, err)
	settle()

	for i := 0; i < count; i++ {
		err := a.Put(ctx, "test/session/besteffort", numberedPayload(32, i),
			sessionpkg.WithReliability(sample.BestEffort))
		require.NoError(t, err)
	}
	settle()

	got := len(received)
	assert.LessOrEqual(t, got, count, "best effort must never duplicate")
	assert.Greater(t, got, 0, "an uncongested path should deliver something")

	// Whatever arrived must be intact and in order.
	prev := -1
	for i := 0; i < got; i++ {
		s := <-received
		seq := int(binary.BigEndian.Uint32(s.Payload().Bytes()[:4]))
		assert.Greater(t, seq, prev, "per-publisher order must hold")
		prev = seq
	}
}

func TestSession_LocalPubSub(t *testing.T) {
	ctx := context.Background()
	network := peerlink.NewMemoryNetwork()
	link, err := network.NewLink(&peerlink.Config{NodeID: "solo"})
	require.NoError(t, err)
	s, err := Open(ctx, NewConfig("solo", link))
	require.NoError(t, err)
	defer s.Close()

	sub, err := s.DeclareSubscriber(ctx, "test/local/**")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "test/local/a/b", []byte("hello")))

	got := recvSample(t, sub.Samples())
	assert.Equal(t, "test/local/a/b", got.Key())
	assert.Equal(t, "hello", got.Payload().String())
}

func TestSession_OverlappingSubscribersEachDelivered(t *testing.T) {
	ctx := context.Background()
	a, b := openPair(t)

	wide, err := b.DeclareSubscriber(ctx, "test/overlap/**")
	require.NoError(t, err)
	narrow, err := b.DeclareSubscriber(ctx, "test/overlap/a")
	require.NoError(t, err)
	settle()

	require.NoError(t, a.Put(ctx, "test/overlap/a", []byte("x"),
		sessionpkg.WithCongestionControl(sample.Block)))

	assert.Equal(t, "test/overlap/a", recvSample(t, wide.Samples()).Key())
	assert.Equal(t, "test/overlap/a", recvSample(t, narrow.Samples()).Key())
}

func TestSession_UndeclareStopsDelivery(t *testing.T) {
	ctx := context.Background()
	a, b := openPair(t)

	sub, err := b.DeclareSubscriber(ctx, "test/undeclare")
	require.NoError(t, err)
	settle()

	require.NoError(t, a.Put(ctx, "test/undeclare", []byte("first"),
		sessionpkg.WithCongestionControl(sample.Block)))
	assert.Equal(t, "first", recvSample(t, sub.Samples()).Payload().String())

	require.NoError(t, sub.Undeclare(ctx))
	settle()

	require.NoError(t, a.Put(ctx, "test/undeclare", []byte("second")))
	settle()

	select {
	case s, ok := <-sub.Samples():
		require.False(t, ok, "expected closed channel, got sample %v", s)
	default:
		t.Fatal("expected sample channel to be closed after undeclare")
	}
}

func TestSession_PublisherHandle(t *testing.T) {
	ctx := context.Background()
	a, b := openPair(t)

	sub, err := b.DeclareSubscriber(ctx, "test/publisher")
	require.NoError(t, err)
	settle()

	pub, err := a.DeclarePublisher(ctx, "test/publisher",
		sessionpkg.WithPublisherCongestionControl(sample.Block))
	require.NoError(t, err)
	assert.Equal(t, "test/publisher", pub.KeyExpr())

	require.NoError(t, pub.Put(ctx, []byte("one")))
	require.NoError(t, pub.Delete(ctx))

	assert.Equal(t, "one", recvSample(t, sub.Samples()).Payload().String())
	assert.Equal(t, sample.Delete, recvSample(t, sub.Samples()).Kind())

	select {
	case err := <-pub.Errors():
		t.Fatalf("unexpected delivery failure: %v", err)
	default:
	}

	require.NoError(t, pub.Undeclare(ctx))
}

func TestSession_PublisherRejectsWildcardKey(t *testing.T) {
	ctx := context.Background()
	a, _ := openPair(t)

	_, err := a.DeclarePublisher(ctx, "test/pub/*")
	require.Error(t, err)

	err = a.Put(ctx, "test/pub/**", []byte("x"))
	require.Error(t, err)
}

func TestSession_QueryReplyModes(t *testing.T) {
	const rounds = 100
	ctx := context.Background()
	a, b := openPair(t)

	_, err := b.DeclareQueryable(ctx, "test/session/qryrep", func(q sessionpkg.Query) {
		switch q.Parameters() {
		case "ok_put":
			_ = q.Reply(context.Background(), "test/session/qryrep", []byte("reply-data"))
		case "ok_del":
			_ = q.ReplyDelete(context.Background(), "test/session/qryrep")
		case "err":
			_ = q.ReplyErr(context.Background(), []byte("application failure"))
		}
	})
	require.NoError(t, err)
	settle()

	t.Run("ok_put", func(t *testing.T) {
		for i := 0; i < rounds; i++ {
			rx, err := a.Get(ctx, "test/session/qryrep?ok_put")
			require.NoError(t, err)

			reply, ok := rx.Next()
			require.True(t, ok, "expected one reply")
			require.True(t, reply.OK())
			require.NotNil(t, reply.Sample)
			assert.Equal(t, sample.Put, reply.Sample.Kind())
			assert.Equal(t, "reply-data", reply.Sample.Payload().String())
			assert.Equal(t, "peer:peer-b", reply.ReplierID)

			_, ok = rx.Next()
			require.False(t, ok, "expected stream to close after the only responder finished")
			require.NoError(t, rx.Err())
		}
	})

	t.Run("ok_del", func(t *testing.T) {
		for i := 0; i < rounds; i++ {
			rx, err := a.Get(ctx, "test/session/qryrep?ok_del")
			require.NoError(t, err)

			reply, ok := rx.Next()
			require.True(t, ok)
			require.True(t, reply.OK())
			require.NotNil(t, reply.Sample)
			assert.Equal(t, sample.Delete, reply.Sample.Kind())
			assert.Zero(t, reply.Sample.Payload().Len())

			_, ok = rx.Next()
			require.False(t, ok)
			require.NoError(t, rx.Err())
		}
	})

	t.Run("err", func(t *testing.T) {
		for i := 0; i < rounds; i++ {
			rx, err := a.Get(ctx, "test/session/qryrep?err")
			require.NoError(t, err)

			reply, ok := rx.Next()
			require.True(t, ok)
			require.False(t, reply.OK())
			require.Nil(t, reply.Sample)
			require.NotNil(t, reply.Err)
			assert.Equal(t, "application failure", reply.Err.String())

			_, ok = rx.Next()
			require.False(t, ok)
			require.NoError(t, rx.Err())
		}
	})
}

func TestSession_QueryValueObservedByQueryable(t *testing.T) {
	ctx := context.Background()
	a, b := openPair(t)

	_, err := b.DeclareQueryable(ctx, "test/session/value", func(q sessionpkg.Query) {
		// Echo the query body back.
		_ = q.Reply(context.Background(), q.KeyExpr(), q.Value().Bytes())
	})
	require.NoError(t, err)
	settle()

	rx, err := a.Get(ctx, "test/session/value", sessionpkg.WithValue([]byte("ping")))
	require.NoError(t, err)

	reply, ok := rx.Next()
	require.True(t, ok)
	require.True(t, reply.OK())
	assert.Equal(t, "ping", reply.Sample.Payload().String())
}

func TestSession_QueryFanOutLocalAndRemote(t *testing.T) {
	ctx := context.Background()
	a, b := openPair(t)

	_, err := a.DeclareQueryable(ctx, "test/fanout/**", func(q sessionpkg.Query) {
		_ = q.Reply(context.Background(), "test/fanout/local", []byte("from-a"))
	})
	require.NoError(t, err)
	_, err = b.DeclareQueryable(ctx, "test/fanout/**", func(q sessionpkg.Query) {
		_ = q.Reply(context.Background(), "test/fanout/remote", []byte("from-b"))
	})
	require.NoError(t, err)
	settle()

	rx, err := a.Get(ctx, "test/fanout/x")
	require.NoError(t, err)

	payloads := make(map[string]bool)
	for reply := range rx.Replies() {
		require.True(t, reply.OK())
		payloads[reply.Sample.Payload().String()] = true
	}
	require.NoError(t, rx.Err())
	assert.Equal(t, map[string]bool{"from-a": true, "from-b": true}, payloads)
}

func TestSession_GetWithNoQueryableClosesImmediately(t *testing.T) {
	ctx := context.Background()
	a, _ := openPair(t)

	rx, err := a.Get(ctx, "test/nobody/home")
	require.NoError(t, err)

	_, ok := rx.Next()
	require.False(t, ok)
	require.NoError(t, rx.Err(), "no matching queryable is a clean, empty completion")
}

func TestSession_QueryTimeout(t *testing.T) {
	ctx := context.Background()
	a, b := openPair(t)

	release := make(chan struct{})
	_, err := b.DeclareQueryable(ctx, "test/slow", func(q sessionpkg.Query) {
		<-release
	})
	require.NoError(t, err)
	settle()
	defer close(release)

	rx, err := a.Get(ctx, "test/slow", sessionpkg.WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	_, ok := rx.Next()
	require.False(t, ok)
	require.ErrorIs(t, rx.Err(), sessionpkg.ErrQueryTimeout)
}

func TestSession_GetFromSubscriberCallback(t *testing.T) {
	ctx := context.Background()
	a, b := openPair(t)

	_, err := b.DeclareQueryable(ctx, "test/reentrant/answer", func(q sessionpkg.Query) {
		_ = q.Reply(context.Background(), "test/reentrant/answer", []byte("42"))
	})
	require.NoError(t, err)

	// The subscriber callback runs on a pool worker and issues a blocking
	// query from inside it.
	results := make(chan string, 1)
	_, err = a.DeclareSubscriber(ctx, "test/reentrant/trigger",
		sessionpkg.WithHandler(func(s *sample.Sample) {
			rx, err := a.Get(context.Background(), "test/reentrant/answer")
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			reply, ok := rx.Next()
			if !ok {
				results <- "no reply"
				return
			}
			results <- reply.Sample.Payload().String()
		}))
	require.NoError(t, err)
	settle()

	require.NoError(t, b.Put(ctx, "test/reentrant/trigger", []byte("go"),
		sessionpkg.WithCongestionControl(sample.Block)))

	select {
	case got := <-results:
		assert.Equal(t, "42", got)
	case <-time.After(5 * time.Second):
		t.Fatal("query issued from subscriber callback deadlocked")
	}
}

func TestSession_GetFromCallbackWithSingleWorker(t *testing.T) {
	ctx := context.Background()
	network := peerlink.NewMemoryNetwork()
	link, err := network.NewLink(&peerlink.Config{NodeID: "solo"})
	require.NoError(t, err)
	sess, err := Open(ctx, NewConfig("solo", link).
		WithWorkers(1).
		WithQueryTimeout(30*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	_, err = sess.DeclareQueryable(ctx, "test/solo/answer", func(q sessionpkg.Query) {
		_ = q.Reply(context.Background(), "test/solo/answer", []byte("42"))
	})
	require.NoError(t, err)

	// With a single worker the subscriber callback holds the whole pool;
	// the query it issues must still resolve without waiting out the
	// query timeout.
	results := make(chan string, 1)
	_, err = sess.DeclareSubscriber(ctx, "test/solo/trigger",
		sessionpkg.WithHandler(func(s *sample.Sample) {
			rx, err := sess.Get(context.Background(), "test/solo/answer")
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			reply, ok := rx.Next()
			if !ok {
				results <- "no reply"
				return
			}
			results <- reply.Sample.Payload().String()
		}))
	require.NoError(t, err)

	require.NoError(t, sess.Put(ctx, "test/solo/trigger", []byte("go"),
		sessionpkg.WithCongestionControl(sample.Block)))

	select {
	case got := <-results:
		assert.Equal(t, "42", got)
	case <-time.After(5 * time.Second):
		t.Fatal("query issued from a saturated pool deadlocked")
	}
}

func TestSession_UndeclareQueryableStopsMatching(t *testing.T) {
	ctx := context.Background()
	a, b := openPair(t)

	q, err := b.DeclareQueryable(ctx, "test/qundecl", func(q sessionpkg.Query) {
		_ = q.Reply(context.Background(), "test/qundecl", []byte("here"))
	})
	require.NoError(t, err)
	settle()

	rx, err := a.Get(ctx, "test/qundecl")
	require.NoError(t, err)
	_, ok := rx.Next()
	require.True(t, ok)

	require.NoError(t, q.Undeclare(ctx))
	settle()

	rx, err = a.Get(ctx, "test/qundecl")
	require.NoError(t, err)
	_, ok = rx.Next()
	require.False(t, ok, "undeclared queryable must not be matched")
	require.NoError(t, rx.Err())
}

func TestSession_TargetIdentityNotReusedAfterUndeclare(t *testing.T) {
	ctx := context.Background()
	network := peerlink.NewMemoryNetwork()
	link, err := network.NewLink(&peerlink.Config{NodeID: "solo"})
	require.NoError(t, err)
	sess, err := Open(ctx, NewConfig("solo", link))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	handler := func(q sessionpkg.Query) {}
	first, err := sess.DeclareQueryable(ctx, "test/targets/a", handler)
	require.NoError(t, err)
	_, err = sess.DeclareQueryable(ctx, "test/targets/b", handler)
	require.NoError(t, err)
	require.NoError(t, first.Undeclare(ctx))
	_, err = sess.DeclareQueryable(ctx, "test/targets/c", handler)
	require.NoError(t, err)

	decls, err := sess.local.Snapshot(ctx)
	require.NoError(t, err)
	seen := make(map[string]string)
	for _, d := range decls {
		id := d.Target.ID()
		if prev, dup := seen[id]; dup {
			t.Fatalf("Target %s shared by %s and %s", id, prev, d.KeyExpr.String())
		}
		seen[id] = d.KeyExpr.String()
	}
}

func TestSession_ClosedSessionFailsOperations(t *testing.T) {
	ctx := context.Background()
	network := peerlink.NewMemoryNetwork()
	link, err := network.NewLink(&peerlink.Config{NodeID: "closer"})
	require.NoError(t, err)
	s, err := Open(ctx, NewConfig("closer", link))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close must be idempotent")

	require.ErrorIs(t, s.Put(ctx, "test/x", []byte("v")), sessionpkg.ErrSessionClosed)
	require.ErrorIs(t, s.Delete(ctx, "test/x"), sessionpkg.ErrSessionClosed)

	_, err = s.DeclareSubscriber(ctx, "test/x")
	require.ErrorIs(t, err, sessionpkg.ErrSessionClosed)
	_, err = s.DeclarePublisher(ctx, "test/x")
	require.ErrorIs(t, err, sessionpkg.ErrSessionClosed)
	_, err = s.DeclareQueryable(ctx, "test/x", func(sessionpkg.Query) {})
	require.ErrorIs(t, err, sessionpkg.ErrSessionClosed)
	_, err = s.Get(ctx, "test/x")
	require.ErrorIs(t, err, sessionpkg.ErrSessionClosed)
}

func TestSession_CloseCancelsOutstandingQueries(t *testing.T) {
	ctx := context.Background()
	a, b := openPair(t)

	block := make(chan struct{})
	_, err := b.DeclareQueryable(ctx, "test/hang", func(q sessionpkg.Query) {
		<-block
	})
	require.NoError(t, err)
	settle()
	defer close(block)

	rx, err := a.Get(ctx, "test/hang", sessionpkg.WithTimeout(time.Minute))
	require.NoError(t, err)

	require.NoError(t, a.Close())

	_, ok := rx.Next()
	require.False(t, ok)
	require.ErrorIs(t, rx.Err(), sessionpkg.ErrSessionClosed)
}

func TestSession_ID(t *testing.T) {
	a, b := openPair(t)
	assert.Equal(t, "peer-a", a.ID())
	assert.Equal(t, "peer-b", b.ID())
}
