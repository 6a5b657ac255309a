package peerlink

import (
	"context"
	"testing"
	"time"

	"github.com/keymesh-io/keymesh-go/internal/frame"
	peerlinkpkg "github.com/keymesh-io/keymesh-go/pkg/peerlink"
)

func newTestPair(t *testing.T) (*MemoryLink, *MemoryLink) {
	t.Helper()
	net := NewMemoryNetwork()
	a, err := net.NewLink(&Config{NodeID: "peer-a"})
	if err != nil {
		t.Fatalf("NewLink(peer-a) failed: %v", err)
	}
	b, err := net.NewLink(&Config{NodeID: "peer-b"})
	if err != nil {
		t.Fatalf("NewLink(peer-b) failed: %v", err)
	}
	return a, b
}

func recvInbound(t *testing.T, ch <-chan peerlinkpkg.Inbound) peerlinkpkg.Inbound {
	t.Helper()
	select {
	case in, ok := <-ch:
		if !ok {
			t.Fatal("inbound channel closed unexpectedly")
		}
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}
	return peerlinkpkg.Inbound{}
}

func TestMemoryLink_ConnectDeliversHelloBothWays(t *testing.T) {
	a, b := newTestPair(t)
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	if err := a.Connect(ctx, MemoryPeer{NodeID: "peer-b"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	inA, _ := a.Receive(ctx)
	inB, _ := b.Receive(ctx)

	got := recvInbound(t, inA)
	f, err := frame.Decode(got.Frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Type != frame.TypeHello || got.PeerID != "peer-b" {
		t.Errorf("Expected hello from peer-b, got %v from %s", f.Type, got.PeerID)
	}

	got = recvInbound(t, inB)
	f, err = frame.Decode(got.Frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Type != frame.TypeHello || got.PeerID != "peer-a" {
		t.Errorf("Expected hello from peer-a, got %v from %s", f.Type, got.PeerID)
	}
}

func TestMemoryLink_SendPreservesPerPeerOrder(t *testing.T) {
	a, b := newTestPair(t)
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	if err := a.Connect(ctx, MemoryPeer{NodeID: "peer-b"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	inB, _ := b.Receive(ctx)
	recvInbound(t, inB) // hello

	for i := byte(0); i < 50; i++ {
		if err := a.Send(ctx, "peer-b", []byte{i}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for i := byte(0); i < 50; i++ {
		got := recvInbound(t, inB)
		if got.Frame[0] != i {
			t.Fatalf("Frame order broken: got %d at position %d", got.Frame[0], i)
		}
	}
}

func TestMemoryLink_TrySendDropsWhenFull(t *testing.T) {
	net := NewMemoryNetwork()
	a, err := net.NewLink(&Config{NodeID: "peer-a", SendQueueSize: 4})
	if err != nil {
		t.Fatalf("NewLink failed: %v", err)
	}
	b, err := net.NewLink(&Config{NodeID: "peer-b", ReceiveQueueSize: 1})
	if err != nil {
		t.Fatalf("NewLink failed: %v", err)
	}
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	if err := a.Connect(ctx, MemoryPeer{NodeID: "peer-b"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Nobody drains peer-b, so peer-a's queue eventually fills and
	// TrySend reports non-admission instead of blocking.
	dropped := false
	for i := 0; i < 100; i++ {
		ok, err := a.TrySend("peer-b", []byte("frame"))
		if err != nil {
			t.Fatalf("TrySend failed: %v", err)
		}
		if !ok {
			dropped = true
			break
		}
	}
	if !dropped {
		t.Error("Expected TrySend to report a full queue")
	}
}

func TestMemoryLink_SendToUnknownPeer(t *testing.T) {
	a, _ := newTestPair(t)
	defer a.Close()

	if err := a.Send(context.Background(), "nobody", []byte("x")); err == nil {
		t.Error("Expected error sending to unconnected peer")
	}
}

func TestMemoryLink_DisconnectStopsDelivery(t *testing.T) {
	a, b := newTestPair(t)
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	if err := a.Connect(ctx, MemoryPeer{NodeID: "peer-b"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := a.Disconnect(ctx, "peer-b"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	peers, err := a.ConnectedPeers(ctx)
	if err != nil {
		t.Fatalf("ConnectedPeers failed: %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("Expected no connected peers, got %d", len(peers))
	}
	if err := a.Send(ctx, "peer-b", []byte("x")); err == nil {
		t.Error("Expected Send after Disconnect to fail")
	}
}

func TestMemoryLink_CloseClosesReceiveChannels(t *testing.T) {
	a, b := newTestPair(t)
	defer b.Close()
	ctx := context.Background()

	if err := a.Connect(ctx, MemoryPeer{NodeID: "peer-b"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	inA, _ := a.Receive(ctx)
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Close is idempotent.
	if err := a.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-inA:
			if !ok {
				return // channel closed as promised
			}
		case <-deadline:
			t.Fatal("inbound channel did not close")
		}
	}
}
