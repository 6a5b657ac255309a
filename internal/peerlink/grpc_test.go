package peerlink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/keymesh-io/keymesh-go/internal/frame"
	peerlinkpkg "github.com/keymesh-io/keymesh-go/pkg/peerlink"
)

func TestNewGRPCLink_RequiresNodeID(t *testing.T) {
	_, err := NewGRPCLink(&Config{})
	if !errors.Is(err, ErrEmptyNodeID) {
		t.Fatalf("Expected ErrEmptyNodeID, got %v", err)
	}
}

func TestGRPCLink_OutboundOnly(t *testing.T) {
	link, err := NewGRPCLink(&Config{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("Failed to create link: %v", err)
	}
	defer link.Close()

	ctx := context.Background()

	peers, err := link.ConnectedPeers(ctx)
	if err != nil {
		t.Fatalf("ConnectedPeers failed: %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("Expected no connected peers, got %d", len(peers))
	}

	if err := link.Send(ctx, "node-b", []byte("frame")); !errors.Is(err, ErrPeerNotConnected) {
		t.Errorf("Expected ErrPeerNotConnected from Send, got %v", err)
	}
	if _, err := link.TrySend("node-b", []byte("frame")); !errors.Is(err, ErrPeerNotConnected) {
		t.Errorf("Expected ErrPeerNotConnected from TrySend, got %v", err)
	}
	if err := link.Disconnect(ctx, "node-b"); err != nil {
		t.Errorf("Disconnect of unknown peer should be a no-op, got %v", err)
	}
}

func TestGRPCLink_ConnectRequiresAddress(t *testing.T) {
	link, err := NewGRPCLink(&Config{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("Failed to create link: %v", err)
	}
	defer link.Close()

	if err := link.Connect(context.Background(), GRPCPeer{NodeID: "node-b"}); err == nil {
		t.Fatal("Expected error connecting to a peer without an address")
	}
}

func TestGRPCLink_CloseIdempotent(t *testing.T) {
	link, err := NewGRPCLink(&Config{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("Failed to create link: %v", err)
	}

	if err := link.Close(); err != nil {
		t.Fatalf("First close failed: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}

	if err := link.Connect(context.Background(), GRPCPeer{NodeID: "node-b", Addr: "localhost:7447"}); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Expected ErrLinkClosed from Connect after close, got %v", err)
	}

	in, errs := link.Receive(context.Background())
	if _, ok := <-in; ok {
		t.Error("Expected inbound channel to be closed")
	}
	if _, ok := <-errs; ok {
		t.Error("Expected error channel to be closed")
	}
}

func newLoopbackServer(t *testing.T, nodeID string) *GRPCLink {
	t.Helper()
	link, err := NewGRPCLink(&Config{NodeID: nodeID, ListenAddress: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Failed to create listening link: %v", err)
	}
	t.Cleanup(func() { link.Close() })
	return link
}

func expectHello(t *testing.T, ch <-chan peerlinkpkg.Inbound, fromPeer string) {
	t.Helper()
	got := recvInbound(t, ch)
	f, err := frame.Decode(got.Frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Type != frame.TypeHello || got.PeerID != fromPeer {
		t.Fatalf("Expected hello from %s, got %v from %s", fromPeer, f.Type, got.PeerID)
	}
}

func TestGRPCLink_LoopbackHelloAndOrder(t *testing.T) {
	server := newLoopbackServer(t, "srv")
	client, err := NewGRPCLink(&Config{NodeID: "cli"})
	if err != nil {
		t.Fatalf("Failed to create client link: %v", err)
	}
	defer client.Close()
	ctx := context.Background()

	if err := client.Connect(ctx, GRPCPeer{Addr: server.ListenAddress()}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	srvIn, _ := server.Receive(ctx)
	cliIn, _ := client.Receive(ctx)
	expectHello(t, srvIn, "cli")
	expectHello(t, cliIn, "srv")

	peers, err := client.ConnectedPeers(ctx)
	if err != nil {
		t.Fatalf("ConnectedPeers failed: %v", err)
	}
	if len(peers) != 1 || peers[0].ID() != "srv" {
		t.Fatalf("Expected client to know peer srv, got %v", peers)
	}

	const count = 50
	for i := 0; i < count; i++ {
		f := &frame.Frame{Type: frame.TypeSample, Key: fmt.Sprintf("k/%d", i)}
		if err := client.Send(ctx, "srv", f.Encode()); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	for i := 0; i < count; i++ {
		got := recvInbound(t, srvIn)
		f, err := frame.Decode(got.Frame)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if want := fmt.Sprintf("k/%d", i); f.Key != want {
			t.Fatalf("Frame %d out of order: got key %s, want %s", i, f.Key, want)
		}
	}
}

func TestGRPCLink_ReconnectReplacesStaleStream(t *testing.T) {
	server := newLoopbackServer(t, "srv")
	ctx := context.Background()
	srvIn, _ := server.Receive(ctx)

	stale, err := NewGRPCLink(&Config{NodeID: "cli"})
	if err != nil {
		t.Fatalf("Failed to create link: %v", err)
	}
	if err := stale.Connect(ctx, GRPCPeer{Addr: server.ListenAddress()}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	expectHello(t, srvIn, "cli")

	fresh, err := NewGRPCLink(&Config{NodeID: "cli"})
	if err != nil {
		t.Fatalf("Failed to create link: %v", err)
	}
	defer fresh.Close()
	if err := fresh.Connect(ctx, GRPCPeer{Addr: server.ListenAddress()}); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	expectHello(t, srvIn, "cli")

	// The old client goes away; its stream teardown on the server must
	// not evict the replacement connection.
	stale.Close()
	time.Sleep(300 * time.Millisecond)

	peers, err := server.ConnectedPeers(ctx)
	if err != nil {
		t.Fatalf("ConnectedPeers failed: %v", err)
	}
	if len(peers) != 1 || peers[0].ID() != "cli" {
		t.Fatalf("Expected server to still know peer cli, got %v", peers)
	}

	freshIn, _ := fresh.Receive(ctx)
	expectHello(t, freshIn, "srv")
	f := &frame.Frame{Type: frame.TypeSample, Key: "after/reconnect"}
	if err := server.Send(ctx, "cli", f.Encode()); err != nil {
		t.Fatalf("Send after reconnect failed: %v", err)
	}
	got := recvInbound(t, freshIn)
	decoded, err := frame.Decode(got.Frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Key != "after/reconnect" {
		t.Fatalf("Expected frame after/reconnect, got %s", decoded.Key)
	}
}

func TestGRPCPeer_Accessors(t *testing.T) {
	p := GRPCPeer{NodeID: "node-b", Addr: "localhost:7447"}
	if p.ID() != "node-b" {
		t.Errorf("Expected ID node-b, got %s", p.ID())
	}
	if p.Address() != "localhost:7447" {
		t.Errorf("Expected address localhost:7447, got %s", p.Address())
	}
}

func TestRawCodec_RoundTrip(t *testing.T) {
	codec := rawCodec{}
	in := []byte{0x01, 0x02, 0x03}

	wire, err := codec.Marshal(&in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out []byte
	if err := codec.Unmarshal(wire, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Errorf("Expected %v, got %v", in, out)
	}

	if _, err := codec.Marshal("not a byte slice"); err == nil {
		t.Error("Expected error marshaling a non-byte-slice value")
	}
	if err := codec.Unmarshal(wire, "not a byte slice"); err == nil {
		t.Error("Expected error unmarshaling into a non-byte-slice value")
	}
}
