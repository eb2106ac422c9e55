package dht

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/lanmower/dht/pkg/wire"
)

func newTestUDPNetwork(t *testing.T, timeout time.Duration) (*UDPNetwork, *Node) {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to bind: %v", err)
	}

	nw, err := NewUDPNetwork(UDPNetworkConfig{PublicKey: pub, Conn: conn, Timeout: timeout})
	if err != nil {
		t.Fatalf("failed to create network: %v", err)
	}
	nw.Start(context.Background())
	t.Cleanup(func() { nw.Close() })

	return nw, NewNode(pub, []string{conn.LocalAddr().String()})
}

func TestUDPNetworkRequestReply(t *testing.T) {
	a, _ := newTestUDPNetwork(t, 2*time.Second)
	b, bNode := newTestUDPNetwork(t, 2*time.Second)

	var gotTarget [32]byte
	var gotToken, gotValue []byte
	b.OnRequest(CmdLookup, func(ctx context.Context, from *Node, target [32]byte, token, value []byte) ([]byte, error) {
		gotTarget, gotToken, gotValue = target, token, value
		return []byte("reply-payload"), nil
	})

	target := [32]byte{1, 2, 3}
	reply, err := a.Request(context.Background(), bNode, CmdLookup, target, []byte("tok"), []byte("val"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if string(reply) != "reply-payload" {
		t.Fatalf("expected reply payload, got %q", reply)
	}
	if gotTarget != target {
		t.Fatalf("handler saw wrong target: %x", gotTarget)
	}
	if string(gotToken) != "tok" || string(gotValue) != "val" {
		t.Fatalf("handler saw wrong token/value: %q %q", gotToken, gotValue)
	}
}

func TestUDPNetworkPropagatesWireErrors(t *testing.T) {
	a, _ := newTestUDPNetwork(t, 2*time.Second)
	b, bNode := newTestUDPNetwork(t, 2*time.Second)

	b.OnRequest(CmdMutablePut, func(ctx context.Context, from *Node, target [32]byte, token, value []byte) ([]byte, error) {
		return nil, wire.ErrSeqReused
	})

	_, err := a.Request(context.Background(), bNode, CmdMutablePut, [32]byte{}, nil, nil)
	if err == nil {
		t.Fatal("expected an error reply")
	}
	var we *wire.Error
	if !errors.As(err, &we) {
		t.Fatalf("expected a *wire.Error, got %T: %v", err, err)
	}
	if we.Code != wire.ErrSeqReused.Code {
		t.Fatalf("expected SEQ_REUSED, got %v", we)
	}
}

// TestUDPNetworkSilentDropSurfacesAsTimeout checks the drop policy: a
// handler failure without a wire error code sends nothing back, and the
// requester observes only its own timeout.
func TestUDPNetworkSilentDropSurfacesAsTimeout(t *testing.T) {
	a, _ := newTestUDPNetwork(t, 300*time.Millisecond)
	b, bNode := newTestUDPNetwork(t, 300*time.Millisecond)

	b.OnRequest(CmdAnnounce, func(ctx context.Context, from *Node, target [32]byte, token, value []byte) ([]byte, error) {
		return nil, context.DeadlineExceeded
	})

	start := time.Now()
	_, err := a.Request(context.Background(), bNode, CmdAnnounce, [32]byte{}, nil, nil)
	if err == nil {
		t.Fatal("expected a timeout error for a silently dropped request")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

func TestUDPNetworkPingLearnsPeerIdentity(t *testing.T) {
	a, aNode := newTestUDPNetwork(t, 2*time.Second)
	b, bNode := newTestUDPNetwork(t, 2*time.Second)

	observed := make(chan *Node, 1)
	b.SetPeerHook(func(n *Node) {
		select {
		case observed <- n:
		default:
		}
	})

	got, err := a.Ping(context.Background(), b.LocalAddr().String())
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if !bytes.Equal(got.PublicKey, bNode.PublicKey) {
		t.Fatalf("ping learned wrong public key")
	}

	select {
	case n := <-observed:
		if !bytes.Equal(n.PublicKey, aNode.PublicKey) {
			t.Fatalf("peer hook saw wrong public key")
		}
	case <-time.After(time.Second):
		t.Fatal("expected the pinged side's peer hook to fire")
	}
}

// TestUDPNetworkRawHandlerConsumesForeignDatagrams checks that a
// co-resident protocol (classification probes) gets first refusal on every
// datagram before frame decoding.
func TestUDPNetworkRawHandlerConsumesForeignDatagrams(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to bind: %v", err)
	}

	raw := make(chan []byte, 1)
	nw, err := NewUDPNetwork(UDPNetworkConfig{
		PublicKey: pub,
		Conn:      conn,
		Raw: func(payload []byte, from *net.UDPAddr) bool {
			if string(payload) == "not-a-frame" {
				raw <- payload
				return true
			}
			return false
		},
	})
	if err != nil {
		t.Fatalf("failed to create network: %v", err)
	}
	nw.Start(context.Background())
	defer nw.Close()

	sender, err := net.Dial("udp4", conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer sender.Close()
	if _, err := sender.Write([]byte("not-a-frame")); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	select {
	case got := <-raw:
		if string(got) != "not-a-frame" {
			t.Fatalf("raw handler saw wrong payload: %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the raw handler to consume the datagram")
	}
}
