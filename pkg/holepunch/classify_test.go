package holepunch

import (
	"context"
	"net"
	"testing"
	"time"
)

func bindLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to bind loopback UDP socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestClassifyOpenOverLoopback exercises Classify end to end: two echo
// responders answer a third socket's probes from the same loopback address
// they were sent from, so the reported port always equals the sender's own
// bound port, which Classify reads as FirewallOpen.
func TestClassifyOpenOverLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peerA := bindLoopback(t)
	peerB := bindLoopback(t)
	RunEchoResponder(ctx, peerA)
	RunEchoResponder(ctx, peerB)

	prober := bindLoopback(t)
	class := Classify(ctx, prober, []*net.UDPAddr{
		peerA.LocalAddr().(*net.UDPAddr),
		peerB.LocalAddr().(*net.UDPAddr),
	}, false, nil)

	if class != FirewallOpen {
		t.Fatalf("expected FirewallOpen over loopback, got %s", class)
	}
}

func TestClassifyQuickFirewallShortCircuits(t *testing.T) {
	ctx := context.Background()
	prober := bindLoopback(t)
	relayObserved := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 4242}

	class := Classify(ctx, prober, nil, true, relayObserved)
	if class != FirewallConsistent {
		t.Fatalf("expected quickFirewall to report FirewallConsistent, got %s", class)
	}
}

func TestClassifyNoResponsesIsUnknown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	prober := bindLoopback(t)

	// A bound-but-unanswering peer address: nothing runs RunEchoResponder on
	// it, so every probe times out.
	deadPeer := bindLoopback(t)
	deadAddr := deadPeer.LocalAddr().(*net.UDPAddr)
	deadPeer.Close()

	class := Classify(ctx, prober, []*net.UDPAddr{deadAddr}, false, nil)
	if class != FirewallUnknown {
		t.Fatalf("expected FirewallUnknown when no peer answers, got %s", class)
	}
}
