package server_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lanmower/dht/internal/dht"
	"github.com/lanmower/dht/internal/router"
	"github.com/lanmower/dht/internal/store"
	"github.com/lanmower/dht/pkg/connector"
	"github.com/lanmower/dht/pkg/holepunch"
	"github.com/lanmower/dht/pkg/identity"
	"github.com/lanmower/dht/pkg/relay"
	"github.com/lanmower/dht/pkg/server"
	"github.com/lanmower/dht/pkg/socket"
	"github.com/lanmower/dht/pkg/transport/quic"
	"github.com/lanmower/dht/pkg/wire"
)

// mockNetwork is a hand-rolled NetworkInterface connecting several in-process
// DHT instances over a simulated async transport, mirroring the pattern
// internal/dht's own integration test uses (package-private, so redeclared
// here rather than imported).
type mockNetwork struct {
	mu    sync.Mutex
	peers map[dht.NodeID]*mockPeer
}

type mockPeer struct {
	node     *dht.Node
	handlers map[dht.Command]dht.Handler
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{peers: make(map[dht.NodeID]*mockPeer)}
}

func (mn *mockNetwork) view(self *dht.Node) dht.NetworkInterface {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.peers[self.ID] = &mockPeer{node: self, handlers: make(map[dht.Command]dht.Handler)}
	return &mockNetView{net: mn, self: self}
}

type mockNetView struct {
	net  *mockNetwork
	self *dht.Node
}

func (v *mockNetView) Request(ctx context.Context, to *dht.Node, cmd dht.Command, target [32]byte, token, value []byte) ([]byte, error) {
	v.net.mu.Lock()
	peer, ok := v.net.peers[to.ID]
	v.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mock network: node %s not registered", to.ID)
	}
	v.net.mu.Lock()
	handler, ok := peer.handlers[cmd]
	v.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mock network: node %s has no handler for %v", to.ID, cmd)
	}
	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return handler(ctx, v.self, target, token, value)
}

func (v *mockNetView) OnRequest(cmd dht.Command, handler dht.Handler) {
	v.net.mu.Lock()
	defer v.net.mu.Unlock()
	v.net.peers[v.self.ID].handlers[cmd] = handler
}

func genNode(t *testing.T, addr string) (*identity.Identity, *dht.Node) {
	t.Helper()
	id, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	return id, dht.NewNode(id.SigningPublicKey, []string{addr})
}

// bindEchoPeer binds a standalone loopback UDP socket that only answers
// holepunch.Classify's raw-UDP reflexive-address probes; it never joins the
// DHT's RPC layer.
func bindEchoPeer(t *testing.T, ctx context.Context) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to bind echo peer: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	holepunch.RunEchoResponder(ctx, conn)
	return conn.LocalAddr().(*net.UDPAddr)
}

// TestServerConnectorEndToEndOverLoopback drives a full announce → lookup →
// connect → hole-punch → stream-open round trip through a relay node,
// entirely over loopback UDP with real QUIC, real Noise_IK handshake
// envelopes, and a real bilateral burst-punch negotiation.
func TestServerConnectorEndToEndOverLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	net := newMockNetwork()

	serverID, serverSelf := genNode(t, "127.0.0.1:20001")
	clientID, clientSelf := genNode(t, "127.0.0.1:20002")
	_, relaySelf := genNode(t, "127.0.0.1:20003")

	serverDHT, err := dht.New(dht.Config{PublicKey: serverID.SigningPublicKey, Network: net.view(serverSelf)})
	if err != nil {
		t.Fatalf("failed to create server DHT: %v", err)
	}
	clientDHT, err := dht.New(dht.Config{PublicKey: clientID.SigningPublicKey, Network: net.view(clientSelf)})
	if err != nil {
		t.Fatalf("failed to create client DHT: %v", err)
	}
	relayNetView := net.view(relaySelf)
	if _, err := dht.New(dht.Config{PublicKey: make([]byte, 32), Network: relayNetView}); err != nil {
		t.Fatalf("failed to create relay DHT: %v", err)
	}

	relayRouter := router.New()
	relayStore := store.New(store.Config{NodeID: relaySelf.ID, Router: relayRouter, Logger: zap.NewNop()})
	relayStore.Register(relayNetView)
	relay.Register(relayNetView, relayRouter, zap.NewNop())

	// Every DHT needs to be able to reach the relay (and, for classify's
	// probe-peer discovery, two echo peers on each side).
	serverDHT.AddNode(relaySelf)
	clientDHT.AddNode(relaySelf)

	echoA := bindEchoPeer(t, ctx)
	echoB := bindEchoPeer(t, ctx)
	echoNodeA := dht.NewNode(make([]byte, 32), []string{echoA.String()})
	echoNodeB := dht.NewNode(append([]byte{1}, make([]byte, 31)...), []string{echoB.String()})
	serverDHT.AddNode(echoNodeA)
	serverDHT.AddNode(echoNodeB)
	clientDHT.AddNode(echoNodeA)
	clientDHT.AddNode(echoNodeB)

	serverRouter := router.New()
	serverStore := store.New(store.Config{NodeID: serverSelf.ID, Router: serverRouter, Logger: zap.NewNop()})
	serverStore.Register(net.view(serverSelf))

	received := make(chan *socket.Socket, 1)
	srv := server.New(serverID, serverDHT, serverStore, serverRouter, server.Options{
		Transport:       quic.New(),
		Logger:          zap.NewNop(),
		GracePeriod:     50 * time.Millisecond,
		RefreshInterval: time.Hour,
	}, func(s *socket.Socket) { received <- s })

	if err := srv.Listen(ctx); err != nil {
		t.Fatalf("server failed to listen: %v", err)
	}
	defer srv.Close(ctx)

	sock, err := connector.Connect(ctx, clientDHT, clientID, serverID.SigningPublicKey, connector.Options{
		Transport: quic.New(),
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("connector failed to connect: %v", err)
	}
	defer sock.Destroy(nil)

	select {
	case got := <-received:
		defer got.Destroy(nil)
	case <-time.After(10 * time.Second):
		t.Fatal("expected onConnection to fire on the server side")
	}

	if sock.State() != socket.StateOpen {
		t.Fatalf("expected connector socket to be open, got %s", sock.State())
	}
}

// TestServerDeclinesConnectWhenFirewallHookVetoes verifies that a
// server-side Firewall veto aborts before any hole-punch session or
// onConnection fires.
func TestServerDeclinesConnectWhenFirewallHookVetoes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	net := newMockNetwork()
	serverID, serverSelf := genNode(t, "127.0.0.1:20011")
	clientID, clientSelf := genNode(t, "127.0.0.1:20012")
	_, relaySelf := genNode(t, "127.0.0.1:20013")

	serverDHT, _ := dht.New(dht.Config{PublicKey: serverID.SigningPublicKey, Network: net.view(serverSelf)})
	clientDHT, _ := dht.New(dht.Config{PublicKey: clientID.SigningPublicKey, Network: net.view(clientSelf)})
	relayNetView := net.view(relaySelf)
	_, _ = dht.New(dht.Config{PublicKey: make([]byte, 32), Network: relayNetView})

	relayRouter := router.New()
	relayStore := store.New(store.Config{NodeID: relaySelf.ID, Router: relayRouter, Logger: zap.NewNop()})
	relayStore.Register(relayNetView)
	relay.Register(relayNetView, relayRouter, zap.NewNop())

	serverDHT.AddNode(relaySelf)
	clientDHT.AddNode(relaySelf)

	serverRouter := router.New()
	serverStore := store.New(store.Config{NodeID: serverSelf.ID, Router: serverRouter, Logger: zap.NewNop()})
	serverStore.Register(net.view(serverSelf))

	var onConnectionFired bool
	srv := server.New(serverID, serverDHT, serverStore, serverRouter, server.Options{
		Transport:       quic.New(),
		Logger:          zap.NewNop(),
		RefreshInterval: time.Hour,
		Firewall:        func(ed25519.PublicKey) bool { return false },
	}, func(s *socket.Socket) { onConnectionFired = true })

	if err := srv.Listen(ctx); err != nil {
		t.Fatalf("server failed to listen: %v", err)
	}
	defer srv.Close(ctx)

	_, err := connector.Connect(ctx, clientDHT, clientID, serverID.SigningPublicKey, connector.Options{
		Transport: quic.New(),
		Logger:    zap.NewNop(),
	})
	if err == nil {
		t.Fatal("expected Connect to fail when the server's Firewall hook vetoes")
	}
	if onConnectionFired {
		t.Fatal("expected onConnection to never fire on a Firewall veto")
	}
}

// TestConnectorHolepunchVetoAbortsWithoutServerOnConnection is the
// client-side mirror of the Firewall veto above: a
// connector-side Holepunch hook returning false sends an abort to the
// relay before t0, the Connect call fails with HOLEPUNCH_ABORTED, and the
// server's onConnection never fires.
func TestConnectorHolepunchVetoAbortsWithoutServerOnConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mnet := newMockNetwork()
	serverID, serverSelf := genNode(t, "127.0.0.1:20021")
	clientID, clientSelf := genNode(t, "127.0.0.1:20022")
	_, relaySelf := genNode(t, "127.0.0.1:20023")

	serverDHT, _ := dht.New(dht.Config{PublicKey: serverID.SigningPublicKey, Network: mnet.view(serverSelf)})
	clientDHT, _ := dht.New(dht.Config{PublicKey: clientID.SigningPublicKey, Network: mnet.view(clientSelf)})
	relayNetView := mnet.view(relaySelf)
	_, _ = dht.New(dht.Config{PublicKey: make([]byte, 32), Network: relayNetView})

	relayRouter := router.New()
	relayStore := store.New(store.Config{NodeID: relaySelf.ID, Router: relayRouter, Logger: zap.NewNop()})
	relayStore.Register(relayNetView)
	relay.Register(relayNetView, relayRouter, zap.NewNop())

	serverDHT.AddNode(relaySelf)
	clientDHT.AddNode(relaySelf)

	serverRouter := router.New()
	serverStore := store.New(store.Config{NodeID: serverSelf.ID, Router: serverRouter, Logger: zap.NewNop()})
	serverStore.Register(mnet.view(serverSelf))

	var onConnectionFired bool
	srv := server.New(serverID, serverDHT, serverStore, serverRouter, server.Options{
		Transport:       quic.New(),
		Logger:          zap.NewNop(),
		RefreshInterval: time.Hour,
	}, func(s *socket.Socket) { onConnectionFired = true })

	if err := srv.Listen(ctx); err != nil {
		t.Fatalf("server failed to listen: %v", err)
	}
	defer srv.Close(ctx)

	_, err := connector.Connect(ctx, clientDHT, clientID, serverID.SigningPublicKey, connector.Options{
		Transport: quic.New(),
		Logger:    zap.NewNop(),
		Holepunch: func(remoteClass, localClass holepunch.FirewallClass, remoteAddr, localAddr *net.UDPAddr) bool {
			return false
		},
	})
	if err == nil {
		t.Fatal("expected Connect to fail when the connector's Holepunch hook vetoes")
	}
	if !errors.Is(err, wire.ErrHolepunchAborted) {
		t.Fatalf("expected a HOLEPUNCH_ABORTED error, got %v", err)
	}
	if onConnectionFired {
		t.Fatal("expected onConnection to never fire on a client-side Holepunch veto")
	}
}

// TestTenConcurrentConnectsObserveHiThenClose drives a 10-connect fan-in:
// the server ends every inbound connection immediately with the
// payload "hi"; all 10 concurrent connectors must observe that payload and
// reach StateClosed.
func TestTenConcurrentConnectsObserveHiThenClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	net := newMockNetwork()
	serverID, serverSelf := genNode(t, "127.0.0.1:20041")
	_, relaySelf := genNode(t, "127.0.0.1:20042")

	serverDHT, err := dht.New(dht.Config{PublicKey: serverID.SigningPublicKey, Network: net.view(serverSelf)})
	if err != nil {
		t.Fatalf("failed to create server DHT: %v", err)
	}
	relayNetView := net.view(relaySelf)
	if _, err := dht.New(dht.Config{PublicKey: make([]byte, 32), Network: relayNetView}); err != nil {
		t.Fatalf("failed to create relay DHT: %v", err)
	}

	relayRouter := router.New()
	relayStore := store.New(store.Config{NodeID: relaySelf.ID, Router: relayRouter, Logger: zap.NewNop()})
	relayStore.Register(relayNetView)
	relay.Register(relayNetView, relayRouter, zap.NewNop())

	serverDHT.AddNode(relaySelf)

	echoA := bindEchoPeer(t, ctx)
	echoB := bindEchoPeer(t, ctx)
	echoNodeA := dht.NewNode(make([]byte, 32), []string{echoA.String()})
	echoNodeB := dht.NewNode(append([]byte{1}, make([]byte, 31)...), []string{echoB.String()})
	serverDHT.AddNode(echoNodeA)
	serverDHT.AddNode(echoNodeB)

	serverRouter := router.New()
	serverStore := store.New(store.Config{NodeID: serverSelf.ID, Router: serverRouter, Logger: zap.NewNop()})
	serverStore.Register(net.view(serverSelf))

	srv := server.New(serverID, serverDHT, serverStore, serverRouter, server.Options{
		Transport:       quic.New(),
		Logger:          zap.NewNop(),
		GracePeriod:     50 * time.Millisecond,
		RefreshInterval: time.Hour,
	}, func(s *socket.Socket) {
		// The delay gives every one of the 10 concurrent connectors a
		// chance to register OnData/OnClose before the payload lands,
		// since Connect() hands back an already-started Socket.
		go func() {
			time.Sleep(150 * time.Millisecond)
			s.Write([]byte("hi"))
			s.Destroy(nil)
		}()
	})

	if err := srv.Listen(ctx); err != nil {
		t.Fatalf("server failed to listen: %v", err)
	}
	defer srv.Close(ctx)

	const fanIn = 10
	var wg sync.WaitGroup
	errs := make(chan error, fanIn)

	for i := 0; i < fanIn; i++ {
		clientID, clientSelf := genNode(t, fmt.Sprintf("127.0.0.1:%d", 21000+i))
		clientDHT, err := dht.New(dht.Config{PublicKey: clientID.SigningPublicKey, Network: net.view(clientSelf)})
		if err != nil {
			t.Fatalf("failed to create client %d DHT: %v", i, err)
		}
		clientDHT.AddNode(relaySelf)
		clientDHT.AddNode(echoNodeA)
		clientDHT.AddNode(echoNodeB)

		wg.Add(1)
		go func(i int, clientDHT *dht.DHT, clientID *identity.Identity) {
			defer wg.Done()

			sock, err := connector.Connect(ctx, clientDHT, clientID, serverID.SigningPublicKey, connector.Options{
				Transport: quic.New(),
				Logger:    zap.NewNop(),
			})
			if err != nil {
				errs <- fmt.Errorf("client %d: connect failed: %w", i, err)
				return
			}

			got := make(chan []byte, 1)
			closed := make(chan struct{})
			sock.OnData(func(b []byte) {
				payload := append([]byte(nil), b...)
				select {
				case got <- payload:
				default:
				}
			})
			sock.OnClose(func() { close(closed) })

			select {
			case b := <-got:
				if string(b) != "hi" {
					errs <- fmt.Errorf("client %d: expected payload %q, got %q", i, "hi", b)
					return
				}
			case <-time.After(15 * time.Second):
				errs <- fmt.Errorf("client %d: timed out waiting for \"hi\"", i)
				return
			}

			select {
			case <-closed:
			case <-time.After(15 * time.Second):
				errs <- fmt.Errorf("client %d: timed out waiting for close", i)
				return
			}
		}(i, clientDHT, clientID)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
