// Package connector implements the Connector component: the
// short-lived side of a stream connection, driven through an explicit
// state machine (LOOKING_UP → RELAYING → PUNCHING → OPEN, with CLOSED
// reachable from any state on error or veto) instead of the nested
// callback chain a naive port might reach for.
package connector

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanmower/dht/internal/dht"
	"github.com/lanmower/dht/pkg/codec/cborcanon"
	"github.com/lanmower/dht/pkg/holepunch"
	"github.com/lanmower/dht/pkg/identity"
	"github.com/lanmower/dht/pkg/noiseik"
	"github.com/lanmower/dht/pkg/relay"
	"github.com/lanmower/dht/pkg/socket"
	"github.com/lanmower/dht/pkg/transport"
	"github.com/lanmower/dht/pkg/wire"
)

// State is the Connector's position in the connection-establishment state
// machine.
type State uint8

const (
	StateLookingUp State = iota
	StateRelaying
	StatePunching
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLookingUp:
		return "LOOKING_UP"
	case StateRelaying:
		return "RELAYING"
	case StatePunching:
		return "PUNCHING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Options configures a single Connect call.
type Options struct {
	// QuickFirewall is passed through to holepunch.Classify.
	QuickFirewall bool

	// Holepunch, if set, may veto once both sides' firewall classes and
	// candidate addresses are known but before probing starts. A
	// veto here sends a follow-up abort to the server so its own
	// onConnection never fires either.
	Holepunch func(remoteClass, localClass holepunch.FirewallClass, remoteAddr, localAddr *net.UDPAddr) bool

	// Fanout bounds how many of the target's closest nodes are tried with
	// FIND_PEER before giving up (LOOKING_UP).
	Fanout int

	// PSKConfig, if set, attaches a pre-shared-key proof to the outbound
	// ClientHello and verifies one is present on the ServerHello.
	PSKConfig *noiseik.PSKConfig

	// AdmissionConfig/AdmissionToken/TokenSigningKey, if set, attach an
	// admission-token proof to the outbound ClientHello (RELAYING), for
	// servers that require one before admitting a CONNECT.
	AdmissionConfig *noiseik.AdmissionConfig
	AdmissionToken  string
	TokenSigningKey ed25519.PrivateKey

	Transport transport.PacketTransport
	Logger    *zap.Logger
}

func (o *Options) setDefaults() {
	if o.Fanout <= 0 {
		o.Fanout = 20
	}
}

// ErrNoRelay is returned when no node among the target's closest peers
// holds a Router entry for it — nobody is announcing the server's record.
// It carries the PEER_NOT_FOUND wire code, so errors.Is(err,
// wire.ErrPeerNotFound) also matches it.
var ErrNoRelay = wire.ErrPeerNotFoundf("connector: no node in the DHT is relaying the requested server")

// Connect resolves remotePublicKey to a reachable stream, driving the full
// LOOKING_UP → RELAYING → PUNCHING → OPEN sequence. It blocks until
// the socket opens, the peer or a local hook aborts, or ctx is done.
func Connect(ctx context.Context, node *dht.DHT, id *identity.Identity, remotePublicKey ed25519.PublicKey, opts Options) (*socket.Socket, error) {
	opts.setDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("connector: Options.Transport is required")
	}

	c := &connection{
		node:     node,
		identity: id,
		remote:   remotePublicKey,
		target:   identity.Target(remotePublicKey),
		opts:     opts,
		logger:   logger,
		state:    StateLookingUp,
	}
	return c.run(ctx)
}

// connection holds the state for a single in-flight Connect call.
type connection struct {
	mu    sync.Mutex
	state State

	node     *dht.DHT
	identity *identity.Identity
	remote   ed25519.PublicKey
	target   [32]byte
	opts     Options
	logger   *zap.Logger

	sessionConn *net.UDPConn
	localClass  holepunch.FirewallClass
	hs          *noiseik.Handshake
}

func (c *connection) transition(next State) {
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
	c.logger.Debug("connector state transition", zap.String("to", next.String()))
}

// State returns the connection's current position in the state machine.
func (c *connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) run(ctx context.Context) (*socket.Socket, error) {
	sessionConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("connector: failed to bind session socket: %w", err)
	}
	c.sessionConn = sessionConn
	defer func() {
		if c.State() != StateOpen {
			sessionConn.Close()
		}
	}()

	// No echo responder runs on the session socket: Classify, the punch
	// session, and finally QUIC each need to be its only reader in turn.
	c.localClass = holepunch.Classify(ctx, sessionConn, probeAddrs(c.node.GetAllNodes()), c.opts.QuickFirewall, nil)

	relayNode, err := c.findRelay(ctx)
	if err != nil {
		c.transition(StateClosed)
		return nil, err
	}

	c.transition(StateRelaying)
	resp, err := c.sendConnect(ctx, relayNode)
	if err != nil {
		c.transition(StateClosed)
		return nil, err
	}

	c.transition(StatePunching)
	sock, err := c.punch(ctx, relayNode, resp)
	if err != nil {
		c.transition(StateClosed)
		return nil, err
	}

	c.transition(StateOpen)
	return sock, nil
}

func probeAddrs(nodes []*dht.Node) []*net.UDPAddr {
	var out []*net.UDPAddr
	for _, n := range nodes {
		for _, a := range n.Addrs {
			if addr, err := net.ResolveUDPAddr("udp4", a); err == nil {
				out = append(out, addr)
				break
			}
		}
		if len(out) >= 3 {
			break
		}
	}
	return out
}

// findRelay asks the closest known nodes to the target FIND_PEER until one
// answers with a non-nil Peer record — that node is the one holding a
// Router entry for the target (findPeer, LOOKING_UP).
func (c *connection) findRelay(ctx context.Context) (*dht.Node, error) {
	candidates := c.node.GetClosestNodes(dht.NodeID(c.target), c.opts.Fanout)
	for _, p := range candidates {
		reply, err := c.node.Request(ctx, p, dht.CmdFindPeer, c.target, nil, nil)
		if err != nil {
			c.logger.Debug("find_peer failed", zap.String("peer", p.ID.String()), zap.Error(err))
			continue
		}
		var fpr wire.FindPeerReply
		if err := cborcanon.Unmarshal(reply, &fpr); err != nil || fpr.Peer == nil {
			continue
		}
		return p, nil
	}
	return nil, ErrNoRelay
}

func (c *connection) sendConnect(ctx context.Context, relayNode *dht.Node) (*wire.ConnectResponse, error) {
	hs, err := noiseik.NewClientHandshake(c.identity, c.remote)
	if err != nil {
		return nil, err
	}
	if c.opts.PSKConfig != nil {
		hs.SetPSK(c.opts.PSKConfig)
	}
	if c.opts.AdmissionConfig != nil {
		hs.SetAdmission(c.opts.AdmissionConfig, c.opts.AdmissionToken, c.opts.TokenSigningKey)
	}
	hello, err := hs.CreateClientHello()
	if err != nil {
		return nil, err
	}
	msg1, err := hello.Marshal()
	if err != nil {
		return nil, err
	}

	localAddr := c.sessionConn.LocalAddr().(*net.UDPAddr)
	req := wire.ConnectRequest{
		ClientPublicKey: c.identity.SigningPublicKey,
		HandshakeMsg1:   msg1,
		Candidates:      []wire.Address{wire.AddressFromUDP(localAddr)},
		Firewall:        uint8(c.localClass),
	}
	value, err := cborcanon.Marshal(req)
	if err != nil {
		return nil, err
	}

	replyBytes, err := c.node.Request(ctx, relayNode, dht.CmdConnect, c.target, nil, value)
	if err != nil {
		return nil, err
	}

	var resp wire.ConnectResponse
	if err := cborcanon.Unmarshal(replyBytes, &resp); err != nil {
		return nil, fmt.Errorf("connector: undecodable connect response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("connector: connect response carries no candidate address")
	}

	var serverHello noiseik.ServerHello
	if err := serverHello.Unmarshal(resp.HandshakeMsg2); err != nil {
		return nil, fmt.Errorf("connector: undecodable handshake response: %w", err)
	}
	if err := hs.ProcessServerHello(&serverHello); err != nil {
		return nil, fmt.Errorf("connector: handshake verification failed: %w", err)
	}
	c.hs = hs

	return &resp, nil
}

func (c *connection) punch(ctx context.Context, relayNode *dht.Node, resp *wire.ConnectResponse) (*socket.Socket, error) {
	remoteClass := holepunch.FirewallClass(resp.Firewall)
	remoteCandidate := resp.Candidates[0].UDPAddr()
	localCandidate := c.sessionConn.LocalAddr().(*net.UDPAddr)
	sessionTarget := relay.SessionTarget(c.target, c.identity.SigningPublicKey)

	if c.opts.Holepunch != nil && !c.opts.Holepunch(remoteClass, c.localClass, remoteCandidate, localCandidate) {
		veto, _ := cborcanon.Marshal(wire.Holepunch{Mode: wire.HolepunchModeVeto})
		c.node.Request(ctx, relayNode, dht.CmdHolepunch, sessionTarget, nil, veto)
		return nil, wire.ErrHolepunchAborted
	}

	sess := holepunch.NewSession(c.sessionConn, holepunch.Config{Logger: c.logger})
	sess.BeginClassifying()
	sess.Negotiate(c.localClass, remoteClass, remoteCandidate, time.Unix(0, resp.StartAtUnix))

	// The confirmation doubles as the closing Noise message: the server
	// completes the handshake on receipt, before either side probes.
	confirm, err := cborcanon.Marshal(wire.Holepunch{Mode: wire.HolepunchModeOffer, Payload: c.hs.FinalMessage()})
	if err != nil {
		sess.Close()
		return nil, err
	}
	if _, err := c.node.Request(ctx, relayNode, dht.CmdHolepunch, sessionTarget, nil, confirm); err != nil {
		sess.Close()
		return nil, fmt.Errorf("connector: holepunch confirmation failed: %w", err)
	}

	conn, lockedAddr, err := sess.Punch(ctx)
	if err != nil {
		return nil, err
	}

	tlsConfig, err := transport.SelfSignedTLSConfig()
	if err != nil {
		return nil, err
	}
	tconn, err := c.opts.Transport.DialOn(ctx, conn, lockedAddr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("connector: stream transport failed to dial punched socket: %w", err)
	}

	send, recv, err := c.hs.SessionCiphers()
	if err != nil {
		tconn.Close()
		return nil, fmt.Errorf("connector: no session ciphers after completed handshake: %w", err)
	}

	sock := socket.NewSecure(tconn, send, recv)
	sock.Start()
	return sock, nil
}
