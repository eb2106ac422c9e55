package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lanmower/dht/pkg/codec/cborcanon"
	"github.com/lanmower/dht/pkg/constants"
	"github.com/lanmower/dht/pkg/wire"
)

// Frame kinds carried over the RPC socket. PING/PONG are internal to the
// network layer itself: a ping learns the public key behind a raw address
// before the routing table can name it, which is how bootstrap addresses
// become Nodes.
const (
	frameRequest uint8 = iota + 1
	frameReply
	frameError
	framePing
	framePong
)

// frame is the datagram envelope for every RPC. Replies echo the request's
// ID so the sender can match them to its pending call.
type frame struct {
	ID        uint64  `cbor:"id"`
	Kind      uint8   `cbor:"kind"`
	Cmd       Command `cbor:"cmd,omitempty"`
	From      []byte  `cbor:"from"`
	Target    []byte  `cbor:"target,omitempty"`
	Token     []byte  `cbor:"token,omitempty"`
	Value     []byte  `cbor:"value,omitempty"`
	ErrCode   uint8   `cbor:"errCode,omitempty"`
	ErrReason string  `cbor:"errReason,omitempty"`
}

// RawHandler consumes datagrams that belong to another protocol sharing the
// RPC socket (firewall-classification probes). It returns true when it
// consumed the payload.
type RawHandler func(payload []byte, from *net.UDPAddr) bool

// UDPNetworkConfig configures a UDPNetwork.
type UDPNetworkConfig struct {
	PublicKey []byte       // this node's Ed25519 public key, stamped on every frame
	Conn      *net.UDPConn // bound socket; owned (and closed) by the network
	Timeout   time.Duration
	Security  *SecurityManager // gates CONNECT/HOLEPUNCH admission; optional
	Raw       RawHandler       // optional co-resident protocol on the same socket
	Logger    *zap.Logger
}

// UDPNetwork is the production NetworkInterface: single-hop request/reply
// RPCs as CBOR frames over one shared UDP socket, serialised through a
// single read loop. All DHT traffic of a node — its own requests' replies,
// inbound requests, pings, and classification probes — arrives on this one
// socket.
type UDPNetwork struct {
	conn      *net.UDPConn
	publicKey []byte
	timeout   time.Duration
	security  *SecurityManager
	raw       RawHandler
	logger    *zap.Logger

	mu       sync.Mutex
	handlers map[Command]Handler
	pending  map[uint64]chan *frame
	peerHook func(*Node)

	nextID atomic.Uint64

	ctx    context.Context
	closed atomic.Bool
	done   chan struct{}
}

// NewUDPNetwork creates a network bound to cfg.Conn. Call Start before
// issuing or expecting any RPC.
func NewUDPNetwork(cfg UDPNetworkConfig) (*UDPNetwork, error) {
	if len(cfg.PublicKey) != 32 {
		return nil, fmt.Errorf("network: public key must be 32 bytes")
	}
	if cfg.Conn == nil {
		return nil, fmt.Errorf("network: a bound UDP socket is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.RPCTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UDPNetwork{
		conn:      cfg.Conn,
		publicKey: append([]byte(nil), cfg.PublicKey...),
		timeout:   timeout,
		security:  cfg.Security,
		raw:       cfg.Raw,
		logger:    logger,
		handlers:  make(map[Command]Handler),
		pending:   make(map[uint64]chan *frame),
		done:      make(chan struct{}),
	}, nil
}

// Start begins the read loop. ctx scopes every inbound handler invocation;
// cancelling it (or calling Close) stops the loop.
func (n *UDPNetwork) Start(ctx context.Context) {
	n.ctx = ctx
	n.conn.SetReadDeadline(time.Time{})
	go n.readLoop()
}

// Close stops the read loop and releases the socket. Idempotent.
func (n *UDPNetwork) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	err := n.conn.Close()
	select {
	case <-n.done:
	case <-time.After(time.Second):
	}
	return err
}

// LocalAddr returns the socket's bound address.
func (n *UDPNetwork) LocalAddr() *net.UDPAddr {
	return n.conn.LocalAddr().(*net.UDPAddr)
}

// SetPeerHook registers fn to be called with every node observed on an
// inbound frame; the owner wires this to its routing table's AddNode.
func (n *UDPNetwork) SetPeerHook(fn func(*Node)) {
	n.mu.Lock()
	n.peerHook = fn
	n.mu.Unlock()
}

// OnRequest registers the handler invoked for inbound RPCs of cmd.
func (n *UDPNetwork) OnRequest(cmd Command, handler Handler) {
	n.mu.Lock()
	n.handlers[cmd] = handler
	n.mu.Unlock()
}

// Request sends a single-hop RPC to `to` and waits for its reply, the
// configured timeout, or ctx. A request the remote silently dropped
// (handler policy: "any validation failure results in silent drop")
// surfaces here as a timeout.
func (n *UDPNetwork) Request(ctx context.Context, to *Node, cmd Command, target [32]byte, token, value []byte) ([]byte, error) {
	addr, err := resolveNodeAddr(to)
	if err != nil {
		return nil, err
	}

	id, ch := n.register()
	defer n.unregister(id)

	err = n.send(&frame{
		ID:     id,
		Kind:   frameRequest,
		Cmd:    cmd,
		From:   n.publicKey,
		Target: target[:],
		Token:  token,
		Value:  value,
	}, addr)
	if err != nil {
		return nil, err
	}

	reply, err := n.await(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("network: %v to %s: %w", cmd, addr, err)
	}
	if reply.Kind == frameError {
		return nil, wire.NewError(reply.ErrCode, reply.ErrReason)
	}
	return reply.Value, nil
}

// Ping learns the node identity behind a raw address: it round-trips a
// PING frame and builds a Node from the PONG's public key. This is how
// bootstrap addresses enter the routing table.
func (n *UDPNetwork) Ping(ctx context.Context, address string) (*Node, error) {
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("network: unresolvable address %q: %w", address, err)
	}

	id, ch := n.register()
	defer n.unregister(id)

	if err := n.send(&frame{ID: id, Kind: framePing, From: n.publicKey}, addr); err != nil {
		return nil, err
	}

	reply, err := n.await(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("network: ping %s: %w", address, err)
	}
	if len(reply.From) != 32 {
		return nil, fmt.Errorf("network: ping %s: malformed pong", address)
	}
	return NewNode(reply.From, []string{address}), nil
}

func (n *UDPNetwork) register() (uint64, chan *frame) {
	id := n.nextID.Add(1)
	ch := make(chan *frame, 1)
	n.mu.Lock()
	n.pending[id] = ch
	n.mu.Unlock()
	return id, ch
}

func (n *UDPNetwork) unregister(id uint64) {
	n.mu.Lock()
	delete(n.pending, id)
	n.mu.Unlock()
}

func (n *UDPNetwork) await(ctx context.Context, ch chan *frame) (*frame, error) {
	timer := time.NewTimer(n.timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("request timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *UDPNetwork) send(f *frame, addr *net.UDPAddr) error {
	payload, err := cborcanon.Marshal(f)
	if err != nil {
		return fmt.Errorf("network: failed to encode frame: %w", err)
	}
	if _, err := n.conn.WriteToUDP(payload, addr); err != nil {
		return fmt.Errorf("network: failed to send to %s: %w", addr, err)
	}
	return nil
}

func (n *UDPNetwork) readLoop() {
	defer close(n.done)

	buf := make([]byte, 65535)
	for {
		cnt, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if n.closed.Load() || (n.ctx != nil && n.ctx.Err() != nil) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			n.logger.Debug("network: read loop exiting", zap.Error(err))
			return
		}

		payload := append([]byte(nil), buf[:cnt]...)
		if n.raw != nil && n.raw(payload, from) {
			continue
		}

		var f frame
		if err := cborcanon.Unmarshal(payload, &f); err != nil {
			continue
		}

		switch f.Kind {
		case frameRequest:
			go n.handleRequest(&f, from)
		case framePing:
			n.observePeer(f.From, from)
			n.send(&frame{ID: f.ID, Kind: framePong, From: n.publicKey}, from)
		case frameReply, frameError, framePong:
			n.deliver(&f)
		}
	}
}

func (n *UDPNetwork) deliver(f *frame) {
	n.mu.Lock()
	ch, ok := n.pending[f.ID]
	n.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (n *UDPNetwork) observePeer(publicKey []byte, addr *net.UDPAddr) *Node {
	if len(publicKey) != 32 {
		return nil
	}
	node := NewNode(publicKey, []string{addr.String()})
	n.mu.Lock()
	hook := n.peerHook
	n.mu.Unlock()
	if hook != nil {
		hook(node)
	}
	return node
}

func (n *UDPNetwork) handleRequest(f *frame, from *net.UDPAddr) {
	node := n.observePeer(f.From, from)
	if node == nil || len(f.Target) != 32 {
		return
	}

	// CONNECT/HOLEPUNCH start handshakes and hole-punch sessions before
	// the requester has proven anything about itself; the token bucket
	// bounds what an unauthenticated peer can cost us.
	if (f.Cmd == CmdConnect || f.Cmd == CmdHolepunch) && n.security != nil && !n.security.AllowRequest(f.From) {
		n.logger.Warn("network: rate-limited inbound request", zap.Stringer("cmd", f.Cmd))
		return
	}

	n.mu.Lock()
	handler, ok := n.handlers[f.Cmd]
	n.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.timeout)
	defer cancel()

	var target [32]byte
	copy(target[:], f.Target)
	reply, err := handler(ctx, node, target, f.Token, f.Value)
	if err != nil {
		var we *wire.Error
		if errors.As(err, &we) {
			n.send(&frame{ID: f.ID, Kind: frameError, From: n.publicKey, ErrCode: we.Code, ErrReason: we.Reason}, from)
			return
		}
		// Anything without a wire code is dropped without a reply; the
		// requester sees a timeout, not a diagnosis.
		n.logger.Debug("network: handler dropped request", zap.Stringer("cmd", f.Cmd), zap.Error(err))
		return
	}

	n.send(&frame{ID: f.ID, Kind: frameReply, From: n.publicKey, Value: reply}, from)
}

func resolveNodeAddr(to *Node) (*net.UDPAddr, error) {
	for _, a := range to.Addrs {
		if addr, err := net.ResolveUDPAddr("udp4", a); err == nil {
			return addr, nil
		}
	}
	return nil, fmt.Errorf("network: node %s has no resolvable address", to.ID)
}
