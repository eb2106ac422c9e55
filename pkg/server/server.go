// Package server implements the Server component: the long-lived
// side of a stream endpoint. A Server announces its identity to the k
// nodes closest to its target, refreshes those announces, and answers
// CONNECT/HOLEPUNCH RPCs forwarded to it by whichever node is storing its
// record, handing completed connections to the caller's onConnection
// callback.
package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanmower/dht/internal/dht"
	"github.com/lanmower/dht/internal/router"
	"github.com/lanmower/dht/internal/store"
	"github.com/lanmower/dht/pkg/codec/cborcanon"
	"github.com/lanmower/dht/pkg/constants"
	"github.com/lanmower/dht/pkg/holepunch"
	"github.com/lanmower/dht/pkg/identity"
	"github.com/lanmower/dht/pkg/noiseik"
	"github.com/lanmower/dht/pkg/relay"
	"github.com/lanmower/dht/pkg/socket"
	"github.com/lanmower/dht/pkg/transport"
	"github.com/lanmower/dht/pkg/wire"
)

// Options configures a Server ("constructor options").
type Options struct {
	// ShareLocalAddress advertises the node's LAN-local addresses in its
	// announced Peer record in addition to PublicAddr, for same-network
	// connectors that can skip hole-punching entirely.
	ShareLocalAddress bool

	// QuickFirewall, when true, is passed through to holepunch.Classify —
	// honored only once a relay-observed reflexive address is available.
	QuickFirewall bool

	// Firewall, if set, is consulted on every inbound CONNECT before any
	// hole-punch negotiation begins; returning false declines admission.
	Firewall func(remotePublicKey ed25519.PublicKey) bool

	// Holepunch, if set, may veto a hole-punch attempt once both sides'
	// firewall classes and candidate addresses are known, but before
	// probing starts.
	Holepunch func(remoteClass, localClass holepunch.FirewallClass, remoteAddr, localAddr *net.UDPAddr) bool

	// AllowRelayFallback permits onConnection to fire over a connection
	// still tunneled through the relay when direct hole-punching fails.
	// Not implemented by the bundled transport (no relay-relayed stream
	// exists here); kept for callers that extend the transport themselves
	// and left false otherwise.
	AllowRelayFallback bool

	RefreshInterval time.Duration

	// AnnounceFanout is the number of closest nodes a Server announces to
	// (the Kademlia "k").
	AnnounceFanout int

	// GracePeriod is how far in the future a Server schedules a
	// hole-punch's t0 once it accepts a CONNECT, to give the negotiation
	// RPC time to reach the connector.
	GracePeriod time.Duration

	// PublicAddr, if set, is advertised in the announced Peer record
	// verbatim (e.g. a port-forwarded or well-known address).
	PublicAddr *net.UDPAddr

	// PSKConfig, if set, requires every inbound ClientHello to carry a
	// proof generated from this pre-shared key. The proof is checked when
	// the ClientHello is processed, after the Firewall and Holepunch hooks
	// have admitted the CONNECT.
	PSKConfig *noiseik.PSKConfig

	// AdmissionConfig, if set with RequireToken, requires every inbound
	// ClientHello to carry a valid admission token signed with
	// AdmissionTokenPublicKey. The token is checked when the ClientHello is
	// processed, after the Firewall and Holepunch hooks have admitted the
	// CONNECT.
	AdmissionConfig         *noiseik.AdmissionConfig
	AdmissionTokenPublicKey ed25519.PublicKey

	Transport transport.PacketTransport
	Logger    *zap.Logger
}

func (o *Options) setDefaults() {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = constants.DefaultRefreshInterval
	}
	if o.AnnounceFanout <= 0 {
		o.AnnounceFanout = constants.DHTBucketSize
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 300 * time.Millisecond
	}
}

// Server is a long-lived stream endpoint named by a signing identity (:
// "a server and a node are distinct identities").
type Server struct {
	mu sync.Mutex

	identity *identity.Identity
	node     *dht.DHT
	store    *store.Store
	router   *router.Router
	opts     Options
	logger   *zap.Logger

	onConnection func(*socket.Socket)

	target        [32]byte
	conn          *net.UDPConn
	firewallClass holepunch.FirewallClass

	storingPeers []*dht.Node
	tokens       map[dht.NodeID][]byte
	sessions     map[[32]byte]*pendingSession

	listening bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// pendingSession pairs an accepted hole-punch session with the handshake
// still waiting for the connector's closing Noise message.
type pendingSession struct {
	sess *holepunch.Session
	hs   *noiseik.Handshake
}

// New creates a Server for id, backed by node's routing table and st's
// record storage, publishing completed connections to onConnection.
func New(id *identity.Identity, node *dht.DHT, st *store.Store, rt *router.Router, opts Options, onConnection func(*socket.Socket)) *Server {
	opts.setDefaults()
	if opts.Transport == nil {
		panic("server: Options.Transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		identity:     id,
		node:         node,
		store:        st,
		router:       rt,
		opts:         opts,
		logger:       logger,
		onConnection: onConnection,
		target:       id.Target(),
		tokens:       make(map[dht.NodeID][]byte),
		sessions:     make(map[[32]byte]*pendingSession),
	}
}

// PublicKey returns this Server's Ed25519 identity key.
func (s *Server) PublicKey() ed25519.PublicKey { return s.identity.SigningPublicKey }

// Target returns this Server's DHT keyspace location.
func (s *Server) Target() [32]byte { return s.target }

// Listen binds a UDP socket, installs this Server's Router entry, and
// announces it to the nodes currently closest to its target. It starts a
// background refresh loop and returns once the initial
// announce round has completed (best-effort: per-peer failures are logged,
// not returned, since a Server with zero successful announces is simply
// unreachable rather than broken).
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return fmt.Errorf("server: already listening")
	}
	s.listening = true
	listenCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		s.mu.Lock()
		s.listening = false
		s.mu.Unlock()
		return fmt.Errorf("server: failed to bind UDP socket: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// Classify before the echo responder takes over the socket: both read
	// from conn, and a UDP socket delivers each datagram to only one of
	// its readers.
	s.firewallClass = s.classifySelf(listenCtx)
	holepunch.RunEchoResponder(listenCtx, conn)

	// Every node that can be connected to must also dispatch forwarded
	// CONNECT/HOLEPUNCH RPCs into its own Router; a storing relay
	// elsewhere registers the same pair for the targets it relays, but
	// this node's own entry is its own responsibility.
	relay.Register(s.node.Network(), s.router, s.logger)

	s.router.Install(s.target, &router.Entry{
		OnConnect:   s.handleConnect,
		OnHolepunch: func(context.Context, *dht.Node, []byte) ([]byte, error) { return nil, wire.ErrPeerNotFound },
	})

	peer, err := s.buildPeerRecord()
	if err != nil {
		return fmt.Errorf("server: failed to build peer record: %w", err)
	}
	record, err := cborcanon.Marshal(peer)
	if err != nil {
		return fmt.Errorf("server: failed to encode peer record: %w", err)
	}
	if entry, ok := s.router.Lookup(s.target); ok {
		entry.Record = record
	}

	peers := s.node.GetClosestNodes(dht.NodeID(s.target), s.opts.AnnounceFanout)
	if err := s.announceTo(listenCtx, peers, peer); err != nil {
		s.logger.Warn("listen: initial announce had errors", zap.Error(err))
	}
	s.mu.Lock()
	s.storingPeers = peers
	s.mu.Unlock()

	s.wg.Add(1)
	go s.refreshLoop(listenCtx)

	s.logger.Info("server listening", zap.String("target", fmt.Sprintf("%x", s.target)))
	return nil
}

// Close unannounces from every storing peer, tears down the Router entry
// and any in-flight hole-punch sessions, and releases the bound socket.
// Idempotent.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return nil
	}
	s.listening = false
	cancel := s.cancel
	peers := append([]*dht.Node(nil), s.storingPeers...)
	conn := s.conn
	sessions := s.sessions
	s.sessions = make(map[[32]byte]*pendingSession)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.unannounceAll(ctx, peers)
	s.router.Remove(s.target)

	for key, pending := range sessions {
		pending.sess.Close()
		s.router.Remove(key)
	}

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Server) classifySelf(ctx context.Context) holepunch.FirewallClass {
	peers := probeAddrs(s.node.GetAllNodes())
	if len(peers) == 0 {
		return holepunch.FirewallUnknown
	}
	return holepunch.Classify(ctx, s.conn, peers, s.opts.QuickFirewall, nil)
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

func (s *Server) buildPeerRecord() (*wire.Peer, error) {
	var addrs []wire.Address
	if s.opts.PublicAddr != nil {
		addrs = append(addrs, wire.AddressFromUDP(s.opts.PublicAddr))
	}
	if s.opts.ShareLocalAddress {
		local, err := s.localUDPAddresses()
		if err != nil {
			s.logger.Warn("buildPeerRecord: failed to enumerate local addresses", zap.Error(err))
		} else {
			addrs = append(addrs, local...)
		}
	}
	peer := &wire.Peer{PublicKey: s.identity.SigningPublicKey, RelayAddresses: addrs}
	peer.Truncate()
	return peer, nil
}

func (s *Server) localUDPAddresses() ([]wire.Address, error) {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	localAddr, ok := s.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("server: local addr is not UDP")
	}
	var out []wire.Address
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		out = append(out, wire.AddressFromUDP(&net.UDPAddr{IP: ip4, Port: localAddr.Port}))
	}
	return out, nil
}

// announceTo signs and sends a fresh ANNOUNCE to each of peers. The
// signable includes that peer's own node id, so a record stored on one
// node cannot be replayed onto another.
func (s *Server) announceTo(ctx context.Context, peers []*dht.Node, peer *wire.Peer) error {
	var mu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			refreshNonce := make([]byte, 32)
			if _, err := rand.Read(refreshNonce); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			sig, err := store.SignableAnnounce(constants.NSAnnounce, s.target, [32]byte(p.ID), nil, peer, refreshNonce)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			ann := wire.Announce{Peer: peer, Refresh: refreshNonce, Signature: s.identity.Sign(sig)}
			value, err := cborcanon.Marshal(ann)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			if _, err := s.node.Request(ctx, p, dht.CmdAnnounce, s.target, nil, value); err != nil {
				s.logger.Warn("announce failed", zap.String("peer", p.ID.String()), zap.Error(err))
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			s.mu.Lock()
			s.tokens[p.ID] = refreshNonce
			s.mu.Unlock()
		}()
	}
	wg.Wait()
	return firstErr
}

func (s *Server) unannounceAll(ctx context.Context, peers []*dht.Node) {
	peer := &wire.Peer{PublicKey: s.identity.SigningPublicKey}
	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			sig, err := store.SignableAnnounce(constants.NSUnannounce, s.target, [32]byte(p.ID), nil, peer, nil)
			if err != nil {
				return
			}
			ann := wire.Announce{Peer: peer, Signature: s.identity.Sign(sig)}
			value, err := cborcanon.Marshal(ann)
			if err != nil {
				return
			}
			if _, err := s.node.Request(ctx, p, dht.CmdUnannounce, s.target, nil, value); err != nil {
				s.logger.Warn("unannounce failed", zap.String("peer", p.ID.String()), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

func (s *Server) refreshLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshTick(ctx)
		}
	}
}

// refreshTick re-announces fully when the set of closest nodes has
// drifted since the last round, or otherwise sends a cheap single-field
// refresh to each current peer.
func (s *Server) refreshTick(ctx context.Context) {
	s.mu.Lock()
	peers := append([]*dht.Node(nil), s.storingPeers...)
	tokens := make(map[dht.NodeID][]byte, len(s.tokens))
	for k, v := range s.tokens {
		tokens[k] = v
	}
	s.mu.Unlock()

	current := s.node.GetClosestNodes(dht.NodeID(s.target), s.opts.AnnounceFanout)
	if peerSetChanged(peers, current) {
		peer, err := s.buildPeerRecord()
		if err != nil {
			s.logger.Warn("refresh: failed to rebuild peer record", zap.Error(err))
			return
		}
		if err := s.announceTo(ctx, current, peer); err != nil {
			s.logger.Warn("refresh: re-announce had errors", zap.Error(err))
		}
		s.mu.Lock()
		s.storingPeers = current
		s.mu.Unlock()
		return
	}

	for _, p := range peers {
		token, ok := tokens[p.ID]
		if !ok {
			continue
		}
		ann := wire.Announce{Refresh: token}
		value, err := cborcanon.Marshal(ann)
		if err != nil {
			continue
		}
		reply, err := s.node.Request(ctx, p, dht.CmdAnnounce, s.target, nil, value)
		if err != nil {
			s.logger.Warn("refresh: cheap refresh failed", zap.String("peer", p.ID.String()), zap.Error(err))
			continue
		}
		var rr wire.RefreshReply
		if err := cborcanon.Unmarshal(reply, &rr); err == nil && len(rr.NextToken) > 0 {
			s.mu.Lock()
			s.tokens[p.ID] = rr.NextToken
			s.mu.Unlock()
		}
	}
}

func peerSetChanged(a, b []*dht.Node) bool {
	if len(a) != len(b) {
		return true
	}
	set := make(map[dht.NodeID]struct{}, len(a))
	for _, n := range a {
		set[n.ID] = struct{}{}
	}
	for _, n := range b {
		if _, ok := set[n.ID]; !ok {
			return true
		}
	}
	return false
}

// handleConnect is the Router hook invoked (via relay.NewRelayEntry's
// forwarding, or directly if this node is its own relay) whenever a
// connector's CONNECT RPC reaches this Server. Admission and the
// hole-punch veto hook both run here, synchronously, before any reply is
// sent: a decline never starts a session and never reaches onConnection.
func (s *Server) handleConnect(ctx context.Context, from *dht.Node, value []byte) ([]byte, error) {
	var req wire.ConnectRequest
	if err := cborcanon.Unmarshal(value, &req); err != nil {
		return nil, fmt.Errorf("server: undecodable connect request: %w", err)
	}
	if len(req.ClientPublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("server: connect request has no valid client public key")
	}
	if len(req.Candidates) == 0 {
		return nil, fmt.Errorf("server: connect request carries no candidate address")
	}

	if s.opts.Firewall != nil && !s.opts.Firewall(ed25519.PublicKey(req.ClientPublicKey)) {
		return nil, wire.ErrHolepunchAborted
	}

	sessionConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("server: failed to bind session socket: %w", err)
	}

	remoteClass := holepunch.FirewallClass(req.Firewall)
	localClass := s.firewallClass
	remoteCandidate := req.Candidates[0].UDPAddr()
	localCandidate := sessionConn.LocalAddr().(*net.UDPAddr)

	if s.opts.Holepunch != nil && !s.opts.Holepunch(remoteClass, localClass, remoteCandidate, localCandidate) {
		sessionConn.Close()
		return nil, wire.ErrHolepunchAborted
	}

	hs, err := noiseik.NewServerHandshake(s.identity)
	if err != nil {
		sessionConn.Close()
		return nil, err
	}
	if s.opts.PSKConfig != nil {
		hs.SetPSK(s.opts.PSKConfig)
	}
	if s.opts.AdmissionConfig != nil {
		hs.SetAdmission(s.opts.AdmissionConfig, "", nil)
		hs.SetTokenValidator(s.opts.AdmissionTokenPublicKey)
	}
	var clientHello noiseik.ClientHello
	if err := clientHello.Unmarshal(req.HandshakeMsg1); err != nil {
		sessionConn.Close()
		return nil, fmt.Errorf("server: undecodable handshake message: %w", err)
	}
	serverHello, err := hs.ProcessClientHello(&clientHello)
	if err != nil {
		sessionConn.Close()
		return nil, fmt.Errorf("server: handshake rejected: %w", err)
	}
	msg2, err := serverHello.Marshal()
	if err != nil {
		sessionConn.Close()
		return nil, err
	}

	startAt := time.Now().Add(s.opts.GracePeriod)
	sess := holepunch.NewSession(sessionConn, holepunch.Config{Logger: s.logger})
	sess.BeginClassifying()
	sess.Negotiate(localClass, remoteClass, remoteCandidate, startAt)

	sessionTarget := relay.SessionTarget(s.target, req.ClientPublicKey)
	s.mu.Lock()
	s.sessions[sessionTarget] = &pendingSession{sess: sess, hs: hs}
	s.mu.Unlock()
	s.router.Install(sessionTarget, &router.Entry{OnHolepunch: s.handleHolepunchConfirm(sessionTarget, sess, hs)})

	resp := wire.ConnectResponse{
		ServerPublicKey: s.identity.SigningPublicKey,
		HandshakeMsg2:   msg2,
		Candidates:      []wire.Address{wire.AddressFromUDP(localCandidate)},
		Firewall:        uint8(localClass),
		StartAtUnix:     startAt.UnixNano(),
	}
	return cborcanon.Marshal(resp)
}

// handleHolepunchConfirm answers the connector's go/veto RPC: a veto tears
// the session down without ever calling onConnection; a go carries the
// connector's closing Noise message, completes the handshake, and starts
// the burst in the background, handing the locked connection to
// onConnection once the stream transport completes.
func (s *Server) handleHolepunchConfirm(sessionTarget [32]byte, sess *holepunch.Session, hs *noiseik.Handshake) router.Handler {
	return func(ctx context.Context, from *dht.Node, value []byte) ([]byte, error) {
		var hp wire.Holepunch
		if err := cborcanon.Unmarshal(value, &hp); err != nil {
			return nil, fmt.Errorf("server: undecodable holepunch confirmation: %w", err)
		}

		s.router.Remove(sessionTarget)
		s.mu.Lock()
		delete(s.sessions, sessionTarget)
		s.mu.Unlock()

		if hp.Mode == wire.HolepunchModeVeto {
			sess.Veto()
			sess.Close()
			return nil, nil
		}

		if err := hs.ReadFinalMessage(hp.Payload); err != nil {
			sess.Close()
			return nil, fmt.Errorf("server: handshake completion rejected: %w", err)
		}

		go s.finishPunch(context.Background(), sess, hs)
		return nil, nil
	}
}

func (s *Server) finishPunch(ctx context.Context, sess *holepunch.Session, hs *noiseik.Handshake) {
	conn, _, err := sess.Punch(ctx)
	if err != nil {
		s.logger.Warn("holepunch: server-side punch failed", zap.Error(err))
		return
	}

	tlsConfig, err := transport.SelfSignedTLSConfig()
	if err != nil {
		s.logger.Error("holepunch: failed to build TLS config", zap.Error(err))
		conn.Close()
		return
	}

	listener, err := s.opts.Transport.ListenOn(ctx, conn, tlsConfig)
	if err != nil {
		s.logger.Error("holepunch: stream transport failed to listen on punched socket", zap.Error(err))
		conn.Close()
		return
	}

	tconn, err := listener.Accept(ctx)
	if err != nil {
		s.logger.Error("holepunch: stream transport failed to accept", zap.Error(err))
		return
	}

	send, recv, err := hs.SessionCiphers()
	if err != nil {
		s.logger.Error("holepunch: no session ciphers after completed handshake", zap.Error(err))
		tconn.Close()
		return
	}

	sock := socket.NewSecure(tconn, send, recv)
	sock.Start()
	if s.onConnection != nil {
		s.onConnection(sock)
	}
}
