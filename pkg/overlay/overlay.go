// Package overlay assembles the full node a process actually runs: one UDP
// socket, the Kademlia routing table and RPC layer behind it, the
// persistent record store, the router table, and relay forwarding — exposed
// through a single DHT handle with Ready/Destroy lifecycle, CreateServer,
// and Connect. It is the composition layer; every piece it wires together
// lives in its own package and is usable without it.
package overlay

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
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
	"github.com/lanmower/dht/pkg/transport"
	"github.com/lanmower/dht/pkg/transport/quic"
)

// Options configures a DHT node ("Dynamic options objects" enumerated
// into a typed struct).
type Options struct {
	// Identity is this node's DHT identity; generated fresh when nil.
	// Server identities are separate — see CreateServer.
	Identity *identity.Identity

	// Host/Port bind the node's single UDP socket. Host defaults to
	// 0.0.0.0, Port to an ephemeral port.
	Host string
	Port int

	// Bootstrap lists well-known "host:port" addresses used to join the
	// overlay and to classify this node's firewall.
	Bootstrap []string

	// Ephemeral nodes participate in routing but decline to store records:
	// none of the store's RPC handlers are registered.
	Ephemeral bool

	// QuickFirewall short-circuits firewall classification from a single
	// relay-reported observation where one is available.
	QuickFirewall bool

	// MaxSize bounds each of the record store's LRU caches; MaxAge bounds
	// how long announce records live.
	MaxSize int
	MaxAge  time.Duration

	// SeedFile overrides where learned seed nodes are persisted.
	SeedFile string

	// Transport is the reliable-stream transport handed hole-punched
	// sockets; defaults to QUIC.
	Transport transport.PacketTransport

	Logger *zap.Logger
}

// DHT is a running overlay node.
type DHT struct {
	mu   sync.Mutex
	opts Options

	id     *identity.Identity
	logger *zap.Logger
	tp     transport.PacketTransport

	network   *dht.UDPNetwork
	node      *dht.DHT
	router    *router.Router
	store     *store.Store
	bootstrap *dht.Bootstrap

	servers  []*server.Server
	firewall holepunch.FirewallClass

	ready     bool
	destroyed bool
	cancel    context.CancelFunc
}

// New creates an overlay node. Nothing is bound or announced until Ready.
func New(opts Options) (*DHT, error) {
	id := opts.Identity
	if id == nil {
		var err error
		id, err = identity.GenerateIdentity()
		if err != nil {
			return nil, fmt.Errorf("overlay: failed to generate node identity: %w", err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tp := opts.Transport
	if tp == nil {
		if reg, ok := transport.DefaultRegistry.Get("quic"); ok {
			tp, _ = reg.(transport.PacketTransport)
		}
		if tp == nil {
			tp = quic.New()
		}
	}
	return &DHT{
		opts:     opts,
		id:       id,
		logger:   logger,
		tp:       tp,
		firewall: holepunch.FirewallUnknown,
	}, nil
}

// Ready binds the UDP socket, classifies this node's firewall against the
// bootstrap peers, starts the RPC layer, record store, and relay
// forwarding, and joins the overlay through the bootstrap addresses.
// Calling Ready on an already-ready node is a no-op.
func (d *DHT) Ready(ctx context.Context) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return fmt.Errorf("overlay: node is destroyed")
	}
	if d.ready {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	host := d.opts.Host
	if host == "" {
		host = "0.0.0.0"
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(host), Port: d.opts.Port})
	if err != nil {
		return fmt.Errorf("overlay: failed to bind %s:%d: %w", host, d.opts.Port, err)
	}

	// Classification probes the bootstrap peers from the not-yet-started
	// RPC socket: the read loop isn't consuming datagrams yet, so Classify
	// can read the reflexive-address replies directly.
	if probes := resolveAll(d.opts.Bootstrap); len(probes) > 0 {
		d.firewall = holepunch.Classify(ctx, conn, probes, d.opts.QuickFirewall, nil)
	}

	network, err := dht.NewUDPNetwork(dht.UDPNetworkConfig{
		PublicKey: d.id.SigningPublicKey,
		Conn:      conn,
		Security:  dht.NewSecurityManager(&dht.SecurityConfig{}),
		Raw: func(payload []byte, from *net.UDPAddr) bool {
			return holepunch.AnswerProbe(conn, payload, from)
		},
		Logger: d.logger,
	})
	if err != nil {
		conn.Close()
		return err
	}

	node, err := dht.New(dht.Config{PublicKey: d.id.SigningPublicKey, Network: network})
	if err != nil {
		conn.Close()
		return err
	}
	network.SetPeerHook(func(n *dht.Node) { node.AddNode(n) })

	rt := router.New()
	var st *store.Store
	if !d.opts.Ephemeral {
		st = store.New(store.Config{
			NodeID:  node.LocalID(),
			Router:  rt,
			MaxSize: d.opts.MaxSize,
			MaxAge:  d.opts.MaxAge,
			Logger:  d.logger,
		})
		st.Register(network)
	}
	relay.Register(network, rt, d.logger)

	lifeCtx, cancel := context.WithCancel(context.Background())
	network.Start(lifeCtx)
	if err := node.Start(lifeCtx); err != nil {
		cancel()
		network.Close()
		return err
	}
	if st != nil {
		st.StartSweep(lifeCtx)
	}

	d.mu.Lock()
	d.network = network
	d.node = node
	d.router = rt
	d.store = st
	d.cancel = cancel
	d.ready = true
	d.mu.Unlock()

	if len(d.opts.Bootstrap) > 0 {
		if err := d.join(ctx); err != nil {
			d.Destroy(ctx)
			return err
		}
	}

	d.logger.Info("overlay node ready",
		zap.String("host", d.Host()),
		zap.Int("port", d.Port()),
		zap.Bool("firewalled", d.Firewalled()))
	return nil
}

// join pings each bootstrap address to learn the node identity behind it,
// records those as seeds, and runs the bootstrap discovery round.
func (d *DHT) join(ctx context.Context) error {
	b, err := dht.NewBootstrap(&dht.BootstrapConfig{DHT: d.node, SeedFile: d.opts.SeedFile})
	if err != nil {
		return fmt.Errorf("overlay: %w", err)
	}

	for _, addr := range d.opts.Bootstrap {
		n, err := d.network.Ping(ctx, addr)
		if err != nil {
			d.logger.Warn("overlay: bootstrap peer unreachable", zap.String("addr", addr), zap.Error(err))
			continue
		}
		seed := &dht.SeedNode{PublicKey: hex.EncodeToString(n.PublicKey), Addrs: []string{addr}}
		if err := b.AddSeedNode(seed); err != nil {
			d.logger.Warn("overlay: failed to record seed", zap.String("addr", addr), zap.Error(err))
		}
	}

	if err := b.Bootstrap(ctx); err != nil {
		return fmt.Errorf("overlay: bootstrap failed: %w", err)
	}

	d.mu.Lock()
	d.bootstrap = b
	d.mu.Unlock()
	return nil
}

// Destroy closes every server created through this node, stops the record
// sweep and routing maintenance, and releases the socket. Idempotent.
func (d *DHT) Destroy(ctx context.Context) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	d.ready = false
	servers := d.servers
	d.servers = nil
	st, node, network, cancel := d.store, d.node, d.network, d.cancel
	d.mu.Unlock()

	var firstErr error
	for _, s := range servers {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if st != nil {
		st.StopSweep()
	}
	if node != nil {
		node.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if network != nil {
		if err := network.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CreateServer builds a Server announced through this node. id names the
// service; when nil a fresh identity is generated (observable afterwards
// via the returned Server's PublicKey). The server is not announced until
// its own Listen is called, and is closed automatically on Destroy.
func (d *DHT) CreateServer(id *identity.Identity, opts server.Options, onConnection func(*socket.Socket)) (*server.Server, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return nil, fmt.Errorf("overlay: node is not ready")
	}

	if id == nil {
		var err error
		id, err = identity.GenerateIdentity()
		if err != nil {
			return nil, fmt.Errorf("overlay: failed to generate server identity: %w", err)
		}
	}
	if opts.Transport == nil {
		opts.Transport = d.tp
	}
	if opts.Logger == nil {
		opts.Logger = d.logger
	}
	if !opts.QuickFirewall {
		opts.QuickFirewall = d.opts.QuickFirewall
	}

	srv := server.New(id, d.node, d.store, d.router, opts, onConnection)
	d.servers = append(d.servers, srv)
	return srv, nil
}

// Connect resolves remotePublicKey through the DHT and establishes an
// authenticated stream to whichever server announced it.
func (d *DHT) Connect(ctx context.Context, remotePublicKey ed25519.PublicKey, opts connector.Options) (*socket.Socket, error) {
	d.mu.Lock()
	if !d.ready {
		d.mu.Unlock()
		return nil, fmt.Errorf("overlay: node is not ready")
	}
	node, id := d.node, d.id
	d.mu.Unlock()

	if opts.Transport == nil {
		opts.Transport = d.tp
	}
	if opts.Logger == nil {
		opts.Logger = d.logger
	}
	if !opts.QuickFirewall {
		opts.QuickFirewall = d.opts.QuickFirewall
	}
	return connector.Connect(ctx, node, id, remotePublicKey, opts)
}

// Host returns the bound socket's host, or "" before Ready.
func (d *DHT) Host() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.network == nil {
		return ""
	}
	return d.network.LocalAddr().IP.String()
}

// Port returns the bound socket's port, or 0 before Ready.
func (d *DHT) Port() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.network == nil {
		return 0
	}
	return d.network.LocalAddr().Port
}

// Addr returns "host:port" for handing to another node's Bootstrap list.
func (d *DHT) Addr() string {
	return net.JoinHostPort(d.Host(), fmt.Sprintf("%d", d.Port()))
}

// Firewalled reports whether this node sits behind address translation, as
// classified against the bootstrap peers during Ready. A node whose
// classification is unknown is reported firewalled.
func (d *DHT) Firewalled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firewall != holepunch.FirewallOpen
}

// PublicKey returns this node's Ed25519 identity key.
func (d *DHT) PublicKey() ed25519.PublicKey { return d.id.SigningPublicKey }

// Node exposes the underlying routing/RPC layer.
func (d *DHT) Node() *dht.DHT { return d.node }

// Store exposes the record store; nil on ephemeral nodes.
func (d *DHT) Store() *store.Store { return d.store }

// Router exposes the router table.
func (d *DHT) Router() *router.Router { return d.router }

// KeyPair derives an Ed25519 keypair from a 32-byte seed, or from fresh
// randomness when seed is nil.
func KeyPair(seed []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	id, err := identity.GenerateFromSeed(seed)
	if err != nil {
		return nil, nil, err
	}
	return id.SigningPublicKey, id.SigningPrivateKey, nil
}

func resolveAll(addrs []string) []*net.UDPAddr {
	var out []*net.UDPAddr
	for _, a := range addrs {
		if addr, err := net.ResolveUDPAddr("udp4", a); err == nil {
			out = append(out, addr)
		}
	}
	return out
}
