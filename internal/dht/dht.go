package dht

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DHT holds the local node's routing table and the network collaborator
// used to issue and receive RPCs. It does not itself know about announce
// records, mutable/immutable storage, or routers — those live in
// internal/store and internal/router and register their handlers through
// OnRequest.
type DHT struct {
	mu           sync.RWMutex
	localNode    *Node
	routingTable *RoutingTable
	network      NetworkInterface
	alpha        int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures a DHT instance.
type Config struct {
	PublicKey []byte // this node's Ed25519 public key
	Network   NetworkInterface
	Alpha     int // concurrency parameter; defaults to constants.DHTAlpha
}

// New creates a DHT bound to the local node identity and network
// collaborator in config.
func New(config Config) (*DHT, error) {
	if len(config.PublicKey) != 32 {
		return nil, fmt.Errorf("public key must be 32 bytes")
	}
	if config.Network == nil {
		return nil, fmt.Errorf("network collaborator is required")
	}

	alpha := config.Alpha
	if alpha <= 0 {
		alpha = 3
	}

	localNode := NewNode(config.PublicKey, nil)

	return &DHT{
		localNode:    localNode,
		routingTable: NewRoutingTable(localNode.ID),
		network:      config.Network,
		alpha:        alpha,
		done:         make(chan struct{}),
	}, nil
}

// Start begins background bucket maintenance (stale node eviction).
func (d *DHT) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx != nil {
		return fmt.Errorf("DHT is already running")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	go d.maintenanceLoop()
	return nil
}

// Stop cancels background maintenance and waits for it to exit.
func (d *DHT) Stop() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-d.done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// LocalNode returns this node's identity as seen by the routing table.
func (d *DHT) LocalNode() *Node {
	return d.localNode
}

// LocalID returns this node's derived NodeID.
func (d *DHT) LocalID() NodeID {
	return d.localNode.ID
}

// Network returns the network collaborator this DHT was constructed with.
func (d *DHT) Network() NetworkInterface {
	return d.network
}

// AddNode adds a node to the routing table.
func (d *DHT) AddNode(node *Node) bool {
	return d.routingTable.Add(node)
}

// RemoveNode removes a node from the routing table.
func (d *DHT) RemoveNode(nodeID NodeID) bool {
	return d.routingTable.Remove(nodeID)
}

// GetClosestNodes returns the k closest known nodes to target.
func (d *DHT) GetClosestNodes(target NodeID, k int) []*Node {
	return d.routingTable.GetClosest(target, k)
}

// GetAllNodes returns every node currently in the routing table.
func (d *DHT) GetAllNodes() []*Node {
	return d.routingTable.GetAllNodes()
}

// RoutingTableSize returns the number of nodes in the routing table.
func (d *DHT) RoutingTableSize() int {
	return d.routingTable.Size()
}

// Request issues a single-hop RPC to `to` through the network collaborator.
func (d *DHT) Request(ctx context.Context, to *Node, cmd Command, target [32]byte, token, value []byte) ([]byte, error) {
	return d.network.Request(ctx, to, cmd, target, token, value)
}

// OnRequest registers a handler for inbound RPCs of cmd.
func (d *DHT) OnRequest(cmd Command, handler Handler) {
	d.network.OnRequest(cmd, handler)
}

// Lookup issues an iterative lookup toward target using cmd, returning a
// channel of per-node replies.
func (d *DHT) Lookup(ctx context.Context, target NodeID, cmd Command, token, value []byte, k int) <-chan Reply {
	if k <= 0 {
		k = 20
	}
	return IterativeLookup(ctx, d.routingTable, d.network, target, cmd, token, value, d.alpha, k)
}

func (d *DHT) maintenanceLoop() {
	defer close(d.done)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.routingTable.RemoveStale(10 * time.Minute)
		}
	}
}
