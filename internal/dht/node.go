// Package dht implements a Kademlia-compatible routing table: an iterative
// lookup over a 256-bit keyspace with k-buckets, exposed only through the
// interfaces the rest of the system needs. It is deliberately minimal —
// enough to drive iterative lookups and RPC dispatch for the
// connection-establishment subsystem, not a general-purpose DHT.
package dht

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/blake2b"
)

// NodeID is a 256-bit node identifier in the DHT keyspace, derived from a
// node's Ed25519 public key.
type NodeID [32]byte

// Node is a peer in the DHT: a node identity, distinct from the longer-lived
// server identity a Node may also be advertising a record for ("Two
// identities are distinct objects").
type Node struct {
	ID        NodeID    // derived via blake2b.Sum256(PublicKey)
	PublicKey []byte    // 32-byte Ed25519 public key
	Addrs     []string  // network addresses for reaching this node
	LastSeen  time.Time

	Connected bool
	Conn      net.Conn
}

// NewNodeID derives a NodeID from a raw Ed25519 public key.
func NewNodeID(publicKey []byte) NodeID {
	return NodeID(blake2b.Sum256(publicKey))
}

// NewNode creates a new DHT node.
func NewNode(publicKey []byte, addrs []string) *Node {
	pk := make([]byte, len(publicKey))
	copy(pk, publicKey)
	return &Node{
		ID:        NewNodeID(pk),
		PublicKey: pk,
		Addrs:     addrs,
		LastSeen:  time.Now(),
	}
}

// Distance calculates the XOR distance between two node IDs.
func (n NodeID) Distance(other NodeID) NodeID {
	var result NodeID
	for i := 0; i < 32; i++ {
		result[i] = n[i] ^ other[i]
	}
	return result
}

// String returns the hex representation of the NodeID.
func (n NodeID) String() string {
	return fmt.Sprintf("%x", n[:])
}

// Bytes returns the NodeID as a byte slice.
func (n NodeID) Bytes() []byte {
	return n[:]
}

// IsZero returns true if the NodeID is all zeros.
func (n NodeID) IsZero() bool {
	for _, b := range n {
		if b != 0 {
			return false
		}
	}
	return true
}

// Less returns true if this NodeID is less than the other (for sorting).
func (n NodeID) Less(other NodeID) bool {
	for i := 0; i < 32; i++ {
		if n[i] < other[i] {
			return true
		}
		if n[i] > other[i] {
			return false
		}
	}
	return false
}

// CommonPrefixLen returns the number of leading bits shared with other.
func (n NodeID) CommonPrefixLen(other NodeID) int {
	for i := 0; i < 32; i++ {
		xor := n[i] ^ other[i]
		if xor == 0 {
			continue
		}
		for j := 7; j >= 0; j-- {
			if (xor>>j)&1 == 1 {
				return i*8 + (7 - j)
			}
		}
	}
	return 256
}

// IsValid checks if the node has valid data.
func (n *Node) IsValid() bool {
	return len(n.PublicKey) == 32 && len(n.Addrs) > 0 && !n.ID.IsZero()
}

// UpdateLastSeen updates the last seen timestamp.
func (n *Node) UpdateLastSeen() {
	n.LastSeen = time.Now()
}

// IsStale returns true if the node hasn't been seen recently.
func (n *Node) IsStale(timeout time.Duration) bool {
	return time.Since(n.LastSeen) > timeout
}

// Copy creates a deep copy of the node.
func (n *Node) Copy() *Node {
	addrs := make([]string, len(n.Addrs))
	copy(addrs, n.Addrs)
	pk := make([]byte, len(n.PublicKey))
	copy(pk, n.PublicKey)

	return &Node{
		ID:        n.ID,
		PublicKey: pk,
		Addrs:     addrs,
		LastSeen:  n.LastSeen,
		Connected: n.Connected,
		Conn:      n.Conn,
	}
}

// String returns a string representation of the node.
func (n *Node) String() string {
	return fmt.Sprintf("Node{ID: %s, Addrs: %v, LastSeen: %v}",
		n.ID.String()[:16]+"...", n.Addrs, n.LastSeen.Format(time.RFC3339))
}
