package dht

import (
	"sync"
	"time"

	"github.com/lanmower/dht/pkg/constants"
)

// Bucket is one k-bucket of the routing table: up to maxSize live nodes
// plus a replacement cache that backfills evicted or stale entries.
type Bucket struct {
	mu    sync.RWMutex
	nodes []*Node

	maxSize int

	replacements    []*Node
	maxReplacements int
}

// NewBucket creates an empty bucket sized per constants.DHTBucketSize.
func NewBucket() *Bucket {
	return &Bucket{
		nodes:           make([]*Node, 0, constants.DHTBucketSize),
		maxSize:         constants.DHTBucketSize,
		replacements:    make([]*Node, 0, constants.DHTBucketSize),
		maxReplacements: constants.DHTBucketSize,
	}
}

// Add inserts node, refreshing it to most-recently-seen if already present.
// Returns false (and parks node in the replacement cache) when the bucket
// is full.
func (b *Bucket) Add(node *Node) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.nodes {
		if existing.ID == node.ID {
			b.nodes[i] = node
			b.moveToEnd(i)
			return true
		}
	}

	if len(b.nodes) < b.maxSize {
		b.nodes = append(b.nodes, node)
		return true
	}

	b.addToReplacements(node)
	return false
}

// Remove deletes nodeID from the live set (promoting a replacement to fill
// the gap) or, failing that, from the replacement cache.
func (b *Bucket) Remove(nodeID NodeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, node := range b.nodes {
		if node.ID == nodeID {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			b.promoteFromReplacements()
			return true
		}
	}

	for i, node := range b.replacements {
		if node.ID == nodeID {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return true
		}
	}

	return false
}

// Get returns a copy of nodeID's entry, or nil if not held.
func (b *Bucket) Get(nodeID NodeID) *Node {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, node := range b.nodes {
		if node.ID == nodeID {
			return node.Copy()
		}
	}
	return nil
}

// GetAll returns copies of every live node in the bucket.
func (b *Bucket) GetAll() []*Node {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*Node, len(b.nodes))
	for i, node := range b.nodes {
		result[i] = node.Copy()
	}
	return result
}

// Size returns the number of live nodes.
func (b *Bucket) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes)
}

// IsFull reports whether the bucket has reached maxSize.
func (b *Bucket) IsFull() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes) >= b.maxSize
}

// RemoveStale evicts every node unseen for longer than timeout, backfilling
// from the replacement cache, and returns the count evicted.
func (b *Bucket) RemoveStale(timeout time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	i := 0
	for i < len(b.nodes) {
		if b.nodes[i].IsStale(timeout) {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			removed++
		} else {
			i++
		}
	}

	for toFill := removed; toFill > 0 && len(b.replacements) > 0; toFill-- {
		b.promoteFromReplacements()
	}

	return removed
}

// moveToEnd repositions the node at index i to the end of nodes, marking it
// most-recently-seen.
func (b *Bucket) moveToEnd(i int) {
	if i == len(b.nodes)-1 {
		return
	}
	node := b.nodes[i]
	copy(b.nodes[i:], b.nodes[i+1:])
	b.nodes[len(b.nodes)-1] = node
}

// addToReplacements stashes node for promotion once a live slot frees up,
// evicting the oldest replacement if the cache is already full.
func (b *Bucket) addToReplacements(node *Node) {
	for i, existing := range b.replacements {
		if existing.ID == node.ID {
			b.replacements[i] = node
			return
		}
	}

	if len(b.replacements) < b.maxReplacements {
		b.replacements = append(b.replacements, node)
		return
	}
	copy(b.replacements, b.replacements[1:])
	b.replacements[len(b.replacements)-1] = node
}

// promoteFromReplacements moves the most recent replacement into the live
// set, if there is room and a replacement to take.
func (b *Bucket) promoteFromReplacements() {
	if len(b.replacements) == 0 || len(b.nodes) >= b.maxSize {
		return
	}
	node := b.replacements[len(b.replacements)-1]
	b.replacements = b.replacements[:len(b.replacements)-1]
	b.nodes = append(b.nodes, node)
}
