package dht

import (
	"sort"
	"sync"
	"time"
)

// RoutingTable is a Kademlia routing table with one bucket per bit of the
// 256-bit keyspace, indexed by XOR distance from localID.
type RoutingTable struct {
	mu      sync.RWMutex
	localID NodeID
	buckets [256]*Bucket
}

// NewRoutingTable creates an empty routing table centered on localID.
func NewRoutingTable(localID NodeID) *RoutingTable {
	rt := &RoutingTable{localID: localID}
	for i := range rt.buckets {
		rt.buckets[i] = NewBucket()
	}
	return rt
}

// Add inserts node into the bucket matching its distance from localID.
// A node equal to localID is never added.
func (rt *RoutingTable) Add(node *Node) bool {
	if node.ID == rt.localID {
		return false
	}
	return rt.buckets[rt.getBucketIndex(node.ID)].Add(node)
}

// Remove deletes nodeID's entry, if present.
func (rt *RoutingTable) Remove(nodeID NodeID) bool {
	if nodeID == rt.localID {
		return false
	}
	return rt.buckets[rt.getBucketIndex(nodeID)].Remove(nodeID)
}

// Get returns the stored Node for nodeID, or nil if absent.
func (rt *RoutingTable) Get(nodeID NodeID) *Node {
	if nodeID == rt.localID {
		return nil
	}
	return rt.buckets[rt.getBucketIndex(nodeID)].Get(nodeID)
}

// GetClosest returns up to k nodes ordered by ascending XOR distance from
// target, expanding outward from target's own bucket until k candidates
// have been gathered or every bucket has been visited.
func (rt *RoutingTable) GetClosest(target NodeID, k int) []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	targetBucket := rt.getBucketIndex(target)
	visited := make(map[int]bool, 256)

	var candidates []*Node
	candidates = append(candidates, rt.buckets[targetBucket].GetAll()...)
	visited[targetBucket] = true

	for distance := 1; len(candidates) < k && distance < 256; distance++ {
		if i := targetBucket + distance; i < 256 && !visited[i] {
			candidates = append(candidates, rt.buckets[i].GetAll()...)
			visited[i] = true
		}
		if i := targetBucket - distance; i >= 0 && !visited[i] {
			candidates = append(candidates, rt.buckets[i].GetAll()...)
			visited[i] = true
		}
	}

	if len(candidates) < k {
		for i, b := range rt.buckets {
			if !visited[i] {
				candidates = append(candidates, b.GetAll()...)
			}
		}
	}

	return closestN(candidates, target, k)
}

// GetAllNodes returns every node currently held across all buckets.
func (rt *RoutingTable) GetAllNodes() []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var nodes []*Node
	for _, bucket := range rt.buckets {
		nodes = append(nodes, bucket.GetAll()...)
	}
	return nodes
}

// Size returns the total number of nodes held across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	total := 0
	for _, bucket := range rt.buckets {
		total += bucket.Size()
	}
	return total
}

// RemoveStale evicts nodes not seen within timeout from every bucket,
// returning the total number evicted.
func (rt *RoutingTable) RemoveStale(timeout time.Duration) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	total := 0
	for _, bucket := range rt.buckets {
		total += bucket.RemoveStale(timeout)
	}
	return total
}

// getBucketIndex maps nodeID to the bucket index for its XOR distance from
// localID: the position of the highest set bit in the distance, counted
// from the least significant end (255 minus the common prefix length).
func (rt *RoutingTable) getBucketIndex(nodeID NodeID) int {
	distance := rt.localID.Distance(nodeID)
	for i := 0; i < 32; i++ {
		if distance[i] == 0 {
			continue
		}
		for j := 7; j >= 0; j-- {
			if (distance[i]>>j)&1 == 1 {
				return 255 - (i*8 + (7 - j))
			}
		}
	}
	// distance is all-zero only when nodeID == localID, which callers
	// already filter out; bucket 0 is a harmless fallback.
	return 0
}

// closestN sorts nodes by ascending XOR distance from target and returns
// the first k (or fewer, if nodes is shorter).
func closestN(nodes []*Node, target NodeID, k int) []*Node {
	if len(nodes) == 0 {
		return nil
	}

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID.Distance(target).Less(nodes[j].ID.Distance(target))
	})

	if k > len(nodes) {
		k = len(nodes)
	}
	return nodes[:k]
}
