package dht

import (
	"context"
	"sync"
)

// Reply is one node's response to an iterative-lookup query.
type Reply struct {
	From    *Node
	Payload []byte
	Err     error
}

// IterativeLookup asks the k closest known nodes to target, at most alpha
// at a time, and streams their replies back on the returned channel, closing it once
// every contacted node has answered or ctx is done. It does not expand the
// frontier with nodes learned from replies: this command set carries no
// FIND_NODE RPC to discover closer nodes, only record-bearing commands, so
// a single round against the routing table's current k closest is the whole
// iteration.
func IterativeLookup(ctx context.Context, rt *RoutingTable, net NetworkInterface, target NodeID, cmd Command, token, value []byte, alpha, k int) <-chan Reply {
	out := make(chan Reply, k)

	candidates := rt.GetClosest(target, k)
	if len(candidates) == 0 {
		close(out)
		return out
	}

	go func() {
		defer close(out)

		sem := make(chan struct{}, alpha)
		var wg sync.WaitGroup

		for _, node := range candidates {
			if ctx.Err() != nil {
				break
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(n *Node) {
				defer wg.Done()
				defer func() { <-sem }()

				payload, err := net.Request(ctx, n, cmd, [32]byte(target), token, value)
				select {
				case out <- Reply{From: n, Payload: payload, Err: err}:
				case <-ctx.Done():
				}
			}(node)
		}

		wg.Wait()
	}()

	return out
}
