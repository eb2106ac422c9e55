package router

import (
	"context"
	"fmt"

	"github.com/lanmower/dht/internal/dht"
)

// ForwardingHandler builds a Handler that relays a request on to relay over
// the DHT network, used when this node's Router entry exists only because
// a remote server announced through it: the node invokes the entry's hook,
// and the hook carries the request to the real server. target is rebound on
// every forwarded call since the relay node itself has no notion of "this
// entry's target" beyond the key it was installed under.
func ForwardingHandler(net dht.NetworkInterface, relay *dht.Node, cmd dht.Command, target [32]byte) Handler {
	return func(ctx context.Context, from *dht.Node, value []byte) ([]byte, error) {
		if relay == nil {
			return nil, fmt.Errorf("router: no relay node to forward %s to", cmd)
		}
		return net.Request(ctx, relay, cmd, target, nil, value)
	}
}
