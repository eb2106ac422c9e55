// Package relay implements relay-side RPC forwarding: the CONNECT and
// HOLEPUNCH handlers that introduce a connector to the server it is
// looking for. There is no dedicated relay process or transport; the relay
// is simply a DHT node that holds a Router entry for the target being
// connected to, installed there earlier by internal/store.Announce.
package relay

import (
	"context"

	"github.com/lanmower/dht/internal/dht"
	"github.com/lanmower/dht/internal/router"
	"github.com/lanmower/dht/pkg/wire"
	"go.uber.org/zap"
)

// Register installs the CONNECT and HOLEPUNCH handlers on net: every node
// runs these, but they only do anything useful for targets this node's
// Router table actually has an entry for (its own served targets, or
// targets it has agreed to relay for by way of having stored an ANNOUNCE).
func Register(net dht.NetworkInterface, rt *router.Router, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	net.OnRequest(dht.CmdConnect, func(ctx context.Context, from *dht.Node, target [32]byte, token, value []byte) ([]byte, error) {
		entry, ok := rt.Lookup(target)
		if !ok {
			logger.Debug("relay: no router entry for CONNECT target")
			return nil, wire.ErrPeerNotFound
		}
		return entry.OnConnect(ctx, from, value)
	})

	net.OnRequest(dht.CmdHolepunch, func(ctx context.Context, from *dht.Node, target [32]byte, token, value []byte) ([]byte, error) {
		entry, ok := rt.Lookup(target)
		if !ok {
			logger.Debug("relay: no router entry for HOLEPUNCH target")
			return nil, wire.ErrPeerNotFound
		}
		return entry.OnHolepunch(ctx, from, value)
	})
}
