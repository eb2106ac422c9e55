package relay

import (
	"context"

	"golang.org/x/crypto/blake2b"

	"github.com/lanmower/dht/internal/dht"
	"github.com/lanmower/dht/internal/router"
)

// SessionTarget derives the per-connection routing key a relay uses to
// forward a HOLEPUNCH RPC back to a connector that never announced
// anything of its own and so has no Router entry to be found by: every
// CONNECT carries enough information (the server's target, the client's
// public key) to let both the relay and the server derive the same key
// independently. Removed once the hole-punch attempt concludes.
func SessionTarget(serverTarget [32]byte, clientPublicKey []byte) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(serverTarget[:])
	h.Write(clientPublicKey)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NewRelayEntry builds the Router entry a node installs for itself after
// accepting an ANNOUNCE on behalf of serverNode: a CONNECT arriving here
// is carried on to the real server rather than answered locally.
// OnConnect forwards to serverNode and, as a
// side effect, installs a session-scoped entry on r so the connector's
// follow-up go/veto HOLEPUNCH — addressed to sessionTarget since the
// connector has no announced target of its own to route a reply through —
// finds its way to serverNode too. That entry is one-shot: it removes
// itself the moment it forwards, since a connector sends at most one
// confirmation per session.
func NewRelayEntry(r *router.Router, net dht.NetworkInterface, serverNode *dht.Node, target [32]byte) *router.Entry {
	return &router.Entry{
		Relay: serverNode,
		OnConnect: func(ctx context.Context, from *dht.Node, value []byte) ([]byte, error) {
			sessionTarget := SessionTarget(target, from.PublicKey)
			r.Install(sessionTarget, &router.Entry{
				Relay: serverNode,
				OnHolepunch: func(ctx context.Context, from *dht.Node, value []byte) ([]byte, error) {
					defer r.Remove(sessionTarget)
					return net.Request(ctx, serverNode, dht.CmdHolepunch, sessionTarget, nil, value)
				},
			})
			return net.Request(ctx, serverNode, dht.CmdConnect, target, nil, value)
		},
		OnHolepunch: router.ForwardingHandler(net, serverNode, dht.CmdHolepunch, target),
	}
}

// RemoveSession clears the ephemeral session route NewRelayEntry's
// OnConnect installed, once a hole-punch attempt concludes one way or
// another.
func RemoveSession(r *router.Router, serverTarget [32]byte, clientPublicKey []byte) {
	r.Remove(SessionTarget(serverTarget, clientPublicKey))
}
