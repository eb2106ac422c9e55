package dht

import (
	"context"

	"github.com/lanmower/dht/pkg/constants"
)

// Command identifies a DHT RPC (external interfaces).
type Command = constants.Command

// Re-exported for callers that only import internal/dht.
const (
	CmdLookup       = constants.CmdLookup
	CmdFindPeer     = constants.CmdFindPeer
	CmdAnnounce     = constants.CmdAnnounce
	CmdUnannounce   = constants.CmdUnannounce
	CmdMutableGet   = constants.CmdMutableGet
	CmdMutablePut   = constants.CmdMutablePut
	CmdImmutableGet = constants.CmdImmutableGet
	CmdImmutablePut = constants.CmdImmutablePut
	CmdConnect      = constants.CmdConnect
	CmdHolepunch    = constants.CmdHolepunch
)

// Handler processes one inbound RPC and returns the (already CBOR-encoded)
// reply payload, or an error which the network layer turns into a
// wire.Error reply when the error is a *wire.Error, and into a dropped
// request (no reply) otherwise.
type Handler func(ctx context.Context, from *Node, target [32]byte, token, value []byte) ([]byte, error)

// NetworkInterface is the single-hop RPC primitive the DHT runs on:
// request/reply plus inbound-command registration. Production code wires
// this to UDPNetwork; tests wire it to an in-process MockNetwork
// connecting several DHT instances with a simulated async delay.
type NetworkInterface interface {
	// Request sends a single-hop RPC to `to` and waits for its reply.
	Request(ctx context.Context, to *Node, cmd Command, target [32]byte, token, value []byte) ([]byte, error)
	// OnRequest registers the handler invoked for inbound RPCs of cmd.
	OnRequest(cmd Command, handler Handler)
}
