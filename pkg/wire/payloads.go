// Package wire defines the canonical-CBOR wire payloads exchanged over DHT
// RPCs, and the small set of typed errors those RPCs may return.
package wire

// Address is an IPv4 host/port pair, the unit relayAddresses are built from.
type Address struct {
	IP   [4]byte `cbor:"ip"`
	Port uint16  `cbor:"port"`
}

// Peer is the announce payload: a server's public key plus the relay
// addresses a connector should try when introducing itself.
type Peer struct {
	PublicKey      []byte    `cbor:"publicKey"`
	RelayAddresses []Address `cbor:"relayAddresses"`
}

// Announce is the signed request body for both the ANNOUNCE and UNANNOUNCE
// RPCs. A request carrying only Refresh (no Peer, no Signature) is a cheap
// refresh of a previously announced record.
type Announce struct {
	Peer      *Peer   `cbor:"peer,omitempty"`
	Refresh   []byte  `cbor:"refresh,omitempty"`
	Signature []byte  `cbor:"signature,omitempty"`
}

// MutablePutRequest is the body of a MUTABLE_PUT RPC.
type MutablePutRequest struct {
	PublicKey []byte `cbor:"publicKey"`
	Seq       uint64 `cbor:"seq"`
	Value     []byte `cbor:"value"`
	Signature []byte `cbor:"signature"`
}

// HolepunchMode distinguishes the payload carried inside a Holepunch frame.
type HolepunchMode uint8

const (
	// HolepunchModeOffer confirms the session; its Payload carries the
	// connector's closing Noise handshake message.
	HolepunchModeOffer HolepunchMode = iota
	// HolepunchModeVeto aborts a session before t0.
	HolepunchModeVeto
)

// Holepunch is the payload relayed between two peers during NAT traversal.
type Holepunch struct {
	Mode    HolepunchMode `cbor:"mode"`
	Payload []byte        `cbor:"payload"`
}

// HolepunchOffer describes a probing candidate, firewall class and start
// time. It is not placed in Holepunch.Payload by the connector or server;
// those values travel in ConnectRequest and ConnectResponse.
type HolepunchOffer struct {
	Candidate   Address `cbor:"candidate"`
	Firewall    uint8   `cbor:"firewall"`
	StartAtUnix int64   `cbor:"startAtUnix"`
}

// ConnectRequest is the RELAYING-phase payload: the client's signed
// ClientHello (in HandshakeMsg1) plus its own candidate UDP sockets,
// forwarded by the relay to the server's router hook.
type ConnectRequest struct {
	ClientPublicKey []byte    `cbor:"clientPublicKey"`
	HandshakeMsg1   []byte    `cbor:"handshakeMsg1"`
	Candidates      []Address `cbor:"candidates"`
	Firewall        uint8     `cbor:"firewall"`
}

// MutableRecord is the stored/returned shape for mutableGet/mutablePut.
type MutableRecord struct {
	Seq       uint64 `cbor:"seq"`
	Value     []byte `cbor:"value"`
	Signature []byte `cbor:"signature"`
}

// ImmutableRecord is the stored/returned shape for immutableGet/immutablePut.
type ImmutableRecord struct {
	Value []byte `cbor:"value"`
}

// LookupReply carries up to 20 announce records for a target. A lookup
// with nothing to report replies with a null payload instead of an empty
// LookupReply.
type LookupReply struct {
	Peers []Peer `cbor:"peers"`
}

// FindPeerReply carries the single targeted record for a target, or a nil
// Peer when the local router has no entry (findPeer).
type FindPeerReply struct {
	Peer *Peer `cbor:"peer,omitempty"`
}

// RefreshReply returns the token to present on the next refresh cycle,
// rotated on every use: refresh tokens are single-use.
type RefreshReply struct {
	NextToken []byte `cbor:"nextToken"`
}

// MutableGetReply carries the stored mutable record, or a nil Record when
// none is stored or the stored seq is older than requested.
type MutableGetReply struct {
	Record *MutableRecord `cbor:"record,omitempty"`
}

// ImmutableGetReply carries the stored immutable value, or a nil Value.
type ImmutableGetReply struct {
	Value []byte `cbor:"value,omitempty"`
}

// ConnectResponse is the RELAYING-phase reply: the server's signed
// ServerHello (in HandshakeMsg2, holding the first Noise handshake message)
// plus its own candidate UDP sockets, carried back through the relay to the
// connector that issued the CONNECT RPC.
type ConnectResponse struct {
	ServerPublicKey []byte    `cbor:"serverPublicKey"`
	HandshakeMsg2   []byte    `cbor:"handshakeMsg2"`
	Candidates      []Address `cbor:"candidates"`
	Firewall        uint8     `cbor:"firewall"`
	StartAtUnix     int64     `cbor:"startAtUnix"`
}
