package store

import (
	"github.com/lanmower/dht/pkg/codec/cborcanon"
	"github.com/lanmower/dht/pkg/wire"
	"golang.org/x/crypto/blake2b"
)

// SignableAnnounce builds the exact signable for ANNOUNCE and
// UNANNOUNCE: a namespace-keyed BLAKE2b hash
// over [target, nodeId, token, encode(peer), refresh]. nodeId binds
// the signature to the storing site, preventing cross-node replay.
// Exported so pkg/server can build the same signable it expects storing
// nodes to verify.
func SignableAnnounce(namespace string, target, nodeID [32]byte, token []byte, peer *wire.Peer, refresh []byte) ([]byte, error) {
	h, err := blake2b.New256([]byte(namespace))
	if err != nil {
		return nil, err
	}
	h.Write(target[:])
	h.Write(nodeID[:])
	h.Write(token)

	encoded, err := cborcanon.Marshal(peer)
	if err != nil {
		return nil, err
	}
	h.Write(encoded)

	if refresh != nil {
		h.Write(refresh)
	}
	return h.Sum(nil), nil
}

// SignableMutablePut builds the signable for MUTABLE_PUT:
// BLAKE2b(encode({seq, value}), NS_MUTABLE_PUT).
func SignableMutablePut(namespace string, seq uint64, value []byte) ([]byte, error) {
	h, err := blake2b.New256([]byte(namespace))
	if err != nil {
		return nil, err
	}
	encoded, err := cborcanon.Marshal(struct {
		Seq   uint64 `cbor:"seq"`
		Value []byte `cbor:"value"`
	}{Seq: seq, Value: value})
	if err != nil {
		return nil, err
	}
	h.Write(encoded)
	return h.Sum(nil), nil
}
