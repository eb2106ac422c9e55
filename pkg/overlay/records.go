package overlay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/lanmower/dht/internal/dht"
	"github.com/lanmower/dht/internal/store"
	"github.com/lanmower/dht/pkg/codec/cborcanon"
	"github.com/lanmower/dht/pkg/constants"
	"github.com/lanmower/dht/pkg/identity"
	"github.com/lanmower/dht/pkg/wire"
)

// MutablePut signs {seq, value} with writer and stores it on the nodes
// closest to hash(writer.publicKey). Returns the first typed wire error any
// storing node replied with — SEQ_REUSED and SEQ_TOO_LOW surface here so a
// writer can correct its sequence.
func (d *DHT) MutablePut(ctx context.Context, writer *identity.Identity, seq uint64, value []byte) error {
	if len(value) > constants.MaxMutableValue {
		return fmt.Errorf("overlay: mutable value exceeds %d bytes", constants.MaxMutableValue)
	}
	node, err := d.readyNode()
	if err != nil {
		return err
	}

	signable, err := store.SignableMutablePut(constants.NSMutablePut, seq, value)
	if err != nil {
		return err
	}
	payload, err := cborcanon.Marshal(wire.MutablePutRequest{
		PublicKey: writer.SigningPublicKey,
		Seq:       seq,
		Value:     value,
		Signature: writer.Sign(signable),
	})
	if err != nil {
		return err
	}

	target := writer.Target()
	stored := 0
	var wireErr error
	for reply := range node.Lookup(ctx, dht.NodeID(target), dht.CmdMutablePut, nil, payload, 0) {
		if reply.Err != nil {
			var we *wire.Error
			if errors.As(reply.Err, &we) && wireErr == nil {
				wireErr = we
			}
			continue
		}
		stored++
	}
	if wireErr != nil {
		return wireErr
	}
	if stored == 0 {
		return fmt.Errorf("overlay: no node stored the mutable record")
	}
	return nil
}

// MutableGet fetches the freshest mutable record stored under
// hash(publicKey) with seq >= the requested seq, verifying its signature
// before trusting it. Returns nil when no node holds one.
func (d *DHT) MutableGet(ctx context.Context, publicKey ed25519.PublicKey, seq uint64) (*wire.MutableRecord, error) {
	node, err := d.readyNode()
	if err != nil {
		return nil, err
	}

	payload, err := cborcanon.Marshal(struct {
		Seq uint64 `cbor:"seq"`
	}{Seq: seq})
	if err != nil {
		return nil, err
	}

	target := identity.Target(publicKey)
	var best *wire.MutableRecord
	for reply := range node.Lookup(ctx, dht.NodeID(target), dht.CmdMutableGet, nil, payload, 0) {
		if reply.Err != nil || reply.Payload == nil {
			continue
		}
		var r wire.MutableGetReply
		if err := cborcanon.Unmarshal(reply.Payload, &r); err != nil || r.Record == nil {
			continue
		}
		signable, err := store.SignableMutablePut(constants.NSMutablePut, r.Record.Seq, r.Record.Value)
		if err != nil || !identity.Verify(publicKey, signable, r.Record.Signature) {
			continue
		}
		if best == nil || r.Record.Seq > best.Seq {
			best = r.Record
		}
	}
	return best, nil
}

// ImmutablePut stores value content-addressed on the nodes closest to
// hash(value), returning that hash as the record's key.
func (d *DHT) ImmutablePut(ctx context.Context, value []byte) ([32]byte, error) {
	var target [32]byte
	if len(value) > constants.MaxMutableValue {
		return target, fmt.Errorf("overlay: immutable value exceeds %d bytes", constants.MaxMutableValue)
	}
	node, err := d.readyNode()
	if err != nil {
		return target, err
	}

	target = blake2b.Sum256(value)
	payload, err := cborcanon.Marshal(wire.ImmutableRecord{Value: value})
	if err != nil {
		return target, err
	}

	stored := 0
	for reply := range node.Lookup(ctx, dht.NodeID(target), dht.CmdImmutablePut, nil, payload, 0) {
		if reply.Err == nil {
			stored++
		}
	}
	if stored == 0 {
		return target, fmt.Errorf("overlay: no node stored the immutable record")
	}
	return target, nil
}

// ImmutableGet fetches the value stored under target, checking its hash
// before trusting it. Returns nil when no node holds one.
func (d *DHT) ImmutableGet(ctx context.Context, target [32]byte) ([]byte, error) {
	node, err := d.readyNode()
	if err != nil {
		return nil, err
	}

	for reply := range node.Lookup(ctx, dht.NodeID(target), dht.CmdImmutableGet, nil, nil, 0) {
		if reply.Err != nil || reply.Payload == nil {
			continue
		}
		var r wire.ImmutableGetReply
		if err := cborcanon.Unmarshal(reply.Payload, &r); err != nil || r.Value == nil {
			continue
		}
		if blake2b.Sum256(r.Value) != target {
			continue
		}
		return r.Value, nil
	}
	return nil, nil
}

func (d *DHT) readyNode() (*dht.DHT, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return nil, fmt.Errorf("overlay: node is not ready")
	}
	return d.node, nil
}
