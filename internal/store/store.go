// Package store implements the persistent record store: the cache of
// announce, mutable, and immutable values that backs DHT lookups. It is
// the handler layer behind LOOKUP, FIND_PEER, ANNOUNCE, UNANNOUNCE,
// MUTABLE_GET, MUTABLE_PUT, IMMUTABLE_GET, and IMMUTABLE_PUT.
package store

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	lru "github.com/golang/groupcache/lru"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/lanmower/dht/internal/dht"
	"github.com/lanmower/dht/internal/router"
	"github.com/lanmower/dht/pkg/codec/cborcanon"
	"github.com/lanmower/dht/pkg/constants"
	"github.com/lanmower/dht/pkg/identity"
	"github.com/lanmower/dht/pkg/relay"
	"github.com/lanmower/dht/pkg/wire"
)

// announceKey converges duplicate announces for the same (target,
// publicKey) pair onto a single LRU slot.
type announceKey struct {
	target    [32]byte
	publicKey [32]byte
}

type announceRecord struct {
	peer     *wire.Peer
	storedAt time.Time
}

type refreshRecord struct {
	target       [32]byte
	record       []byte
	announceSelf bool
}

type mutableRecord struct {
	seq       uint64
	value     []byte
	signature []byte
}

// Config configures a Store.
type Config struct {
	NodeID  [32]byte // this node's derived DHT id, bound into signables
	Router  *router.Router
	MaxSize int           // LRU capacity per cache; defaults to constants.DefaultMaxSize
	MaxAge  time.Duration // announce-record expiry; defaults to constants.DefaultMaxAge
	Logger  *zap.Logger
}

// Store owns four LRU caches — announce records, refresh tokens, mutable
// records, and immutable values, the last two keyed by target — plus the
// maxAge sweep. The sweep expires announce records only; refresh tokens,
// mutable records, and immutable values leave only by LRU eviction.
type Store struct {
	mu     sync.Mutex
	nodeID [32]byte
	router *router.Router
	logger *zap.Logger

	maxSize int
	maxAge  time.Duration

	announces     *lru.Cache
	announceIndex map[[32]byte]map[announceKey]struct{}

	refreshes *lru.Cache

	mutables   *lru.Cache
	immutables *lru.Cache

	stop chan struct{}
	done chan struct{}
}

// New creates a Store bound to router; announce/refresh/mutable/immutable
// caches share cfg.MaxSize, and cfg.MaxAge bounds the age of announce
// records (both falling back to package defaults).
func New(cfg Config) *Store {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = constants.DefaultMaxSize
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = constants.DefaultMaxAge
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		nodeID:        cfg.NodeID,
		router:        cfg.Router,
		logger:        logger,
		maxSize:       maxSize,
		maxAge:        maxAge,
		announceIndex: make(map[[32]byte]map[announceKey]struct{}),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	s.announces = lru.New(maxSize)
	s.announces.OnEvicted = func(key lru.Key, _ interface{}) {
		s.removeFromIndex(key.(announceKey))
	}
	s.refreshes = lru.New(maxSize)
	s.mutables = lru.New(maxSize)
	s.immutables = lru.New(maxSize)

	return s
}

func (s *Store) removeFromIndex(k announceKey) {
	set := s.announceIndex[k.target]
	if set == nil {
		return
	}
	delete(set, k)
	if len(set) == 0 {
		delete(s.announceIndex, k.target)
	}
}

// Register installs this store's operations as DHT RPC handlers.
func (s *Store) Register(net dht.NetworkInterface) {
	net.OnRequest(dht.CmdLookup, func(ctx context.Context, from *dht.Node, target [32]byte, token, value []byte) ([]byte, error) {
		peers := s.Lookup(target)
		if len(peers) == 0 {
			return nil, nil
		}
		return cborcanon.Marshal(wire.LookupReply{Peers: peers})
	})

	net.OnRequest(dht.CmdFindPeer, func(ctx context.Context, from *dht.Node, target [32]byte, token, value []byte) ([]byte, error) {
		peer := s.FindPeer(target)
		if peer == nil {
			return cborcanon.Marshal(wire.FindPeerReply{})
		}
		return cborcanon.Marshal(wire.FindPeerReply{Peer: peer})
	})

	net.OnRequest(dht.CmdAnnounce, func(ctx context.Context, from *dht.Node, target [32]byte, token, value []byte) ([]byte, error) {
		return s.Announce(ctx, target, token, value, from, net)
	})

	net.OnRequest(dht.CmdUnannounce, func(ctx context.Context, from *dht.Node, target [32]byte, token, value []byte) ([]byte, error) {
		return s.Unannounce(target, token, value)
	})

	net.OnRequest(dht.CmdMutableGet, func(ctx context.Context, from *dht.Node, target [32]byte, token, value []byte) ([]byte, error) {
		var req struct {
			Seq uint64 `cbor:"seq"`
		}
		if err := cborcanon.Unmarshal(value, &req); err != nil {
			return nil, nil
		}
		record := s.MutableGet(target, req.Seq)
		return cborcanon.Marshal(wire.MutableGetReply{Record: record})
	})

	net.OnRequest(dht.CmdMutablePut, func(ctx context.Context, from *dht.Node, target [32]byte, token, value []byte) ([]byte, error) {
		var req wire.MutablePutRequest
		if err := cborcanon.Unmarshal(value, &req); err != nil {
			return nil, nil
		}
		if err := s.MutablePut(target, req); err != nil {
			return nil, err
		}
		return nil, nil
	})

	net.OnRequest(dht.CmdImmutableGet, func(ctx context.Context, from *dht.Node, target [32]byte, token, value []byte) ([]byte, error) {
		v := s.ImmutableGet(target)
		return cborcanon.Marshal(wire.ImmutableGetReply{Value: v})
	})

	net.OnRequest(dht.CmdImmutablePut, func(ctx context.Context, from *dht.Node, target [32]byte, token, value []byte) ([]byte, error) {
		var req wire.ImmutableRecord
		if err := cborcanon.Unmarshal(value, &req); err != nil {
			return nil, nil
		}
		s.ImmutablePut(target, req.Value)
		return nil, nil
	})
}

// StartSweep begins the background maxAge eviction loop, checked every
// maxAge/4 (bounded to at least one second to avoid a tight loop in tests
// that configure a very small maxAge).
func (s *Store) StartSweep(ctx context.Context) {
	interval := s.maxAge / 4
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// StopSweep halts the background eviction loop.
func (s *Store) StopSweep() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.maxAge)
	for target, set := range s.announceIndex {
		for k := range set {
			v, ok := s.announces.Get(k)
			if !ok {
				continue
			}
			rec := v.(*announceRecord)
			if rec.storedAt.Before(cutoff) {
				s.announces.Remove(k)
				delete(set, k)
			}
		}
		if len(set) == 0 {
			delete(s.announceIndex, target)
		}
	}
}

// ---- Lookup / FindPeer ----

// Lookup returns up to 20 announce records for target from the LRU; if the
// local Router also has an entry for target and room remains, it is
// appended (lookup).
func (s *Store) Lookup(target [32]byte) []wire.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	const limit = 20
	var peers []wire.Peer

	for k := range s.announceIndex[target] {
		if len(peers) >= limit {
			break
		}
		v, ok := s.announces.Get(k)
		if !ok {
			continue
		}
		peers = append(peers, *v.(*announceRecord).peer)
	}

	if len(peers) < limit && s.router != nil {
		if entry, ok := s.router.Lookup(target); ok {
			var p wire.Peer
			if err := cborcanon.Unmarshal(entry.Record, &p); err == nil {
				peers = append(peers, p)
			}
		}
	}

	return peers
}

// FindPeer returns the Router entry's record for target, or nil if this
// node does not relay for it. Lookup is fan-out-and-collect; FindPeer is
// one targeted fetch.
func (s *Store) FindPeer(target [32]byte) *wire.Peer {
	if s.router == nil {
		return nil
	}
	entry, ok := s.router.Lookup(target)
	if !ok {
		return nil
	}
	var p wire.Peer
	if err := cborcanon.Unmarshal(entry.Record, &p); err != nil {
		return nil
	}
	return &p
}

// ---- Announce / Unannounce / Refresh ----

// Announce decodes and verifies a signed announce payload. A
// malformed or unverifiable payload is dropped silently: (nil, nil).
// A payload carrying only Refresh is routed to the cheap refresh path.
func (s *Store) Announce(ctx context.Context, target [32]byte, token []byte, value []byte, from *dht.Node, net dht.NetworkInterface) ([]byte, error) {
	var ann wire.Announce
	if err := cborcanon.Unmarshal(value, &ann); err != nil {
		s.logger.Warn("announce: undecodable payload", zap.Error(err))
		return nil, nil
	}

	if ann.Peer == nil && len(ann.Signature) == 0 {
		if len(ann.Refresh) == 0 {
			s.logger.Warn("announce: empty payload")
			return nil, nil
		}
		return s.refresh(ann.Refresh)
	}

	if ann.Peer == nil || len(ann.Signature) == 0 || len(ann.Peer.PublicKey) != 32 {
		s.logger.Warn("announce: malformed signed payload")
		return nil, nil
	}

	sig, err := SignableAnnounce(constants.NSAnnounce, target, s.nodeID, token, ann.Peer, ann.Refresh)
	if err != nil {
		return nil, nil
	}
	if !identity.Verify(ed25519.PublicKey(ann.Peer.PublicKey), sig, ann.Signature) {
		s.logger.Warn("announce: invalid signature")
		return nil, nil
	}

	ann.Peer.Truncate()
	record, err := cborcanon.Marshal(ann.Peer)
	if err != nil {
		return nil, nil
	}

	pkTarget := identity.Target(ed25519.PublicKey(ann.Peer.PublicKey))
	isSelf := pkTarget == target

	s.mu.Lock()
	if isSelf {
		// announceSelf: install/replace the Router entry, forwarding
		// CONNECT on to the announcing node and, per CONNECT, opening a
		// session route so a later HOLEPUNCH can find its way back to
		// whichever connector sent it (relay.NewRelayEntry).
		entry := relay.NewRelayEntry(s.router, net, from, target)
		entry.Record = record
		s.router.Install(target, entry)
		// Remove any LRU duplicate now superseded by the Router entry.
		k := announceKey{target: target, publicKey: pkTarget}
		s.announces.Remove(k)
		s.removeFromIndex(k)
	} else {
		k := announceKey{target: target, publicKey: pkTarget}
		s.announces.Add(k, &announceRecord{peer: ann.Peer, storedAt: time.Now()})
		if s.announceIndex[target] == nil {
			s.announceIndex[target] = make(map[announceKey]struct{})
		}
		s.announceIndex[target][k] = struct{}{}
	}

	if len(ann.Refresh) > 0 {
		rk := blake2b.Sum256(ann.Refresh)
		s.refreshes.Add(rk, &refreshRecord{target: target, record: record, announceSelf: isSelf})
	}
	s.mu.Unlock()

	return nil, nil
}

// Unannounce verifies an UNANNOUNCE-namespaced signature with the same
// signable construction as Announce; on success it removes the Router
// entry (iff hash(publicKey) == target) and the LRU tuple.
func (s *Store) Unannounce(target [32]byte, token []byte, value []byte) ([]byte, error) {
	var ann wire.Announce
	if err := cborcanon.Unmarshal(value, &ann); err != nil {
		return nil, nil
	}
	if ann.Peer == nil || len(ann.Signature) == 0 || len(ann.Peer.PublicKey) != 32 {
		return nil, nil
	}

	sig, err := SignableAnnounce(constants.NSUnannounce, target, s.nodeID, token, ann.Peer, ann.Refresh)
	if err != nil {
		return nil, nil
	}
	if !identity.Verify(ed25519.PublicKey(ann.Peer.PublicKey), sig, ann.Signature) {
		s.logger.Warn("unannounce: invalid signature")
		return nil, nil
	}

	pkTarget := identity.Target(ed25519.PublicKey(ann.Peer.PublicKey))

	s.mu.Lock()
	defer s.mu.Unlock()

	if pkTarget == target {
		s.router.Remove(target)
	}
	k := announceKey{target: target, publicKey: pkTarget}
	s.announces.Remove(k)
	s.removeFromIndex(k)

	return nil, nil
}

// refresh looks up refreshes[hash(token)]; if found, it re-touches the
// stored record's age, clears the single-use token slot, and mints a
// fresh token for the caller's next refresh cycle.
func (s *Store) refresh(token []byte) ([]byte, error) {
	rk := blake2b.Sum256(token)

	s.mu.Lock()
	v, ok := s.refreshes.Get(rk)
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("refresh: unknown token")
		return nil, nil
	}
	rec := v.(*refreshRecord)
	s.refreshes.Remove(rk)

	if !rec.announceSelf {
		k := announceKey{target: rec.target}
		var p wire.Peer
		if err := cborcanon.Unmarshal(rec.record, &p); err == nil && len(p.PublicKey) == 32 {
			k.publicKey = identity.Target(ed25519.PublicKey(p.PublicKey))
			s.announces.Add(k, &announceRecord{peer: &p, storedAt: time.Now()})
			if s.announceIndex[rec.target] == nil {
				s.announceIndex[rec.target] = make(map[announceKey]struct{})
			}
			s.announceIndex[rec.target][k] = struct{}{}
		}
	} else if entry, ok := s.router.Lookup(rec.target); ok {
		entry.Record = rec.record
	}

	nextToken := make([]byte, 32)
	if _, err := rand.Read(nextToken); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("refresh: failed to mint next token: %w", err)
	}
	nextKey := blake2b.Sum256(nextToken)
	s.refreshes.Add(nextKey, &refreshRecord{target: rec.target, record: rec.record, announceSelf: rec.announceSelf})
	s.mu.Unlock()

	reply, err := cborcanon.Marshal(wire.RefreshReply{NextToken: nextToken})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// ---- Mutable ----

// MutableGet returns the stored record iff its seq is >= the requested
// seq, else nil (lets a requester skip re-fetching a value it already has
// fresher-or-equal data for).
func (s *Store) MutableGet(target [32]byte, seq uint64) *wire.MutableRecord {
	s.mu.Lock()
	v, ok := s.mutables.Get(target)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	rec := v.(*mutableRecord)
	if rec.seq < seq {
		return nil
	}
	return &wire.MutableRecord{Seq: rec.seq, Value: rec.value, Signature: rec.signature}
}

// MutablePut verifies hash(publicKey) == target and the NS_MUTABLE_PUT
// signature, then applies the monotonic-seq rule: equal seq with a differing value is
// SEQ_REUSED; lower seq is SEQ_TOO_LOW.
func (s *Store) MutablePut(target [32]byte, req wire.MutablePutRequest) error {
	if len(req.PublicKey) != 32 {
		return nil
	}
	if identity.Target(ed25519.PublicKey(req.PublicKey)) != target {
		return nil
	}

	sig, err := SignableMutablePut(constants.NSMutablePut, req.Seq, req.Value)
	if err != nil {
		return nil
	}
	if !identity.Verify(ed25519.PublicKey(req.PublicKey), sig, req.Signature) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.mutables.Get(target); ok {
		existing := v.(*mutableRecord)
		switch {
		case req.Seq == existing.seq:
			if string(req.Value) != string(existing.value) {
				return wire.ErrSeqReused
			}
			return nil
		case req.Seq < existing.seq:
			return wire.ErrSeqTooLow
		}
	}

	s.mutables.Add(target, &mutableRecord{seq: req.Seq, value: req.Value, signature: req.Signature})
	return nil
}

// ---- Immutable ----

// ImmutableGet returns the stored value for target, or nil.
func (s *Store) ImmutableGet(target [32]byte) []byte {
	s.mu.Lock()
	v, ok := s.immutables.Get(target)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return v.([]byte)
}

// ImmutablePut stores value iff hash(value) == target; otherwise the
// put is silently dropped.
func (s *Store) ImmutablePut(target [32]byte, value []byte) {
	if blake2b.Sum256(value) != target {
		return
	}
	s.mu.Lock()
	s.immutables.Add(target, append([]byte(nil), value...))
	s.mu.Unlock()
}
