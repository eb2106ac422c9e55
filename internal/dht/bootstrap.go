// Package dht implements bootstrap and seed node management
package dht

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SeedNode is a well-known node used to join the DHT before the routing
// table has learned any peers on its own.
type SeedNode struct {
	PublicKey string   `json:"public_key"` // hex-encoded Ed25519 public key
	Addrs     []string `json:"addrs"`      // transport addresses to dial
	Name      string   `json:"name"`       // human-readable label (optional)
}

// Bootstrap manages seed nodes and the bootstrap process.
type Bootstrap struct {
	mu        sync.RWMutex
	dht       *DHT
	seedNodes []*SeedNode

	seedFile string

	bootstrapped  bool
	lastBootstrap time.Time
}

// BootstrapConfig holds bootstrap configuration.
type BootstrapConfig struct {
	DHT      *DHT
	SeedFile string // path to seed nodes file
}

// NewBootstrap creates a new bootstrap manager.
func NewBootstrap(config *BootstrapConfig) (*Bootstrap, error) {
	if config.DHT == nil {
		return nil, fmt.Errorf("DHT is required")
	}

	seedFile := config.SeedFile
	if seedFile == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			seedFile = "dht-seeds.json"
		} else {
			seedFile = filepath.Join(homeDir, ".dht", "seeds.json")
		}
	}

	b := &Bootstrap{
		dht:      config.DHT,
		seedFile: seedFile,
	}

	if err := b.loadSeedNodes(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load seed nodes: %w", err)
		}
	}

	return b, nil
}

// AddSeedNode adds a new seed node.
func (b *Bootstrap) AddSeedNode(seed *SeedNode) error {
	if seed == nil {
		return fmt.Errorf("seed node is required")
	}
	if seed.PublicKey == "" {
		return fmt.Errorf("seed node public key is required")
	}
	if len(seed.Addrs) == 0 {
		return fmt.Errorf("seed node must have at least one address")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.seedNodes {
		if existing.PublicKey == seed.PublicKey {
			b.seedNodes[i] = seed
			return b.saveSeedNodes()
		}
	}

	b.seedNodes = append(b.seedNodes, seed)
	return b.saveSeedNodes()
}

// RemoveSeedNode removes a seed node by public key.
func (b *Bootstrap) RemoveSeedNode(publicKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, seed := range b.seedNodes {
		if seed.PublicKey == publicKey {
			b.seedNodes = append(b.seedNodes[:i], b.seedNodes[i+1:]...)
			return b.saveSeedNodes()
		}
	}

	return fmt.Errorf("seed node not found: %s", publicKey)
}

// GetSeedNodes returns a copy of all seed nodes.
func (b *Bootstrap) GetSeedNodes() []*SeedNode {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seeds := make([]*SeedNode, len(b.seedNodes))
	for i, seed := range b.seedNodes {
		seeds[i] = &SeedNode{
			PublicKey: seed.PublicKey,
			Addrs:     append([]string{}, seed.Addrs...),
			Name:      seed.Name,
		}
	}
	return seeds
}

// Bootstrap performs the bootstrap process: add every configured seed to
// the routing table, then run a handful of random-target lookups to pull
// in the seeds' neighbors.
func (b *Bootstrap) Bootstrap(ctx context.Context) error {
	b.mu.Lock()
	seeds := append([]*SeedNode{}, b.seedNodes...)
	b.mu.Unlock()

	if len(seeds) == 0 {
		return fmt.Errorf("no seed nodes configured")
	}

	connected := 0
	for _, seed := range seeds {
		if err := b.connectToSeed(seed); err != nil {
			continue
		}
		connected++
	}

	if connected == 0 {
		return fmt.Errorf("failed to connect to any seed nodes")
	}

	b.performPeerDiscovery(ctx)

	b.mu.Lock()
	b.bootstrapped = true
	b.lastBootstrap = time.Now()
	b.mu.Unlock()

	return nil
}

// IsBootstrapped returns whether bootstrap has been completed.
func (b *Bootstrap) IsBootstrapped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bootstrapped
}

// GetLastBootstrapTime returns the time of the last successful bootstrap.
func (b *Bootstrap) GetLastBootstrapTime() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastBootstrap
}

// connectToSeed registers a seed node as a candidate in the routing table.
func (b *Bootstrap) connectToSeed(seed *SeedNode) error {
	publicKey, err := hex.DecodeString(seed.PublicKey)
	if err != nil || len(publicKey) != 32 {
		return fmt.Errorf("invalid seed public key %q: %w", seed.PublicKey, err)
	}

	b.dht.AddNode(NewNode(publicKey, seed.Addrs))
	return nil
}

// performPeerDiscovery issues a few random-target lookups to populate the
// routing table with nodes discovered through the seeds, and one lookup for
// our own id to find our nearest neighbors.
func (b *Bootstrap) performPeerDiscovery(ctx context.Context) {
	for i := 0; i < bootstrapDiscoveryFanout; i++ {
		var target NodeID
		if _, err := rand.Read(target[:]); err != nil {
			continue
		}
		drain(b.dht.Lookup(ctx, target, CmdFindPeer, nil, nil, 0))
	}

	drain(b.dht.Lookup(ctx, b.dht.LocalID(), CmdFindPeer, nil, nil, 0))
}

// drain reads a lookup's replies to completion without inspecting them;
// IterativeLookup's side effect (populating the routing table via AddNode
// in the caller's RPC handler) is what bootstrap cares about here.
func drain(replies <-chan Reply) {
	for range replies {
	}
}

// bootstrapDiscoveryFanout mirrors constants.DHTAlpha without importing
// pkg/constants for a single value sizing the discovery fan-out.
const bootstrapDiscoveryFanout = 3

// loadSeedNodes loads seed nodes from the seed file.
func (b *Bootstrap) loadSeedNodes() error {
	data, err := os.ReadFile(b.seedFile)
	if err != nil {
		return err
	}

	var seeds []*SeedNode
	if err := json.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	b.seedNodes = seeds
	return nil
}

// saveSeedNodes saves seed nodes to the seed file.
func (b *Bootstrap) saveSeedNodes() error {
	if err := os.MkdirAll(filepath.Dir(b.seedFile), 0700); err != nil {
		return fmt.Errorf("failed to create seed directory: %w", err)
	}

	data, err := json.MarshalIndent(b.seedNodes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal seed nodes: %w", err)
	}

	if err := os.WriteFile(b.seedFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write seed file: %w", err)
	}

	return nil
}

// GetSeedFile returns the path to the seed file.
func (b *Bootstrap) GetSeedFile() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seedFile
}

// SetSeedFile sets the path to the seed file and reloads from it.
func (b *Bootstrap) SetSeedFile(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seedFile = path
	return b.loadSeedNodes()
}
