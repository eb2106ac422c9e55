// Package router implements the Router table: per-target routing state
// exclusively owned by one local Server, consulted whenever a CONNECT or
// HOLEPUNCH RPC arrives for a target this node stores or relays.
package router

import (
	"context"
	"sync"

	"github.com/lanmower/dht/internal/dht"
)

// Handler forwards or answers one CONNECT/HOLEPUNCH request for the target
// an Entry is installed under. It is invoked with the node that sent the
// request (which may be the original requester, or — when this entry was
// installed by a remote announce — the relay just forwarding on) and the
// raw request payload; it returns the raw reply payload.
//
// The same signature serves two distinct roles ("Router hook
// indirection"): a local Server's entry closes over the Server directly,
// while a relay's entry (installed by internal/store.Announce on behalf of
// a remote server) forwards the request over the network to Relay.
type Handler func(ctx context.Context, from *dht.Node, value []byte) ([]byte, error)

// Entry is the per-target routing record: the address of
// the DHT node that introduced this target (nil when the entry is the
// owning Server's own), the encoded peer record last announced for it, and
// the two RPC hooks.
type Entry struct {
	Relay       *dht.Node
	Record      []byte
	OnConnect   Handler
	OnHolepunch Handler
}

// Router is a map[target]*Entry behind a mutex ("Router entries are
// owned by their Server and mutated only by its task" — the mutex here
// serializes access across the single I/O loop's goroutines rather than
// implying true concurrent ownership).
type Router struct {
	mu      sync.RWMutex
	entries map[[32]byte]*Entry
}

// New creates an empty Router table.
func New() *Router {
	return &Router{entries: make(map[[32]byte]*Entry)}
}

// Install sets (replacing any existing) the Router entry for target.
func (r *Router) Install(target [32]byte, entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[target] = entry
}

// Remove deletes the Router entry for target, if any.
func (r *Router) Remove(target [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, target)
}

// Lookup returns the Router entry for target, if any.
func (r *Router) Lookup(target [32]byte) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[target]
	return e, ok
}

// Len returns the number of installed entries.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
