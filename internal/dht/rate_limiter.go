// Package dht implements rate limiting for inbound RPCs.
package dht

import (
	"sync"
	"time"
)

// peerKey is the 32-byte requester identity both the limiter and the
// blacklist key on: the raw Ed25519 public key stamped on every RPC frame.
type peerKey [32]byte

func toPeerKey(publicKey []byte) peerKey {
	var k peerKey
	copy(k[:], publicKey)
	return k
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Capacity int           // maximum tokens (requests) per peer
	Refill   time.Duration // time to refill one token
	Cleanup  time.Duration // how often idle peers are pruned
}

// RateLimiter is a per-peer token bucket. Each inbound request spends one
// token; tokens refill at one per Refill up to Capacity. Peers idle for
// longer than an hour are pruned on the next Allow after Cleanup elapses,
// so the bucket map stays bounded by recent traffic rather than every key
// ever seen.
type RateLimiter struct {
	mu          sync.Mutex
	buckets     map[peerKey]*tokenBucket
	capacity    int
	refill      time.Duration
	cleanup     time.Duration
	lastCleanup time.Time
}

type tokenBucket struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter with config, applying defaults for
// unset fields.
func NewRateLimiter(config *RateLimiterConfig) *RateLimiter {
	capacity := config.Capacity
	if capacity <= 0 {
		capacity = 10
	}
	refill := config.Refill
	if refill <= 0 {
		refill = time.Minute
	}
	cleanup := config.Cleanup
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}

	return &RateLimiter{
		buckets:     make(map[peerKey]*tokenBucket),
		capacity:    capacity,
		refill:      refill,
		cleanup:     cleanup,
		lastCleanup: time.Now(),
	}
}

// Allow spends one token from publicKey's bucket, refilling it first with
// one token per whole Refill period elapsed since its last refill. An
// unknown peer starts with a full bucket.
func (rl *RateLimiter) Allow(publicKey []byte) bool {
	k := toPeerKey(publicKey)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCleanup) > rl.cleanup {
		rl.pruneIdle(now)
		rl.lastCleanup = now
	}

	b, ok := rl.buckets[k]
	if !ok {
		rl.buckets[k] = &tokenBucket{tokens: rl.capacity - 1, lastSeen: now}
		return true
	}

	periods := now.Sub(b.lastSeen) / rl.refill
	refilled := b.tokens + int(periods)
	if refilled >= rl.capacity {
		refilled = rl.capacity
		b.lastSeen = now
	} else {
		// Keep the unspent fraction of a period so frequent callers
		// still accrue tokens.
		b.lastSeen = b.lastSeen.Add(periods * rl.refill)
	}

	if refilled <= 0 {
		b.tokens = refilled
		return false
	}
	b.tokens = refilled - 1
	return true
}

func (rl *RateLimiter) pruneIdle(now time.Time) {
	cutoff := now.Add(-time.Hour)
	for k, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
}

// SecurityManager gates inbound RPCs (principally CONNECT/HOLEPUNCH
// admission) by per-peer rate limit and blacklist.
type SecurityManager struct {
	rateLimiter *RateLimiter

	mu        sync.Mutex
	blacklist map[peerKey]time.Time // peer -> blacklist expiry
}

// SecurityConfig holds security manager configuration.
type SecurityConfig struct {
	RateLimiter *RateLimiterConfig
}

// NewSecurityManager creates a security manager; a nil RateLimiter config
// gets admission-suited defaults (20-request burst, one token per 30s).
func NewSecurityManager(config *SecurityConfig) *SecurityManager {
	rateLimiterConfig := config.RateLimiter
	if rateLimiterConfig == nil {
		rateLimiterConfig = &RateLimiterConfig{
			Capacity: 20,
			Refill:   30 * time.Second,
			Cleanup:  10 * time.Minute,
		}
	}

	return &SecurityManager{
		rateLimiter: NewRateLimiter(rateLimiterConfig),
		blacklist:   make(map[peerKey]time.Time),
	}
}

// AllowRequest checks whether a request from publicKey should be admitted:
// not blacklisted, and within its rate budget.
func (sm *SecurityManager) AllowRequest(publicKey []byte) bool {
	k := toPeerKey(publicKey)

	sm.mu.Lock()
	if expiry, ok := sm.blacklist[k]; ok {
		if time.Now().Before(expiry) {
			sm.mu.Unlock()
			return false
		}
		delete(sm.blacklist, k)
	}
	sm.mu.Unlock()

	return sm.rateLimiter.Allow(publicKey)
}

// BlacklistPeer refuses all requests from publicKey for duration.
func (sm *SecurityManager) BlacklistPeer(publicKey []byte, duration time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.blacklist[toPeerKey(publicKey)] = time.Now().Add(duration)
}

// IsBlacklisted reports whether publicKey is currently blacklisted,
// clearing the entry if it has expired.
func (sm *SecurityManager) IsBlacklisted(publicKey []byte) bool {
	k := toPeerKey(publicKey)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	expiry, ok := sm.blacklist[k]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(sm.blacklist, k)
		return false
	}
	return true
}
