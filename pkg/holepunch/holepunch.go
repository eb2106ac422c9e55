// Package holepunch implements the bilateral NAT-traversal state machine:
// given two endpoints' firewall classifications and a shared relay for
// control messages, it establishes a single UDP 5-tuple both sides agree
// on and hands it off to the encrypted-stream transport.
package holepunch

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// FirewallClass is a node's local NAT behaviour as observed by Classify.
type FirewallClass uint8

const (
	FirewallUnknown FirewallClass = iota
	// FirewallOpen means inbound packets reach the local socket unfiltered
	// and untranslated: the externally observed port equals the bound port.
	FirewallOpen
	// FirewallConsistent means the NAT maps this socket to the same
	// external port regardless of destination peer.
	FirewallConsistent
	// FirewallRandom means the NAT allocates a new external port per
	// destination peer (symmetric NAT).
	FirewallRandom
)

func (f FirewallClass) String() string {
	switch f {
	case FirewallOpen:
		return "OPEN"
	case FirewallConsistent:
		return "CONSISTENT"
	case FirewallRandom:
		return "RANDOM"
	default:
		return "UNKNOWN"
	}
}

// State is a position in the hole-punch state machine: NEW → CLASSIFYING →
// NEGOTIATING → PROBING → LOCKED → CLOSED, with VETOED/TIMEOUT exits.
type State uint8

const (
	StateNew State = iota
	StateClassifying
	StateNegotiating
	StateProbing
	StateLocked
	StateVetoed
	StateTimeout
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateClassifying:
		return "CLASSIFYING"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateProbing:
		return "PROBING"
	case StateLocked:
		return "LOCKED"
	case StateVetoed:
		return "VETOED"
	case StateTimeout:
		return "TIMEOUT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Strategy names which probing scheme strategyTable selected for a pair of
// firewall classes.
type Strategy uint8

const (
	// StrategyDirect: both sides OPEN, either may probe.
	StrategyDirect Strategy = iota
	// StrategyProberFirst: one side (the OPEN one) probes first, the other
	// waits before sending anything.
	StrategyProberFirst
	// StrategySimultaneous: both CONSISTENT, both open at t0.
	StrategySimultaneous
	// StrategyPortPrediction: one side is RANDOM; the other must guess its
	// ephemeral port within a bounded number of tries.
	StrategyPortPrediction
	// StrategyUnreachable: RANDOM×RANDOM, no viable strategy.
	StrategyUnreachable
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyProberFirst:
		return "prober-first"
	case StrategySimultaneous:
		return "simultaneous"
	case StrategyPortPrediction:
		return "port-prediction"
	case StrategyUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// strategyTable encodes the strategy table literally. proberFirst
// reports whether the LOCAL side should send the opening burst before the
// remote side does; it is meaningless for StrategySimultaneous (both probe
// at t0) and StrategyUnreachable.
func strategyTable(local, remote FirewallClass) (proberFirst bool, strategy Strategy, reachable bool) {
	switch {
	case local == FirewallOpen && remote == FirewallOpen:
		return true, StrategyDirect, true
	case local == FirewallOpen && (remote == FirewallConsistent || remote == FirewallRandom):
		// "OPEN node probes first" — that's us.
		return true, StrategyProberFirst, true
	case remote == FirewallOpen && (local == FirewallConsistent || local == FirewallRandom):
		// "OPEN node probes first" — that's the remote; we wait.
		return false, StrategyProberFirst, true
	case local == FirewallConsistent && remote == FirewallConsistent:
		return false, StrategySimultaneous, true
	case local == FirewallConsistent && remote == FirewallRandom:
		// The RANDOM side's port is unpredictable to us; it can reach our
		// fixed port directly, so it probes first while we guess its ports.
		return false, StrategyPortPrediction, true
	case local == FirewallRandom && remote == FirewallConsistent:
		return true, StrategyPortPrediction, true
	case local == FirewallRandom && remote == FirewallRandom:
		return false, StrategyUnreachable, false
	default:
		return false, StrategyUnreachable, false
	}
}

// Config carries the tunable knobs a Session is built from, mirroring
// pkg/constants defaults but overridable per-connection.
type Config struct {
	BurstSize     int
	BurstInterval time.Duration
	MaxRounds     int
	Logger        *zap.Logger
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// ErrVetoed is returned when a user holepunch hook or a peer's relayed
// abort cancels the session before t0.
var ErrVetoed = fmt.Errorf("holepunch: session vetoed before probing began")
