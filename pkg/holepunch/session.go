package holepunch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lanmower/dht/pkg/constants"
	"github.com/lanmower/dht/pkg/wire"
	"go.uber.org/zap"
)

// Session drives one side of a single hole-punch attempt through its full
// state machine: NEW → CLASSIFYING → NEGOTIATING → PROBING → LOCKED
// → CLOSED, with VETOED/TIMEOUT exits. Both the Server and the Connector
// construct one of these once they've exchanged `holepunch` RPCs through
// the relay.
type Session struct {
	mu    sync.Mutex
	state State
	cfg   Config

	Conn        *net.UDPConn
	LocalClass  FirewallClass
	RemoteClass FirewallClass
	Candidate   *net.UDPAddr
	StartAt     time.Time
	Strategy    Strategy
	ProberFirst bool
}

// NewSession creates a Session bound to a local UDP socket, in state NEW.
func NewSession(conn *net.UDPConn, cfg Config) *Session {
	return &Session{Conn: conn, cfg: cfg, state: StateNew}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.cfg.logger().Debug("holepunch state transition",
		zap.String("from", prev.String()), zap.String("to", next.String()))
}

// BeginClassifying marks the session as classifying firewall behaviour;
// callers typically invoke Classify concurrently and then call Negotiate
// with the result.
func (s *Session) BeginClassifying() {
	s.transition(StateClassifying)
}

// Negotiate records the (already relay-exchanged) firewall classes and
// candidate address, selects a strategy from the table, and schedules
// startAt as this session's t0. It returns the
// chosen strategy and whether the pairing is reachable at all; an
// unreachable pairing (RANDOM×RANDOM) transitions straight to TIMEOUT.
func (s *Session) Negotiate(localClass, remoteClass FirewallClass, candidate *net.UDPAddr, startAt time.Time) (Strategy, bool) {
	s.transition(StateNegotiating)

	proberFirst, strategy, reachable := strategyTable(localClass, remoteClass)

	s.mu.Lock()
	s.LocalClass = localClass
	s.RemoteClass = remoteClass
	s.Candidate = candidate
	s.StartAt = startAt
	s.Strategy = strategy
	s.ProberFirst = proberFirst
	s.mu.Unlock()

	if !reachable {
		s.transition(StateTimeout)
	}
	return strategy, reachable
}

// Veto cancels the session before probing begins, e.g. because a user
// holepunch hook returned false or the peer relayed an abort.
func (s *Session) Veto() {
	s.transition(StateVetoed)
}

// Close releases the session's socket and marks it CLOSED. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	conn := s.Conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Punch runs the synchronized burst: waits for t0, then
// sends bursts of BurstSize packets at BurstInterval spacing for up to
// MaxRounds, locking onto the first datagram received from Candidate whose
// payload is the handshake magic. Returns ErrHolepunchTimeout if the
// session's strategy was unreachable or if no datagram arrives before
// t0 + MaxRounds·BurstSize·BurstInterval + RTTMax.
//
// Every reachable strategy runs this same burst toward Candidate from t0:
// Punch does not hold one side back for StrategyProberFirst and does not
// try predicted ports for StrategyPortPrediction.
func (s *Session) Punch(ctx context.Context) (*net.UDPConn, *net.UDPAddr, error) {
	s.mu.Lock()
	state := s.state
	candidate := s.Candidate
	startAt := s.StartAt
	strategy := s.Strategy
	s.mu.Unlock()

	switch state {
	case StateVetoed:
		return nil, nil, ErrVetoed
	case StateTimeout:
		return nil, nil, wire.ErrHolepunchTimeout
	case StateNegotiating:
	default:
		return nil, nil, fmt.Errorf("holepunch: Punch called from state %s, want NEGOTIATING", state)
	}
	if candidate == nil {
		return nil, nil, fmt.Errorf("holepunch: no candidate address to probe")
	}
	_ = strategy // the burst is the same for every reachable strategy

	s.transition(StateProbing)

	if wait := time.Until(startAt); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			s.transition(StateClosed)
			return nil, nil, ctx.Err()
		}
	}

	burstSize := s.cfg.BurstSize
	if burstSize <= 0 {
		burstSize = constants.HolepunchBurstSize
	}
	burstInterval := s.cfg.BurstInterval
	if burstInterval <= 0 {
		burstInterval = constants.HolepunchBurstInterval
	}
	maxRounds := s.cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = constants.HolepunchMaxRounds
	}

	locked, err := s.burst(ctx, candidate, burstSize, burstInterval, maxRounds)
	if err != nil {
		s.transition(StateTimeout)
		return nil, nil, err
	}
	s.transition(StateLocked)
	// listenForLock leaves a short read deadline behind; the stream
	// transport taking over the socket expects none.
	s.Conn.SetReadDeadline(time.Time{})
	return s.Conn, locked, nil
}

const handshakeMagic = "DHTPUNCHv1"

func (s *Session) burst(ctx context.Context, candidate *net.UDPAddr, burstSize int, interval time.Duration, maxRounds int) (*net.UDPAddr, error) {
	deadline := time.Now().Add(time.Duration(maxRounds)*time.Duration(burstSize)*interval + constants.HolepunchRTTMax)

	resultCh := make(chan *net.UDPAddr, 1)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	go s.listenForLock(readCtx, candidate, resultCh)

	for round := 0; round < maxRounds; round++ {
		if time.Now().After(deadline) {
			break
		}
		for i := 0; i < burstSize; i++ {
			s.Conn.WriteToUDP([]byte(handshakeMagic), candidate)

			select {
			case locked := <-resultCh:
				return locked, nil
			case <-time.After(interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	select {
	case locked := <-resultCh:
		return locked, nil
	case <-time.After(time.Until(deadline)):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, wire.ErrHolepunchTimeout
}

func (s *Session) listenForLock(ctx context.Context, candidate *net.UDPAddr, resultCh chan<- *net.UDPAddr) {
	buf := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.Conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := s.Conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if n != len(handshakeMagic) || string(buf[:n]) != handshakeMagic {
			continue
		}
		if from.IP.String() != candidate.IP.String() || from.Port != candidate.Port {
			continue
		}
		select {
		case resultCh <- from:
		default:
		}
		return
	}
}
