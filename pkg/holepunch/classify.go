package holepunch

import (
	"context"
	"net"
	"time"

	"github.com/lanmower/dht/pkg/codec/cborcanon"
	"github.com/lanmower/dht/pkg/wire"
)

const probeMagic = "DHTFWPROBE1"

// AnswerProbe answers a single firewall-classification probe datagram with
// the prober's observed reflexive address. Returns false when payload is
// not a probe, leaving it for the caller's own protocol to consume. Sockets
// that already have a read loop of their own (the RPC socket) call this
// from that loop instead of running a second reader via RunEchoResponder.
func AnswerProbe(conn *net.UDPConn, payload []byte, from *net.UDPAddr) bool {
	if string(payload) != probeMagic {
		return false
	}
	reply, err := cborcanon.Marshal(wire.AddressFromUDP(from))
	if err != nil {
		return true
	}
	conn.WriteToUDP(reply, from)
	return true
}

// RunEchoResponder answers firewall-classification probes arriving on conn
// with the prober's observed address, until ctx is done. Any node that
// wants to serve as a classification peer for others runs this on its main
// UDP socket.
func RunEchoResponder(ctx context.Context, conn *net.UDPConn) {
	go func() {
		buf := make([]byte, 512)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				continue
			}
			AnswerProbe(conn, buf[:n], addr)
		}
	}()
}

// Classify pings up to three probePeers from conn and compares the
// reflexive addresses they report back: a port equal to conn's own
// bound port means no translation is happening (OPEN); identical reflexive
// addresses across peers means CONSISTENT; addresses that vary mean
// RANDOM. No responses at all yields UNKNOWN; a single response is treated
// conservatively as RANDOM, since consistency cannot be established from a
// single data point.
//
// quickFirewall short-circuits this with a single relay-reported
// observation: good enough to confirm reachability and pick a strategy
// without a multi-peer probe round, but it cannot distinguish CONSISTENT
// from RANDOM, so it is reported as CONSISTENT (the more optimistic of the
// two, matching the "quick" classification's intent to skip the full
// round-trip cost when the caller is willing to retry on failure).
func Classify(ctx context.Context, conn *net.UDPConn, probePeers []*net.UDPAddr, quickFirewall bool, relayObserved *net.UDPAddr) FirewallClass {
	if quickFirewall && relayObserved != nil {
		return FirewallConsistent
	}

	localPort := 0
	if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		localPort = la.Port
	}

	peers := probePeers
	if len(peers) > 3 {
		peers = peers[:3]
	}

	observed := make([]wire.Address, 0, len(peers))
	for _, peer := range peers {
		addr, ok := probeOne(ctx, conn, peer)
		if ok {
			observed = append(observed, addr)
		}
	}

	if len(observed) == 0 {
		return FirewallUnknown
	}
	if len(observed) < 2 {
		return FirewallRandom
	}

	allEqual := true
	for _, a := range observed[1:] {
		if !a.Equal(observed[0]) {
			allEqual = false
			break
		}
	}
	if !allEqual {
		return FirewallRandom
	}
	if int(observed[0].Port) == localPort {
		return FirewallOpen
	}
	return FirewallConsistent
}

func probeOne(ctx context.Context, conn *net.UDPConn, peer *net.UDPAddr) (wire.Address, bool) {
	if _, err := conn.WriteToUDP([]byte(probeMagic), peer); err != nil {
		return wire.Address{}, false
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	buf := make([]byte, 512)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return wire.Address{}, false
		}
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if from.IP.String() != peer.IP.String() || from.Port != peer.Port {
			continue
		}
		var addr wire.Address
		if err := cborcanon.Unmarshal(buf[:n], &addr); err != nil {
			continue
		}
		return addr, true
	}
	return wire.Address{}, false
}
