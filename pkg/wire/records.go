package wire

import (
	"net"

	"github.com/lanmower/dht/pkg/constants"
)

// Truncate enforces the ≤3 relayAddresses boundary at store time.
// Addresses beyond the limit are dropped silently; callers that need to
// know whether truncation happened should compare len(before) to len(after).
func (p *Peer) Truncate() {
	if len(p.RelayAddresses) > constants.MaxRelayAddresses {
		p.RelayAddresses = p.RelayAddresses[:constants.MaxRelayAddresses]
	}
}

// AddressFromUDP converts a *net.UDPAddr into the wire Address shape.
// Returns the zero Address if addr is nil or not IPv4.
func AddressFromUDP(addr *net.UDPAddr) Address {
	var a Address
	if addr == nil {
		return a
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return a
	}
	copy(a.IP[:], ip4)
	a.Port = uint16(addr.Port)
	return a
}

// UDPAddr converts a wire Address back into a *net.UDPAddr.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(a.IP[0], a.IP[1], a.IP[2], a.IP[3]),
		Port: int(a.Port),
	}
}

// Equal reports whether two addresses name the same IP and port.
func (a Address) Equal(other Address) bool {
	return a.IP == other.IP && a.Port == other.Port
}
