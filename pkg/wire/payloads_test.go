package wire_test

import (
	"bytes"
	"net"
	"reflect"
	"testing"

	"github.com/lanmower/dht/pkg/codec/cborcanon"
	"github.com/lanmower/dht/pkg/wire"
)

// TestPayloadSchemasRoundTrip re-encodes every wire schema through the
// canonical codec and checks the decoded value is identical to what was
// sent.
func TestPayloadSchemasRoundTrip(t *testing.T) {
	addr := wire.Address{IP: [4]byte{192, 0, 2, 7}, Port: 40001}
	peer := &wire.Peer{
		PublicKey:      bytes.Repeat([]byte{0xaa}, 32),
		RelayAddresses: []wire.Address{addr, {IP: [4]byte{10, 0, 0, 1}, Port: 9}},
	}

	cases := []struct {
		name string
		in   any
		out  any
	}{
		{"peer", peer, &wire.Peer{}},
		{"announce", &wire.Announce{
			Peer:      peer,
			Refresh:   bytes.Repeat([]byte{0x01}, 32),
			Signature: bytes.Repeat([]byte{0x02}, 64),
		}, &wire.Announce{}},
		{"refresh-only announce", &wire.Announce{Refresh: bytes.Repeat([]byte{0x03}, 32)}, &wire.Announce{}},
		{"mutable put request", &wire.MutablePutRequest{
			PublicKey: bytes.Repeat([]byte{0x04}, 32),
			Seq:       42,
			Value:     []byte("value"),
			Signature: bytes.Repeat([]byte{0x05}, 64),
		}, &wire.MutablePutRequest{}},
		{"holepunch", &wire.Holepunch{Mode: wire.HolepunchModeVeto, Payload: []byte("schedule")}, &wire.Holepunch{}},
		{"holepunch offer", &wire.HolepunchOffer{Candidate: addr, Firewall: 2, StartAtUnix: 1234567890}, &wire.HolepunchOffer{}},
		{"connect request", &wire.ConnectRequest{
			ClientPublicKey: bytes.Repeat([]byte{0x06}, 32),
			HandshakeMsg1:   []byte("msg1"),
			Candidates:      []wire.Address{addr},
			Firewall:        1,
		}, &wire.ConnectRequest{}},
		{"connect response", &wire.ConnectResponse{
			ServerPublicKey: bytes.Repeat([]byte{0x07}, 32),
			HandshakeMsg2:   []byte("msg2"),
			Candidates:      []wire.Address{addr},
			Firewall:        1,
			StartAtUnix:     987654321,
		}, &wire.ConnectResponse{}},
		{"lookup reply", &wire.LookupReply{Peers: []wire.Peer{*peer}}, &wire.LookupReply{}},
		{"find peer reply", &wire.FindPeerReply{Peer: peer}, &wire.FindPeerReply{}},
		{"empty find peer reply", &wire.FindPeerReply{}, &wire.FindPeerReply{}},
		{"refresh reply", &wire.RefreshReply{NextToken: bytes.Repeat([]byte{0x08}, 32)}, &wire.RefreshReply{}},
		{"mutable record", &wire.MutableRecord{Seq: 7, Value: []byte("v"), Signature: bytes.Repeat([]byte{0x09}, 64)}, &wire.MutableRecord{}},
		{"immutable record", &wire.ImmutableRecord{Value: []byte("blob")}, &wire.ImmutableRecord{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := cborcanon.Marshal(tc.in)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			if err := cborcanon.Unmarshal(encoded, tc.out); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if !reflect.DeepEqual(tc.in, tc.out) {
				t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", tc.in, tc.out)
			}

			reencoded, err := cborcanon.Marshal(tc.out)
			if err != nil {
				t.Fatalf("re-marshal failed: %v", err)
			}
			if !bytes.Equal(encoded, reencoded) {
				t.Fatal("canonical encoding is not stable across a round trip")
			}
		})
	}
}

func TestPeerTruncateBoundsRelayAddresses(t *testing.T) {
	addrs := make([]wire.Address, 5)
	for i := range addrs {
		addrs[i] = wire.Address{IP: [4]byte{10, 0, 0, byte(i + 1)}, Port: uint16(1000 + i)}
	}

	long := &wire.Peer{PublicKey: bytes.Repeat([]byte{1}, 32), RelayAddresses: addrs}
	long.Truncate()
	if len(long.RelayAddresses) != 3 {
		t.Fatalf("expected 3 relay addresses after truncation, got %d", len(long.RelayAddresses))
	}
	for i, a := range long.RelayAddresses {
		if !a.Equal(addrs[i]) {
			t.Fatalf("truncation reordered addresses at %d", i)
		}
	}

	short := &wire.Peer{PublicKey: bytes.Repeat([]byte{1}, 32), RelayAddresses: addrs[:2]}
	short.Truncate()
	if len(short.RelayAddresses) != 2 {
		t.Fatalf("expected a short list to pass through unchanged, got %d", len(short.RelayAddresses))
	}
}

func TestAddressUDPConversions(t *testing.T) {
	udp := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 4), Port: 30303}
	a := wire.AddressFromUDP(udp)
	if a.Port != 30303 || a.IP != [4]byte{198, 51, 100, 4} {
		t.Fatalf("unexpected conversion: %+v", a)
	}

	back := a.UDPAddr()
	if !back.IP.Equal(udp.IP) || back.Port != udp.Port {
		t.Fatalf("round trip mismatch: %v vs %v", back, udp)
	}

	if got := wire.AddressFromUDP(nil); got != (wire.Address{}) {
		t.Fatalf("expected zero Address for nil input, got %+v", got)
	}
	v6 := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1}
	if got := wire.AddressFromUDP(v6); got != (wire.Address{}) {
		t.Fatalf("expected zero Address for non-IPv4 input, got %+v", got)
	}
}
