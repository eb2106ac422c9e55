package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/lanmower/dht/pkg/constants"
)

func generateTestTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"dht test"},
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(time.Hour),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:    []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		}},
		NextProtos:         []string{"dht-stream/1"},
		InsecureSkipVerify: true,
	}
}

func TestQUICTransport_Name(t *testing.T) {
	tr := New()
	if tr.Name() != "quic" {
		t.Errorf("Expected transport name 'quic', got '%s'", tr.Name())
	}
}

func TestQUICTransport_DefaultPort(t *testing.T) {
	tr := New()
	if tr.DefaultPort() != constants.DefaultPort {
		t.Errorf("Expected default port %d, got %d", constants.DefaultPort, tr.DefaultPort())
	}
}

func TestQUICTransport_Listen(t *testing.T) {
	tr := New()
	ctx := context.Background()
	tlsConfig := generateTestTLSConfig()

	listener, err := tr.Listen(ctx, "127.0.0.1:0", tlsConfig)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()

	addr := listener.Addr()
	if addr == nil {
		t.Error("Expected listener address to be set")
	}
	if _, ok := addr.(*net.UDPAddr); !ok {
		t.Errorf("Expected UDP address, got %T", addr)
	}
}

func TestQUICTransport_Dial(t *testing.T) {
	tr := New()
	ctx := context.Background()
	tlsConfig := generateTestTLSConfig()

	listener, err := tr.Listen(ctx, "127.0.0.1:0", tlsConfig)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()

	addr := listener.Addr().String()

	clientTLSConfig := &tls.Config{
		NextProtos:         []string{"dht-stream/1"},
		InsecureSkipVerify: true,
	}

	conn, err := tr.Dial(ctx, addr, clientTLSConfig)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	if conn.LocalAddr() == nil {
		t.Error("Expected local address to be set")
	}
	if conn.RemoteAddr() == nil {
		t.Error("Expected remote address to be set")
	}

	state := conn.ConnectionState()
	if !state.HandshakeComplete {
		t.Error("Expected TLS handshake to be complete")
	}
	if state.NegotiatedProtocol != "dht-stream/1" {
		t.Errorf("Expected negotiated protocol 'dht-stream/1', got '%s'", state.NegotiatedProtocol)
	}
}

func TestQUICTransport_ListenOnDialOn(t *testing.T) {
	tr := New()
	ctx := context.Background()

	serverPC, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to bind server socket: %v", err)
	}
	clientPC, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to bind client socket: %v", err)
	}

	listener, err := tr.ListenOn(ctx, serverPC, generateTestTLSConfig())
	if err != nil {
		t.Fatalf("Failed to ListenOn: %v", err)
	}
	defer listener.Close()

	clientTLSConfig := &tls.Config{
		NextProtos:         []string{"dht-stream/1"},
		InsecureSkipVerify: true,
	}

	conn, err := tr.DialOn(ctx, clientPC, serverPC.LocalAddr(), clientTLSConfig)
	if err != nil {
		t.Fatalf("Failed to DialOn: %v", err)
	}
	defer conn.Close()

	if conn.RemoteAddr().String() != serverPC.LocalAddr().String() {
		t.Errorf("expected remote addr %s, got %s", serverPC.LocalAddr(), conn.RemoteAddr())
	}
}

func TestQUICTransport_ContextCancellation(t *testing.T) {
	tr := New()
	tlsConfig := generateTestTLSConfig()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tr.Listen(ctx, "127.0.0.1:0", tlsConfig); err == nil {
		t.Error("Expected listen to fail with cancelled context")
	}

	ctx, cancel = context.WithCancel(context.Background())
	cancel()

	if _, err := tr.Dial(ctx, "127.0.0.1:12345", tlsConfig); err == nil {
		t.Error("Expected dial to fail with cancelled context")
	}
}

func TestQUICTransport_InvalidAddress(t *testing.T) {
	tr := New()
	ctx := context.Background()
	tlsConfig := generateTestTLSConfig()

	if _, err := tr.Listen(ctx, "invalid:address", tlsConfig); err == nil {
		t.Error("Expected listen to fail with invalid address")
	}
	if _, err := tr.Dial(ctx, "invalid:address", tlsConfig); err == nil {
		t.Error("Expected dial to fail with invalid address")
	}
}
