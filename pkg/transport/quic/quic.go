// Package quic implements the reliable UDP-stream transport used by the
// connection-establishment subsystem. It wraps quic-go and, critically for
// hole-punching, can take over an already-bound net.PacketConn instead of
// opening its own socket, so a locked hole-punch 5-tuple hands straight
// into an encrypted stream without a second bind.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/lanmower/dht/pkg/constants"
	"github.com/lanmower/dht/pkg/transport"
	"github.com/quic-go/quic-go"
)

// Transport implements transport.PacketTransport using QUIC.
type Transport struct{}

func init() {
	transport.DefaultRegistry.Register("quic", New())
}

// New creates a new QUIC transport.
func New() transport.PacketTransport {
	return &Transport{}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "quic"
}

// DefaultPort returns the default port for the transport.
func (t *Transport) DefaultPort() int {
	return constants.DefaultPort
}

func quicConfig() *quic.Config {
	cfg := transport.DefaultConfig()
	return &quic.Config{
		MaxIdleTimeout:  cfg.MaxIdleTimeout,
		KeepAlivePeriod: cfg.KeepAlive,
	}
}

func withALPN(cfg *tls.Config) *tls.Config {
	out := cfg.Clone()
	if out == nil {
		out = &tls.Config{}
	}
	if len(out.NextProtos) == 0 {
		out.NextProtos = transport.DefaultConfig().ALPNProtocols
	}
	return out
}

// Listen starts listening for QUIC connections on addr, binding its own
// UDP socket.
func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	listener, err := quic.ListenAddr(udpAddr.String(), withALPN(tlsConfig), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create QUIC listener: %w", err)
	}

	return &Listener{listener: listener}, nil
}

// Dial establishes a QUIC connection, binding its own UDP socket.
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	connection, err := quic.DialAddr(ctx, addr, withALPN(tlsConfig), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to dial QUIC connection: %w", err)
	}

	stream, err := connection.OpenStreamSync(ctx)
	if err != nil {
		connection.CloseWithError(0, "failed to open stream")
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	return &Conn{connection: connection, stream: stream}, nil
}

// ListenOn accepts QUIC connections arriving on a pre-bound packet
// connection — the handoff from a locked hole-punch session.
func (t *Transport) ListenOn(ctx context.Context, pc net.PacketConn, tlsConfig *tls.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	listener, err := quic.Listen(pc, withALPN(tlsConfig), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create QUIC listener on bound socket: %w", err)
	}

	return &Listener{listener: listener}, nil
}

// DialOn dials remoteAddr over a pre-bound packet connection — the
// handoff from a locked hole-punch session.
func (t *Transport) DialOn(ctx context.Context, pc net.PacketConn, remoteAddr net.Addr, tlsConfig *tls.Config) (transport.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	connection, err := quic.Dial(ctx, pc, remoteAddr, withALPN(tlsConfig), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to dial QUIC connection on bound socket: %w", err)
	}

	stream, err := connection.OpenStreamSync(ctx)
	if err != nil {
		connection.CloseWithError(0, "failed to open stream")
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	return &Conn{connection: connection, stream: stream}, nil
}

// Listener wraps a QUIC listener.
type Listener struct {
	listener *quic.Listener
}

// Accept waits for and returns the next connection.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	connection, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := connection.AcceptStream(ctx)
	if err != nil {
		connection.CloseWithError(0, "failed to accept stream")
		return nil, fmt.Errorf("failed to accept stream: %w", err)
	}

	return &Conn{connection: connection, stream: stream}, nil
}

// Close closes the listener.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Conn wraps a QUIC connection and its single application stream.
type Conn struct {
	connection *quic.Conn
	stream     *quic.Stream
}

// Read reads data from the stream.
func (c *Conn) Read(b []byte) (n int, err error) {
	return c.stream.Read(b)
}

// Write writes data to the stream.
func (c *Conn) Write(b []byte) (n int, err error) {
	return c.stream.Write(b)
}

// Close closes the stream then the connection.
func (c *Conn) Close() error {
	if err := c.stream.Close(); err != nil {
		c.connection.CloseWithError(0, "stream close error")
		return err
	}
	return c.connection.CloseWithError(0, "normal close")
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.connection.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.connection.RemoteAddr()
}

// SetDeadline sets the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

// ConnectionState returns the TLS connection state.
func (c *Conn) ConnectionState() tls.ConnectionState {
	return c.connection.ConnectionState().TLS
}
