// Package socket implements the client-visible stream surface (
// "Event-emitter model → state machine + callbacks"): a JS-style emitter
// re-expressed as an explicit state machine (opening, open, closing,
// closed) with typed callbacks registered through On* setters, invoked from a
// single per-connection read-loop goroutine. This mirrors the
// router.Entry callback-field redesign applied to the client-facing side
// too.
package socket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/flynn/noise"
	"github.com/lanmower/dht/pkg/transport"
)

// State is the Socket's position in its lifecycle.
type State uint8

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Write/End when called after the socket reached
// StateClosed.
var ErrClosed = errors.New("socket: use of closed connection")

// maxFrame bounds a single sealed frame; anything larger on the wire is
// treated as a corrupt stream.
const maxFrame = 1 << 20

// Socket exposes a reliable bidirectional byte stream over a
// transport.Conn: write, end, destroy, plus open/data/end/close/error
// callbacks. Sockets built by the connection-establishment path carry the
// Noise session cipher states and seal every frame end to end; the
// plain New constructor leaves the stream as the transport delivers it.
type Socket struct {
	mu    sync.Mutex
	conn  transport.Conn
	state State

	writeMu sync.Mutex
	send    *noise.CipherState
	recv    *noise.CipherState

	onOpen  func()
	onData  func([]byte)
	onEnd   func()
	onClose func()
	onError func(error)

	readDone chan struct{}
}

// New wraps conn in a Socket, initially in StateOpening. Call Start once
// the handshake has completed and the caller is ready to receive data.
func New(conn transport.Conn) *Socket {
	return &Socket{conn: conn, state: StateOpening, readDone: make(chan struct{})}
}

// NewSecure wraps conn in a Socket that seals every outbound payload with
// send and opens every inbound frame with recv — the cipher states a
// completed Noise_IK handshake produced for this connection.
func NewSecure(conn transport.Conn, send, recv *noise.CipherState) *Socket {
	s := New(conn)
	s.send = send
	s.recv = recv
	return s
}

// OnOpen registers the callback invoked once, when Start transitions the
// socket to StateOpen.
func (s *Socket) OnOpen(fn func()) { s.mu.Lock(); s.onOpen = fn; s.mu.Unlock() }

// OnData registers the callback invoked for every inbound application
// payload.
func (s *Socket) OnData(fn func([]byte)) { s.mu.Lock(); s.onData = fn; s.mu.Unlock() }

// OnEnd registers the callback invoked when the remote half-closes.
func (s *Socket) OnEnd(fn func()) { s.mu.Lock(); s.onEnd = fn; s.mu.Unlock() }

// OnClose registers the callback invoked once the socket is fully closed.
func (s *Socket) OnClose(fn func()) { s.mu.Lock(); s.onClose = fn; s.mu.Unlock() }

// OnError registers the callback invoked on a terminal transport error,
// always followed by OnClose ("surfaced on the Socket via a terminal
// error then close").
func (s *Socket) OnError(fn func(error)) { s.mu.Lock(); s.onError = fn; s.mu.Unlock() }

// Start transitions the socket to StateOpen, fires onOpen, and begins the
// read loop. Call once the underlying transport and handshake are ready.
func (s *Socket) Start() {
	s.mu.Lock()
	if s.state != StateOpening {
		s.mu.Unlock()
		return
	}
	s.state = StateOpen
	onOpen := s.onOpen
	s.mu.Unlock()

	if onOpen != nil {
		onOpen()
	}
	go s.readLoop()
}

// State returns the socket's current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Write sends an application payload over the underlying stream, sealing
// it first when the socket carries session ciphers.
func (s *Socket) Write(p []byte) (int, error) {
	s.mu.Lock()
	state := s.state
	conn := s.conn
	s.mu.Unlock()

	if state == StateClosed || state == StateClosing {
		return 0, ErrClosed
	}
	if s.send == nil {
		return conn.Write(p)
	}

	// The cipher's nonce counter and the frame order on the wire must
	// agree, so seal-and-send is one critical section.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sealed, err := s.send.Encrypt(nil, nil, p)
	if err != nil {
		return 0, fmt.Errorf("socket: failed to seal frame: %w", err)
	}
	frame := make([]byte, 4+len(sealed))
	binary.BigEndian.PutUint32(frame, uint32(len(sealed)))
	copy(frame[4:], sealed)
	if _, err := conn.Write(frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

// End moves the socket to StateClosing so later Write calls return
// ErrClosed (idempotent). Nothing is sent to the remote side and the
// transport stays open, still delivering inbound data, until Destroy.
func (s *Socket) End() error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.mu.Unlock()
	return nil
}

// Destroy tears the socket down immediately, firing onError (if err is
// non-nil) then onClose. Idempotent: a second Destroy call is a
// no-op.
func (s *Socket) Destroy(err error) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	conn := s.conn
	onError := s.onError
	onClose := s.onClose
	s.mu.Unlock()

	closeErr := conn.Close()

	if err != nil && onError != nil {
		onError(err)
	}
	if onClose != nil {
		onClose()
	}
	return closeErr
}

func (s *Socket) readLoop() {
	defer close(s.readDone)

	if s.recv != nil {
		s.readSealed()
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.deliver(buf[:n])
		}
		if err != nil {
			s.finishRead(err)
			return
		}
	}
}

// readSealed consumes length-prefixed sealed frames, opening each with the
// session's receive cipher before delivery.
func (s *Socket) readSealed() {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
			s.finishRead(err)
			return
		}
		frameLen := binary.BigEndian.Uint32(lenBuf[:])
		if frameLen == 0 || frameLen > maxFrame {
			s.finishRead(fmt.Errorf("socket: sealed frame length %d out of range", frameLen))
			return
		}
		sealed := make([]byte, frameLen)
		if _, err := io.ReadFull(s.conn, sealed); err != nil {
			s.finishRead(err)
			return
		}
		payload, err := s.recv.Decrypt(nil, nil, sealed)
		if err != nil {
			s.finishRead(fmt.Errorf("socket: failed to open sealed frame: %w", err))
			return
		}
		s.deliver(payload)
	}
}

func (s *Socket) deliver(p []byte) {
	s.mu.Lock()
	onData := s.onData
	s.mu.Unlock()
	if onData != nil {
		payload := make([]byte, len(p))
		copy(payload, p)
		onData(payload)
	}
}

// finishRead maps a read-loop exit into the end/close/error callbacks: EOF
// is a clean remote end, anything else a terminal error.
func (s *Socket) finishRead(err error) {
	s.mu.Lock()
	state := s.state
	onEnd := s.onEnd
	s.mu.Unlock()

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if onEnd != nil {
			onEnd()
		}
		s.Destroy(nil)
		return
	}
	if state != StateClosed {
		s.Destroy(fmt.Errorf("socket: read loop: %w", err))
	}
}
