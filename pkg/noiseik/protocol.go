// Package noiseik frames the Noise_IK handshake carried inside the DHT's
// connection-establishment exchange. ClientHello/ServerHello are the
// canonical-CBOR envelopes carried as the handshakeMsg1/response payloads
// of the CONNECT round trip; the client's closing Noise message rides in
// the hole-punch confirmation that follows. The envelopes are Ed25519
// signed so each side can bind the Noise static key it ends up talking to
// back to the peer's long-lived identity.
//
// Noise roles are inverted relative to the protocol's client/server roles:
// IK requires the initiator to know the responder's static key up front,
// and the only X25519 key either side knows before the exchange is the
// client's, carried in its signed ClientHello. The server therefore
// initiates: ServerHello carries Noise message 1, and the client answers
// with message 2 via FinalMessage/ReadFinalMessage.
package noiseik

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/flynn/noise"
	"github.com/lanmower/dht/pkg/codec/cborcanon"
	"github.com/lanmower/dht/pkg/constants"
	"github.com/lanmower/dht/pkg/identity"
)

// ClientHello is the client's handshake envelope.
type ClientHello struct {
	Version        uint16  `cbor:"v"`
	From           []byte  `cbor:"from"`     // sender's Ed25519 public key
	Nonce          uint64  `cbor:"nonce"`    // replay protection nonce
	NoiseKey       []byte  `cbor:"noisekey"` // X25519 static the server will initiate toward
	Proof          []byte  `cbor:"proof"`    // Ed25519 signature over canonical fields
	PSKHint        *string `cbor:"psk_hint,omitempty"`
	PSKProof       []byte  `cbor:"psk_proof,omitempty"`
	AdmissionToken *string `cbor:"admission_token,omitempty"`
	TokenProof     []byte  `cbor:"token_proof,omitempty"`
	TokenExpiry    *uint64 `cbor:"token_expiry,omitempty"`
}

// ServerHello is the server's handshake response.
type ServerHello struct {
	Version  uint16 `cbor:"v"`
	From     []byte `cbor:"from"`
	Nonce    uint64 `cbor:"nonce"`
	NoiseKey []byte `cbor:"noisekey"`  // server's X25519 static, bound by Proof
	NoiseMsg []byte `cbor:"noise_msg"` // Noise_IK message 1 (server is initiator)
	Proof    []byte `cbor:"proof"`
	PSKProof []byte `cbor:"psk_proof,omitempty"`
}

// Sign signs the ClientHello with the provided Ed25519 private key.
func (ch *ClientHello) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(ch, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode ClientHello for signing: %w", err)
	}
	ch.Proof = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify verifies the ClientHello signature using the provided Ed25519 public key.
func (ch *ClientHello) Verify(publicKey ed25519.PublicKey) error {
	if len(ch.Proof) == 0 {
		return fmt.Errorf("ClientHello has no proof")
	}
	sigData, err := cborcanon.EncodeForSigning(ch, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode ClientHello for verification: %w", err)
	}
	if !ed25519.Verify(publicKey, sigData, ch.Proof) {
		return fmt.Errorf("ClientHello signature verification failed")
	}
	return nil
}

// Marshal encodes the ClientHello to canonical CBOR.
func (ch *ClientHello) Marshal() ([]byte, error) {
	return cborcanon.Marshal(ch)
}

// Unmarshal decodes the ClientHello from CBOR.
func (ch *ClientHello) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, ch)
}

// Sign signs the ServerHello with the provided Ed25519 private key.
func (sh *ServerHello) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(sh, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode ServerHello for signing: %w", err)
	}
	sh.Proof = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify verifies the ServerHello signature using the provided Ed25519 public key.
func (sh *ServerHello) Verify(publicKey ed25519.PublicKey) error {
	if len(sh.Proof) == 0 {
		return fmt.Errorf("ServerHello has no proof")
	}
	sigData, err := cborcanon.EncodeForSigning(sh, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode ServerHello for verification: %w", err)
	}
	if !ed25519.Verify(publicKey, sigData, sh.Proof) {
		return fmt.Errorf("ServerHello signature verification failed")
	}
	return nil
}

// Marshal encodes the ServerHello to canonical CBOR.
func (sh *ServerHello) Marshal() ([]byte, error) {
	return cborcanon.Marshal(sh)
}

// Unmarshal decodes the ServerHello from CBOR.
func (sh *ServerHello) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, sh)
}

// Handshake drives one side of the Noise_IK exchange between a connector
// and a server. It is complete once both Noise messages have been
// processed and the session cipher states exist.
type Handshake struct {
	identity        *identity.Identity
	nonce           uint64
	complete        bool
	expectedPeer    ed25519.PublicKey
	noiseState      *noise.HandshakeState
	cipherSuite     noise.CipherSuite
	sendCipher      *noise.CipherState
	recvCipher      *noise.CipherState
	finalMsg        []byte
	sequenceTracker *SequenceTracker
	config          *HandshakeConfig
}

// NewHandshake creates a new handshake instance bound to id.
func NewHandshake(id *identity.Identity) *Handshake {
	nonce := uint64(time.Now().UnixNano())

	var randomBytes [8]byte
	rand.Read(randomBytes[:])
	randomPart := uint64(randomBytes[0])<<56 | uint64(randomBytes[1])<<48 |
		uint64(randomBytes[2])<<40 | uint64(randomBytes[3])<<32 |
		uint64(randomBytes[4])<<24 | uint64(randomBytes[5])<<16 |
		uint64(randomBytes[6])<<8 | uint64(randomBytes[7])
	nonce ^= randomPart

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

	return &Handshake{
		identity:        id,
		nonce:           nonce,
		cipherSuite:     cipherSuite,
		sequenceTracker: NewSequenceTracker(),
		config:          NewHandshakeConfig(),
	}
}

// NewHandshakeWithPSK creates a handshake instance pre-configured with a PSK.
func NewHandshakeWithPSK(id *identity.Identity, pskConfig *PSKConfig) *Handshake {
	h := NewHandshake(id)
	h.config.PSKConfig = pskConfig
	return h
}

// NewHandshakeWithAdmission creates a handshake instance pre-configured with
// token-based admission control.
func NewHandshakeWithAdmission(id *identity.Identity, admissionConfig *AdmissionConfig, clientToken string, tokenSigningKey ed25519.PrivateKey) *Handshake {
	h := NewHandshake(id)
	h.config.AdmissionConfig = admissionConfig
	h.config.ClientToken = clientToken
	h.config.TokenSigningKey = tokenSigningKey
	return h
}

// SetTokenValidator sets the token validation public key (for servers).
func (h *Handshake) SetTokenValidator(publicKey ed25519.PublicKey) {
	h.config.TokenPublicKey = publicKey
}

// SetAdmission attaches token-based admission control to an
// already-constructed handshake: a server passes clientToken/tokenSigningKey
// as zero values and calls SetTokenValidator separately; a client passes its
// own token and the key it signs proofs with.
func (h *Handshake) SetAdmission(cfg *AdmissionConfig, clientToken string, tokenSigningKey ed25519.PrivateKey) {
	h.config.AdmissionConfig = cfg
	h.config.ClientToken = clientToken
	h.config.TokenSigningKey = tokenSigningKey
}

// SetPSK attaches pre-shared-key proof generation/verification to an
// already-constructed handshake.
func (h *Handshake) SetPSK(cfg *PSKConfig) {
	h.config.PSKConfig = cfg
}

// NewClientHandshake creates the connector-side handshake. serverPublicKey
// is the server's Ed25519 identity key; the ServerHello's envelope
// signature is checked against it, which in turn binds the Noise static
// the client ends up keyed to.
func NewClientHandshake(id *identity.Identity, serverPublicKey []byte) (*Handshake, error) {
	if len(serverPublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("server public key must be %d bytes", ed25519.PublicKeySize)
	}
	h := NewHandshake(id)
	h.expectedPeer = append(ed25519.PublicKey(nil), serverPublicKey...)
	return h, nil
}

// NewServerHandshake creates the server-side handshake. The Noise state is
// built once the ClientHello arrives, since IK initiation needs the
// client's static key first.
func NewServerHandshake(id *identity.Identity) (*Handshake, error) {
	return NewHandshake(id), nil
}

// responderState builds the Noise responder half; the client holds this
// side, so it needs no prior knowledge of the server's static.
func (h *Handshake) responderState() (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite: h.cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   false,
		StaticKeypair: noise.DHKey{
			Private: h.identity.KeyAgreementPrivateKey[:],
			Public:  h.identity.KeyAgreementPublicKey[:],
		},
	})
}

// initiatorState builds the Noise initiator half toward peerStatic; the
// server holds this side once the ClientHello has told it who to key to.
func (h *Handshake) initiatorState(peerStatic []byte) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite: h.cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Private: h.identity.KeyAgreementPrivateKey[:],
			Public:  h.identity.KeyAgreementPublicKey[:],
		},
		PeerStatic: peerStatic,
	})
}

// CreateClientHello builds and signs the ClientHello message.
func (h *Handshake) CreateClientHello() (*ClientHello, error) {
	if h.noiseState == nil {
		state, err := h.responderState()
		if err != nil {
			return nil, fmt.Errorf("failed to create responder state: %w", err)
		}
		h.noiseState = state
	}

	hello := &ClientHello{
		Version:  constants.ProtocolVersion,
		From:     h.identity.SigningPublicKey,
		Nonce:    h.nonce,
		NoiseKey: h.identity.KeyAgreementPublicKey[:],
	}

	if h.config.AdmissionConfig != nil && h.config.ClientToken != "" {
		token, proof, expiry := h.config.GenerateAdmissionTokenProof("")
		if token != "" {
			hello.AdmissionToken = &token
			hello.TokenProof = proof
			hello.TokenExpiry = &expiry
		}
	}

	if h.config.PSKConfig != nil {
		hint := h.config.PSKConfig.Hint
		hello.PSKHint = &hint

		sigData, err := cborcanon.EncodeForSigning(hello, "proof", "psk_proof")
		if err != nil {
			return nil, fmt.Errorf("failed to encode for PSK proof: %w", err)
		}
		hello.PSKProof = h.config.PSKConfig.GenerateProof(sigData)
	}

	if err := hello.Sign(h.identity.SigningPrivateKey); err != nil {
		return nil, fmt.Errorf("failed to sign ClientHello: %w", err)
	}
	return hello, nil
}

// ProcessClientHello validates a received ClientHello, initiates the Noise
// exchange toward the client's static key, and returns the ServerHello
// carrying Noise message 1. The handshake is not complete until the
// client's closing message arrives at ReadFinalMessage.
func (h *Handshake) ProcessClientHello(clientHello *ClientHello) (*ServerHello, error) {
	if clientHello.Version != constants.ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", clientHello.Version)
	}
	if len(clientHello.From) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ClientHello: From must be a %d-byte Ed25519 public key", ed25519.PublicKeySize)
	}
	if len(clientHello.NoiseKey) != 32 {
		return nil, fmt.Errorf("invalid ClientHello: NoiseKey must be 32 bytes")
	}
	if err := clientHello.Verify(ed25519.PublicKey(clientHello.From)); err != nil {
		return nil, fmt.Errorf("ClientHello signature verification failed: %w", err)
	}
	if !h.sequenceTracker.ValidateReceiveSequence(clientHello.Nonce) {
		return nil, fmt.Errorf("ClientHello nonce replayed")
	}

	if h.config.PSKConfig != nil {
		sigData, err := cborcanon.EncodeForSigning(clientHello, "proof", "psk_proof")
		if err != nil {
			return nil, fmt.Errorf("failed to encode for PSK verification: %w", err)
		}
		if err := h.config.ValidatePSK(sigData, clientHello.PSKHint, clientHello.PSKProof); err != nil {
			return nil, fmt.Errorf("PSK validation failed: %w", err)
		}
	}

	if err := h.config.ValidateAdmissionToken("", clientHello.AdmissionToken, clientHello.TokenProof); err != nil {
		return nil, fmt.Errorf("admission token validation failed: %w", err)
	}

	state, err := h.initiatorState(clientHello.NoiseKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create initiator state: %w", err)
	}
	msg1, _, _, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to write Noise message 1: %w", err)
	}
	h.noiseState = state

	hello := &ServerHello{
		Version:  constants.ProtocolVersion,
		From:     h.identity.SigningPublicKey,
		Nonce:    uint64(time.Now().UnixNano()),
		NoiseKey: h.identity.KeyAgreementPublicKey[:],
		NoiseMsg: msg1,
	}

	if h.config.PSKConfig != nil {
		sigData, err := cborcanon.EncodeForSigning(hello, "proof", "psk_proof")
		if err != nil {
			return nil, fmt.Errorf("failed to encode for PSK proof: %w", err)
		}
		hello.PSKProof = h.config.PSKConfig.GenerateProof(sigData)
	}

	if err := hello.Sign(h.identity.SigningPrivateKey); err != nil {
		return nil, fmt.Errorf("failed to sign ServerHello: %w", err)
	}
	return hello, nil
}

// ProcessServerHello validates a received ServerHello, consumes Noise
// message 1, and produces the closing message 2, after which the client
// side holds its session cipher states. The caller sends FinalMessage to
// the server to complete its side.
func (h *Handshake) ProcessServerHello(serverHello *ServerHello) error {
	if len(serverHello.From) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid ServerHello: From must be a %d-byte Ed25519 public key", ed25519.PublicKeySize)
	}
	if h.expectedPeer != nil && !bytes.Equal(serverHello.From, h.expectedPeer) {
		return fmt.Errorf("ServerHello is from the wrong server identity")
	}
	if err := serverHello.Verify(ed25519.PublicKey(serverHello.From)); err != nil {
		return fmt.Errorf("ServerHello signature verification failed: %w", err)
	}
	if !h.sequenceTracker.ValidateReceiveSequence(serverHello.Nonce) {
		return fmt.Errorf("ServerHello nonce replayed")
	}

	if h.config.PSKConfig != nil {
		if len(serverHello.PSKProof) == 0 {
			return fmt.Errorf("PSK proof expected but not provided in ServerHello")
		}
		sigData, err := cborcanon.EncodeForSigning(serverHello, "proof", "psk_proof")
		if err != nil {
			return fmt.Errorf("failed to encode ServerHello for PSK verification: %w", err)
		}
		if !h.config.PSKConfig.VerifyProof(sigData, serverHello.PSKProof) {
			return fmt.Errorf("ServerHello PSK proof verification failed")
		}
	}

	if h.noiseState == nil {
		return fmt.Errorf("no responder state; CreateClientHello must run first")
	}
	if _, _, _, err := h.noiseState.ReadMessage(nil, serverHello.NoiseMsg); err != nil {
		return fmt.Errorf("failed to read Noise message 1: %w", err)
	}
	// The DH transcript authenticated some static key; the signed envelope
	// says which one the server identity meant. They must be the same key.
	if !bytes.Equal(h.noiseState.PeerStatic(), serverHello.NoiseKey) {
		return fmt.Errorf("ServerHello Noise static does not match the handshake transcript")
	}

	msg2, cs1, cs2, err := h.noiseState.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("failed to write Noise message 2: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return fmt.Errorf("Noise handshake did not complete")
	}

	// The initiator (server) sends with cs1; this side is the responder.
	h.sendCipher = cs2
	h.recvCipher = cs1
	h.finalMsg = msg2
	h.complete = true
	return nil
}

// FinalMessage returns Noise message 2, produced by ProcessServerHello,
// which the client must deliver to the server to complete its side.
func (h *Handshake) FinalMessage() []byte {
	return h.finalMsg
}

// ReadFinalMessage consumes the client's closing Noise message on the
// server side, completing the handshake and establishing the session
// cipher states.
func (h *Handshake) ReadFinalMessage(message []byte) error {
	if h.noiseState == nil {
		return fmt.Errorf("no initiator state; ProcessClientHello must run first")
	}
	_, cs1, cs2, err := h.noiseState.ReadMessage(nil, message)
	if err != nil {
		return fmt.Errorf("failed to read Noise message 2: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return fmt.Errorf("Noise handshake did not complete")
	}

	h.sendCipher = cs1
	h.recvCipher = cs2
	h.complete = true
	return nil
}

// IsComplete returns true once both Noise messages have been processed and
// the session cipher states exist.
func (h *Handshake) IsComplete() bool {
	return h.complete
}

// SessionCiphers returns the directional cipher states of the completed
// handshake, for the stream layer to seal application data with.
func (h *Handshake) SessionCiphers() (send, recv *noise.CipherState, err error) {
	if !h.complete || h.sendCipher == nil || h.recvCipher == nil {
		return nil, nil, fmt.Errorf("handshake not complete")
	}
	return h.sendCipher, h.recvCipher, nil
}
