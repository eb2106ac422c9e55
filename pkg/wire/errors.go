package wire

import (
	"fmt"

	"github.com/lanmower/dht/pkg/constants"
)

// Error is the wire-level error returned by any RPC: one of the six codes
// defined in constants (SEQ_REUSED, SEQ_TOO_LOW, INVALID_SIGNATURE,
// PEER_NOT_FOUND, HOLEPUNCH_ABORTED, HOLEPUNCH_TIMEOUT).
type Error struct {
	Code   uint8  `cbor:"code"`
	Reason string `cbor:"reason"`
}

// NewError creates a new wire error.
func NewError(code uint8, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", ErrorCodeName(e.Code), e.Reason)
}

// Is supports errors.Is comparisons against code-only sentinel *Error values.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// ErrorCodeName returns the human-readable name for a wire error code.
func ErrorCodeName(code uint8) string {
	switch code {
	case constants.ErrCodeSeqReused:
		return "SEQ_REUSED"
	case constants.ErrCodeSeqTooLow:
		return "SEQ_TOO_LOW"
	case constants.ErrCodeInvalidSignature:
		return "INVALID_SIGNATURE"
	case constants.ErrCodePeerNotFound:
		return "PEER_NOT_FOUND"
	case constants.ErrCodeHolepunchAborted:
		return "HOLEPUNCH_ABORTED"
	case constants.ErrCodeHolepunchTimeout:
		return "HOLEPUNCH_TIMEOUT"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// ErrSeqReused is returned when a mutable put's sequence number has already
// been used for this key (mutable records).
var ErrSeqReused = NewError(constants.ErrCodeSeqReused, "sequence number already used")

// ErrSeqTooLow is returned when a mutable put's sequence number is lower
// than the stored record's sequence number.
var ErrSeqTooLow = NewError(constants.ErrCodeSeqTooLow, "sequence number lower than stored record")

// ErrInvalidSignature is returned when a record or handshake signature does
// not verify against the claimed public key.
var ErrInvalidSignature = NewError(constants.ErrCodeInvalidSignature, "signature verification failed")

// ErrPeerNotFound is returned when a lookup or relay request targets a key
// with no announce record in the contacted node's store.
var ErrPeerNotFound = NewError(constants.ErrCodePeerNotFound, "no record for target")

// ErrHolepunchAborted is returned when a hole-punch session is vetoed, e.g.
// by a Firewall or Holepunch hook.
var ErrHolepunchAborted = NewError(constants.ErrCodeHolepunchAborted, "hole-punch session aborted")

// ErrHolepunchTimeout is returned when a hole-punch session exceeds its
// round budget without reaching a locked path.
var ErrHolepunchTimeout = NewError(constants.ErrCodeHolepunchTimeout, "hole-punch session timed out")

// ErrSeqReusedf builds an ErrSeqReused with a formatted reason.
func ErrSeqReusedf(format string, args ...any) *Error {
	return NewError(constants.ErrCodeSeqReused, fmt.Sprintf(format, args...))
}

// ErrSeqTooLowf builds an ErrSeqTooLow with a formatted reason.
func ErrSeqTooLowf(format string, args ...any) *Error {
	return NewError(constants.ErrCodeSeqTooLow, fmt.Sprintf(format, args...))
}

// ErrInvalidSignaturef builds an ErrInvalidSignature with a formatted reason.
func ErrInvalidSignaturef(format string, args ...any) *Error {
	return NewError(constants.ErrCodeInvalidSignature, fmt.Sprintf(format, args...))
}

// ErrPeerNotFoundf builds an ErrPeerNotFound with a formatted reason.
func ErrPeerNotFoundf(format string, args ...any) *Error {
	return NewError(constants.ErrCodePeerNotFound, fmt.Sprintf(format, args...))
}
