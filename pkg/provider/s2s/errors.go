package s2s

import (
	"fmt"
	"strings"
)

// ConnectErrorKind classifies why establishing a session failed. The bridge
// maps the kind to the client-facing response: configuration mistakes are the
// operator's fault, everything else means the remote service was unavailable.
type ConnectErrorKind int

const (
	// KindUnreachable means the endpoint could not be reached (DNS, TCP,
	// TLS, or WebSocket handshake failure).
	KindUnreachable ConnectErrorKind = iota

	// KindAuth means the endpoint rejected the credential.
	KindAuth

	// KindInvalidConfig means the service rejected the session parameters
	// (unknown model, out-of-range options) or the local configuration was
	// unusable before dialing.
	KindInvalidConfig
)

// String returns the human-readable name of the kind.
func (k ConnectErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindAuth:
		return "auth"
	case KindInvalidConfig:
		return "invalid_config"
	default:
		return "unknown"
	}
}

// ConnectError is the typed error returned by Provider.Connect. It wraps the
// underlying cause and records which endpoint was being dialed, with any
// credential material already redacted.
type ConnectError struct {
	Kind     ConnectErrorKind
	Endpoint string
	Err      error
}

// NewConnectError builds a ConnectError, stripping everything after '?' from
// the endpoint so query-string credentials never reach logs or clients.
func NewConnectError(kind ConnectErrorKind, endpoint string, err error) *ConnectError {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	return &ConnectError{Kind: kind, Endpoint: endpoint, Err: err}
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("s2s: connect %s (%s): %v", e.Endpoint, e.Kind, e.Err)
	}
	return fmt.Sprintf("s2s: connect (%s): %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectError) Unwrap() error { return e.Err }
