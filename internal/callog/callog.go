// Package callog defines the persistent call record store.
//
// Every bridged call produces one [Record] summarising its outcome and audio
// volume. Records exist for offline analysis (billing, quality, error
// triage); the serving path never reads them back except through the
// sessions listing endpoint.
//
// The [Store] interface is implemented by postgres (production) and mock
// (tests). A disabled call log is represented by the absence of a store, not
// by a no-op implementation.
package callog

import (
	"context"
	"time"
)

// Record is the durable summary of one bridged call. The JSON form is served
// by the sessions listing endpoint.
type Record struct {
	// ID is the unique call identifier, shared with log lines and the
	// sessions endpoint.
	ID string `json:"id"`

	// Variant names the transport that served the call ("managed" or "relay").
	Variant string `json:"variant"`

	// Model is the remote model identifier, empty for relay calls.
	Model string `json:"model,omitempty"`

	// RemoteAddr is the client network address as seen by the HTTP server.
	RemoteAddr string `json:"remote_addr"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	// Audio volume counters, as counted by the bridge.
	BytesUp    int64 `json:"bytes_up"`
	BytesDown  int64 `json:"bytes_down"`
	FramesUp   int64 `json:"frames_up"`
	FramesDown int64 `json:"frames_down"`

	// SendErrors counts uplink frames dropped after failed remote sends.
	SendErrors int64 `json:"send_errors"`

	// CloseReason names the trigger that ended the call.
	CloseReason string `json:"close_reason"`

	// Error holds the call's failure message, empty for clean endings.
	Error string `json:"error,omitempty"`
}

// Duration returns the wall-clock length of the call.
func (r Record) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Store persists and lists call records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Insert persists one finished call.
	Insert(ctx context.Context, rec Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Ping probes the backing storage for readiness checks.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}
