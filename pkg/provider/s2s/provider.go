// Package s2s defines the Provider interface for speech-to-speech backends.
//
// An S2S provider wraps a real-time voice service that accepts raw audio
// input and returns synthesised audio output in a single, stateful session.
// The bridge opens one session per client call and streams paced PCM frames
// up while the service streams synthesised PCM back down.
//
// The central abstraction is SessionHandle: a bidirectional handle carrying
// audio both ways plus transcripts and tool calls. Sessions are created per
// client request, never shared, and live for seconds to minutes.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"encoding/json"
)

// ToolCallHandler is a callback invoked by the session whenever the remote
// model requests a tool call. The handler receives the tool name and a
// JSON-encoded arguments string and must return either a result string (sent
// back into the session as tool output) or an error.
//
// The handler may be called from the session's internal receive goroutine —
// implementors must not call blocking session methods from within the
// handler. When no handler is registered, tool calls are logged and skipped.
type ToolCallHandler func(name string, args string) (string, error)

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Instructions is the system-level prompt applied to the session.
	// Empty means the provider default.
	Instructions string

	// Voice selects the provider voice for synthesised output. Empty means
	// the provider default.
	Voice string

	// Temperature is the generation temperature. Nil leaves the provider
	// default in place.
	Temperature *float64

	// MaxOutputTokens caps the tokens generated per model turn. Zero leaves
	// the provider default in place.
	MaxOutputTokens int

	// Tools is an opaque tool catalog forwarded to the service verbatim at
	// session creation. The bridge never inspects or rewrites the entries;
	// whatever the operator configures is what the service sees.
	Tools []json.RawMessage
}

// AudioChunk is one unit of audio received from the remote service: raw
// headerless PCM16 bytes plus the sample rate the service declared for them.
type AudioChunk struct {
	Data         []byte
	SampleRateHz int
}

// Capabilities describes static audio properties of a provider. The values
// are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRateHz is the rate the service expects for uplink audio.
	InputSampleRateHz int

	// OutputSampleRateHz is the nominal rate of downlink audio. Individual
	// chunks may declare a different rate.
	OutputSampleRateHz int

	// Transcripts indicates whether the provider emits text transcripts of
	// the audio exchange.
	Transcripts bool
}

// SessionHandle represents one open session. It is an interface so that test
// code can supply mock implementations without a live connection.
//
// The session is the hot path of the bridge — every method must return
// quickly. Audio output is channel-based so the receive loop never blocks on
// a slow consumer for long. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one uplink PCM frame tagged with its sample rate.
	// Fire-and-forget from the caller's perspective: a returned error means
	// this frame was not delivered, not that the session is dead. Returns an
	// error if the session is already closed.
	SendAudio(frame []byte, sampleRateHz int) error

	// Audio returns a read-only channel emitting the service's synthesised
	// audio. Container headers are already stripped; chunks carry the rate
	// the service declared. The channel is closed when the session ends;
	// check Err afterwards to distinguish clean from failed endings.
	Audio() <-chan AudioChunk

	// Transcripts returns a read-only channel emitting text transcripts of
	// the exchange when the provider supports them. Closed when the session
	// ends. Providers without transcript support close it immediately or
	// never send on it.
	Transcripts() <-chan string

	// Err returns the error that terminated the session, or nil if it ended
	// cleanly (or is still running).
	Err() error

	// OnToolCall registers a handler invoked whenever the model requests a
	// tool call. Only one handler is active at a time; nil clears it.
	OnToolCall(handler ToolCallHandler)

	// Close terminates the session, releases all resources, and closes the
	// Audio and Transcripts channels. Safe to call multiple times and safe
	// to call on a session whose connection already failed.
	Close() error
}

// Provider is the abstraction over any speech-to-speech backend.
//
// Implementations must be safe for concurrent use; the bridge opens one
// session per concurrent client call.
type Provider interface {
	// Connect establishes a new session with the given configuration. It
	// fails fast — no retries, no backoff — and returns a *ConnectError
	// classifying the failure. The caller owns the returned handle and is
	// responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider's audio
	// contract, constant for the lifetime of the instance.
	Capabilities() Capabilities
}
