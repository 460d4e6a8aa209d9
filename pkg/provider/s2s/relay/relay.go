// Package relay implements the s2s.Provider interface for plain WebSocket
// audio relays.
//
// It speaks a minimal envelope protocol: uplink audio is sent as
// {"type":"audio","mimeType":"audio/pcm;rate=N","data":"<base64>"} and inbound
// frames are parsed best-effort, accepting the same envelope, a handful of
// common field spellings, raw binary PCM frames, and Gemini-shaped
// serverContent payloads from transparent proxies. Frames that cannot be
// interpreted are logged and skipped so a chatty relay never kills a call.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBearerToken attaches an Authorization: Bearer header to the dial
// request.
func WithBearerToken(token string) Option {
	return func(p *Provider) { p.token = token }
}

// WithOutputRate declares the sample rate of inbound audio for frames that do
// not carry one themselves, such as binary frames and envelopes without a
// mimeType. Defaults to 24000.
func WithOutputRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider against a plain WebSocket audio relay.
type Provider struct {
	endpoint   string
	token      string
	outputRate int
}

// New creates a relay Provider that dials the given ws:// or wss:// endpoint.
func New(endpoint string, opts ...Option) *Provider {
	p := &Provider{
		endpoint:   endpoint,
		outputRate: audio.RemoteOutputRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the relay provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRateHz:  audio.RemoteInputRate,
		OutputSampleRateHz: p.outputRate,
		Transcripts:        true,
	}
}

// Connect dials the relay endpoint. There is no setup handshake: the
// connection is ready as soon as the WebSocket upgrade completes, and the
// session configuration is carried entirely by the relay's own deployment.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if !strings.HasPrefix(p.endpoint, "ws://") && !strings.HasPrefix(p.endpoint, "wss://") {
		return nil, s2s.NewConnectError(s2s.KindInvalidConfig, p.endpoint,
			fmt.Errorf("endpoint must use ws:// or wss://, got %q", p.endpoint))
	}

	header := http.Header{}
	if p.token != "" {
		header.Set("Authorization", "Bearer "+p.token)
	}

	conn, resp, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		kind := s2s.KindUnreachable
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			kind = s2s.KindAuth
		}
		return nil, s2s.NewConnectError(kind, p.endpoint, fmt.Errorf("dial: %w", err))
	}

	conn.SetReadLimit(1 << 22)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:        conn,
		audioCh:     make(chan s2s.AudioChunk, 64),
		transcripts: make(chan string, 16),
		outputRate:  p.outputRate,
		done:        make(chan struct{}),
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Wire types ─────────────────────────────────────────────────────────────────

type envelope struct {
	Type     string `json:"type"`
	MIMEType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64-encoded
}

// serverEvent covers the inbound shapes the relay tolerates. Relays in the
// wild disagree on field names for the audio payload; all known spellings are
// tried in order.
type serverEvent struct {
	Type     string `json:"type"`
	MIMEType string `json:"mimeType,omitempty"`

	// Audio payload candidates, all base64-encoded.
	Data  string `json:"data,omitempty"`
	Delta string `json:"delta,omitempty"`
	Audio string `json:"audio,omitempty"`

	// Transcript payload candidates.
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	// Gemini-shaped content forwarded verbatim by transparent proxies.
	ServerContent *serverContent `json:"serverContent,omitempty"`

	Error *relayError `json:"error,omitempty"`
}

type relayError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverContent struct {
	ModelTurn *modelTurn `json:"modelTurn,omitempty"`
}

type modelTurn struct {
	Parts []contentPart `json:"parts"`
}

type contentPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// payload returns the first non-empty audio payload field.
func (e *serverEvent) payload() string {
	for _, candidate := range []string{e.Data, e.Delta, e.Audio} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn        *websocket.Conn
	audioCh     chan s2s.AudioChunk
	transcripts chan string
	outputRate  int
	toolHandler s2s.ToolCallHandler

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("relay: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads frames from the WebSocket and dispatches them.
// It owns audioCh and transcripts: it closes both when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.setErr(err)
			return
		}

		if typ == websocket.MessageBinary {
			s.emitAudio(data, s.outputRate)
			continue
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("relay: skipping unparseable frame", "bytes", len(data), "err", err)
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "audio", "audio.delta", "response.audio.delta":
		s.emitEncodedAudio(evt.payload(), evt.MIMEType)

	case "transcript", "text", "response.audio_transcript.delta":
		text := evt.Text
		if text == "" {
			text = evt.Transcript
		}
		if text == "" {
			text = evt.Delta
		}
		s.emitTranscript(text)

	case "error":
		if evt.Error != nil {
			slog.Warn("relay: server error event", "code", evt.Error.Code, "message", evt.Error.Message)
		}

	default:
		if evt.ServerContent != nil {
			s.handleServerContent(evt.ServerContent)
			return
		}
		// Untyped envelopes still count if they carry an audio payload.
		if payload := evt.payload(); payload != "" {
			s.emitEncodedAudio(payload, evt.MIMEType)
			return
		}
		slog.Debug("relay: skipping unrecognised event", "type", evt.Type)
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.ModelTurn == nil {
		return
	}
	for _, p := range sc.ModelTurn.Parts {
		if p.InlineData != nil {
			s.emitEncodedAudio(p.InlineData.Data, p.InlineData.MIMEType)
		}
		if p.Text != "" {
			s.emitTranscript(p.Text)
		}
	}
}

// emitEncodedAudio decodes a base64 payload and delivers it with the rate
// declared by mimeType, falling back to the configured output rate.
func (s *session) emitEncodedAudio(payload, mimeType string) {
	if payload == "" {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		slog.Debug("relay: skipping undecodable audio payload", "err", err)
		return
	}
	s.emitAudio(raw, s2s.RateFromMIME(mimeType, s.outputRate))
}

func (s *session) emitAudio(raw []byte, rate int) {
	pcm := audio.TrimWAVHeader(raw)
	if len(pcm) == 0 {
		return
	}
	select {
	case s.audioCh <- s2s.AudioChunk{Data: pcm, SampleRateHz: rate}:
	case <-s.ctx.Done():
	}
}

func (s *session) emitTranscript(text string) {
	if text == "" {
		return
	}
	select {
	case s.transcripts <- text:
	case <-s.ctx.Done():
	}
}

// keepaliveLoop sends WebSocket pings so idle-timeout proxies keep the relay
// connection open between utterances.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.transcripts)
	})
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers one raw PCM frame to the relay, tagged with its rate.
func (s *session) SendAudio(frame []byte, sampleRateHz int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("relay: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(envelope{
		Type:     "audio",
		MIMEType: s2s.PCMMIME(sampleRateHz),
		Data:     base64.StdEncoding.EncodeToString(frame),
	})
}

// Audio returns the channel on which inbound audio arrives.
func (s *session) Audio() <-chan s2s.AudioChunk { return s.audioCh }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Transcripts returns the channel on which transcript text arrives.
func (s *session) Transcripts() <-chan string { return s.transcripts }

// OnToolCall registers a tool handler. Plain relays have no tool protocol, so
// the handler is held only to satisfy the session contract.
func (s *session) OnToolCall(handler s2s.ToolCallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolHandler = handler
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
