// Package bridge contains the per-call stream controller that couples one
// telephony client stream to one remote speech-to-speech session.
//
// A [Bridge] moves audio in both directions: client PCM is upsampled to the
// remote input rate, accumulated into fixed-size frames, and sent on a paced
// timer; remote audio is downsampled to the client rate, accumulated, and
// written to the client response sink on its own timer. Each direction
// preserves arrival order and the two directions run independently.
//
// Exactly one Bridge exists per client request and it never leaves the
// terminal Closed state. This package is internal because it encapsulates
// application-private call-handling logic and is not intended for import by
// external code.
package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultUplinkInterval paces uplink frames at 100 ms, matching the
	// 3200-byte frame size at 16 kHz PCM16.
	defaultUplinkInterval = 100 * time.Millisecond

	// defaultDownlinkInterval paces downlink frames at 20 ms, matching the
	// 320-byte frame size at 8 kHz PCM16.
	defaultDownlinkInterval = 20 * time.Millisecond

	// readBufSize is the size of the scratch buffer used to drain the client
	// request stream.
	readBufSize = 4096
)

// Close reasons recorded in [Result.CloseReason].
const (
	ReasonClientClosed  = "client_closed"
	ReasonClientError   = "client_error"
	ReasonRemoteClosed  = "remote_closed"
	ReasonRemoteError   = "remote_error"
	ReasonCancelled     = "cancelled"
	ReasonConnectFailed = "connect_failed"
)

// State identifies where a Bridge is in its lifecycle. States advance in one
// direction only and Closed is terminal.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateStreaming
	StateClosing
	StateClosed
)

// String returns a human-readable state name for logging.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FrameSink receives fixed-size downlink frames destined for the client.
// Implementations must tolerate being called from a single goroutine only.
type FrameSink interface {
	WriteFrame(frame []byte) error
}

// Config carries the per-call settings of a Bridge.
type Config struct {
	// Session is passed through to the provider on connect.
	Session s2s.SessionConfig

	// UplinkFrameSize is the uplink frame size in bytes after upsampling.
	// Defaults to 3200 (100 ms of 16 kHz PCM16).
	UplinkFrameSize int

	// UplinkInterval is the uplink pacing tick. Defaults to 100 ms.
	UplinkInterval time.Duration

	// DownlinkFrameSize is the downlink frame size in bytes after
	// downsampling. Defaults to 320 (20 ms of 8 kHz PCM16).
	DownlinkFrameSize int

	// DownlinkInterval is the downlink pacing tick. Defaults to 20 ms.
	DownlinkInterval time.Duration

	// InitialSilence sends one silent uplink frame immediately after the
	// stream starts so the remote session does not idle out before the first
	// real audio arrives.
	InitialSilence bool
}

func (c Config) withDefaults() Config {
	if c.UplinkFrameSize <= 0 {
		c.UplinkFrameSize = audio.UplinkFrameSize
	}
	if c.UplinkInterval <= 0 {
		c.UplinkInterval = defaultUplinkInterval
	}
	if c.DownlinkFrameSize <= 0 {
		c.DownlinkFrameSize = audio.DownlinkFrameSize
	}
	if c.DownlinkInterval <= 0 {
		c.DownlinkInterval = defaultDownlinkInterval
	}
	return c
}

// Result summarises a finished call.
type Result struct {
	// BytesUp and FramesUp count client audio delivered to the remote
	// session, measured after upsampling. The optional initial silence frame
	// is not counted.
	BytesUp  int64
	FramesUp int64

	// BytesDown and FramesDown count remote audio written to the client,
	// measured after downsampling.
	BytesDown  int64
	FramesDown int64

	// SendErrors counts uplink frames lost to mid-stream send failures.
	SendErrors int64

	// CloseReason names the trigger that ended the call.
	CloseReason string

	// Err is the first error observed, nil for clean ends.
	Err error
}

// Bridge is the stream controller for a single client call.
type Bridge struct {
	id       string
	provider s2s.Provider
	cfg      Config

	upBuf   *audio.FrameBuffer
	downBuf *audio.FrameBuffer

	bytesUp    atomic.Int64
	framesUp   atomic.Int64
	bytesDown  atomic.Int64
	framesDown atomic.Int64
	sendErrors atomic.Int64

	mu          sync.Mutex
	state       State
	sess        s2s.SessionHandle
	closeReason string
	errVal      error
	cancelFn    context.CancelFunc

	closeSessOnce sync.Once
}

// New creates a Bridge in the Init state. Zero-valued Config fields take
// their defaults.
func New(provider s2s.Provider, cfg Config) *Bridge {
	cfg = cfg.withDefaults()
	return &Bridge{
		id:       uuid.NewString(),
		provider: provider,
		cfg:      cfg,
		upBuf:    audio.NewFrameBuffer(cfg.UplinkFrameSize),
		downBuf:  audio.NewFrameBuffer(cfg.DownlinkFrameSize),
	}
}

// ID returns the unique identifier assigned to this call.
func (b *Bridge) ID() string { return b.id }

// BytesUp reports the audio bytes delivered to the remote session so far.
func (b *Bridge) BytesUp() int64 { return b.bytesUp.Load() }

// BytesDown reports the audio bytes written to the client so far.
func (b *Bridge) BytesDown() int64 { return b.bytesDown.Load() }

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Connect opens the remote session. On failure the Bridge goes straight to
// Closed without starting either pacing timer, and the typed connect error is
// returned for the caller to map to a client status.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateInit {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("bridge: connect in state %s", state)
	}
	b.state = StateConnecting
	b.mu.Unlock()

	sess, err := b.provider.Connect(ctx, b.cfg.Session)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.state = StateClosed
		b.closeReason = ReasonConnectFailed
		b.errVal = err
		return fmt.Errorf("bridge: connect: %w", err)
	}
	if b.state != StateConnecting {
		// Close raced the connect; the fresh session must not leak.
		_ = sess.Close()
		return fmt.Errorf("bridge: closed during connect")
	}
	b.sess = sess
	b.state = StateStreaming
	return nil
}

// Stream pumps audio between the client and the remote session until either
// side ends or ctx is cancelled. It must be called after a successful
// Connect and returns only when the call is fully torn down.
func (b *Bridge) Stream(ctx context.Context, client io.Reader, sink FrameSink) Result {
	b.mu.Lock()
	if b.state != StateStreaming || b.sess == nil {
		state := b.state
		b.mu.Unlock()
		return Result{
			CloseReason: ReasonClientError,
			Err:         fmt.Errorf("bridge: stream in state %s", state),
		}
	}
	sess := b.sess

	runCtx, cancel := context.WithCancel(ctx)
	b.cancelFn = cancel
	b.mu.Unlock()
	defer cancel()

	if b.cfg.InitialSilence {
		if err := sess.SendAudio(make([]byte, b.cfg.UplinkFrameSize), audio.RemoteInputRate); err != nil {
			slog.Warn("initial silence frame failed", "call_id", b.id, "err", err)
		}
	}

	// The client reader has no channel form, so a dedicated pump converts it
	// into one. The pump is not part of the group: when the call ends early
	// its Read unblocks once the caller closes the request body.
	chunks := make(chan []byte, 32)
	go b.pumpClient(runCtx, client, chunks)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { b.consumeUplink(gctx, chunks); return nil })
	g.Go(func() error { b.paceUplink(gctx, sess); return nil })
	g.Go(func() error { b.receiveDownlink(gctx, sess); return nil })
	g.Go(func() error { b.paceDownlink(gctx, sink); return nil })
	g.Go(func() error { b.drainTranscripts(gctx, sess.Transcripts()); return nil })
	_ = g.Wait()

	b.closeSession()

	// Buffered audio dies with the call.
	b.upBuf.Reset()
	b.downBuf.Reset()

	b.mu.Lock()
	b.state = StateClosed
	reason := b.closeReason
	if reason == "" {
		reason = ReasonCancelled
	}
	err := b.errVal
	b.mu.Unlock()

	return Result{
		BytesUp:     b.bytesUp.Load(),
		FramesUp:    b.framesUp.Load(),
		BytesDown:   b.bytesDown.Load(),
		FramesDown:  b.framesDown.Load(),
		SendErrors:  b.sendErrors.Load(),
		CloseReason: reason,
		Err:         err,
	}
}

// Run connects and streams in one call. The Result of a failed connect
// carries the typed error and the connect_failed close reason.
func (b *Bridge) Run(ctx context.Context, client io.Reader, sink FrameSink) Result {
	if err := b.Connect(ctx); err != nil {
		return Result{CloseReason: ReasonConnectFailed, Err: err}
	}
	return b.Stream(ctx, client, sink)
}

// Close tears the call down from outside, for example on server shutdown.
// Safe to call concurrently with Stream and with itself.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.state == StateInit || b.state == StateConnecting {
		b.state = StateClosed
		if b.closeReason == "" {
			b.closeReason = ReasonCancelled
		}
		b.mu.Unlock()
		b.closeSession()
		return nil
	}
	b.mu.Unlock()

	b.beginClosing(ReasonCancelled)
	b.closeSession()
	return nil
}

// ── Stream internals ───────────────────────────────────────────────────────────

// pumpClient reads the client stream into chunks. It owns chunks and closes
// it when the client ends; a non-EOF read failure is recorded as a client
// error first.
func (b *Bridge) pumpClient(ctx context.Context, client io.Reader, chunks chan<- []byte) {
	defer close(chunks)

	buf := make([]byte, readBufSize)
	for {
		n, err := client.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				b.setErr(err)
				b.beginClosing(ReasonClientError)
			}
			return
		}
	}
}

// consumeUplink upsamples arriving client chunks into the uplink buffer.
// PCM16 samples can straddle a read boundary, so a leftover odd byte is
// carried into the next chunk to keep sample alignment.
func (b *Bridge) consumeUplink(ctx context.Context, chunks <-chan []byte) {
	var carry []byte
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				b.beginClosing(ReasonClientClosed)
				return
			}
			data := chunk
			if len(carry) > 0 {
				data = append(carry, chunk...)
				carry = nil
			}
			if len(data)%2 == 1 {
				carry = []byte{data[len(data)-1]}
				data = data[:len(data)-1]
			}
			if len(data) > 0 {
				b.upBuf.Append(audio.Upsample2x(data))
			}
		}
	}
}

// paceUplink sends at most one accumulated frame to the remote session per
// tick. Send failures drop the frame and the stream continues.
func (b *Bridge) paceUplink(ctx context.Context, sess s2s.SessionHandle) {
	ticker := time.NewTicker(b.cfg.UplinkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, ok := b.upBuf.TakeFrame()
			if !ok {
				continue
			}
			if err := sess.SendAudio(frame, audio.RemoteInputRate); err != nil {
				b.sendErrors.Add(1)
				slog.Warn("uplink send failed, frame dropped", "call_id", b.id, "err", err)
				continue
			}
			b.framesUp.Add(1)
			b.bytesUp.Add(int64(len(frame)))
		}
	}
}

// receiveDownlink downsamples remote audio into the downlink buffer. A closed
// audio channel means the remote session ended; the session's error decides
// whether that end was clean.
func (b *Bridge) receiveDownlink(ctx context.Context, sess s2s.SessionHandle) {
	audioCh := sess.Audio()
	warned := false

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-audioCh:
			if !ok {
				if err := sess.Err(); err != nil {
					b.setErr(err)
					b.beginClosing(ReasonRemoteError)
				} else {
					b.beginClosing(ReasonRemoteClosed)
				}
				return
			}
			b.downBuf.Append(b.toClientRate(chunk, &warned))
		}
	}
}

// toClientRate converts one remote chunk to the 8 kHz client rate.
func (b *Bridge) toClientRate(chunk s2s.AudioChunk, warned *bool) []byte {
	switch chunk.SampleRateHz {
	case audio.ClientRate:
		return chunk.Data
	case audio.RemoteOutputRate:
		return audio.Downsample3x(chunk.Data)
	default:
		if !*warned {
			slog.Warn("unexpected downlink sample rate, treating as 24 kHz",
				"call_id", b.id, "rate", chunk.SampleRateHz)
			*warned = true
		}
		return audio.Downsample3x(chunk.Data)
	}
}

// paceDownlink writes at most one accumulated frame to the client per tick.
// A write failure means the client is gone, which ends the call.
func (b *Bridge) paceDownlink(ctx context.Context, sink FrameSink) {
	ticker := time.NewTicker(b.cfg.DownlinkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, ok := b.downBuf.TakeFrame()
			if !ok {
				continue
			}
			if err := sink.WriteFrame(frame); err != nil {
				b.setErr(err)
				b.beginClosing(ReasonClientError)
				return
			}
			b.framesDown.Add(1)
			b.bytesDown.Add(int64(len(frame)))
		}
	}
}

// drainTranscripts logs transcript text so call content is traceable at
// debug level without any storage dependency.
func (b *Bridge) drainTranscripts(ctx context.Context, transcripts <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-transcripts:
			if !ok {
				return
			}
			slog.Debug("transcript", "call_id", b.id, "text", text)
		}
	}
}

// beginClosing performs the single Streaming→Closing transition. The first
// trigger wins the close reason; later triggers only re-cancel the context.
func (b *Bridge) beginClosing(reason string) {
	b.mu.Lock()
	if b.state == StateStreaming {
		b.state = StateClosing
		b.closeReason = reason
	}
	cancel := b.cancelFn
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// closeSession closes the remote session exactly once, no matter how many
// triggers race into the teardown.
func (b *Bridge) closeSession() {
	b.closeSessOnce.Do(func() {
		b.mu.Lock()
		sess := b.sess
		b.mu.Unlock()
		if sess == nil {
			return
		}
		if err := sess.Close(); err != nil {
			slog.Warn("session close failed", "call_id", b.id, "err", err)
		}
	})
}

// setErr records the first error observed during the call.
func (b *Bridge) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.errVal == nil {
		b.errVal = err
	}
}
