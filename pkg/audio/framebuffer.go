package audio

import "sync"

// FrameBuffer is a byte FIFO that decouples irregular chunk arrival from
// fixed-size frame emission. Audio bytes are appended as they arrive;
// TakeFrame removes exactly one frame's worth of the oldest bytes when
// enough have accumulated. Excess bytes stay queued — the buffer never
// drops audio and never emits more than one frame per TakeFrame call, so a
// caller ticking on a fixed cadence gets natural backpressure.
//
// Each FrameBuffer is owned by exactly one bridge session. All methods are
// safe for concurrent use; the producing and consuming goroutines of a
// session share one instance.
type FrameBuffer struct {
	mu        sync.Mutex
	buf       []byte
	frameSize int
}

// NewFrameBuffer creates a FrameBuffer emitting frames of frameSize bytes.
func NewFrameBuffer(frameSize int) *FrameBuffer {
	return &FrameBuffer{frameSize: frameSize}
}

// Append adds b to the tail of the FIFO. The bytes are copied; callers may
// reuse their chunk buffers. Never blocks beyond the internal lock.
func (f *FrameBuffer) Append(b []byte) {
	if len(b) == 0 {
		return
	}
	f.mu.Lock()
	f.buf = append(f.buf, b...)
	f.mu.Unlock()
}

// TakeFrame removes exactly frameSize bytes from the front of the FIFO and
// returns them as one frame. It returns (nil, false) when fewer than
// frameSize bytes are buffered. At most one frame is returned per call,
// regardless of how many full frames have accumulated.
func (f *FrameBuffer) TakeFrame() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.buf) < f.frameSize {
		return nil, false
	}

	frame := make([]byte, f.frameSize)
	copy(frame, f.buf[:f.frameSize])

	// Shift the remainder down instead of re-slicing so consumed bytes do
	// not pin the backing array for the session lifetime.
	n := copy(f.buf, f.buf[f.frameSize:])
	f.buf = f.buf[:n]

	return frame, true
}

// Len returns the number of buffered bytes not yet emitted.
func (f *FrameBuffer) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

// Reset discards all buffered bytes. The owner calls it during session
// teardown after the pacing tick has stopped.
func (f *FrameBuffer) Reset() {
	f.mu.Lock()
	f.buf = nil
	f.mu.Unlock()
}
