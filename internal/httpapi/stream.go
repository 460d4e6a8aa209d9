package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/voxbridge/internal/bridge"
	"github.com/MrWong99/voxbridge/internal/callog"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s"
)

// recordTimeout bounds the call log insert that runs after the client
// connection is gone.
const recordTimeout = 5 * time.Second

// flushWriter delivers paced downlink frames to the HTTP response. Each frame
// is flushed immediately so it reaches the telephony client instead of
// sitting in a transfer buffer.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw *flushWriter) WriteFrame(frame []byte) error {
	if _, err := fw.w.Write(frame); err != nil {
		return err
	}
	fw.f.Flush()
	return nil
}

// handleStream serves one full call. The request body carries the client's
// uplink audio, the response body carries the downlink audio. Nothing is
// written to the response until the remote session is established, so a
// connect failure can still surface as a bodyless error status.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	br := bridge.New(s.cfg.Provider, s.cfg.Bridge)
	log := observe.Logger(ctx).With("call_id", br.ID(), "remote_addr", r.RemoteAddr)

	startedAt := time.Now()
	if err := br.Connect(ctx); err != nil {
		kind := connectKind(err)
		s.cfg.Metrics.RecordConnectFailure(ctx, s.cfg.Variant, kind)
		log.Error("remote connect failed", "kind", kind, "err", err)
		s.record(callog.Record{
			ID:          br.ID(),
			Variant:     s.cfg.Variant,
			Model:       s.cfg.Model,
			RemoteAddr:  r.RemoteAddr,
			StartedAt:   startedAt,
			EndedAt:     time.Now(),
			CloseReason: bridge.ReasonConnectFailed,
			Error:       err.Error(),
		})
		// Empty body: the client treats any octet as downlink audio.
		w.WriteHeader(connectStatus(err))
		return
	}
	s.cfg.Metrics.RecordConnect(ctx, s.cfg.Variant, time.Since(startedAt).Seconds())

	info := CallInfo{
		ID:         br.ID(),
		Variant:    s.cfg.Variant,
		Model:      s.cfg.Model,
		RemoteAddr: r.RemoteAddr,
		StartedAt:  startedAt,
		Stats:      func() (int64, int64) { return br.BytesUp(), br.BytesDown() },
	}
	s.registry.Add(info)
	defer s.registry.Remove(info.ID)
	s.cfg.Metrics.RecordCallStart(ctx)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Call-ID", br.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Info("call started", "variant", s.cfg.Variant)
	res := br.Stream(ctx, r.Body, &flushWriter{w: w, f: flusher})
	endedAt := time.Now()

	s.cfg.Metrics.RecordCallEnd(ctx, s.cfg.Variant, res.CloseReason, endedAt.Sub(startedAt).Seconds())
	s.cfg.Metrics.RecordAudio(ctx, observe.DirectionUp, res.FramesUp, res.BytesUp)
	s.cfg.Metrics.RecordAudio(ctx, observe.DirectionDown, res.FramesDown, res.BytesDown)
	s.cfg.Metrics.RecordSendErrors(ctx, res.SendErrors)

	s.record(callog.Record{
		ID:          br.ID(),
		Variant:     s.cfg.Variant,
		Model:       s.cfg.Model,
		RemoteAddr:  r.RemoteAddr,
		StartedAt:   startedAt,
		EndedAt:     endedAt,
		BytesUp:     res.BytesUp,
		BytesDown:   res.BytesDown,
		FramesUp:    res.FramesUp,
		FramesDown:  res.FramesDown,
		SendErrors:  res.SendErrors,
		CloseReason: res.CloseReason,
		Error:       errString(res.Err),
	})

	if res.Err != nil {
		log.Warn("call ended with error", "reason", res.CloseReason, "err", res.Err,
			"duration", endedAt.Sub(startedAt))
		return
	}
	log.Info("call ended", "reason", res.CloseReason,
		"duration", endedAt.Sub(startedAt),
		"frames_up", res.FramesUp, "frames_down", res.FramesDown)
}

// record persists rec when a call log store is configured. The insert runs
// with its own context because the request context is usually already
// cancelled when the call ends.
func (s *Server) record(rec callog.Record) {
	if s.cfg.CallLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.cfg.CallLog.Insert(ctx, rec); err != nil {
		observe.Logger(ctx).Warn("call record insert failed", "call_id", rec.ID, "err", err)
	}
}

// connectKind extracts the typed failure kind for metrics, or "unknown" for
// untyped errors.
func connectKind(err error) string {
	var ce *s2s.ConnectError
	if errors.As(err, &ce) {
		return ce.Kind.String()
	}
	return "unknown"
}

// connectStatus maps a connect failure to its HTTP status: configuration
// problems are the operator's fault (500), everything else means the remote
// side is unavailable (502).
func connectStatus(err error) int {
	var ce *s2s.ConnectError
	if errors.As(err, &ce) && ce.Kind == s2s.KindInvalidConfig {
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
