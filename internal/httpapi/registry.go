package httpapi

import (
	"sort"
	"sync"
	"time"
)

// CallInfo holds metadata about one active call.
type CallInfo struct {
	// ID is the unique identifier for this call.
	ID string `json:"id"`

	// Variant names the transport serving the call.
	Variant string `json:"variant"`

	// Model is the remote model identifier, empty for relay calls.
	Model string `json:"model,omitempty"`

	// RemoteAddr is the client network address.
	RemoteAddr string `json:"remote_addr"`

	// StartedAt is when the remote session was established.
	StartedAt time.Time `json:"started_at"`

	// BytesUp and BytesDown are the audio volume so far, filled from Stats
	// when the registry is snapshotted.
	BytesUp   int64 `json:"bytes_up"`
	BytesDown int64 `json:"bytes_down"`

	// Stats supplies the live byte counters of the running call. Optional;
	// when nil the counters stay at their registered values.
	Stats func() (bytesUp, bytesDown int64) `json:"-"`
}

// Registry tracks calls currently being bridged. Any number of calls may be
// active at once. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]CallInfo
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]CallInfo)}
}

// Add registers an active call.
func (r *Registry) Add(info CallInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[info.ID] = info
}

// Remove deregisters a call. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, id)
}

// Active returns a snapshot of all active calls, oldest first.
func (r *Registry) Active() []CallInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CallInfo, 0, len(r.calls))
	for _, info := range r.calls {
		if info.Stats != nil {
			info.BytesUp, info.BytesDown = info.Stats()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Count returns the number of active calls.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}
