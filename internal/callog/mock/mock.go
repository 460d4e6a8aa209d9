// Package mock provides a configurable in-memory [callog.Store] for tests.
//
// All methods record their calls and return configurable results. The zero
// value is ready to use.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/internal/callog"
)

// Store is a mock implementation of [callog.Store].
type Store struct {
	mu sync.Mutex

	// InsertErr, when set, is returned by Insert.
	InsertErr error

	// RecentErr, when set, is returned by Recent.
	RecentErr error

	// PingErr, when set, is returned by Ping.
	PingErr error

	// Records holds every inserted record in insertion order.
	Records []callog.Record

	// CloseCallCount counts Close invocations.
	CloseCallCount int
}

// Insert records rec, or returns InsertErr when set.
func (s *Store) Insert(_ context.Context, rec callog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.Records = append(s.Records, rec)
	return nil
}

// Recent returns up to limit records, newest first, or RecentErr when set.
func (s *Store) Recent(_ context.Context, limit int) ([]callog.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	n := len(s.Records)
	if limit > n {
		limit = n
	}
	out := make([]callog.Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.Records[i])
	}
	return out, nil
}

// Ping returns PingErr.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Close increments CloseCallCount.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
}

// Inserted returns a snapshot of all inserted records in insertion order.
func (s *Store) Inserted() []callog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]callog.Record, len(s.Records))
	copy(out, s.Records)
	return out
}

// ResetCalls clears all recorded calls and records.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records = nil
	s.CloseCallCount = 0
}

// Compile-time interface check.
var _ callog.Store = (*Store)(nil)
