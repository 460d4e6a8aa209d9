package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxbridge/internal/callog"
	"github.com/MrWong99/voxbridge/internal/callog/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXBRIDGE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXBRIDGE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean calls table.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	if _, err := cleanPool.Exec(ctx, "DROP TABLE IF EXISTS voxbridge_calls"); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	store, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// sampleRecord returns a fully populated record. started_at is truncated to
// microseconds because TIMESTAMPTZ cannot hold nanoseconds.
func sampleRecord(id string, startedAt time.Time) callog.Record {
	startedAt = startedAt.UTC().Truncate(time.Microsecond)
	return callog.Record{
		ID:          id,
		Variant:     "managed",
		Model:       "gemini-2.0-flash-live-001",
		RemoteAddr:  "203.0.113.7:52114",
		StartedAt:   startedAt,
		EndedAt:     startedAt.Add(42 * time.Second),
		BytesUp:     134400,
		BytesDown:   672000,
		FramesUp:    42,
		FramesDown:  2100,
		SendErrors:  1,
		CloseReason: "client_closed",
	}
}

func TestInsertAndRecent_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	want := sampleRecord("call-1", base)
	if err := store.Insert(ctx, want); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("records: got %d, want 1", len(got))
	}

	r := got[0]
	if r.ID != want.ID || r.Variant != want.Variant || r.Model != want.Model {
		t.Errorf("identity fields: got %+v", r)
	}
	if !r.StartedAt.Equal(want.StartedAt) || !r.EndedAt.Equal(want.EndedAt) {
		t.Errorf("timestamps: got %v / %v, want %v / %v", r.StartedAt, r.EndedAt, want.StartedAt, want.EndedAt)
	}
	if r.BytesUp != want.BytesUp || r.BytesDown != want.BytesDown {
		t.Errorf("bytes: got %d / %d", r.BytesUp, r.BytesDown)
	}
	if r.FramesUp != want.FramesUp || r.FramesDown != want.FramesDown {
		t.Errorf("frames: got %d / %d", r.FramesUp, r.FramesDown)
	}
	if r.SendErrors != want.SendErrors {
		t.Errorf("send errors: got %d, want %d", r.SendErrors, want.SendErrors)
	}
	if r.CloseReason != want.CloseReason {
		t.Errorf("close reason: got %q, want %q", r.CloseReason, want.CloseReason)
	}
	if r.Error != "" {
		t.Errorf("error: got %q, want empty", r.Error)
	}
}

func TestRecent_NewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"call-a", "call-b", "call-c"} {
		rec := sampleRecord(id, base.Add(time.Duration(i)*time.Minute))
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}

	got, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("records: got %d, want 2", len(got))
	}
	if got[0].ID != "call-c" || got[1].ID != "call-b" {
		t.Errorf("order: got %s, %s, want call-c, call-b", got[0].ID, got[1].ID)
	}
}

func TestRecent_EmptyTable(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if got == nil {
		t.Fatal("Recent returned nil, want empty slice")
	}
	if len(got) != 0 {
		t.Fatalf("records: got %d, want 0", len(got))
	}
}

func TestInsert_DuplicateIDFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("call-dup", time.Now())
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if err := store.Insert(ctx, rec); err == nil {
		t.Fatal("second Insert with same ID should fail")
	}
}

func TestInsert_StoresFailureDetails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("call-failed", time.Now())
	rec.CloseReason = "remote_error"
	rec.Error = "session ended abnormally: policy violation"
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := store.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("records: got %d, want 1", len(got))
	}
	if got[0].CloseReason != "remote_error" {
		t.Errorf("close reason: got %q", got[0].CloseReason)
	}
	if got[0].Error != rec.Error {
		t.Errorf("error: got %q, want %q", got[0].Error, rec.Error)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	store := newTestStore(t)
	store.Close()

	// A second New against the same database must succeed; the DDL only uses
	// IF NOT EXISTS forms.
	again, err := postgres.New(context.Background(), testDSN(t))
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	again.Close()
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
