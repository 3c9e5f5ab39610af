package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/pkg/core"
)

func testRecord(id string) Record {
	now := time.Now().UTC()
	return Record{
		ID:        id,
		Provider:  "openai-realtime",
		Strategy:  "realtime",
		State:     "idle",
		Carrier:   "twilio",
		CallID:    "CA" + id,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := testRecord("s1")
	if err := s.CreateSession(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Provider != "openai-realtime" || got.State != "idle" {
		t.Errorf("got %+v", got)
	}

	rec.State = "active"
	if err := s.UpdateSession(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSession(ctx, "s1")
	if got.State != "active" {
		t.Errorf("state = %s, want active", got.State)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(ctx, "s1"); core.CodeOf(err) != core.CodeSessionNotFound {
		t.Errorf("err = %v, want session_not_found", err)
	}
}

func TestMemoryStoreUpdateMissing(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpdateSession(context.Background(), testRecord("ghost"))
	if core.CodeOf(err) != core.CodeSessionNotFound {
		t.Errorf("err = %v, want session_not_found", err)
	}
}

func TestMemoryStoreListOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i, id := range []string{"a", "b", "c"} {
		rec := testRecord(id)
		rec.CreatedAt = time.Unix(int64(100+i), 0)
		if err := s.CreateSession(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "a" || got[2].ID != "c" {
		t.Errorf("list = %+v", got)
	}
}

// flakyStore fails every call until healed.
type flakyStore struct {
	*MemoryStore
	failing bool
}

var errStoreDown = errors.New("store down")

func (s *flakyStore) CreateSession(ctx context.Context, rec Record) error {
	if s.failing {
		return errStoreDown
	}
	return s.MemoryStore.CreateSession(ctx, rec)
}

func (s *flakyStore) UpdateSession(ctx context.Context, rec Record) error {
	if s.failing {
		return errStoreDown
	}
	return s.MemoryStore.UpdateSession(ctx, rec)
}

func TestRegistryDegradesToMemoryOnly(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(), failing: true}
	r := New(store, nil)

	// The call path must survive a dead store.
	if err := r.Create(ctx, testRecord("s1")); err != nil {
		t.Fatalf("create with dead store: %v", err)
	}
	if !r.Degraded() {
		t.Error("registry should report degraded mode")
	}
	if _, err := r.Get(ctx, "s1"); err != nil {
		t.Errorf("memory copy must still serve reads: %v", err)
	}

	// Store recovery clears the degraded flag on the next write.
	store.failing = false
	rec := testRecord("s1")
	rec.State = "active"
	if err := r.Update(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if r.Degraded() {
		t.Error("registry should leave degraded mode after a successful write")
	}
}

func TestRegistryGetFallsThroughToPersistent(t *testing.T) {
	ctx := context.Background()
	persistent := NewMemoryStore()
	if err := persistent.CreateSession(ctx, testRecord("old")); err != nil {
		t.Fatal(err)
	}

	// Fresh registry simulating a restart: memory is empty.
	r := New(persistent, nil)
	got, err := r.Get(ctx, "old")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "old" {
		t.Errorf("got %+v", got)
	}
}

func TestRegistryGetMissing(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Get(context.Background(), "nope")
	if core.CodeOf(err) != core.CodeSessionNotFound {
		t.Errorf("err = %v, want session_not_found", err)
	}
}
