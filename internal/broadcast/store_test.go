package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaybot/pkg/logx"
)

// memStore is an in-memory StateStore with a failure switch, used to verify
// rollback semantics without touching the filesystem.
type memStore struct {
	saved  *State
	faily  bool
	saves  int
	loaded State
	has    bool
}

func (m *memStore) Save(_ context.Context, st State) error {
	m.saves++
	if m.faily {
		return errors.New("disk full")
	}
	m.saved = &st
	return nil
}

func (m *memStore) Load(context.Context) (State, bool, error) {
	return m.loaded, m.has, nil
}

func (m *memStore) Close() error { return nil }

func TestCreateTTLBounds(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	cases := []struct {
		ttl int
		ok  bool
	}{
		{0, false},
		{-5, false},
		{MinTTLMinutes, true},
		{MaxTTLMinutes, true},
		{MaxTTLMinutes + 1, false},
	}
	for _, tc := range cases {
		_, err := store.Create(ctx, "x", tc.ttl)
		if tc.ok && err != nil {
			t.Fatalf("ttl=%d: unexpected error %v", tc.ttl, err)
		}
		if !tc.ok && !errors.Is(err, ErrTTLRange) {
			t.Fatalf("ttl=%d: want ErrTTLRange, got %v", tc.ttl, err)
		}
	}
}

func TestCreateRollsBackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	backend := &memStore{faily: true}
	store, err := NewStore(ctx, backend, logx.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	_, err = store.Create(ctx, "doomed", 15)
	if !IsPersistence(err) {
		t.Fatalf("want PersistenceError, got %v", err)
	}
	if got := store.All(); len(got) != 0 {
		t.Fatalf("failed create must not leave a record, got %d", len(got))
	}
}

func TestMutateRollsBackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	backend := &memStore{}
	store, err := NewStore(ctx, backend, logx.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	req := mustCreate(t, store, "keep me open", 15)

	backend.faily = true
	_, err = store.Mutate(ctx, req.ID, func(r *Request) error {
		r.ClaimedBy = &Actor{ID: 7, Name: "Greta"}
		return nil
	})
	if !IsPersistence(err) {
		t.Fatalf("want PersistenceError, got %v", err)
	}

	got, ok := store.Get(req.ID)
	if !ok {
		t.Fatalf("record vanished")
	}
	if got.ClaimedBy != nil {
		t.Fatalf("mutation must roll back, got claim %+v", got.ClaimedBy)
	}
}

func TestMutateRejectionLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	backend := &memStore{}
	store, err := NewStore(ctx, backend, logx.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	req := mustCreate(t, store, "x", 15)
	savesBefore := backend.saves

	_, err = store.Mutate(ctx, req.ID, func(r *Request) error {
		r.Done = true // must be discarded
		return ErrForbidden
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
	got, _ := store.Get(req.ID)
	if got.Done {
		t.Fatalf("rejected mutation leaked into the store")
	}
	if backend.saves != savesBefore {
		t.Fatalf("rejected mutation must not persist")
	}
}

func TestChatRegistry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []int64{10, 20, 30} {
		was, err := store.AddChat(ctx, id)
		if err != nil || !was {
			t.Fatalf("AddChat(%d): was=%v err=%v", id, was, err)
		}
	}
	// Duplicate registration is a no-op.
	if was, err := store.AddChat(ctx, 20); err != nil || was {
		t.Fatalf("duplicate AddChat: was=%v err=%v", was, err)
	}

	if got := store.Chats(); len(got) != 3 || got[0] != 10 || got[1] != 20 || got[2] != 30 {
		t.Fatalf("registration order lost: %v", got)
	}

	if was, err := store.RemoveChat(ctx, 20); err != nil || !was {
		t.Fatalf("RemoveChat: was=%v err=%v", was, err)
	}
	if was, err := store.RemoveChat(ctx, 20); err != nil || was {
		t.Fatalf("second RemoveChat: was=%v err=%v", was, err)
	}
	if got := store.Chats(); len(got) != 2 || got[0] != 10 || got[1] != 30 {
		t.Fatalf("unexpected registry after remove: %v", got)
	}
}

func TestChatRegistryRollback(t *testing.T) {
	ctx := context.Background()
	backend := &memStore{}
	store, err := NewStore(ctx, backend, logx.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.AddChat(ctx, 1); err != nil {
		t.Fatalf("AddChat: %v", err)
	}

	backend.faily = true
	if _, err := store.AddChat(ctx, 2); !IsPersistence(err) {
		t.Fatalf("want PersistenceError, got %v", err)
	}
	if got := store.Chats(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("failed add must roll back: %v", got)
	}
	if _, err := store.RemoveChat(ctx, 1); !IsPersistence(err) {
		t.Fatalf("want PersistenceError, got %v", err)
	}
	if got := store.Chats(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("failed remove must roll back: %v", got)
	}
}

func TestDeliveryRefs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	req := mustCreate(t, store, "x", 15)

	refs := []DeliveryRef{{ChatID: 1, MessageID: 100}, {ChatID: 2, MessageID: 200}}
	got, err := store.AppendDeliveries(ctx, req.ID, refs)
	if err != nil {
		t.Fatalf("AppendDeliveries: %v", err)
	}
	if len(got.Deliveries) != 2 {
		t.Fatalf("expected 2 refs, got %d", len(got.Deliveries))
	}

	if err := store.DropDelivery(ctx, req.ID, refs[0]); err != nil {
		t.Fatalf("DropDelivery: %v", err)
	}
	got, _ = store.Get(req.ID)
	if len(got.Deliveries) != 1 || got.Deliveries[0] != refs[1] {
		t.Fatalf("unexpected refs after drop: %v", got.Deliveries)
	}

	// Empty append short-circuits without a write.
	if _, err := store.AppendDeliveries(ctx, req.ID, nil); err != nil {
		t.Fatalf("empty AppendDeliveries: %v", err)
	}
	if _, err := store.AppendDeliveries(ctx, "nope", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRehydrate(t *testing.T) {
	ctx := context.Background()
	backend := &memStore{}
	store, err := NewStore(ctx, backend, logx.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.AddChat(ctx, 42); err != nil {
		t.Fatalf("AddChat: %v", err)
	}
	req := mustCreate(t, store, "survives restart", 30)

	// Second store restores from the first one's snapshot.
	backend.loaded = *backend.saved
	backend.has = true
	restored, err := NewStore(ctx, backend, logx.Nop())
	if err != nil {
		t.Fatalf("NewStore(restore): %v", err)
	}
	if got := restored.Chats(); len(got) != 1 || got[0] != 42 {
		t.Fatalf("chats not restored: %v", got)
	}
	got, ok := restored.Get(req.ID)
	if !ok {
		t.Fatalf("request not restored")
	}
	if got.Text != req.Text || got.TTLMinutes != req.TTLMinutes {
		t.Fatalf("restored record differs: %+v vs %+v", got, req)
	}
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	eng := NewEngine(store)
	actor := Actor{ID: 1, Name: "Alice"}

	mustCreate(t, store, "open", 15)
	claimed := mustCreate(t, store, "claimed", 15)
	if _, err := eng.Claim(ctx, claimed.ID, actor); err != nil {
		t.Fatalf("claim: %v", err)
	}
	done := mustCreate(t, store, "done", 15)
	if _, err := eng.Claim(ctx, done.ID, actor); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := eng.Complete(ctx, done.ID, actor, false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	expired := mustCreate(t, store, "expired", 15)
	if _, _, err := eng.Expire(ctx, expired.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if _, err := store.AddChat(ctx, 7); err != nil {
		t.Fatalf("AddChat: %v", err)
	}

	sum := store.Summary()
	want := Summary{Total: 4, Open: 1, Claimed: 1, Done: 1, Expired: 1, Chats: 1}
	if sum != want {
		t.Fatalf("summary mismatch: got %+v want %+v", sum, want)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	eng := NewEngine(store)

	oldDone := mustCreate(t, store, "old done", 15)
	oldOpen := mustCreate(t, store, "old but live", 15)
	fresh := mustCreate(t, store, "fresh expired", 15)

	actor := Actor{ID: 1, Name: "Alice"}
	if _, err := eng.Claim(ctx, oldDone.ID, actor); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := eng.Complete(ctx, oldDone.ID, actor, false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, _, err := eng.Expire(ctx, fresh.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	// Backdate the old records past the retention window.
	for _, id := range []string{oldDone.ID, oldOpen.ID} {
		store.mu.Lock()
		store.requests[id].CreatedAt = time.Now().Add(-48 * time.Hour)
		store.mu.Unlock()
	}

	n, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, ok := store.Get(oldDone.ID); ok {
		t.Fatalf("old terminal record should be gone")
	}
	if _, ok := store.Get(oldOpen.ID); !ok {
		t.Fatalf("live record must never be pruned")
	}
	if _, ok := store.Get(fresh.ID); !ok {
		t.Fatalf("fresh terminal record is inside retention, must stay")
	}
}
