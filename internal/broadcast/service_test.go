package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaybot/pkg/logx"
)

func newTestService(t *testing.T, backend StateStore, ad *fakeAdapter) (*Service, *Store) {
	t.Helper()
	store, err := NewStore(context.Background(), backend, logx.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	svc := New(Config{DefaultTTLMinutes: 15, RatePerSec: 10000}, store, ad, logx.Nop())
	t.Cleanup(func() { svc.Stop(context.Background()) })
	return svc, store
}

func TestServiceCreateUsesDefaultTTL(t *testing.T) {
	ctx := context.Background()
	ad := newFakeAdapter()
	svc, store := newTestService(t, nil, ad)

	if _, err := store.AddChat(ctx, 1); err != nil {
		t.Fatalf("AddChat: %v", err)
	}

	req, receipt, err := svc.Create(ctx, "default ttl", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if req.TTLMinutes != 15 {
		t.Fatalf("expected default ttl 15, got %d", req.TTLMinutes)
	}
	if receipt.OK != 1 || receipt.Failed != 0 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if len(req.Deliveries) != 1 {
		t.Fatalf("expected 1 delivery ref, got %v", req.Deliveries)
	}
}

func TestServiceCreateRejectsBadTTL(t *testing.T) {
	ad := newFakeAdapter()
	svc, _ := newTestService(t, nil, ad)

	if _, _, err := svc.Create(context.Background(), "too long", MaxTTLMinutes+1); !errors.Is(err, ErrTTLRange) {
		t.Fatalf("want ErrTTLRange, got %v", err)
	}
}

func TestServiceTransitionsPushEdits(t *testing.T) {
	ctx := context.Background()
	ad := newFakeAdapter()
	svc, store := newTestService(t, nil, ad)

	if _, err := store.AddChat(ctx, 1); err != nil {
		t.Fatalf("AddChat: %v", err)
	}
	req, _, err := svc.Create(ctx, "track edits", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	actor := Actor{ID: 9, Name: "Nadia"}
	if _, err := svc.Claim(ctx, req.ID, actor); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := svc.Unclaim(ctx, req.ID, actor, false); err != nil {
		t.Fatalf("Unclaim: %v", err)
	}
	if _, err := svc.Claim(ctx, req.ID, actor); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if _, err := svc.Complete(ctx, req.ID, actor, false); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// One edit per transition, one delivered copy.
	if got := ad.editCount(); got != 4 {
		t.Fatalf("expected 4 edits, got %d", got)
	}

	// A rejected transition pushes nothing.
	before := ad.editCount()
	if _, err := svc.Claim(ctx, req.ID, actor); !errors.Is(err, ErrExpired) {
		t.Fatalf("claim on done: want ErrExpired, got %v", err)
	}
	if got := ad.editCount(); got != before {
		t.Fatalf("rejected transition must not push, edits %d -> %d", before, got)
	}
}

func TestServiceExpirePushesOnce(t *testing.T) {
	ctx := context.Background()
	ad := newFakeAdapter()
	svc, store := newTestService(t, nil, ad)

	if _, err := store.AddChat(ctx, 1); err != nil {
		t.Fatalf("AddChat: %v", err)
	}
	req, _, err := svc.Create(ctx, "expire me", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, changed, err := svc.Expire(ctx, req.ID)
	if err != nil || !changed {
		t.Fatalf("first expire: changed=%v err=%v", changed, err)
	}
	after := ad.editCount()

	_, changed, err = svc.Expire(ctx, req.ID)
	if err != nil || changed {
		t.Fatalf("second expire: changed=%v err=%v", changed, err)
	}
	if got := ad.editCount(); got != after {
		t.Fatalf("idempotent expire must not re-push, edits %d -> %d", after, got)
	}
}

func TestServiceStartExpiresLapsedRequests(t *testing.T) {
	ctx := context.Background()
	ad := newFakeAdapter()

	lapsed := &Request{
		ID:         "lapsed-0000",
		Text:       "overdue",
		CreatedAt:  time.Now().Add(-2 * time.Hour),
		TTLMinutes: 30,
		Deliveries: []DeliveryRef{{ChatID: 1, MessageID: 10}},
	}
	future := &Request{
		ID:         "future-0000",
		Text:       "still live",
		CreatedAt:  time.Now(),
		TTLMinutes: 60,
	}
	finished := &Request{
		ID:         "finished-0000",
		Text:       "already done",
		CreatedAt:  time.Now().Add(-3 * time.Hour),
		TTLMinutes: 30,
		Done:       true,
	}
	backend := &memStore{
		has: true,
		loaded: State{
			Requests: map[string]*Request{
				lapsed.ID:   lapsed,
				future.ID:   future,
				finished.ID: finished,
			},
		},
	}

	svc, store := newTestService(t, backend, ad)
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, _ := store.Get(lapsed.ID)
	if !got.Expired {
		t.Fatalf("lapsed request must be expired on startup")
	}
	// The final render is pushed to the delivered copy.
	if ad.editCount() != 1 {
		t.Fatalf("expected 1 edit for the lapsed copy, got %d", ad.editCount())
	}

	got, _ = store.Get(future.ID)
	if got.Terminal() {
		t.Fatalf("future request must stay live")
	}
	got, _ = store.Get(finished.ID)
	if got.Expired {
		t.Fatalf("done request must not be flipped to expired")
	}
}

func TestServiceApplyUpdatesDefaultTTL(t *testing.T) {
	ad := newFakeAdapter()
	svc, _ := newTestService(t, nil, ad)

	svc.Apply(Config{DefaultTTLMinutes: 45})
	if got := svc.DefaultTTLMinutes(); got != 45 {
		t.Fatalf("expected default ttl 45, got %d", got)
	}
	// Zero falls back to the built-in default.
	svc.Apply(Config{})
	if got := svc.DefaultTTLMinutes(); got != 15 {
		t.Fatalf("expected default ttl 15, got %d", got)
	}
}

func TestServiceChatRegistry(t *testing.T) {
	ctx := context.Background()
	ad := newFakeAdapter()
	svc, _ := newTestService(t, nil, ad)

	if was, err := svc.RegisterChat(ctx, 5); err != nil || !was {
		t.Fatalf("RegisterChat: was=%v err=%v", was, err)
	}
	if was, err := svc.RegisterChat(ctx, 5); err != nil || was {
		t.Fatalf("duplicate RegisterChat: was=%v err=%v", was, err)
	}
	if got := svc.Chats(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("unexpected chats %v", got)
	}
	if was, err := svc.UnregisterChat(ctx, 5); err != nil || !was {
		t.Fatalf("UnregisterChat: was=%v err=%v", was, err)
	}
}
