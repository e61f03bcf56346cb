package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/pkg/logx"
)

// Store is the single source of truth for request records and the chat
// registry. One mutex serializes every mutation, so a transition observed by
// one caller can never interleave with another caller's read-modify-write.
// Each successful mutation is flushed to the backend before it commits to
// memory; a failed flush rolls the mutation back.
type Store struct {
	mu sync.Mutex

	log     logx.Logger
	backend StateStore // nil disables persistence (tests, storage.driver=none)

	chats    []int64
	requests map[string]*Request
}

// NewStore builds a store, rehydrating from the backend when a snapshot
// exists. A missing snapshot is a cold start, not an error.
func NewStore(ctx context.Context, backend StateStore, log logx.Logger) (*Store, error) {
	s := &Store{
		log:      log,
		backend:  backend,
		requests: map[string]*Request{},
	}
	if backend == nil {
		return s, nil
	}
	st, ok, err := backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Info("no previous state; starting cold")
		return s, nil
	}
	s.chats = append(s.chats, st.Chats...)
	for id, r := range st.Requests {
		if r == nil {
			continue
		}
		r.ID = id
		s.requests[id] = r
	}
	log.Info("state restored",
		logx.Int("requests", len(s.requests)),
		logx.Int("chats", len(s.chats)),
		logx.Time("saved_at", st.SavedAt))
	return s, nil
}

// Create allocates a fresh request and durably inserts it.
func (s *Store) Create(ctx context.Context, text string, ttlMinutes int) (Request, error) {
	if ttlMinutes < MinTTLMinutes || ttlMinutes > MaxTTLMinutes {
		return Request{}, ErrTTLRange
	}
	r := &Request{
		ID:         uuid.NewString(),
		Text:       text,
		CreatedAt:  time.Now().UTC(),
		TTLMinutes: ttlMinutes,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = r
	if err := s.persistLocked(ctx); err != nil {
		delete(s.requests, r.ID)
		return Request{}, &PersistenceError{Err: err}
	}
	return *r.clone(), nil
}

// Get returns a copy of the record; mutating it does not touch the store.
func (s *Store) Get(id string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, false
	}
	return *r.clone(), true
}

// Mutate applies one transition atomically. fn receives a private copy of
// the record; returning an error rejects the transition and leaves both
// memory and disk untouched. The committed record is returned on success.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*Request) error) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}

	next := cur.clone()
	if err := fn(next); err != nil {
		return Request{}, err
	}

	s.requests[id] = next
	if err := s.persistLocked(ctx); err != nil {
		s.requests[id] = cur
		return Request{}, &PersistenceError{Err: err}
	}
	return *next.clone(), nil
}

// All returns copies of every record.
func (s *Store) All() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, *r.clone())
	}
	return out
}

// Chats returns the registered chat ids in registration order.
func (s *Store) Chats() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.chats...)
}

// AddChat registers a chat. Reports whether it was new.
func (s *Store) AddChat(ctx context.Context, chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.chats {
		if id == chatID {
			return false, nil
		}
	}
	s.chats = append(s.chats, chatID)
	if err := s.persistLocked(ctx); err != nil {
		s.chats = s.chats[:len(s.chats)-1]
		return false, &PersistenceError{Err: err}
	}
	return true, nil
}

// RemoveChat unregisters a chat. Reports whether it was present.
func (s *Store) RemoveChat(ctx context.Context, chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, id := range s.chats {
		if id == chatID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	prev := s.chats
	s.chats = append(append([]int64(nil), prev[:idx]...), prev[idx+1:]...)
	if err := s.persistLocked(ctx); err != nil {
		s.chats = prev
		return false, &PersistenceError{Err: err}
	}
	return true, nil
}

// AppendDeliveries records delivery receipts on a request, preserving the
// order they were sent in.
func (s *Store) AppendDeliveries(ctx context.Context, id string, refs []DeliveryRef) (Request, error) {
	if len(refs) == 0 {
		r, ok := s.Get(id)
		if !ok {
			return Request{}, ErrNotFound
		}
		return r, nil
	}
	return s.Mutate(ctx, id, func(r *Request) error {
		r.Deliveries = append(r.Deliveries, refs...)
		return nil
	})
}

// DropDelivery discards one delivery ref, typically after the recipient
// became permanently unreachable.
func (s *Store) DropDelivery(ctx context.Context, id string, ref DeliveryRef) error {
	_, err := s.Mutate(ctx, id, func(r *Request) error {
		kept := r.Deliveries[:0]
		for _, d := range r.Deliveries {
			if d != ref {
				kept = append(kept, d)
			}
		}
		r.Deliveries = kept
		return nil
	})
	return err
}

// Summary counts requests by state. Done wins over expired in the counts the
// way it does in rendering: a record is counted once, by its display status.
func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{Total: len(s.requests), Chats: len(s.chats)}
	for _, r := range s.requests {
		switch {
		case r.Expired:
			sum.Expired++
		case r.Done:
			sum.Done++
		case r.ClaimedBy != nil:
			sum.Claimed++
		default:
			sum.Open++
		}
	}
	return sum
}

// Prune deletes terminal requests created before the retention window.
// Live requests are never pruned regardless of age.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	var victims []string
	for id, r := range s.requests {
		if r.Terminal() && r.CreatedAt.Before(cutoff) {
			victims = append(victims, id)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}
	removed := make(map[string]*Request, len(victims))
	for _, id := range victims {
		removed[id] = s.requests[id]
		delete(s.requests, id)
	}
	if err := s.persistLocked(ctx); err != nil {
		for id, r := range removed {
			s.requests[id] = r
		}
		return 0, &PersistenceError{Err: err}
	}
	return len(victims), nil
}

func (s *Store) persistLocked(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	st := State{
		SavedAt:  time.Now().UTC(),
		Chats:    append([]int64(nil), s.chats...),
		Requests: make(map[string]*Request, len(s.requests)),
	}
	for id, r := range s.requests {
		st.Requests[id] = r.clone()
	}
	return s.backend.Save(ctx, st)
}
