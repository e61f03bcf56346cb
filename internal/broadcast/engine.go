package broadcast

import "context"

// Engine encodes the four legal transitions and their preconditions. It is
// independent of transport; every transition runs through Store.Mutate so
// concurrent attempts on the same request resolve to exactly one winner.
//
// Terminal records (done or expired) reject claim/unclaim/complete with
// ErrExpired before any other check, so "once terminal, always ErrExpired"
// holds no matter what state the record is otherwise in.
type Engine struct {
	store *Store
}

func NewEngine(store *Store) *Engine { return &Engine{store: store} }

func (e *Engine) Claim(ctx context.Context, id string, actor Actor) (Request, error) {
	return e.store.Mutate(ctx, id, func(r *Request) error {
		if r.Terminal() {
			return ErrExpired
		}
		if r.ClaimedBy != nil {
			return ErrAlreadyClaimed
		}
		a := actor
		r.ClaimedBy = &a
		return nil
	})
}

func (e *Engine) Unclaim(ctx context.Context, id string, actor Actor, privileged bool) (Request, error) {
	return e.store.Mutate(ctx, id, func(r *Request) error {
		if r.Terminal() {
			return ErrExpired
		}
		if r.ClaimedBy == nil {
			return ErrNotClaimed
		}
		// Identity is compared by stable actor id only, never by display name.
		if r.ClaimedBy.ID != actor.ID && !privileged {
			return ErrForbidden
		}
		r.ClaimedBy = nil
		return nil
	})
}

func (e *Engine) Complete(ctx context.Context, id string, actor Actor, privileged bool) (Request, error) {
	return e.store.Mutate(ctx, id, func(r *Request) error {
		if r.Terminal() {
			return ErrExpired
		}
		if r.ClaimedBy == nil {
			return ErrNotClaimed
		}
		if r.ClaimedBy.ID != actor.ID && !privileged {
			return ErrForbidden
		}
		r.Done = true
		return nil
	})
}

// Expire marks the request expired. Already-terminal records are a no-op,
// not an error: the deadline timer and the startup sweep may both get here.
func (e *Engine) Expire(ctx context.Context, id string) (Request, bool, error) {
	changed := false
	req, err := e.store.Mutate(ctx, id, func(r *Request) error {
		if r.Terminal() {
			return nil
		}
		r.Expired = true
		changed = true
		return nil
	})
	return req, changed, err
}
