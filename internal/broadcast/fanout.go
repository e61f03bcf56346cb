package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// Fanout pushes the current render of a request to every recipient copy.
// Recipients are handled independently and concurrently: one chat failing —
// even permanently — never blocks or aborts delivery to the rest.
type Fanout struct {
	mu sync.Mutex

	store   *Store
	adapter transport.Adapter
	log     logx.Logger

	limiter  *rate.Limiter
	retryMax int
}

type FanoutConfig struct {
	RatePerSec int // outgoing sends+edits per second, default 10
	RetryMax   int // extra attempts after a transient failure, default 2
}

func NewFanout(cfg FanoutConfig, store *Store, adapter transport.Adapter, log logx.Logger) *Fanout {
	f := &Fanout{store: store, adapter: adapter, log: log}
	f.Apply(cfg)
	return f
}

// Apply updates rate/retry knobs at runtime.
func (f *Fanout) Apply(cfg FanoutConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	retry := cfg.RetryMax
	if retry < 0 {
		retry = 0
	}
	f.mu.Lock()
	f.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	f.retryMax = retry
	f.mu.Unlock()
}

// Deliver sends the initial copy of a freshly created request to every
// registered chat, records the delivery refs in registry order, and reports
// how many sends succeeded. Zero registered chats is a success with an
// empty receipt.
func (f *Fanout) Deliver(ctx context.Context, req Request) (Request, Receipt, error) {
	chats := f.store.Chats()
	if len(chats) == 0 {
		return req, Receipt{}, nil
	}

	view := Render(req)
	opt := view.SendOptions()

	type result struct {
		ref DeliveryRef
		ok  bool
		err error
	}
	results := make([]result, len(chats))

	var wg sync.WaitGroup
	for i, chatID := range chats {
		wg.Add(1)
		go func(i int, chatID int64) {
			defer wg.Done()
			ref, err := f.sendOne(ctx, chatID, view.Text, opt)
			if err != nil {
				results[i] = result{err: err}
				return
			}
			results[i] = result{ref: ref, ok: true}
		}(i, chatID)
	}
	wg.Wait()

	var (
		refs    []DeliveryRef
		receipt Receipt
	)
	for i, res := range results {
		if res.ok {
			refs = append(refs, res.ref)
			receipt.OK++
			continue
		}
		receipt.Failed++
		f.handleFailure(ctx, chats[i], res.err, logx.String("id", req.ShortID()))
	}

	updated, err := f.store.AppendDeliveries(ctx, req.ID, refs)
	if err != nil {
		return req, receipt, err
	}
	return updated, receipt, nil
}

// Push recomputes the render once and edits every delivered copy in place.
// Permanently unreachable chats are dropped from the registry and their
// delivery refs discarded; transient failures are logged and skipped for
// this round. Zero remaining refs is not an error.
func (f *Fanout) Push(ctx context.Context, req Request) {
	if len(req.Deliveries) == 0 {
		return
	}

	view := Render(req)
	opt := view.SendOptions()

	var (
		wg     sync.WaitGroup
		goneMu sync.Mutex
		gone   []DeliveryRef
	)
	for _, ref := range req.Deliveries {
		wg.Add(1)
		go func(ref DeliveryRef) {
			defer wg.Done()
			err := f.editOne(ctx, ref, view.Text, opt)
			if err == nil {
				return
			}
			if transport.IsPermanent(err) {
				goneMu.Lock()
				gone = append(gone, ref)
				goneMu.Unlock()
				return
			}
			f.log.Warn("skipping recipient this round",
				logx.String("id", req.ShortID()),
				logx.Int64("chat_id", ref.ChatID),
				logx.Err(err))
		}(ref)
	}
	wg.Wait()

	for _, ref := range gone {
		f.evict(ctx, req.ID, ref)
	}
}

func (f *Fanout) sendOne(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) (DeliveryRef, error) {
	var ref transport.MessageRef
	err := f.withRetry(ctx, func() error {
		var err error
		ref, err = f.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, opt)
		return err
	})
	if err != nil {
		return DeliveryRef{}, err
	}
	return DeliveryRef{ChatID: ref.ChatID, MessageID: ref.MessageID}, nil
}

func (f *Fanout) editOne(ctx context.Context, ref DeliveryRef, text string, opt *transport.SendOptions) error {
	return f.withRetry(ctx, func() error {
		return f.adapter.EditText(ctx, transport.MessageRef{ChatID: ref.ChatID, MessageID: ref.MessageID}, text, opt)
	})
}

// withRetry runs op under the shared rate limiter, retrying transient
// failures with a linear backoff up to the configured attempt count.
// Permanent failures return immediately.
func (f *Fanout) withRetry(ctx context.Context, op func() error) error {
	f.mu.Lock()
	lim := f.limiter
	retry := f.retryMax
	f.mu.Unlock()

	var last error
	for attempt := 0; attempt <= retry; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return transport.Transient(err, 0)
			}
		}
		err := op()
		if err == nil {
			return nil
		}
		last = err
		if transport.IsPermanent(err) {
			return err
		}
		if attempt == retry {
			break
		}
		backoff := time.Duration(200+100*attempt) * time.Millisecond
		if hint := transport.RetryAfter(err); hint > backoff {
			backoff = hint
		}
		select {
		case <-ctx.Done():
			return transport.Transient(ctx.Err(), 0)
		case <-time.After(backoff):
		}
	}
	return last
}

func (f *Fanout) handleFailure(ctx context.Context, chatID int64, err error, fields ...logx.Field) {
	if transport.IsPermanent(err) {
		if was, rerr := f.store.RemoveChat(ctx, chatID); rerr != nil {
			f.log.Error("failed dropping unreachable chat", append(fields, logx.Int64("chat_id", chatID), logx.Err(rerr))...)
		} else if was {
			f.log.Info("chat unreachable; unregistered", append(fields, logx.Int64("chat_id", chatID))...)
		}
		return
	}
	f.log.Warn("delivery failed", append(fields, logx.Int64("chat_id", chatID), logx.Err(err))...)
}

// evict drops the delivery ref and unregisters the chat after a permanent
// delivery failure. Persistence errors here are logged, not propagated: the
// transition that triggered the push has already committed.
func (f *Fanout) evict(ctx context.Context, id string, ref DeliveryRef) {
	if err := f.store.DropDelivery(ctx, id, ref); err != nil {
		f.log.Error("failed dropping delivery ref",
			logx.String("id", ShortID(id)), logx.Int64("chat_id", ref.ChatID), logx.Err(err))
	}
	if was, err := f.store.RemoveChat(ctx, ref.ChatID); err != nil {
		f.log.Error("failed dropping unreachable chat", logx.Int64("chat_id", ref.ChatID), logx.Err(err))
	} else if was {
		f.log.Info("chat unreachable; unregistered", logx.Int64("chat_id", ref.ChatID))
	}
}
