package broadcast

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// Config holds the runtime knobs of the lifecycle service. All fields are
// hot-reloadable via Apply.
type Config struct {
	DefaultTTLMinutes int
	RatePerSec        int
	RetryMax          int
}

// expireTimeout bounds the store mutation + fan-out performed by a deadline
// callback. Timer callbacks are fire-once and not cancellable by design, so
// they run on their own context rather than the app's.
const expireTimeout = 30 * time.Second

// Service ties the store, engine, fan-out and deadline scheduler together
// behind the interface the command layer talks to.
type Service struct {
	cfgMu sync.Mutex
	cfg   Config

	log    logx.Logger
	store  *Store
	engine *Engine
	fan    *Fanout
	timers *Deadlines
}

func New(cfg Config, store *Store, adapter transport.Adapter, log logx.Logger) *Service {
	if cfg.DefaultTTLMinutes <= 0 {
		cfg.DefaultTTLMinutes = 15
	}
	s := &Service{
		cfg:    cfg,
		log:    log,
		store:  store,
		engine: NewEngine(store),
	}
	s.fan = NewFanout(FanoutConfig{RatePerSec: cfg.RatePerSec, RetryMax: cfg.RetryMax}, store, adapter, log)
	s.timers = NewDeadlines(s.expireNow, log)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.DefaultTTLMinutes <= 0 {
		cfg.DefaultTTLMinutes = 15
	}
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
	s.fan.Apply(FanoutConfig{RatePerSec: cfg.RatePerSec, RetryMax: cfg.RetryMax})
}

func (s *Service) DefaultTTLMinutes() int {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg.DefaultTTLMinutes
}

// Start rehydrates scheduling state from the restored snapshot: requests
// whose deadline already passed are expired right now, before any command
// can touch them, and the rest get their timers re-armed.
func (s *Service) Start(ctx context.Context) error {
	now := time.Now()
	var rearmed, lapsed int
	for _, r := range s.store.All() {
		if r.Terminal() {
			continue
		}
		if r.Deadline().After(now) {
			s.timers.Arm(r.ID, r.Deadline())
			rearmed++
			continue
		}
		lapsed++
		req, changed, err := s.engine.Expire(ctx, r.ID)
		if err != nil {
			return err
		}
		if changed {
			s.fan.Push(ctx, req)
		}
	}
	if rearmed > 0 || lapsed > 0 {
		s.log.Info("deadlines rehydrated", logx.Int("rearmed", rearmed), logx.Int("lapsed", lapsed))
	}
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.timers.Stop()
}

// Create runs the whole dispatch: insert the record, fan the initial render
// out to every registered chat, and arm the deadline. ttlMinutes <= 0 means
// the configured default.
func (s *Service) Create(ctx context.Context, text string, ttlMinutes int) (Request, Receipt, error) {
	if ttlMinutes <= 0 {
		ttlMinutes = s.DefaultTTLMinutes()
	}
	req, err := s.store.Create(ctx, text, ttlMinutes)
	if err != nil {
		return Request{}, Receipt{}, err
	}

	req, receipt, err := s.fan.Deliver(ctx, req)
	// Arm regardless of delivery outcome: the record exists and must expire.
	s.timers.Arm(req.ID, req.Deadline())
	if err != nil {
		return req, receipt, err
	}

	s.log.Info("request dispatched",
		logx.String("id", req.ShortID()),
		logx.Int("ttl_min", req.TTLMinutes),
		logx.Int("ok", receipt.OK),
		logx.Int("failed", receipt.Failed))
	return req, receipt, nil
}

func (s *Service) Claim(ctx context.Context, id string, actor Actor) (Request, error) {
	req, err := s.engine.Claim(ctx, id, actor)
	if err != nil {
		return Request{}, err
	}
	s.log.Info("request claimed", logx.String("id", req.ShortID()), logx.Int64("actor", actor.ID))
	s.fan.Push(ctx, req)
	return req, nil
}

func (s *Service) Unclaim(ctx context.Context, id string, actor Actor, privileged bool) (Request, error) {
	req, err := s.engine.Unclaim(ctx, id, actor, privileged)
	if err != nil {
		return Request{}, err
	}
	s.log.Info("request unclaimed", logx.String("id", req.ShortID()), logx.Int64("actor", actor.ID))
	s.fan.Push(ctx, req)
	return req, nil
}

func (s *Service) Complete(ctx context.Context, id string, actor Actor, privileged bool) (Request, error) {
	req, err := s.engine.Complete(ctx, id, actor, privileged)
	if err != nil {
		return Request{}, err
	}
	s.log.Info("request done", logx.String("id", req.ShortID()), logx.Int64("actor", actor.ID))
	s.fan.Push(ctx, req)
	return req, nil
}

// Expire transitions the request to expired and pushes the final render.
// Safe to call any number of times.
func (s *Service) Expire(ctx context.Context, id string) (Request, bool, error) {
	req, changed, err := s.engine.Expire(ctx, id)
	if err != nil {
		return Request{}, false, err
	}
	if changed {
		s.log.Info("request expired", logx.String("id", req.ShortID()))
		s.fan.Push(ctx, req)
	}
	return req, changed, nil
}

func (s *Service) Get(id string) (Request, bool) { return s.store.Get(id) }

func (s *Service) RegisterChat(ctx context.Context, chatID int64) (bool, error) {
	return s.store.AddChat(ctx, chatID)
}

func (s *Service) UnregisterChat(ctx context.Context, chatID int64) (bool, error) {
	return s.store.RemoveChat(ctx, chatID)
}

func (s *Service) Chats() []int64 { return s.store.Chats() }

func (s *Service) Summary() Summary { return s.store.Summary() }

// Prune removes terminal requests older than the retention window. Invoked
// by the app's housekeeping cron.
func (s *Service) Prune(ctx context.Context, retention time.Duration) (int, error) {
	n, err := s.store.Prune(ctx, retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("pruned inert requests", logx.Int("count", n))
	}
	return n, nil
}

// expireNow is the deadline-timer callback.
func (s *Service) expireNow(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()
	if _, _, err := s.Expire(ctx, id); err != nil {
		s.log.Error("deadline expire failed", logx.String("id", ShortID(id)), logx.Err(err))
	}
}
