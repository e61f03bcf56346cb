package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/broadcast"
	"relaybot/internal/config"
	"relaybot/internal/router"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/internal/transport/telegram"
	"relaybot/pkg/logx"
)

// App owns the full wiring: config manager, logging service, transport
// adapter, request store, lifecycle service, command router, and the
// retention cron. Construction is fail-fast; Start spins the loops.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter *telegram.Adapter
	backend broadcast.StateStore
	store   *broadcast.Store
	svc     *broadcast.Service
	rt      *router.Router

	cron    *cron.Cron
	pruneID cron.EntryID

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	backend, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	store, err := broadcast.NewStore(context.Background(), backend, log.With(logx.String("comp", "store")))
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, fmt.Errorf("rehydrate state: %w", err)
	}

	svc := broadcast.New(broadcast.Config{
		DefaultTTLMinutes: cfg.Broadcast.DefaultTTLMinutes,
		RatePerSec:        cfg.Broadcast.RatePerSec,
		RetryMax:          cfg.Broadcast.RetryMax,
	}, store, ad, log.With(logx.String("comp", "broadcast")))

	rt := router.New(ad, svc, log.With(logx.String("comp", "router")), cfg.Telegram.AdminIDs)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		adapter: ad,
		backend: backend,
		store:   store,
		svc:     svc,
		rt:      rt,
		cron:    cron.New(),
		updates: make(chan transport.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, a.log)

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	// Rehydrate deadlines (expires anything that lapsed while we were down).
	if err := a.svc.Start(a.sup.Context()); err != nil {
		return err
	}

	if err := a.schedulePrune(a.cfgm.Get()); err != nil {
		return err
	}
	a.cron.Start()

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.rt.Run(c, a.updates)
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.svc.Apply(broadcast.Config{
		DefaultTTLMinutes: cfg.Broadcast.DefaultTTLMinutes,
		RatePerSec:        cfg.Broadcast.RatePerSec,
		RetryMax:          cfg.Broadcast.RetryMax,
	})

	a.rt.SetAdmins(cfg.Telegram.AdminIDs)

	if err := a.schedulePrune(cfg); err != nil {
		a.log.Warn("prune schedule not updated", logx.Err(err))
	}

	a.log.Info("config reloaded")
}

// schedulePrune (re)registers the retention job. A zero retention disables
// pruning entirely.
func (a *App) schedulePrune(cfg *config.Config) error {
	retention, err := config.ParseDurationOrDefault("broadcast.retention", cfg.Broadcast.Retention, 168*time.Hour)
	if err != nil {
		return err
	}
	spec := cfg.Broadcast.PruneCron
	if spec == "" {
		spec = "@hourly"
	}

	if a.pruneID != 0 {
		a.cron.Remove(a.pruneID)
		a.pruneID = 0
	}
	if retention <= 0 {
		a.log.Info("retention pruning disabled")
		return nil
	}

	id, err := a.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := a.svc.Prune(ctx, retention)
		if err != nil {
			a.log.Warn("prune failed", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Info("pruned terminal requests", logx.Int("count", n))
		}
	})
	if err != nil {
		return fmt.Errorf("broadcast.prune_cron: invalid spec %q: %w", spec, err)
	}
	a.pruneID = id
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("cron", 2*time.Second, func(c context.Context) error {
		stopped := a.cron.Stop()
		select {
		case <-stopped.Done():
		case <-c.Done():
			return c.Err()
		}
		return nil
	})
	step("broadcast", 2*time.Second, func(c context.Context) error {
		a.svc.Stop(c)
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error {
		return a.adapter.Stop(c)
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		return a.sup.Wait(c)
	})
	if a.backend != nil {
		step("storage", 1*time.Second, func(context.Context) error {
			return a.backend.Close()
		})
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
