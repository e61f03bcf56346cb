package broadcast

import (
	"sync"
	"time"

	"relaybot/pkg/logx"
)

// Deadlines fires a one-shot callback at or after each request's deadline.
//
// Timers are never cancelled when a request resolves early: expiring a done
// request is a harmless no-op in the engine, which keeps this type trivial.
// Arm is idempotent per id so accidental double arming cannot double-fire.
type Deadlines struct {
	mu      sync.Mutex
	log     logx.Logger
	fire    func(id string)
	timers  map[string]*time.Timer
	stopped bool
}

func NewDeadlines(fire func(id string), log logx.Logger) *Deadlines {
	return &Deadlines{
		log:    log,
		fire:   fire,
		timers: map[string]*time.Timer{},
	}
}

// Arm schedules a single future fire for id. A deadline already in the past
// fires immediately (from the timer goroutine).
func (d *Deadlines) Arm(id string, deadline time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if _, ok := d.timers[id]; ok {
		return
	}
	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}
	d.timers[id] = time.AfterFunc(delay, func() {
		d.forget(id)
		d.fire(id)
	})
	d.log.Debug("deadline armed", logx.String("id", ShortID(id)), logx.Duration("in", delay))
}

// Armed reports how many timers are pending.
func (d *Deadlines) Armed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels all pending timers. Callbacks already in flight may still run.
func (d *Deadlines) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}

func (d *Deadlines) forget(id string) {
	d.mu.Lock()
	delete(d.timers, id)
	d.mu.Unlock()
}
