package broadcast

import (
	"sync"
	"testing"
	"time"

	"relaybot/pkg/logx"
)

type firedSet struct {
	mu  sync.Mutex
	ids map[string]int
}

func newFiredSet() *firedSet { return &firedSet{ids: map[string]int{}} }

func (f *firedSet) fire(id string) {
	f.mu.Lock()
	f.ids[id]++
	f.mu.Unlock()
}

func (f *firedSet) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[id]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestDeadlineFires(t *testing.T) {
	fired := newFiredSet()
	d := NewDeadlines(fired.fire, logx.Nop())
	defer d.Stop()

	d.Arm("a", time.Now().Add(20*time.Millisecond))
	waitFor(t, func() bool { return fired.count("a") == 1 })
	if d.Armed() != 0 {
		t.Fatalf("timer should be forgotten after firing, %d armed", d.Armed())
	}
}

func TestDeadlineInPastFiresImmediately(t *testing.T) {
	fired := newFiredSet()
	d := NewDeadlines(fired.fire, logx.Nop())
	defer d.Stop()

	d.Arm("late", time.Now().Add(-time.Hour))
	waitFor(t, func() bool { return fired.count("late") == 1 })
}

func TestArmIsIdempotentPerID(t *testing.T) {
	fired := newFiredSet()
	d := NewDeadlines(fired.fire, logx.Nop())
	defer d.Stop()

	deadline := time.Now().Add(30 * time.Millisecond)
	d.Arm("x", deadline)
	d.Arm("x", deadline)
	d.Arm("x", time.Now().Add(time.Hour))
	if d.Armed() != 1 {
		t.Fatalf("expected 1 armed timer, got %d", d.Armed())
	}

	waitFor(t, func() bool { return fired.count("x") > 0 })
	time.Sleep(50 * time.Millisecond)
	if got := fired.count("x"); got != 1 {
		t.Fatalf("expected exactly one fire, got %d", got)
	}
}

func TestStopCancelsPending(t *testing.T) {
	fired := newFiredSet()
	d := NewDeadlines(fired.fire, logx.Nop())

	d.Arm("a", time.Now().Add(time.Hour))
	d.Arm("b", time.Now().Add(time.Hour))
	d.Stop()
	if d.Armed() != 0 {
		t.Fatalf("Stop must drop all timers, %d left", d.Armed())
	}

	// Arming after Stop is ignored.
	d.Arm("c", time.Now().Add(-time.Second))
	time.Sleep(30 * time.Millisecond)
	if got := fired.count("c"); got != 0 {
		t.Fatalf("armed after stop must not fire, got %d", got)
	}
}
