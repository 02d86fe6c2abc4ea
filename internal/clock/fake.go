package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests. Timers with
// the same deadline fire in FIFO (insertion) order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	deadline  time.Time
	seq       uint64
	fn        func()
	cancelled bool
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration, fn func()) TimerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{
		deadline: f.now.Add(d),
		seq:      f.seq,
		fn:       fn,
	}
	f.timers = append(f.timers, t)
	return fakeHandle{clock: f, timer: t}
}

// Advance moves virtual time forward by d and synchronously fires every
// timer whose deadline is now due, earliest-deadline-first with FIFO
// tie-break. Callbacks that arm new timers with a due-or-past deadline
// are fired within the same Advance call, matching a real timer wheel's
// behavior under a coarse clock.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		f.mu.Lock()
		idx := -1
		for i, t := range f.timers {
			if t.cancelled {
				continue
			}
			if t.deadline.After(target) {
				continue
			}
			if idx == -1 || t.deadline.Before(f.timers[idx].deadline) ||
				(t.deadline.Equal(f.timers[idx].deadline) && t.seq < f.timers[idx].seq) {
				idx = i
			}
		}
		if idx == -1 {
			f.mu.Unlock()
			return
		}
		t := f.timers[idx]
		f.timers = append(f.timers[:idx], f.timers[idx+1:]...)
		f.mu.Unlock()

		t.fn()
	}
}

type fakeHandle struct {
	clock *Fake
	timer *fakeTimer
}

func (h fakeHandle) Cancel() {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	h.timer.cancelled = true
}
