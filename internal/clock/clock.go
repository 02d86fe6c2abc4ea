// Package clock supplies fastPort's monotonic time source and a
// cancellable timer abstraction, injectable so the retry engine's timing
// is deterministically testable.
package clock

import (
	"time"
)

// TimerHandle is returned by Clock.After. Cancel is idempotent and safe
// to call from any goroutine, including the timer's own callback.
type TimerHandle interface {
	Cancel()
}

// Clock is the seam between wall-clock time and the retry engine. A fired
// callback runs on a scheduling unit that may block, so callers must not
// hold long locks inside it.
type Clock interface {
	Now() time.Time
	After(d time.Duration, fn func()) TimerHandle
}

// System is the production Clock, backed by time.AfterFunc.
type System struct{}

func NewSystem() System {
	return System{}
}

func (System) Now() time.Time {
	return time.Now()
}

func (System) After(d time.Duration, fn func()) TimerHandle {
	t := time.AfterFunc(d, fn)
	return systemHandle{t}
}

type systemHandle struct {
	t *time.Timer
}

func (h systemHandle) Cancel() {
	h.t.Stop()
}
