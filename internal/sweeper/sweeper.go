// Package sweeper runs the periodic expiry pass (spec §4.11, "C11"):
// ticking on CLEANUP_INTERVAL_s and deleting expired messages and
// sessions via the Storage Port.
package sweeper

import (
	"context"
	"time"

	"github.com/fastport-dev/fastport-broker/internal/logger"
	"github.com/fastport-dev/fastport-broker/internal/storage"
)

// Sweeper owns the ticker goroutine; Invoke stops it and doubles as the
// shutdown hook the broker daemon registers with internal/shutdown.Cleaner.
type Sweeper struct {
	store    storage.Store
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func New(store storage.Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run ticks every interval until Invoke is called, deleting
// expired Messages and Sessions on every tick.
func (s *Sweeper) Run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	counts, err := s.store.CleanupExpired(ctx, time.Now())
	if err != nil {
		logger.ErrorF("sweeper: cleanup pass failed: %v", err)
		return
	}
	if counts.MessagesDeleted > 0 || counts.SessionsDeleted > 0 {
		logger.InfoF("sweeper: removed %d expired messages, %d expired sessions", counts.MessagesDeleted, counts.SessionsDeleted)
	}
}

// Invoke satisfies internal/shutdown's Hook interface: it stops the
// ticker goroutine and waits for the in-flight sweep, if any, to return.
func (s *Sweeper) Invoke(ctx context.Context) error {
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
