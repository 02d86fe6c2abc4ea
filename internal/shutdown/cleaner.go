// Package shutdown coordinates ordered, timeout-bounded graceful shutdown
// hooks fired on SIGINT/SIGTERM.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fastport-dev/fastport-broker/internal/logger"
)

// Hook is a single unit of shutdown work, invoked with a bounded context.
type Hook interface {
	Invoke(ctx context.Context) error
}

type Cleaner struct {
	hooks          []Hook
	mu             sync.Mutex
	initOnce       sync.Once
	cleaning       bool
	loggerShutdown Hook
}

var instance = &Cleaner{}

// New returns the process-wide Cleaner singleton.
func New() *Cleaner {
	return instance
}

// Add registers a hook. Registration after shutdown has started is a
// no-op: the cleanup pass has already taken its snapshot.
func (c *Cleaner) Add(hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("shutdown already in progress, ignoring new hook")
		return
	}
	c.hooks = append(c.hooks, hook)
}

// Init arms the signal handler exactly once. loggerShutdown runs last so
// that every other hook's log lines are flushed before the process exits.
func (c *Cleaner) Init(loggerShutdown Hook) {
	c.initOnce.Do(func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		c.loggerShutdown = loggerShutdown

		go func() {
			<-ctx.Done()
			stop()
			logger.Info("received interrupt signal, shutting down")

			c.mu.Lock()
			c.cleaning = true
			hooksCopy := make([]Hook, len(c.hooks))
			copy(hooksCopy, c.hooks)
			c.mu.Unlock()

			logger.DebugF("starting cleanup of %d registered hooks", len(hooksCopy))

			var errs []error
			for i, hook := range hooksCopy {
				func(idx int, h Hook) {
					logger.DebugF("invoking shutdown hook #%d (%T)", idx+1, h)
					timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := h.Invoke(timeoutCtx); err != nil {
						logger.ErrorF("shutdown hook #%d (%T) failed: %v", idx+1, h, err)
						errs = append(errs, err)
					}
				}(i, hook)
			}

			if len(errs) > 0 {
				logger.ErrorF("%d errors occurred during shutdown", len(errs))
			} else {
				logger.Debug("all shutdown hooks completed successfully")
			}
			logger.Info("shutdown complete, broker offline")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if c.loggerShutdown != nil {
				if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
					fmt.Fprintf(os.Stderr, "logger shutdown error: %v\n", err)
				}
			}
			syscall.Exit(0)
		}()
	})
}
