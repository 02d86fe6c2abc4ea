// Package retrycache implements the Message Cache & Retry Engine
// (spec §4.6, "C5"): at-least-once delivery bookkeeping for cached
// publishes awaiting acknowledgement.
package retrycache

import (
	"context"
	"sync"
	"time"

	"github.com/fastport-dev/fastport-broker/internal/clock"
	"github.com/fastport-dev/fastport-broker/internal/logger"
	"github.com/fastport-dev/fastport-broker/internal/storage"
)

// SessionChecker reports whether a session is still eligible for
// redelivery (exists and is not suspended). Satisfied by
// internal/registry without this package importing it directly.
type SessionChecker interface {
	IsActive(ctx context.Context, session string) (bool, error)
}

// DeliverFunc fans a retried message out to the live subscribers of
// (session, topic) and returns how many were reached. Provided by the
// broker composition root, which owns both the Subscriber Index and the
// protocol codec needed to build the wire frame.
type DeliverFunc func(session, topic string, m storage.Message) int

// Engine is the C5 Message Cache & Retry Engine. Every operation on a
// given messageId is serialized through a per-message mutex so the
// loader/scheduler/canceler never interleave (spec's single most
// important invariant: at most one live timer per messageId).
type Engine struct {
	store     storage.Store
	clk       clock.Clock
	sessions  SessionChecker
	deliver   DeliverFunc
	onDropped func(session, messageID string)

	stripeMu sync.Mutex
	stripes  map[string]*sync.Mutex

	mu     sync.Mutex
	timers map[string]clock.TimerHandle
}

func New(store storage.Store, clk clock.Clock, sessions SessionChecker, deliver DeliverFunc) *Engine {
	return &Engine{
		store:    store,
		clk:      clk,
		sessions: sessions,
		deliver:  deliver,
		stripes:  make(map[string]*sync.Mutex),
		timers:   make(map[string]clock.TimerHandle),
	}
}

// OnDropped registers a callback fired whenever a message is removed
// for a reason other than an explicit Ack; no live subscribers, the
// session went away, or the retry ceiling/expiry was reached. The
// Publish Pipeline uses this to forget its publisher-notification
// bookkeeping without polling.
func (e *Engine) OnDropped(fn func(session, messageID string)) {
	e.onDropped = fn
}

func (e *Engine) notifyDropped(session, messageID string) {
	if e.onDropped != nil {
		e.onDropped(session, messageID)
	}
}

func (e *Engine) lockFor(messageID string) *sync.Mutex {
	e.stripeMu.Lock()
	defer e.stripeMu.Unlock()
	m, ok := e.stripes[messageID]
	if !ok {
		m = &sync.Mutex{}
		e.stripes[messageID] = m
	}
	return m
}

func (e *Engine) clearTimer(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.timers[messageID]; ok {
		h.Cancel()
		delete(e.timers, messageID)
	}
}

func (e *Engine) setTimer(messageID string, h clock.TimerHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.timers[messageID]; ok {
		old.Cancel()
	}
	e.timers[messageID] = h
}

func (e *Engine) expiredOrExhausted(m *storage.Message) bool {
	if m.ExpiryAt != nil && !e.clk.Now().Before(*m.ExpiryAt) {
		return true
	}
	return m.RetryCount >= m.MaxRetryLimit
}

// Cache persists a freshly published message with retryCount=0 and arms
// its first retry timer.
func (e *Engine) Cache(ctx context.Context, m storage.Message) error {
	m.RetryCount = 0
	if err := e.store.SaveMessage(ctx, m); err != nil {
		return err
	}
	e.ScheduleRetry(ctx, m.SessionName, m.MessageID)
	return nil
}

// ScheduleRetry reloads the message (a no-op if it has already been
// acked or dropped), checks expiry/retry ceiling, and arms a timer for
// retryInterval_ms if the message is still alive.
func (e *Engine) ScheduleRetry(ctx context.Context, session, messageID string) {
	lock := e.lockFor(messageID)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.store.GetMessage(ctx, messageID)
	if err != nil || m == nil {
		return
	}
	if e.expiredOrExhausted(m) {
		_ = e.store.RemoveMessage(ctx, messageID)
		e.clearTimer(messageID)
		e.notifyDropped(session, messageID)
		return
	}

	interval := time.Duration(m.RetryIntervalMs) * time.Millisecond
	handle := e.clk.After(interval, func() { e.fire(session, messageID) })
	e.setTimer(messageID, handle)
}

// fire runs on a timer callback: reload, bail if the session went away,
// increment and persist retryCount, redeliver, and re-arm only if the
// redelivery reached at least one live subscriber and the message is
// still within its expiry/retry-ceiling budget.
func (e *Engine) fire(session, messageID string) {
	ctx := context.Background()
	lock := e.lockFor(messageID)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.store.GetMessage(ctx, messageID)
	if err != nil || m == nil {
		return
	}

	active, err := e.sessions.IsActive(ctx, session)
	if err != nil || !active {
		_ = e.store.RemoveMessage(ctx, messageID)
		e.clearTimer(messageID)
		e.notifyDropped(session, messageID)
		return
	}

	if e.expiredOrExhausted(m) {
		_ = e.store.RemoveMessage(ctx, messageID)
		e.clearTimer(messageID)
		logger.MessageDropped(session, messageID, "retry limit or expiry reached")
		e.notifyDropped(session, messageID)
		return
	}

	m.RetryCount++
	if err := e.store.SaveMessage(ctx, *m); err != nil {
		logger.WarnF("retry: failed to persist retryCount for %s: %v", messageID, err)
	}
	logger.MessageRetried(session, messageID, m.RetryCount)

	delivered := 0
	if e.deliver != nil {
		delivered = e.deliver(session, m.Topic, *m)
	}

	if delivered == 0 {
		_ = e.store.RemoveMessage(ctx, messageID)
		e.clearTimer(messageID)
		logger.MessageDropped(session, messageID, "no live subscribers")
		e.notifyDropped(session, messageID)
		return
	}

	if e.expiredOrExhausted(m) {
		_ = e.store.RemoveMessage(ctx, messageID)
		e.clearTimer(messageID)
		logger.MessageDropped(session, messageID, "retry limit or expiry reached")
		e.notifyDropped(session, messageID)
		return
	}

	interval := time.Duration(m.RetryIntervalMs) * time.Millisecond
	handle := e.clk.After(interval, func() { e.fire(session, messageID) })
	e.setTimer(messageID, handle)
}

// Ack cancels the retry timer and deletes the message. Idempotent: a
// duplicate ack for an already-removed message is silently ignored.
func (e *Engine) Ack(ctx context.Context, session, messageID string) error {
	lock := e.lockFor(messageID)
	lock.Lock()
	defer lock.Unlock()

	e.clearTimer(messageID)
	if err := e.store.RemoveMessage(ctx, messageID); err != nil {
		return err
	}
	logger.MessageAcked(session, messageID)
	return nil
}

// PurgeSession cancels every in-flight retry timer for session. Storage
// deletion of the underlying messages is the caller's (Session
// Registry's) job; this only releases in-memory timer resources.
func (e *Engine) PurgeSession(ctx context.Context, session string) {
	msgs, err := e.store.ListPendingMessages(ctx, session)
	if err != nil {
		logger.WarnF("retry: failed to list pending messages while purging %s: %v", session, err)
		return
	}
	for _, m := range msgs {
		e.clearTimer(m.MessageID)
	}
}

// Recover re-arms a timer for every pending message across the given
// sessions, biasing the first retry to publishedAt + retryInterval ×
// (retryCount+1), clipped to now. Best-effort: a listing failure for one
// session does not abort recovery of the others.
func (e *Engine) Recover(ctx context.Context, sessions []string) {
	for _, session := range sessions {
		msgs, err := e.store.ListPendingMessages(ctx, session)
		if err != nil {
			logger.WarnF("retry: recovery listing failed for %s: %v", session, err)
			continue
		}
		for _, m := range msgs {
			e.recoverOne(ctx, session, m)
		}
	}
}

func (e *Engine) recoverOne(ctx context.Context, session string, m storage.Message) {
	lock := e.lockFor(m.MessageID)
	lock.Lock()
	defer lock.Unlock()

	if e.expiredOrExhausted(&m) {
		_ = e.store.RemoveMessage(ctx, m.MessageID)
		e.notifyDropped(session, m.MessageID)
		return
	}

	interval := time.Duration(m.RetryIntervalMs) * time.Millisecond
	biasedDeadline := m.PublishedAt.Add(interval * time.Duration(m.RetryCount+1))
	delay := biasedDeadline.Sub(e.clk.Now())
	if delay < 0 {
		delay = 0
	}

	messageID := m.MessageID
	handle := e.clk.After(delay, func() { e.fire(session, messageID) })
	e.setTimer(messageID, handle)
}
