// Package broker is the composition root (spec §4.12, "C12"): it wires
// every other component together, runs the bounded TCP accept loop, and
// exposes the session-admin surface (CreateSession/DropSession/
// SuspendSession/ListSessions). DropSession's close-all-connections
// orchestration lives here because it is the one operation that spans
// the Session Registry, the Subscriber Index, the Retry Engine, and
// live Connections; no single lower package owns all four.
package broker

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fastport-dev/fastport-broker/internal/clock"
	"github.com/fastport-dev/fastport-broker/internal/connstate"
	"github.com/fastport-dev/fastport-broker/internal/filestream"
	"github.com/fastport-dev/fastport-broker/internal/logger"
	"github.com/fastport-dev/fastport-broker/internal/notifier"
	"github.com/fastport-dev/fastport-broker/internal/protocol"
	"github.com/fastport-dev/fastport-broker/internal/publish"
	"github.com/fastport-dev/fastport-broker/internal/registry"
	"github.com/fastport-dev/fastport-broker/internal/retrycache"
	"github.com/fastport-dev/fastport-broker/internal/storage"
	"github.com/fastport-dev/fastport-broker/internal/subscriber"
)

const maxInFlightConnections = 10000

// Broker owns every C1-C11 component and the live connection registry
// needed for admin-driven teardown.
type Broker struct {
	store          storage.Store
	registry       *registry.Registry
	index          *subscriber.Index
	retry          *retrycache.Engine
	publish        *publish.Pipeline
	fileStream     *filestream.Router
	maxPayloadSize int

	accept *semaphore.Weighted

	connsMu sync.Mutex
	conns   map[string]map[*connstate.Connection]struct{} // session -> live connections
}

// New wires C1-C11 and returns a Broker ready to Listen. notif may be
// nil (defaults to a no-op notifier, spec's documented default).
func New(store storage.Store, maxPayloadSize int, notif notifier.Notifier, notifierDeadline time.Duration) *Broker {
	reg := registry.New(store)
	index := subscriber.New()

	b := &Broker{
		store:          store,
		registry:       reg,
		index:          index,
		maxPayloadSize: maxPayloadSize,
		accept:         semaphore.NewWeighted(maxInFlightConnections),
		conns:          make(map[string]map[*connstate.Connection]struct{}),
	}

	sysClock := clock.NewSystem()
	engine := retrycache.New(store, sysClock, reg, b.deliverRetry)
	b.retry = engine
	b.publish = publish.New(reg, index, engine, notif, notifierDeadline, sysClock)
	b.fileStream = filestream.New(reg, index)

	return b
}

// deliverRetry is the retrycache.DeliverFunc: it rebuilds the wire
// frame from the persisted Message and fans it out to current
// subscribers, same encoding path as a fresh publish.
func (b *Broker) deliverRetry(session, topic string, m storage.Message) int {
	envelope := protocol.Message{
		Type:      protocol.TypeMessage,
		Topic:     m.Topic,
		Data:      string(m.Data),
		Hash:      m.Hash,
		Timestamp: m.Timestamp,
		MessageID: m.MessageID,
	}
	body, err := protocol.Encode(envelope)
	if err != nil {
		logger.WarnF("broker: encoding retried message %s failed: %v", m.MessageID, err)
		return 0
	}

	delivered := 0
	for _, sub := range b.index.SubscribersOf(session, topic) {
		if err := sub.Send(body); err != nil {
			logger.WarnF("broker: retry send to subscriber %s failed: %v", sub.ID(), err)
			continue
		}
		delivered++
	}
	return delivered
}

// Recover re-arms retry timers for every existing session's pending
// messages; called once at startup after the storage backend is ready.
func (b *Broker) Recover(ctx context.Context) {
	sessions, err := b.store.ListSessions(ctx)
	if err != nil {
		logger.ErrorF("broker: listing sessions for recovery failed: %v", err)
		return
	}
	names := make([]string, len(sessions))
	for i, s := range sessions {
		names[i] = s.SessionName
	}
	b.retry.Recover(ctx, names)
}

// Listen runs the accept loop until ctx is cancelled, bounding
// in-flight connections via a weighted semaphore (grounded on the
// teacher's buffered-channel accept gate, expressed with
// golang.org/x/sync/semaphore).
func (b *Broker) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.InfoF("broker: listening on %s", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.ErrorF("broker: accept error: %v", err)
				continue
			}
		}

		if err := b.accept.Acquire(ctx, 1); err != nil {
			_ = conn.Close()
			return nil
		}
		go func(c net.Conn) {
			defer b.accept.Release(1)
			b.handleConn(ctx, c)
		}(conn)
	}
}

func (b *Broker) handleConn(ctx context.Context, c net.Conn) {
	deps := connstate.Deps{
		Registry:        b.registry,
		Index:           b.index,
		Publish:         b.publish,
		FileStream:      b.fileStream,
		Store:           b.store,
		MaxPayloadSize:  b.maxPayloadSize,
		OnAuthenticated: b.trackConnection,
		OnClosed:        b.untrackConnection,
	}
	conn := connstate.New(c, deps)
	conn.Serve(ctx)
}

func (b *Broker) trackConnection(c *connstate.Connection) {
	session := c.Session()
	if session == "" {
		return
	}
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	set, ok := b.conns[session]
	if !ok {
		set = make(map[*connstate.Connection]struct{})
		b.conns[session] = set
	}
	set[c] = struct{}{}
}

func (b *Broker) untrackConnection(c *connstate.Connection) {
	session := c.Session()
	if session == "" {
		return
	}
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	if set, ok := b.conns[session]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(b.conns, session)
		}
	}
}

func (b *Broker) connectionsFor(session string) []*connstate.Connection {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	set := b.conns[session]
	out := make([]*connstate.Connection, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
