package broker

import (
	"context"

	"github.com/fastport-dev/fastport-broker/internal/logger"
	"github.com/fastport-dev/fastport-broker/internal/protocol"
	"github.com/fastport-dev/fastport-broker/internal/registry"
	"github.com/fastport-dev/fastport-broker/internal/storage"
)

// CreateSession is the admin surface's session provisioning call (spec
// §6); it returns the one-time secretKey the caller must hand to
// clients out of band.
func (b *Broker) CreateSession(ctx context.Context, name, password string, opts registry.CreateOptions) (registry.Created, error) {
	return b.registry.CreateSession(ctx, name, password, opts)
}

// SuspendSession toggles a tenant's suspended flag. It never touches
// live connections: a suspended session still holds its subscriptions,
// it just stops accepting new publishes and redeliveries (spec §4.3).
func (b *Broker) SuspendSession(ctx context.Context, name, password, secretKey string, suspend bool) error {
	return b.registry.SuspendSession(ctx, name, password, secretKey, suspend)
}

// ListSessions returns every session record with credentials withheld.
func (b *Broker) ListSessions(ctx context.Context) ([]storage.Session, error) {
	return b.registry.ListSessions(ctx, b.store.ListSessions)
}

// DropSession runs spec §4.3's full teardown: authorize, close every
// connection bound to the session (notifying each before forcing it
// shut), purge pending retry timers, clear the subscriber index, and
// only then delete the storage record. Retry timers are purged before
// the storage delete because PurgeSession discovers pending messages by
// listing storage; reversing this order would let DeleteSession erase
// the messages out from under it, leaking timers.
func (b *Broker) DropSession(ctx context.Context, name, password, secretKey string) error {
	if _, err := b.registry.Authorize(ctx, name, password, secretKey); err != nil {
		return err
	}

	for _, conn := range b.connectionsFor(name) {
		conn.Notify(protocol.ErrorFrame{Type: protocol.TypeError, Error: "session dropped"})
		if err := conn.Close(); err != nil {
			logger.WarnF("broker: closing connection for dropped session %s failed: %v", name, err)
		}
	}

	b.retry.PurgeSession(ctx, name)
	b.index.DropSession(name)

	return b.registry.DeleteSession(ctx, name, password, secretKey)
}
