// Package publish implements the Publish Pipeline (spec §4.7, "C7"):
// tenancy check, optimistic fan-out, persistence and retry scheduling,
// and the offline-notifier hook, in that order.
package publish

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fastport-dev/fastport-broker/internal/clock"
	"github.com/fastport-dev/fastport-broker/internal/logger"
	"github.com/fastport-dev/fastport-broker/internal/notifier"
	"github.com/fastport-dev/fastport-broker/internal/protocol"
	"github.com/fastport-dev/fastport-broker/internal/registry"
	"github.com/fastport-dev/fastport-broker/internal/retrycache"
	"github.com/fastport-dev/fastport-broker/internal/storage"
	"github.com/fastport-dev/fastport-broker/internal/subscriber"
)

// fanOutConcurrency bounds how many subscriber sends / offline-notifier
// calls run at once per publish, via errgroup.SetLimit.
const fanOutConcurrency = 16

const previewLength = 64

// Pipeline wires the Session Registry, Subscriber Index, and Retry
// Engine together for a single operation: handling one publish frame.
// It also remembers, per cached messageId, which connection sent it so
// a later ack from a subscriber can route ack_received back (spec §4.7
// step 6); New installs the cleanup callback that keeps this map from
// growing unboundedly once the retry engine drops a message on its own.
type Pipeline struct {
	registry         *registry.Registry
	index            *subscriber.Index
	retry            *retrycache.Engine
	notifier         notifier.Notifier
	notifierDeadline time.Duration
	clk              clock.Clock

	pubMu      sync.Mutex
	publishers map[string]subscriber.Conn
}

func New(reg *registry.Registry, index *subscriber.Index, retry *retrycache.Engine, notif notifier.Notifier, notifierDeadline time.Duration, clk clock.Clock) *Pipeline {
	if notif == nil {
		notif = notifier.Noop{}
	}
	p := &Pipeline{
		registry:         reg,
		index:            index,
		retry:            retry,
		notifier:         notif,
		notifierDeadline: notifierDeadline,
		clk:              clk,
		publishers:       make(map[string]subscriber.Conn),
	}
	retry.OnDropped(func(_, messageID string) { p.forgetPublisher(messageID) })
	return p
}

func (p *Pipeline) forgetPublisher(messageID string) {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	delete(p.publishers, messageID)
}

// Publish runs the six-step pipeline described in spec §4.7 for one
// publish frame from sender, and returns the response owed to sender.
func (p *Pipeline) Publish(ctx context.Context, session string, sender subscriber.Conn, in protocol.Publish) protocol.PublishResponse {
	sess, err := p.registry.Get(ctx, session)
	if err != nil || sess == nil || sess.Suspended {
		return protocol.PublishResponse{Type: protocol.TypePublishResponse, Success: false, MessageID: in.MessageID, Error: "suspended"}
	}

	envelope := protocol.Message{
		Type:      protocol.TypeMessage,
		Topic:     in.Topic,
		Data:      in.Data,
		Hash:      in.Hash,
		Timestamp: in.Timestamp,
		MessageID: in.MessageID,
	}
	delivered := p.fanOut(session, in.Topic, sender, envelope)

	if delivered > 0 {
		p.pubMu.Lock()
		p.publishers[in.MessageID] = sender
		p.pubMu.Unlock()
		p.cache(ctx, session, in, sess)
	}

	p.notifyOffline(ctx, session, in.Data)

	logger.PublishDelivered(session, in.Topic, in.MessageID, delivered)
	return protocol.PublishResponse{Type: protocol.TypePublishResponse, Success: true, MessageID: in.MessageID, DeliveredTo: delivered}
}

func (p *Pipeline) fanOut(session, topic string, sender subscriber.Conn, envelope protocol.Message) int {
	body, err := protocol.Encode(envelope)
	if err != nil {
		logger.WarnF("publish: encoding message envelope failed: %v", err)
		return 0
	}

	subs := p.index.SubscribersOf(session, topic)

	var mu sync.Mutex
	delivered := 0
	g := new(errgroup.Group)
	g.SetLimit(fanOutConcurrency)
	for _, sub := range subs {
		sub := sub
		if sub.ID() == sender.ID() {
			continue
		}
		g.Go(func() error {
			err := sub.Send(body)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.WarnF("publish: send to subscriber %s failed: %v", sub.ID(), err)
				return nil
			}
			delivered++
			return nil
		})
	}
	_ = g.Wait()
	return delivered
}

func (p *Pipeline) cache(ctx context.Context, session string, in protocol.Publish, sess *storage.Session) {
	msg := storage.Message{
		MessageID:       in.MessageID,
		SessionName:     session,
		Topic:           in.Topic,
		Data:            []byte(in.Data),
		Hash:            in.Hash,
		Timestamp:       in.Timestamp,
		PublishedAt:     p.clk.Now(),
		MaxRetryLimit:   sess.MaxRetryLimit,
		RetryIntervalMs: sess.RetryIntervalMs,
	}
	if sess.MessageExpiryMs != nil {
		expiry := msg.PublishedAt.Add(time.Duration(*sess.MessageExpiryMs) * time.Millisecond)
		msg.ExpiryAt = &expiry
	}
	if err := p.retry.Cache(ctx, msg); err != nil {
		logger.WarnF("publish: caching message %s failed: %v", in.MessageID, err)
	}
}

func (p *Pipeline) notifyOffline(ctx context.Context, session, data string) {
	if _, isNoop := p.notifier.(notifier.Noop); isNoop {
		return
	}
	offline := p.index.OfflineUsers(session)
	if len(offline) == 0 {
		return
	}

	preview := data
	if len(preview) > previewLength {
		preview = preview[:previewLength]
	}

	deadline := p.notifierDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}

	g := new(errgroup.Group)
	g.SetLimit(fanOutConcurrency)
	for _, userID := range offline {
		userID := userID
		g.Go(func() error {
			notifyCtx, cancel := context.WithTimeout(ctx, deadline)
			defer cancel()
			if err := p.notifier.PushOffline(notifyCtx, session, userID, preview); err != nil {
				logger.WarnF("publish: offline notify for %s/%s failed: %v", session, userID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Ack removes a cached message from the retry engine and, if the
// original publisher is still reachable, notifies it (spec §4.7 step 6).
func (p *Pipeline) Ack(ctx context.Context, session, messageID string) error {
	p.pubMu.Lock()
	publisher, ok := p.publishers[messageID]
	delete(p.publishers, messageID)
	p.pubMu.Unlock()

	if err := p.retry.Ack(ctx, session, messageID); err != nil {
		return err
	}
	if !ok || publisher == nil {
		return nil
	}

	body, err := protocol.Encode(protocol.AckReceived{Type: protocol.TypeAckReceived, MessageID: messageID})
	if err != nil {
		return err
	}
	if err := publisher.Send(body); err != nil {
		logger.WarnF("publish: ack_received send to publisher failed: %v", err)
	}
	return nil
}
