package publish

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fastport-dev/fastport-broker/internal/clock"
	"github.com/fastport-dev/fastport-broker/internal/notifier"
	"github.com/fastport-dev/fastport-broker/internal/protocol"
	"github.com/fastport-dev/fastport-broker/internal/registry"
	"github.com/fastport-dev/fastport-broker/internal/retrycache"
	"github.com/fastport-dev/fastport-broker/internal/storage"
	"github.com/fastport-dev/fastport-broker/internal/subscriber"
)

type fakeConn struct {
	id      string
	sent    [][]byte
	sendErr error
}

func (f *fakeConn) ID() string { return f.id }
func (f *fakeConn) Send(frame []byte) error {
	f.sent = append(f.sent, frame)
	return f.sendErr
}

func newTestPipeline(t *testing.T) (*Pipeline, *registry.Registry, *subscriber.Index) {
	t.Helper()
	store := storage.NewMemStore()
	reg := registry.New(store)
	index := subscriber.New()
	fc := clock.NewFake(time.Unix(0, 0))
	engine := retrycache.New(store, fc, reg, nil)
	p := New(reg, index, engine, notifier.Noop{}, 0, fc)
	return p, reg, index
}

func TestPublishDeliversToSubscribersExcludingSender(t *testing.T) {
	ctx := context.Background()
	p, reg, index := newTestPipeline(t)
	if _, err := reg.CreateSession(ctx, "s1", "pw", registry.CreateOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sender := &fakeConn{id: "sender"}
	sub := &fakeConn{id: "sub"}
	index.Subscribe("s1", "t", sender)
	index.Subscribe("s1", "t", sub)

	resp := p.Publish(ctx, "s1", sender, protocol.Publish{Topic: "t", Data: "X", Hash: "h", Timestamp: 1, MessageID: "m1"})

	if !resp.Success || resp.DeliveredTo != 1 {
		t.Fatalf("resp = %+v, want success with DeliveredTo=1", resp)
	}
	if len(sender.sent) != 0 {
		t.Fatal("sender should not receive its own publish")
	}
	if len(sub.sent) != 1 {
		t.Fatalf("subscriber received %d frames, want 1", len(sub.sent))
	}

	var msg protocol.Message
	if err := json.Unmarshal(sub.sent[0], &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.MessageID != "m1" || msg.Topic != "t" || msg.Data != "X" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestPublishNoSubscribersSkipsCaching(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	reg := registry.New(store)
	fc := clock.NewFake(time.Unix(0, 0))
	p := New(reg, subscriber.New(), retrycache.New(store, fc, reg, nil), notifier.Noop{}, 0, fc)
	if _, err := reg.CreateSession(ctx, "s1", "pw", registry.CreateOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	resp := p.Publish(ctx, "s1", &fakeConn{id: "sender"}, protocol.Publish{Topic: "t", MessageID: "m1"})
	if !resp.Success || resp.DeliveredTo != 0 {
		t.Fatalf("resp = %+v, want success with DeliveredTo=0", resp)
	}
	if got, _ := store.GetMessage(ctx, "m1"); got != nil {
		t.Fatalf("message cached for a publish that reached no subscribers: %+v", got)
	}
}

func TestPublishRejectedWhenSuspended(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := newTestPipeline(t)
	created, err := reg.CreateSession(ctx, "s1", "pw", registry.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := reg.SuspendSession(ctx, "s1", "pw", created.SecretKey, true); err != nil {
		t.Fatalf("SuspendSession: %v", err)
	}

	resp := p.Publish(ctx, "s1", &fakeConn{id: "sender"}, protocol.Publish{Topic: "t", MessageID: "m1"})
	if resp.Success {
		t.Fatalf("resp = %+v, want success=false for suspended session", resp)
	}
}

func TestAckNotifiesOriginalPublisher(t *testing.T) {
	ctx := context.Background()
	p, reg, index := newTestPipeline(t)
	if _, err := reg.CreateSession(ctx, "s1", "pw", registry.CreateOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sender := &fakeConn{id: "sender"}
	sub := &fakeConn{id: "sub"}
	index.Subscribe("s1", "t", sender)
	index.Subscribe("s1", "t", sub)

	p.Publish(ctx, "s1", sender, protocol.Publish{Topic: "t", MessageID: "m1"})

	if err := p.Ack(ctx, "s1", "m1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sender received %d frames after ack, want 1 (ack_received)", len(sender.sent))
	}
	var ackReceived protocol.AckReceived
	if err := json.Unmarshal(sender.sent[0], &ackReceived); err != nil {
		t.Fatalf("unmarshal ack_received: %v", err)
	}
	if ackReceived.MessageID != "m1" {
		t.Fatalf("ack_received.MessageID = %q, want m1", ackReceived.MessageID)
	}
}

func TestAckIsIdempotentAndSendsOnlyOnce(t *testing.T) {
	ctx := context.Background()
	p, reg, index := newTestPipeline(t)
	if _, err := reg.CreateSession(ctx, "s1", "pw", registry.CreateOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sender := &fakeConn{id: "sender"}
	sub := &fakeConn{id: "sub"}
	index.Subscribe("s1", "t", sender)
	index.Subscribe("s1", "t", sub)

	p.Publish(ctx, "s1", sender, protocol.Publish{Topic: "t", MessageID: "m1"})

	if err := p.Ack(ctx, "s1", "m1"); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if err := p.Ack(ctx, "s1", "m1"); err != nil {
		t.Fatalf("second Ack (idempotent): %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sender received %d frames across two acks, want 1", len(sender.sent))
	}
}
