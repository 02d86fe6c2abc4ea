// Package filestream implements the File Stream Router (spec §4.8,
// "C8"): init/chunk/end framing, fileId→topic routing, and verbatim
// binary forwarding. Traffic here is stream-through; no persistence,
// no retry, no expiry; so this package never touches the Storage Port
// or Retry Engine.
package filestream

import (
	"context"
	"errors"

	"github.com/fastport-dev/fastport-broker/internal/logger"
	"github.com/fastport-dev/fastport-broker/internal/protocol"
	"github.com/fastport-dev/fastport-broker/internal/registry"
	"github.com/fastport-dev/fastport-broker/internal/subscriber"
)

// ErrUnavailable is returned by InitFile when the session is missing or
// suspended; the caller replies with a protocol error frame.
var ErrUnavailable = errors.New("filestream: session unavailable")

// UploadTracker is the per-connection fileId->topic table (spec §3's
// Connection "map of fileId → topic for uploads in progress"), owned
// by internal/connstate so this package never sees connection internals.
type UploadTracker interface {
	TrackUpload(fileID, topic string)
	TopicForUpload(fileID string) (string, bool)
	UntrackUpload(fileID string)
}

// Router is the C8 File Stream Router.
type Router struct {
	registry *registry.Registry
	index    *subscriber.Index
}

func New(reg *registry.Registry, index *subscriber.Index) *Router {
	return &Router{registry: reg, index: index}
}

// InitFile records fileId -> topic on the sender's upload table and
// forwards the envelope to current subscribers of (session, topic),
// excluding the sender.
func (r *Router) InitFile(ctx context.Context, session string, sender subscriber.Conn, uploads UploadTracker, in protocol.InitFile) error {
	sess, err := r.registry.Get(ctx, session)
	if err != nil || sess == nil || sess.Suspended {
		return ErrUnavailable
	}

	uploads.TrackUpload(in.FileID, in.Topic)

	body, err := protocol.Encode(in)
	if err != nil {
		return err
	}
	r.broadcast(session, in.Topic, sender, body)
	return nil
}

// Chunk forwards a binary chunk frame verbatim to subscribers of the
// topic the sender registered for this fileId via InitFile. An unknown
// fileId is dropped silently, matching spec §4.8.
func (r *Router) Chunk(session string, sender subscriber.Conn, uploads UploadTracker, frame []byte) {
	chunk, err := protocol.DecodeChunk(frame)
	if err != nil {
		return
	}
	topic, ok := uploads.TopicForUpload(chunk.FileID)
	if !ok {
		return
	}
	r.broadcast(session, topic, sender, frame)
}

// EndFile forwards the envelope to subscribers and clears the upload
// mapping.
func (r *Router) EndFile(session string, sender subscriber.Conn, uploads UploadTracker, in protocol.EndFile) error {
	body, err := protocol.Encode(in)
	if err != nil {
		return err
	}
	r.broadcast(session, in.Topic, sender, body)
	uploads.UntrackUpload(in.FileID)
	return nil
}

func (r *Router) broadcast(session, topic string, sender subscriber.Conn, body []byte) {
	for _, sub := range r.index.SubscribersOf(session, topic) {
		if sub.ID() == sender.ID() {
			continue
		}
		if err := sub.Send(body); err != nil {
			logger.WarnF("filestream: send to subscriber %s failed: %v", sub.ID(), err)
		}
	}
}
