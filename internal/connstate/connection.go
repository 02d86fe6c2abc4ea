// Package connstate implements the Connection State Machine (spec §4.5,
// "C6"): frame ingress/egress, per-connection auth state, and
// subscription/upload bookkeeping. It dispatches into the Publish
// Pipeline, File Stream Router, and Session Registry but holds no
// business logic of its own beyond routing frames to them.
package connstate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fastport-dev/fastport-broker/internal/filestream"
	"github.com/fastport-dev/fastport-broker/internal/logger"
	"github.com/fastport-dev/fastport-broker/internal/protocol"
	"github.com/fastport-dev/fastport-broker/internal/publish"
	"github.com/fastport-dev/fastport-broker/internal/registry"
	"github.com/fastport-dev/fastport-broker/internal/storage"
	"github.com/fastport-dev/fastport-broker/internal/subscriber"
)

// State is one of the four connection lifecycle states (spec §3).
type State int

const (
	StateNew State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

// Deps are the broker-owned components a Connection dispatches frames
// into. OnAuthenticated/OnClosed let the composition root track which
// connections belong to which session for admin operations (DropSession
// closing every bound connection) without this package importing the
// broker package.
type Deps struct {
	Registry       *registry.Registry
	Index          *subscriber.Index
	Publish        *publish.Pipeline
	FileStream     *filestream.Router
	Store          storage.Store
	MaxPayloadSize int
	OnAuthenticated func(*Connection)
	OnClosed        func(*Connection)
}

// Connection is a live transport to one client (spec §3's Connection
// entity). It implements subscriber.Conn and filestream.UploadTracker
// directly so the Subscriber Index and File Stream Router never need to
// know about frames or transport.
type Connection struct {
	id   string
	conn net.Conn
	deps Deps

	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	sessionName   string
	userID        string
	subscriptions map[string]struct{}
	uploads       map[string]string
}

func New(c net.Conn, deps Deps) *Connection {
	return &Connection{
		id:            uuid.NewString(),
		conn:          c,
		deps:          deps,
		state:         StateNew,
		subscriptions: make(map[string]struct{}),
		uploads:       make(map[string]string),
	}
}

func (c *Connection) ID() string { return c.id }

// Send writes frame to the peer; concurrent callers (the connection's
// own read loop replying, and fan-out from other connections' publishes)
// are serialized so frames never interleave mid-write.
func (c *Connection) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, frame)
}

func (c *Connection) sendJSON(v any) {
	body, err := protocol.Encode(v)
	if err != nil {
		logger.WarnF("connstate: encoding %T failed: %v", v, err)
		return
	}
	if err := c.Send(body); err != nil {
		logger.WarnF("connstate: send to %s failed: %v", c.id, err)
	}
}

func (c *Connection) replyError(msg string) {
	c.sendJSON(protocol.ErrorFrame{Type: protocol.TypeError, Error: msg})
}

// notifyTimeout bounds how long Notify waits on a peer that is not
// reading.
const notifyTimeout = time.Second

// Notify lets the broker composition root push an out-of-band frame
// (e.g. a drop notice) ahead of forcing the connection closed. The write
// gives up after notifyTimeout so an unresponsive peer cannot stall the
// caller.
func (c *Connection) Notify(v any) {
	body, err := protocol.Encode(v)
	if err != nil {
		logger.WarnF("connstate: encoding %T failed: %v", v, err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(notifyTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	if err := protocol.WriteFrame(c.conn, body); err != nil {
		logger.WarnF("connstate: notify to %s failed: %v", c.id, err)
	}
}

func (c *Connection) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) getSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionName
}

// Session returns the bound session name, or "" before authentication.
// Used by the broker composition root to index live connections per
// session for admin-driven teardown (DropSession).
func (c *Connection) Session() string { return c.getSession() }

// TrackUpload, TopicForUpload, UntrackUpload implement
// filestream.UploadTracker.
func (c *Connection) TrackUpload(fileID, topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads[fileID] = topic
}

func (c *Connection) TopicForUpload(fileID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	topic, ok := c.uploads[fileID]
	return topic, ok
}

func (c *Connection) UntrackUpload(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.uploads, fileID)
}

// Close forces the underlying transport closed; the read loop then runs
// the normal Closing->Closed teardown via its deferred call.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// Serve runs the read loop until the transport closes or a frame
// exceeds MaxPayloadSize, then tears the connection down.
func (c *Connection) Serve(ctx context.Context) {
	defer c.teardown()

	for {
		frame, err := protocol.ReadFrame(c.conn, c.deps.MaxPayloadSize)
		if err != nil {
			if err != io.EOF {
				logger.DebugF("connstate: read from %s ended: %v", c.id, err)
			}
			return
		}
		if frame.Binary {
			c.handleChunk(frame.Body)
			continue
		}
		c.handleText(ctx, frame.Body)
	}
}

func (c *Connection) handleText(ctx context.Context, body []byte) {
	typ, err := protocol.PeekType(body)
	if err != nil {
		c.replyError("malformed frame")
		return
	}

	if c.getState() == StateNew {
		if typ != protocol.TypeInit {
			c.replyError("Not initialized")
			return
		}
		c.handleInit(ctx, body)
		return
	}
	if c.getState() != StateAuthenticated {
		return
	}

	switch typ {
	case protocol.TypeSubscribe:
		c.handleSubscribe(body)
	case protocol.TypeUnsubscribe:
		c.handleUnsubscribe(body)
	case protocol.TypePublish:
		c.handlePublish(ctx, body)
	case protocol.TypeAck:
		c.handleAck(ctx, body)
	case protocol.TypeInitFile:
		c.handleInitFile(ctx, body)
	case protocol.TypeEndFile:
		c.handleEndFile(ctx, body)
	case protocol.TypeRegisterFCMToken:
		c.handleRegisterFCMToken(ctx, body)
	default:
		c.replyError("Unknown message type")
	}
}

func (c *Connection) handleInit(ctx context.Context, body []byte) {
	var in protocol.Init
	if err := json.Unmarshal(body, &in); err != nil {
		c.replyError("malformed init")
		return
	}

	_, err := c.deps.Registry.ValidateInit(ctx, in.SessionName, in.Password)
	if err != nil {
		reason := "invalid credentials"
		if err == registry.ErrSuspended {
			reason = "suspended"
		}
		c.sendJSON(protocol.InitResponse{Type: protocol.TypeInitResponse, Success: false, Error: reason})
		return
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	c.sessionName = in.SessionName
	c.userID = in.UserID
	c.mu.Unlock()

	if in.UserID != "" {
		c.deps.Index.RegisterUser(in.SessionName, in.UserID, c)
	}
	logger.ConnectionAuthenticated(c.id, in.SessionName)
	c.sendJSON(protocol.InitResponse{Type: protocol.TypeInitResponse, Success: true})

	if c.deps.OnAuthenticated != nil {
		c.deps.OnAuthenticated(c)
	}
}

func (c *Connection) handleSubscribe(body []byte) {
	var in protocol.Subscribe
	if err := json.Unmarshal(body, &in); err != nil {
		c.replyError("malformed subscribe")
		return
	}

	session := c.getSession()
	c.deps.Index.Subscribe(session, in.Topic, c)
	c.mu.Lock()
	c.subscriptions[in.Topic] = struct{}{}
	c.mu.Unlock()

	logger.SubscriptionAdded(session, in.Topic, c.id)
	c.sendJSON(protocol.SubscribeResponse{Type: protocol.TypeSubscribeResponse, Success: true, Topic: in.Topic})
}

func (c *Connection) handleUnsubscribe(body []byte) {
	var in protocol.Unsubscribe
	if err := json.Unmarshal(body, &in); err != nil {
		c.replyError("malformed unsubscribe")
		return
	}

	session := c.getSession()
	c.deps.Index.Unsubscribe(session, in.Topic, c)
	c.mu.Lock()
	delete(c.subscriptions, in.Topic)
	c.mu.Unlock()

	logger.SubscriptionRemoved(session, in.Topic, c.id)
	c.sendJSON(protocol.UnsubscribeResponse{Type: protocol.TypeUnsubscribeResponse, Success: true, Topic: in.Topic})
}

func (c *Connection) handlePublish(ctx context.Context, body []byte) {
	var in protocol.Publish
	if err := json.Unmarshal(body, &in); err != nil {
		c.replyError("malformed publish")
		return
	}
	resp := c.deps.Publish.Publish(ctx, c.getSession(), c, in)
	c.sendJSON(resp)
}

func (c *Connection) handleAck(ctx context.Context, body []byte) {
	var in protocol.Ack
	if err := json.Unmarshal(body, &in); err != nil {
		c.replyError("malformed ack")
		return
	}
	if err := c.deps.Publish.Ack(ctx, c.getSession(), in.MessageID); err != nil {
		logger.WarnF("connstate: ack %s failed: %v", in.MessageID, err)
	}
}

func (c *Connection) handleInitFile(ctx context.Context, body []byte) {
	var in protocol.InitFile
	if err := json.Unmarshal(body, &in); err != nil {
		c.replyError("malformed init_file")
		return
	}
	if err := c.deps.FileStream.InitFile(ctx, c.getSession(), c, c, in); err != nil {
		c.replyError("file stream unavailable")
	}
}

func (c *Connection) handleEndFile(ctx context.Context, body []byte) {
	var in protocol.EndFile
	if err := json.Unmarshal(body, &in); err != nil {
		c.replyError("malformed end_file")
		return
	}
	if err := c.deps.FileStream.EndFile(c.getSession(), c, c, in); err != nil {
		logger.WarnF("connstate: end_file %s failed: %v", in.FileID, err)
	}
}

func (c *Connection) handleChunk(body []byte) {
	c.deps.FileStream.Chunk(c.getSession(), c, c, body)
}

func (c *Connection) handleRegisterFCMToken(ctx context.Context, body []byte) {
	var in protocol.RegisterFCMToken
	if err := json.Unmarshal(body, &in); err != nil {
		c.replyError("malformed register_fcm_token")
		return
	}

	session := c.getSession()
	sess, err := c.deps.Registry.Get(ctx, session)
	if err != nil || sess == nil {
		c.sendJSON(protocol.FCMTokenResponse{Type: protocol.TypeFCMTokenResponse, Success: false, Error: "unknown session"})
		return
	}

	sum := sha256.Sum256([]byte(in.EncryptedData))
	if hex.EncodeToString(sum[:]) != in.Hash {
		c.sendJSON(protocol.FCMTokenResponse{Type: protocol.TypeFCMTokenResponse, Success: false, Error: "hash mismatch"})
		return
	}

	plaintext, err := decryptFCMPayload(sess.SecretKey, in.EncryptedData)
	if err != nil {
		c.sendJSON(protocol.FCMTokenResponse{Type: protocol.TypeFCMTokenResponse, Success: false, Error: "decrypt failed"})
		return
	}

	var payload struct {
		Token    string `json:"token"`
		DeviceID string `json:"deviceId"`
		Platform string `json:"platform"`
	}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		c.sendJSON(protocol.FCMTokenResponse{Type: protocol.TypeFCMTokenResponse, Success: false, Error: "malformed payload"})
		return
	}

	now := time.Now()
	err = c.deps.Store.SaveDeviceToken(ctx, storage.DeviceToken{
		SessionName: session,
		UserID:      in.UserID,
		DeviceID:    payload.DeviceID,
		Token:       payload.Token,
		Platform:    payload.Platform,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		c.sendJSON(protocol.FCMTokenResponse{Type: protocol.TypeFCMTokenResponse, Success: false, Error: "storage error"})
		return
	}
	c.sendJSON(protocol.FCMTokenResponse{Type: protocol.TypeFCMTokenResponse, Success: true})
}

// teardown runs the Closing->Closed transition: unsubscribe everything
// this connection owned, release its user binding, and clear its
// uploads. No further frames are emitted afterward.
func (c *Connection) teardown() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	session := c.sessionName
	topics := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		topics = append(topics, t)
	}
	c.subscriptions = make(map[string]struct{})
	c.uploads = make(map[string]string)
	c.state = StateClosed
	c.mu.Unlock()

	if session != "" {
		c.deps.Index.RemoveConnection(session, c, topics)
	}
	_ = c.conn.Close()
	logger.ConnectionClosed(c.id)

	if c.deps.OnClosed != nil {
		c.deps.OnClosed(c)
	}
}

var _ subscriber.Conn = (*Connection)(nil)
var _ filestream.UploadTracker = (*Connection)(nil)
