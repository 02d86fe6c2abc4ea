// Package registry implements the Session Registry (spec §4.3, "C3"):
// tenant lifecycle and credential validation. It owns nothing about
// connections or subscriptions; those belong to the connection state
// machine and subscriber index, wired together by the broker composition
// root, which is why DeleteSession here only authorizes and deletes the
// storage record; the broker orchestrates the wider teardown.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fastport-dev/fastport-broker/internal/logger"
	"github.com/fastport-dev/fastport-broker/internal/storage"
)

var (
	// ErrAuth is returned when password/secretKey do not match the
	// stored session, compared in constant time.
	ErrAuth = errors.New("registry: authentication failed")
	// ErrSuspended is returned by ValidateInit for a suspended session.
	ErrSuspended = errors.New("registry: session suspended")
)

const (
	defaultRetryIntervalMs = int64(5000)
	defaultMaxRetryLimit   = 100
	secretKeyBytes         = 32
	sessionCacheSize       = 4096
	sessionCacheTTL        = 30 * time.Second
)

// CreateOptions carries the optional overrides accepted by CreateSession.
type CreateOptions struct {
	RetryIntervalMs *int64
	MaxRetryLimit   *int
	MessageExpiryMs *int64
	SessionExpiryAt *time.Time
}

// Created is what the admin surface hands back on a successful
// CreateSession; the only time the secretKey is ever returned.
type Created struct {
	SessionName string
	Password    string
	SecretKey   string
}

// Registry validates and mutates Session tenant state, backed by a
// Storage Port and a small read-through cache (grounded on the teacher's
// subscription node cache) to keep the hot ValidateInit/publish tenancy
// check off the storage round trip.
type Registry struct {
	store storage.Store
	cache *lru.LRU[string, storage.Session]

	stripeMu sync.Mutex
	stripes  map[string]*sync.Mutex
}

func New(store storage.Store) *Registry {
	return &Registry{
		store:   store,
		cache:   lru.NewLRU[string, storage.Session](sessionCacheSize, nil, sessionCacheTTL),
		stripes: make(map[string]*sync.Mutex),
	}
}

// lockFor returns a mutex private to one session name, created lazily.
// Create and Drop for the same name are mutually exclusive (spec §5).
func (r *Registry) lockFor(name string) *sync.Mutex {
	r.stripeMu.Lock()
	defer r.stripeMu.Unlock()
	m, ok := r.stripes[name]
	if !ok {
		m = &sync.Mutex{}
		r.stripes[name] = m
	}
	return m
}

func generateSecretKey() (string, error) {
	buf := make([]byte, secretKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CreateSession creates a new tenant, generating a fresh cryptographically
// random secretKey. Fails with storage.ErrAlreadyExists if the name is
// taken.
func (r *Registry) CreateSession(ctx context.Context, name, password string, opts CreateOptions) (Created, error) {
	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	existing, err := r.store.GetSession(ctx, name)
	if err != nil {
		return Created{}, err
	}
	if existing != nil {
		return Created{}, storage.ErrAlreadyExists
	}

	secretKey, err := generateSecretKey()
	if err != nil {
		return Created{}, err
	}

	sess := storage.Session{
		SessionName:     name,
		Password:        password,
		SecretKey:       secretKey,
		RetryIntervalMs: defaultRetryIntervalMs,
		MaxRetryLimit:   defaultMaxRetryLimit,
		Suspended:       false,
	}
	if opts.RetryIntervalMs != nil {
		sess.RetryIntervalMs = *opts.RetryIntervalMs
	}
	if opts.MaxRetryLimit != nil {
		sess.MaxRetryLimit = *opts.MaxRetryLimit
	}
	sess.MessageExpiryMs = opts.MessageExpiryMs
	sess.SessionExpiryAt = opts.SessionExpiryAt

	if err := r.store.CreateSession(ctx, sess); err != nil {
		return Created{}, err
	}

	r.cache.Add(name, sess)
	logger.SessionCreated(name)

	return Created{SessionName: name, Password: password, SecretKey: secretKey}, nil
}

func (r *Registry) authorize(ctx context.Context, name, password, secretKey string) (*storage.Session, error) {
	sess, err := r.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, storage.ErrNotFound
	}
	if !constantTimeEqual(sess.Password, password) || !constantTimeEqual(sess.SecretKey, secretKey) {
		return nil, ErrAuth
	}
	return sess, nil
}

// lookup checks the cache before falling back to storage.
func (r *Registry) lookup(ctx context.Context, name string) (*storage.Session, error) {
	if sess, ok := r.cache.Get(name); ok {
		cp := sess
		return &cp, nil
	}
	sess, err := r.store.GetSession(ctx, name)
	if err != nil || sess == nil {
		return sess, err
	}
	r.cache.Add(name, *sess)
	return sess, nil
}

// SuspendSession gates new publishes and redelivery without touching
// existing connections; they stay open with their subscriptions.
func (r *Registry) SuspendSession(ctx context.Context, name, password, secretKey string, suspend bool) error {
	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if _, err := r.authorize(ctx, name, password, secretKey); err != nil {
		return err
	}

	if err := r.store.UpdateSession(ctx, name, storage.SessionPatch{Suspended: &suspend}); err != nil {
		return err
	}
	r.cache.Remove(name)
	logger.SessionSuspended(name, suspend)
	return nil
}

// DeleteSession authorizes then deletes the storage record. Idempotent:
// a second call against an already-dropped name succeeds without error.
// The caller (the broker composition root) is responsible for closing
// bound connections, clearing the subscriber index, and purging the
// retry engine; none of which this package knows about.
func (r *Registry) DeleteSession(ctx context.Context, name, password, secretKey string) error {
	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	sess, err := r.lookup(ctx, name)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	if !constantTimeEqual(sess.Password, password) || !constantTimeEqual(sess.SecretKey, secretKey) {
		return ErrAuth
	}

	if err := r.store.DeleteSession(ctx, name); err != nil {
		return err
	}
	r.cache.Remove(name)
	logger.SessionDropped(name)
	return nil
}

// ValidateInit is used by the connection state machine on an init frame.
func (r *Registry) ValidateInit(ctx context.Context, name, password string) (*storage.Session, error) {
	sess, err := r.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, storage.ErrNotFound
	}
	if !constantTimeEqual(sess.Password, password) {
		return nil, ErrAuth
	}
	if sess.Suspended {
		return sess, ErrSuspended
	}
	return sess, nil
}

// Get is a plain lookup used by components (Publish Pipeline, File
// Stream Router) that need the current session record without
// authorizing against it.
func (r *Registry) Get(ctx context.Context, name string) (*storage.Session, error) {
	return r.lookup(ctx, name)
}

// Authorize validates password/secretKey against the stored session
// without mutating anything. Exposed for the broker composition root's
// DropSession, which must authorize before it starts closing
// connections and purging retry state, ahead of the storage delete that
// DeleteSession itself performs.
func (r *Registry) Authorize(ctx context.Context, name, password, secretKey string) (*storage.Session, error) {
	return r.authorize(ctx, name, password, secretKey)
}

// ListSessions is the admin ListSessions surface (spec §6): every
// session record, credentials withheld.
func (r *Registry) ListSessions(ctx context.Context, all func(context.Context) ([]storage.Session, error)) ([]storage.Session, error) {
	sessions, err := all(ctx)
	if err != nil {
		return nil, err
	}
	sanitized := make([]storage.Session, len(sessions))
	for i, s := range sessions {
		s.Password = ""
		s.SecretKey = ""
		sanitized[i] = s
	}
	return sanitized, nil
}

// IsActive reports whether a session still exists and is not suspended,
// satisfying internal/retrycache.SessionChecker.
func (r *Registry) IsActive(ctx context.Context, name string) (bool, error) {
	sess, err := r.lookup(ctx, name)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}
	return !sess.Suspended, nil
}

// InvalidateCache drops a cached session record so the next lookup reads
// storage. The expiry sweeper does not call it: a session the sweeper
// deletes stays visible through this cache until sessionCacheTTL elapses.
func (r *Registry) InvalidateCache(name string) {
	r.cache.Remove(name)
}
