package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyExists is returned by CreateSession when the name is taken.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrNotFound is returned by UpdateSession for a missing session, and
	// may be returned by other lookups. DeleteSession of a missing session
	// succeeds.
	ErrNotFound = errors.New("storage: not found")
)

// Store is the persistence port the broker core depends on (spec §4.2).
// Every method must be safe for concurrent callers. The core never
// assumes durability, only the contract described here.
type Store interface {
	// Init is idempotent and creates schema/collections/indexes as needed.
	Init(ctx context.Context) error
	// Close releases backend resources (connection pools, etc).
	Close(ctx context.Context) error

	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, name string) (*Session, error)
	UpdateSession(ctx context.Context, name string, patch SessionPatch) error
	DeleteSession(ctx context.Context, name string) error
	ListSessions(ctx context.Context) ([]Session, error)

	SaveMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	RemoveMessage(ctx context.Context, id string) error
	ListPendingMessages(ctx context.Context, session string) ([]Message, error)

	// CleanupExpired deletes Messages with ExpiryAt < now and Sessions
	// with SessionExpiryAt < now (and their cached Messages).
	CleanupExpired(ctx context.Context, now time.Time) (CleanupCounts, error)

	SaveDeviceToken(ctx context.Context, t DeviceToken) error
	GetDeviceTokens(ctx context.Context, session, userID string) ([]DeviceToken, error)
	DeleteDeviceToken(ctx context.Context, session, userID, deviceID string) error
}
