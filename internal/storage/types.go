// Package storage is the abstract persistence port (spec §4.2, "C2"):
// the broker core depends only on the Store interface in store.go and
// never assumes a particular backend's durability.
package storage

import "time"

// Session is the tenant root record. Field names match the persisted
// field-name contract: sessionName, password, secretKey, retryInterval,
// maxRetryLimit, messageExpiryTime, sessionExpiry, suspended.
type Session struct {
	SessionName        string     `bson:"sessionName" json:"sessionName"`
	Password           string     `bson:"password" json:"password"`
	SecretKey          string     `bson:"secretKey" json:"secretKey"`
	RetryIntervalMs    int64      `bson:"retryInterval" json:"retryInterval"`
	MaxRetryLimit      int        `bson:"maxRetryLimit" json:"maxRetryLimit"`
	MessageExpiryMs    *int64     `bson:"messageExpiryTime,omitempty" json:"messageExpiryTime,omitempty"`
	SessionExpiryAt    *time.Time `bson:"sessionExpiry,omitempty" json:"sessionExpiry,omitempty"`
	Suspended          bool       `bson:"suspended" json:"suspended"`
	NotifierConfigBlob []byte     `bson:"notifierConfig,omitempty" json:"notifierConfig,omitempty"`
}

// Message is a cached in-flight publish awaiting acknowledgement. Field
// names match the persisted field-name contract: messageId, sessionName,
// topic, data, hash, timestamp, retryCount, expiryTime, maxRetryLimit,
// retryInterval. "type" from the contract is implicit; this store only
// ever holds Publish-originated messages.
type Message struct {
	MessageID       string     `bson:"messageId" json:"messageId"`
	SessionName     string     `bson:"sessionName" json:"sessionName"`
	Topic           string     `bson:"topic" json:"topic"`
	Data            []byte     `bson:"data" json:"data"`
	Hash            string     `bson:"hash" json:"hash"`
	Timestamp       int64      `bson:"timestamp" json:"timestamp"`
	PublishedAt     time.Time  `bson:"publishedAt" json:"publishedAt"`
	RetryCount      int        `bson:"retryCount" json:"retryCount"`
	ExpiryAt        *time.Time `bson:"expiryTime,omitempty" json:"expiryTime,omitempty"`
	MaxRetryLimit   int        `bson:"maxRetryLimit" json:"maxRetryLimit"`
	RetryIntervalMs int64      `bson:"retryInterval" json:"retryInterval"`
}

// DeviceToken is an optional record for the offline push notifier.
type DeviceToken struct {
	SessionName string    `bson:"sessionName" json:"sessionName"`
	UserID      string    `bson:"userId" json:"userId"`
	DeviceID    string    `bson:"deviceId" json:"deviceId"`
	Token       string    `bson:"token" json:"token"`
	Platform    string    `bson:"platform" json:"platform"`
	CreatedAt   time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time `bson:"updatedAt" json:"updatedAt"`
}

// SessionPatch describes a partial UpdateSession mutation; nil fields are
// left untouched.
type SessionPatch struct {
	Suspended       *bool
	RetryIntervalMs *int64
	MaxRetryLimit   *int
	MessageExpiryMs *int64
	SessionExpiryAt *time.Time
}

// CleanupCounts reports how many records CleanupExpired removed.
type CleanupCounts struct {
	MessagesDeleted int
	SessionsDeleted int
}
