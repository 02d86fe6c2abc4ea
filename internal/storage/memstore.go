package storage

import (
	"context"
	"sync"
	"time"

	"github.com/fastport-dev/fastport-broker/internal/logger"
)

// MemStore is the in-memory Store backend: no durability across restarts,
// suitable for tests and single-instance deployments that accept losing
// in-flight state on crash. Adapted from the teacher's map+mutex
// memory_store.go shape, generalized from a single client-session map to
// the full session/message/device-token surface of the storage port.
type MemStore struct {
	mu            sync.RWMutex
	sessions      map[string]Session
	messages      map[string]Message
	deviceTokens  map[string]map[string]DeviceToken // session|userId|deviceId -> token
}

func NewMemStore() *MemStore {
	return &MemStore{
		sessions:     make(map[string]Session),
		messages:     make(map[string]Message),
		deviceTokens: make(map[string]map[string]DeviceToken),
	}
}

func (m *MemStore) Init(_ context.Context) error  { return nil }
func (m *MemStore) Close(_ context.Context) error { return nil }

func (m *MemStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionName]; ok {
		return ErrAlreadyExists
	}
	m.sessions[s.SessionName] = s
	return nil
}

func (m *MemStore) GetSession(_ context.Context, name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	if !ok {
		return nil, nil
	}
	cp := s
	return &cp, nil
}

func (m *MemStore) UpdateSession(_ context.Context, name string, patch SessionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		return ErrNotFound
	}
	if patch.Suspended != nil {
		s.Suspended = *patch.Suspended
	}
	if patch.RetryIntervalMs != nil {
		s.RetryIntervalMs = *patch.RetryIntervalMs
	}
	if patch.MaxRetryLimit != nil {
		s.MaxRetryLimit = *patch.MaxRetryLimit
	}
	if patch.MessageExpiryMs != nil {
		s.MessageExpiryMs = patch.MessageExpiryMs
	}
	if patch.SessionExpiryAt != nil {
		s.SessionExpiryAt = patch.SessionExpiryAt
	}
	m.sessions[name] = s
	return nil
}

func (m *MemStore) DeleteSession(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, name)
	for id, msg := range m.messages {
		if msg.SessionName == name {
			delete(m.messages, id)
		}
	}
	return nil
}

func (m *MemStore) ListSessions(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (m *MemStore) SaveMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.MessageID] = msg
	return nil
}

func (m *MemStore) GetMessage(_ context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, nil
	}
	cp := msg
	return &cp, nil
}

func (m *MemStore) RemoveMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
	return nil
}

func (m *MemStore) ListPendingMessages(_ context.Context, session string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.SessionName == session {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *MemStore) CleanupExpired(_ context.Context, now time.Time) (CleanupCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var counts CleanupCounts
	for id, msg := range m.messages {
		if msg.ExpiryAt != nil && msg.ExpiryAt.Before(now) {
			delete(m.messages, id)
			counts.MessagesDeleted++
		}
	}

	for name, s := range m.sessions {
		if s.SessionExpiryAt != nil && s.SessionExpiryAt.Before(now) {
			delete(m.sessions, name)
			counts.SessionsDeleted++
			for id, msg := range m.messages {
				if msg.SessionName == name {
					delete(m.messages, id)
					counts.MessagesDeleted++
				}
			}
		}
	}

	if counts.MessagesDeleted > 0 || counts.SessionsDeleted > 0 {
		logger.DebugF("cleanup swept %d messages, %d sessions", counts.MessagesDeleted, counts.SessionsDeleted)
	}
	return counts, nil
}

func (m *MemStore) SaveDeviceToken(_ context.Context, t DeviceToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.deviceTokens[t.SessionName+"|"+t.UserID]
	if !ok {
		bucket = make(map[string]DeviceToken)
		m.deviceTokens[t.SessionName+"|"+t.UserID] = bucket
	}
	bucket[t.DeviceID] = t
	return nil
}

func (m *MemStore) GetDeviceTokens(_ context.Context, session, userID string) ([]DeviceToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.deviceTokens[session+"|"+userID]
	out := make([]DeviceToken, 0, len(bucket))
	for _, t := range bucket {
		out = append(out, t)
	}
	return out, nil
}

func (m *MemStore) DeleteDeviceToken(_ context.Context, session, userID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.deviceTokens[session+"|"+userID]
	delete(bucket, deviceID)
	return nil
}

var _ Store = (*MemStore)(nil)
