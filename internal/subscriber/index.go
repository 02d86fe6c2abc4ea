// Package subscriber implements the Subscriber Index (spec §4.4, "C4"):
// the in-memory session/topic/connection routing table the Publish
// Pipeline and File Stream Router fan out through. It is deliberately
// flat; no wildcard matching; since cross-topic ordering and wildcard
// subscriptions are out of scope.
package subscriber

import "sync"

// Conn is the minimal surface the index needs from a live connection.
// The connection state machine (internal/connstate) satisfies this so
// the index never depends on frame formats or transport details.
type Conn interface {
	ID() string
	Send(frame []byte) error
}

type sessionState struct {
	mu     sync.RWMutex
	topics map[string][]Conn // topic -> subscribers in insertion order
	users  map[string]Conn   // userId -> current connection, present only while online
	known  map[string]struct{}
}

func newSessionState() *sessionState {
	return &sessionState{
		topics: make(map[string][]Conn),
		users:  make(map[string]Conn),
		known:  make(map[string]struct{}),
	}
}

// Index is the C4 Subscriber Index. All mutation methods are serialized
// per session (spec §5); SubscribersOf returns a snapshot slice so
// fan-out never holds the lock during sends.
type Index struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
}

func New() *Index {
	return &Index{sessions: make(map[string]*sessionState)}
}

func (idx *Index) stateFor(session string) *sessionState {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.sessions[session]
	if !ok {
		s = newSessionState()
		idx.sessions[session] = s
	}
	return s
}

// Subscribe adds conn to (session, topic), appended after any existing
// subscriber (insertion-order tie-break, spec §4.4). Re-subscribing the
// same connection to the same topic is a no-op.
func (idx *Index) Subscribe(session, topic string, conn Conn) {
	s := idx.stateFor(session)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.topics[topic] {
		if c.ID() == conn.ID() {
			return
		}
	}
	s.topics[topic] = append(s.topics[topic], conn)
}

// Unsubscribe removes conn from (session, topic). No-op if absent.
func (idx *Index) Unsubscribe(session, topic string, conn Conn) {
	s := idx.stateFor(session)
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.topics[topic]
	for i, c := range subs {
		if c.ID() == conn.ID() {
			s.topics[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.topics[topic]) == 0 {
		delete(s.topics, topic)
	}
}

// SubscribersOf returns a stable snapshot of the current subscribers of
// (session, topic), in insertion order. Callers own the returned slice.
func (idx *Index) SubscribersOf(session, topic string) []Conn {
	s := idx.stateFor(session)
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := s.topics[topic]
	out := make([]Conn, len(subs))
	copy(out, subs)
	return out
}

// RegisterUser binds userId to conn for offline-detection purposes.
// A later connection for the same user replaces the earlier binding.
// The userId is remembered as "known" to the session even after it
// later goes offline, so the offline-notifier hook has a roster to walk.
func (idx *Index) RegisterUser(session, userID string, conn Conn) {
	s := idx.stateFor(session)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = conn
	s.known[userID] = struct{}{}
}

// UnregisterUser removes the binding, but only if conn is still the
// currently bound connection; a stale close from a superseded
// connection must not evict a newer one.
func (idx *Index) UnregisterUser(session, userID string, conn Conn) {
	s := idx.stateFor(session)
	s.mu.Lock()
	defer s.mu.Unlock()
	if bound, ok := s.users[userID]; ok && bound.ID() == conn.ID() {
		delete(s.users, userID)
	}
}

// IsOnline reports whether userId currently has a bound connection.
func (idx *Index) IsOnline(session, userID string) bool {
	s := idx.stateFor(session)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok
}

// OfflineUsers returns every userId ever registered to session that is
// not currently online, for the Publish Pipeline's offline-notifier hook
// (spec §4.7 step 4: "userId bound in C4 to session ∧ ¬online").
func (idx *Index) OfflineUsers(session string) []string {
	s := idx.stateFor(session)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for userID := range s.known {
		if _, online := s.users[userID]; !online {
			out = append(out, userID)
		}
	}
	return out
}

// RemoveConnection drops conn from every topic and user binding it
// holds within session. Called once per owned subscription/user during
// connection close is also valid; this is the bulk convenience used by
// the connection state machine's Closing->Closed transition.
func (idx *Index) RemoveConnection(session string, conn Conn, topics []string) {
	s := idx.stateFor(session)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		subs := s.topics[topic]
		for i, c := range subs {
			if c.ID() == conn.ID() {
				s.topics[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(s.topics[topic]) == 0 {
			delete(s.topics, topic)
		}
	}
	for userID, c := range s.users {
		if c.ID() == conn.ID() {
			delete(s.users, userID)
		}
	}
}

// DropSession discards all routing state for session, used when C3
// drops a tenant. Existing connections must be closed by the caller
// separately; this only clears the index.
func (idx *Index) DropSession(session string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.sessions, session)
}
