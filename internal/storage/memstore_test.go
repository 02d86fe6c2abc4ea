package storage

import (
	"context"
	"testing"
	"time"
)

func TestMemStoreCreateSessionDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	if err := s.CreateSession(ctx, Session{SessionName: "s1"}); err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}
	if err := s.CreateSession(ctx, Session{SessionName: "s1"}); err != ErrAlreadyExists {
		t.Fatalf("duplicate CreateSession err = %v, want ErrAlreadyExists", err)
	}
}

func TestMemStoreGetSessionMissingReturnsNil(t *testing.T) {
	s := NewMemStore()
	got, err := s.GetSession(context.Background(), "nope")
	if err != nil || got != nil {
		t.Fatalf("GetSession(missing) = %v, %v; want nil, nil", got, err)
	}
}

func TestMemStoreUpdateSessionNotFound(t *testing.T) {
	s := NewMemStore()
	suspend := true
	err := s.UpdateSession(context.Background(), "nope", SessionPatch{Suspended: &suspend})
	if err != ErrNotFound {
		t.Fatalf("UpdateSession(missing) err = %v, want ErrNotFound", err)
	}
}

func TestMemStoreDeleteSessionRemovesMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.CreateSession(ctx, Session{SessionName: "s1"})
	_ = s.SaveMessage(ctx, Message{MessageID: "m1", SessionName: "s1"})
	_ = s.SaveMessage(ctx, Message{MessageID: "m2", SessionName: "other"})

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if got, _ := s.GetMessage(ctx, "m1"); got != nil {
		t.Fatal("message m1 should have been deleted with its session")
	}
	if got, _ := s.GetMessage(ctx, "m2"); got == nil {
		t.Fatal("message m2 belongs to another session and should survive")
	}
}

func TestMemStoreCleanupExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	_ = s.CreateSession(ctx, Session{SessionName: "expired", SessionExpiryAt: &past})
	_ = s.CreateSession(ctx, Session{SessionName: "alive", SessionExpiryAt: &future})
	_ = s.SaveMessage(ctx, Message{MessageID: "m1", SessionName: "alive", ExpiryAt: &past})
	_ = s.SaveMessage(ctx, Message{MessageID: "m2", SessionName: "alive", ExpiryAt: &future})

	counts, err := s.CleanupExpired(ctx, now)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if counts.SessionsDeleted != 1 {
		t.Errorf("SessionsDeleted = %d, want 1", counts.SessionsDeleted)
	}
	if counts.MessagesDeleted != 1 {
		t.Errorf("MessagesDeleted = %d, want 1", counts.MessagesDeleted)
	}

	if got, _ := s.GetSession(ctx, "expired"); got != nil {
		t.Error("expired session should be gone")
	}
	if got, _ := s.GetSession(ctx, "alive"); got == nil {
		t.Error("alive session should remain")
	}
	if got, _ := s.GetMessage(ctx, "m1"); got != nil {
		t.Error("expired message should be gone")
	}
	if got, _ := s.GetMessage(ctx, "m2"); got == nil {
		t.Error("live message should remain")
	}
}

func TestMemStoreListSessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.CreateSession(ctx, Session{SessionName: "s1"})
	_ = s.CreateSession(ctx, Session{SessionName: "s2"})

	got, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListSessions returned %d sessions, want 2", len(got))
	}
}

func TestMemStoreDeviceTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tok := DeviceToken{SessionName: "s1", UserID: "u1", DeviceID: "d1", Token: "abc"}
	if err := s.SaveDeviceToken(ctx, tok); err != nil {
		t.Fatalf("SaveDeviceToken: %v", err)
	}

	got, err := s.GetDeviceTokens(ctx, "s1", "u1")
	if err != nil || len(got) != 1 || got[0].Token != "abc" {
		t.Fatalf("GetDeviceTokens = %v, %v", got, err)
	}

	if err := s.DeleteDeviceToken(ctx, "s1", "u1", "d1"); err != nil {
		t.Fatalf("DeleteDeviceToken: %v", err)
	}
	got, _ = s.GetDeviceTokens(ctx, "s1", "u1")
	if len(got) != 0 {
		t.Fatalf("GetDeviceTokens after delete = %v, want empty", got)
	}
}
