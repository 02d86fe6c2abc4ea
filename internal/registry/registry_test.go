package registry

import (
	"context"
	"testing"

	"github.com/fastport-dev/fastport-broker/internal/storage"
)

func newTestRegistry() *Registry {
	return New(storage.NewMemStore())
}

func TestCreateSessionGeneratesSecretKey(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	created, err := r.CreateSession(ctx, "acme", "pw", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.SecretKey == "" || len(created.SecretKey) != secretKeyBytes*2 {
		t.Fatalf("SecretKey = %q, want %d hex chars", created.SecretKey, secretKeyBytes*2)
	}
}

func TestCreateSessionDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	if _, err := r.CreateSession(ctx, "acme", "pw", CreateOptions{}); err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}
	if _, err := r.CreateSession(ctx, "acme", "other", CreateOptions{}); err != storage.ErrAlreadyExists {
		t.Fatalf("duplicate CreateSession err = %v, want ErrAlreadyExists", err)
	}
}

func TestValidateInitWrongPassword(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	if _, err := r.CreateSession(ctx, "acme", "pw", CreateOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := r.ValidateInit(ctx, "acme", "wrong"); err != ErrAuth {
		t.Fatalf("ValidateInit(wrong pw) err = %v, want ErrAuth", err)
	}
}

func TestValidateInitUnknownSession(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.ValidateInit(context.Background(), "nope", "pw"); err != storage.ErrNotFound {
		t.Fatalf("ValidateInit(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestValidateInitSuspended(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	created, err := r.CreateSession(ctx, "acme", "pw", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := r.SuspendSession(ctx, "acme", "pw", created.SecretKey, true); err != nil {
		t.Fatalf("SuspendSession: %v", err)
	}

	sess, err := r.ValidateInit(ctx, "acme", "pw")
	if err != ErrSuspended {
		t.Fatalf("ValidateInit(suspended) err = %v, want ErrSuspended", err)
	}
	if sess == nil || !sess.Suspended {
		t.Fatal("expected session record with Suspended=true even on ErrSuspended")
	}
}

func TestSuspendSessionWrongSecretKey(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	if _, err := r.CreateSession(ctx, "acme", "pw", CreateOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := r.SuspendSession(ctx, "acme", "pw", "wrong-key", true); err != ErrAuth {
		t.Fatalf("SuspendSession(wrong key) err = %v, want ErrAuth", err)
	}
}

func TestDeleteSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	created, err := r.CreateSession(ctx, "acme", "pw", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := r.DeleteSession(ctx, "acme", "pw", created.SecretKey); err != nil {
		t.Fatalf("first DeleteSession: %v", err)
	}
	if err := r.DeleteSession(ctx, "acme", "pw", created.SecretKey); err != nil {
		t.Fatalf("second DeleteSession (idempotent) err = %v, want nil", err)
	}
}

func TestDeleteSessionWrongCredentials(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	if _, err := r.CreateSession(ctx, "acme", "pw", CreateOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := r.DeleteSession(ctx, "acme", "pw", "wrong-key"); err != ErrAuth {
		t.Fatalf("DeleteSession(wrong key) err = %v, want ErrAuth", err)
	}
}

func TestListSessionsWithholdsCredentials(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	if _, err := r.CreateSession(ctx, "acme", "pw", CreateOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sessions, err := r.ListSessions(ctx, func(ctx context.Context) ([]storage.Session, error) {
		return []storage.Session{{SessionName: "acme", Password: "pw", SecretKey: "sk"}}, nil
	})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Password != "" || sessions[0].SecretKey != "" {
		t.Fatalf("ListSessions leaked credentials: %+v", sessions)
	}
}
