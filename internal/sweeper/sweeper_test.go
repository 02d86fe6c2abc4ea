package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/fastport-dev/fastport-broker/internal/registry"
	"github.com/fastport-dev/fastport-broker/internal/storage"
)

func TestRunRemovesExpiredSessionOnTick(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	reg := registry.New(store)

	past := time.Now().Add(-time.Hour)
	if _, err := reg.CreateSession(ctx, "s1", "pw", registry.CreateOptions{SessionExpiryAt: &past}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	s := New(store, 10*time.Millisecond)
	go s.Run()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Invoke(stopCtx)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sess, err := store.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if sess == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expired session was not swept within deadline")
}

func TestInvokeStopsTicker(t *testing.T) {
	store := storage.NewMemStore()
	s := New(store, time.Hour)
	go s.Run()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Invoke(ctx); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
}
