package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/sealedai/relay/internal/app/domain/session"
)

func TestSweeperLifecycle(t *testing.T) {
	svc, _ := newHarness(t, Config{})
	w := NewSweeper(svc, "@every 1h", nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Idempotent.
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestSweepSettlesOverdueSessions(t *testing.T) {
	svc, store := newHarness(t, Config{})
	w := NewSweeper(svc, "", nil)

	result, err := svc.Create(context.Background(), CreateInput{
		OwnerID:    "owner-1",
		Provider:   "openai",
		Credential: "sk-test-ABC",
		TTL:        time.Hour,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess := waitForSettled(t, svc, result.Session.ID)

	sess.ExpiresAt = time.Now().Add(-time.Minute)
	if _, err := store.UpdateSession(context.Background(), sess); err != nil {
		t.Fatalf("update: %v", err)
	}

	w.sweep()

	swept, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if swept.Status != session.StatusExpired {
		t.Fatalf("expected expired, got %s", swept.Status)
	}
}
