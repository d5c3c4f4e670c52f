package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sealedai/relay/internal/app/domain/prompt"
	"github.com/sealedai/relay/internal/app/domain/session"
	"github.com/sealedai/relay/internal/app/storage"
	"github.com/sealedai/relay/tee/types"
)

func TestSessionTransitionGuard(t *testing.T) {
	store := New()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, session.Session{
		OwnerID:   "owner-1",
		Provider:  "openai",
		Status:    session.StatusPending,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sess.Status = session.StatusActive
	active, err := store.TransitionSession(ctx, sess, session.StatusPending)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if active.Status != session.StatusActive {
		t.Fatalf("unexpected status %s", active.Status)
	}

	// A second pending->active transition must lose.
	if _, err := store.TransitionSession(ctx, sess, session.StatusPending); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	active.Status = session.StatusRevoked
	if _, err := store.TransitionSession(ctx, active, session.StatusActive); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// Terminal states stay put: a racing expiry sweep must not clobber.
	expired := active
	expired.Status = session.StatusExpired
	if _, err := store.TransitionSession(ctx, expired, session.StatusActive); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict on terminal state, got %v", err)
	}
}

func TestSessionCloneIsolation(t *testing.T) {
	store := New()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, session.Session{
		Status: session.StatusPending,
		EncryptedCredential: &types.EncryptedCredential{
			Ciphertext: []byte{1, 2, 3},
			Algorithm:  types.AlgorithmAES256CBC,
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Mutating the returned copy must not leak into stored state.
	sess.EncryptedCredential.Ciphertext[0] = 99

	stored, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.EncryptedCredential.Ciphertext[0] != 1 {
		t.Fatalf("stored ciphertext aliased by caller mutation")
	}
}

func TestListSessionsByStatus(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, status := range []session.Status{session.StatusActive, session.StatusActive, session.StatusPending} {
		if _, err := store.CreateSession(ctx, session.Session{Status: status}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	active, err := store.ListSessionsByStatus(ctx, session.StatusActive)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(active))
	}
}

func TestPromptLifecycleAndUsage(t *testing.T) {
	store := New()
	ctx := context.Background()

	p, err := store.CreatePrompt(ctx, prompt.Prompt{
		SessionID: "sess-1",
		Status:    prompt.StatusPending,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	p.Status = prompt.StatusProcessing
	if p, err = store.TransitionPrompt(ctx, p, prompt.StatusPending); err != nil {
		t.Fatalf("processing: %v", err)
	}

	p.Status = prompt.StatusCompleted
	p.Usage = types.Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8}
	if _, err = store.TransitionPrompt(ctx, p, prompt.StatusProcessing); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A failed prompt in the same session contributes nothing.
	failed, err := store.CreatePrompt(ctx, prompt.Prompt{SessionID: "sess-1", Status: prompt.StatusPending})
	if err != nil {
		t.Fatalf("create failed prompt: %v", err)
	}
	failed.Status = prompt.StatusFailed
	failed.Usage = types.Usage{TotalTokens: 100}
	if _, err := store.TransitionPrompt(ctx, failed, prompt.StatusPending); err != nil {
		t.Fatalf("fail: %v", err)
	}

	total, err := store.AggregateUsage(ctx, "sess-1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if total.TotalTokens != 8 || total.PromptTokens != 3 || total.CompletionTokens != 5 {
		t.Fatalf("unexpected usage %+v", total)
	}
}

func TestGetUnknown(t *testing.T) {
	store := New()
	if _, err := store.GetSession(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetPrompt(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
