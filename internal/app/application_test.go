package app

import (
	"context"
	"testing"
	"time"

	"github.com/sealedai/relay/internal/app/domain/session"
	"github.com/sealedai/relay/internal/app/services/sessions"
	"github.com/sealedai/relay/internal/config"
)

func newTestApplication(t *testing.T) *Application {
	t.Helper()

	cfg := config.Default()
	cfg.Engine.Simulated = true
	cfg.Sessions.PhaseTimeout = 5 * time.Second
	cfg.Sessions.RetainKeys = true

	a, err := New(cfg, Stores{}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	return a
}

func TestApplicationLifecycle(t *testing.T) {
	a := newTestApplication(t)

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestApplicationEndToEnd(t *testing.T) {
	a := newTestApplication(t)

	ctx := context.Background()
	result, err := a.Sessions.Create(ctx, sessions.CreateInput{
		OwnerID:    "owner-1",
		Provider:   "openai",
		Credential: "sk-test-ABC",
		TTL:        time.Hour,
		RetainKey:  true,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var sess session.Session
	for {
		sess, err = a.Sessions.Get(ctx, result.Session.ID, "owner-1")
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.Status != session.StatusPending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session stuck pending")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sess.Status != session.StatusActive {
		t.Fatalf("expected active, got %s (%s)", sess.Status, sess.FailureReason)
	}
	if _, err := a.Sessions.ClaimKey(ctx, sess.ID, "owner-1"); err != nil {
		t.Fatalf("claim key: %v", err)
	}
}

func TestNewRejectsUnknownEngineMode(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Mode = "serverless"
	if _, err := New(cfg, Stores{}, nil); err == nil {
		t.Fatalf("expected error for unknown engine mode")
	}
}
