package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/sealedai/relay/tee/enclave"
	"github.com/sealedai/relay/tee/types"
)

func newTestRelay(t *testing.T) *Memory {
	t.Helper()
	rt, err := enclave.New(enclave.Config{Mode: enclave.ModeSimulation, EnclaveID: "test-enclave"})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if err := rt.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize runtime: %v", err)
	}
	r, err := NewMemory("relay-system", rt)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	return r
}

func TestPushAndGet(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	pushed, err := r.Push(ctx, "session-1-key", `{"key":"abc"}`)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !pushed {
		t.Fatalf("expected pushed=true")
	}

	ok, err := r.Exists(ctx, "relay-system", "session-1-key")
	if err != nil || !ok {
		t.Fatalf("exists: ok=%v err=%v", ok, err)
	}

	value, err := r.Get(ctx, "relay-system", "session-1-key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != `{"key":"abc"}` {
		t.Fatalf("unexpected value %q", value)
	}
}

func TestPushIsWriteOnce(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	if _, err := r.Push(ctx, "name", "first"); err != nil {
		t.Fatalf("first push: %v", err)
	}

	pushed, err := r.Push(ctx, "name", "second")
	if pushed {
		t.Fatalf("second push must not succeed")
	}
	if !errors.Is(err, types.ErrSecretExists) {
		t.Fatalf("expected ErrSecretExists, got %v", err)
	}

	value, err := r.Get(ctx, "relay-system", "name")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "first" {
		t.Fatalf("first value was clobbered: %q", value)
	}
}

func TestGetUnknownSecret(t *testing.T) {
	r := newTestRelay(t)

	if _, err := r.Get(context.Background(), "relay-system", "missing"); !errors.Is(err, types.ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}

	ok, err := r.Exists(context.Background(), "other-owner", "missing")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatalf("expected exists=false for unknown owner")
	}
}
