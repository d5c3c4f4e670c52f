package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sealedai/relay/internal/app/domain/prompt"
	"github.com/sealedai/relay/internal/app/domain/session"
	"github.com/sealedai/relay/internal/app/services/sessions"
	"github.com/sealedai/relay/internal/app/storage/memory"
	appcrypto "github.com/sealedai/relay/internal/crypto"
	"github.com/sealedai/relay/tee/enclave"
	"github.com/sealedai/relay/tee/engine"
	"github.com/sealedai/relay/tee/keygen"
	teeoracle "github.com/sealedai/relay/tee/oracle"
	"github.com/sealedai/relay/tee/relay"
	"github.com/sealedai/relay/tee/types"
)

type harness struct {
	sessions *sessions.Service
	oracle   *Service
	store    *memory.Store
	relay    *relay.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	rt, err := enclave.New(enclave.Config{Mode: enclave.ModeSimulation, EnclaveID: "oracle-svc-test"})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if err := rt.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize runtime: %v", err)
	}
	r, err := relay.NewMemory("relay-system", rt)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	eng, err := engine.NewLocal(engine.LocalConfig{
		KeyGen: keygen.New(r, nil),
		Oracle: teeoracle.New(teeoracle.NewRegistry(teeoracle.RegistryConfig{Simulated: true}), nil),
		Source: r,
		Owner:  r.Identity(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	store := memory.New()
	sessionSvc, err := sessions.New(sessions.Config{
		Store:        store,
		Engine:       eng,
		Relay:        r,
		PhaseTimeout: 5 * time.Second,
		RetainKeys:   true,
	})
	if err != nil {
		t.Fatalf("new sessions service: %v", err)
	}
	oracleSvc, err := New(Config{
		Sessions:     store,
		Prompts:      store,
		Engine:       eng,
		Relay:        r,
		PhaseTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new oracle service: %v", err)
	}
	return &harness{sessions: sessionSvc, oracle: oracleSvc, store: store, relay: r}
}

// activeSession creates a session and waits for activation. The retained key
// lets tests decrypt responses the way a real caller would with their copy.
func (h *harness) activeSession(t *testing.T) session.Session {
	t.Helper()

	result, err := h.sessions.Create(context.Background(), sessions.CreateInput{
		OwnerID:    "owner-1",
		Provider:   teeoracle.ProviderSimulated,
		Credential: "sk-test-ABC",
		TTL:        time.Hour,
		RetainKey:  true,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		sess, err := h.sessions.Get(context.Background(), result.Session.ID, "")
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.Status == session.StatusActive {
			return sess
		}
		if sess.Status != session.StatusPending {
			t.Fatalf("session settled as %s (%s)", sess.Status, sess.FailureReason)
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never activated")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitCompletesAndResponseDecrypts(t *testing.T) {
	h := newHarness(t)
	sess := h.activeSession(t)

	p, err := h.oracle.Submit(context.Background(), SubmitInput{
		SessionID: sess.ID,
		OwnerID:   "owner-1",
		Prompt:    "what is the weather",
		Model:     "sim-1",
		MaxTokens: 64,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p.Status != prompt.StatusProcessing {
		t.Fatalf("submitted prompt should be processing, got %s", p.Status)
	}

	done, err := h.oracle.Await(context.Background(), p.ID, "owner-1", 5*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if done.Status != prompt.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.FailureReason)
	}
	if len(done.IV) != appcrypto.NonceSize {
		t.Fatalf("completed prompt must carry the response iv")
	}
	if string(done.IV) == string(sess.RetainedKey.Nonce) {
		t.Fatalf("response iv must not reuse the session nonce")
	}

	plain, err := appcrypto.Decrypt(done.EncryptedResponse, sess.RetainedKey.Key, done.IV)
	if err != nil {
		t.Fatalf("decrypt response: %v", err)
	}
	var payload types.ResponsePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Content != "simulated response to: what is the weather" {
		t.Fatalf("unexpected content %q", payload.Content)
	}

	if done.Proof == nil {
		t.Fatalf("missing proof")
	}
	if done.Proof.ResponseHash != appcrypto.Fingerprint(plain) {
		t.Fatalf("proof does not match decrypted payload")
	}

	usage, err := h.oracle.SessionUsage(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.TotalTokens == 0 {
		t.Fatalf("completed prompt should contribute usage")
	}
}

func TestSubmitRejectsExpiredSessionBeforeSweep(t *testing.T) {
	h := newHarness(t)
	sess := h.activeSession(t)

	// Back-date the expiry without running the sweep: the submit-time check
	// alone must reject.
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	if _, err := h.store.UpdateSession(context.Background(), sess); err != nil {
		t.Fatalf("update: %v", err)
	}

	_, err := h.oracle.Submit(context.Background(), SubmitInput{
		SessionID: sess.ID,
		OwnerID:   "owner-1",
		Prompt:    "ping",
	})
	if !errors.Is(err, types.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestSubmitRejectsNonActiveSession(t *testing.T) {
	h := newHarness(t)
	sess := h.activeSession(t)

	if _, err := h.sessions.Revoke(context.Background(), sess.ID, "owner-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	_, err := h.oracle.Submit(context.Background(), SubmitInput{
		SessionID: sess.ID,
		OwnerID:   "owner-1",
		Prompt:    "ping",
	})
	if !errors.Is(err, types.ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}
}

func TestSubmitFailureRetainsReason(t *testing.T) {
	h := newHarness(t)
	sess := h.activeSession(t)

	// Point the session at an unbound credential secret: phase 2 cannot
	// resolve it and must settle the prompt as failed.
	sess.CredentialSecretName = "session/" + sess.ID + "/missing"
	if _, err := h.store.UpdateSession(context.Background(), sess); err != nil {
		t.Fatalf("update: %v", err)
	}

	p, err := h.oracle.Submit(context.Background(), SubmitInput{
		SessionID: sess.ID,
		OwnerID:   "owner-1",
		Prompt:    "ping",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done, err := h.oracle.Await(context.Background(), p.ID, "owner-1", 5*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if done.Status != prompt.StatusFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if !strings.Contains(done.FailureReason, "missing") {
		t.Fatalf("failure reason not retained: %q", done.FailureReason)
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	h := newHarness(t)
	sess := h.activeSession(t)

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := h.oracle.Submit(context.Background(), SubmitInput{
				SessionID: sess.ID,
				OwnerID:   "owner-1",
				Prompt:    fmt.Sprintf("prompt %d", i),
			})
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = p.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("submit %d: %v", i, errs[i])
		}
		done, err := h.oracle.Await(context.Background(), ids[i], "owner-1", 5*time.Second)
		if err != nil {
			t.Fatalf("await %d: %v", i, err)
		}
		if done.Status != prompt.StatusCompleted {
			t.Fatalf("prompt %d settled as %s (%s)", i, done.Status, done.FailureReason)
		}
	}

	list, err := h.oracle.List(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != n {
		t.Fatalf("expected %d prompts, got %d", n, len(list))
	}
}

func TestAwaitTimeoutLeavesPromptProcessing(t *testing.T) {
	h := newHarness(t)
	sess := h.activeSession(t)

	eng := &lateEngine{}
	svc, err := New(Config{
		Sessions:     h.store,
		Prompts:      h.store,
		Engine:       eng,
		Relay:        h.relay,
		PhaseTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	p, err := svc.Submit(context.Background(), SubmitInput{
		SessionID: sess.ID,
		OwnerID:   "owner-1",
		Prompt:    "slow question",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Several await rounds elapse without a record. The prompt must not
	// settle; the task may still be running.
	time.Sleep(200 * time.Millisecond)
	got, err := svc.Get(context.Background(), p.ID, "owner-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != prompt.StatusProcessing {
		t.Fatalf("timed-out await must leave the prompt processing, got %s (%s)", got.Status, got.FailureReason)
	}

	// A late success record still completes the prompt.
	record, _ := json.Marshal(types.OracleOutput{
		Success:           true,
		Provider:          sess.Provider,
		Model:             "sim-1",
		EncryptedResponse: []byte("ciphertext"),
		IV:                bytes.Repeat([]byte{0x33}, 16),
		Proof:             &types.Proof{PromptHash: "p", ResponseHash: "r", Timestamp: time.Now().UTC()},
		Usage:             types.Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8},
		CompletedAt:       time.Now().UTC(),
	})
	eng.deliver(record)

	done, err := svc.Await(context.Background(), p.ID, "owner-1", 5*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if done.Status != prompt.StatusCompleted {
		t.Fatalf("late record should complete the prompt, got %s (%s)", done.Status, done.FailureReason)
	}
	if done.Usage.TotalTokens != 8 {
		t.Fatalf("late usage not recorded: %+v", done.Usage)
	}
}

func TestDispatchFailureRecordsFailedPrompt(t *testing.T) {
	h := newHarness(t)
	sess := h.activeSession(t)

	svc, err := New(Config{
		Sessions:     h.store,
		Prompts:      h.store,
		Engine:       dispatchErrorEngine{},
		Relay:        h.relay,
		PhaseTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if _, err := svc.Submit(context.Background(), SubmitInput{
		SessionID: sess.ID,
		OwnerID:   "owner-1",
		Prompt:    "ping",
	}); err == nil {
		t.Fatalf("dispatch failure must surface")
	}

	// The record was registered before the dispatch and settles as failed
	// rather than vanishing.
	list, err := svc.List(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected the failed prompt to be registered, got %d", len(list))
	}
	if list[0].Status != prompt.StatusFailed {
		t.Fatalf("expected failed, got %s", list[0].Status)
	}
	if !strings.Contains(list[0].FailureReason, "compute platform unavailable") {
		t.Fatalf("failure reason not retained: %q", list[0].FailureReason)
	}
}

// lateEngine dispatches instantly but has no record until one is delivered,
// mirroring a platform task that outlives the await window.
type lateEngine struct {
	mu     sync.Mutex
	record []byte
}

func (e *lateEngine) Dispatch(_ context.Context, _ types.TaskRequest) (string, error) {
	return "task-late", nil
}

func (e *lateEngine) AwaitResult(ctx context.Context, _ string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		record := e.record
		e.mu.Unlock()
		if record != nil {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("engine: task-late after %s: %w", timeout, types.ErrTaskTimeout)
}

func (e *lateEngine) deliver(record []byte) {
	e.mu.Lock()
	e.record = record
	e.mu.Unlock()
}

// dispatchErrorEngine rejects every dispatch, as an unreachable platform
// would.
type dispatchErrorEngine struct{}

func (dispatchErrorEngine) Dispatch(_ context.Context, _ types.TaskRequest) (string, error) {
	return "", errors.New("compute platform unavailable")
}

func (dispatchErrorEngine) AwaitResult(_ context.Context, _ string, _ time.Duration) ([]byte, error) {
	return nil, types.ErrTaskNotFound
}
