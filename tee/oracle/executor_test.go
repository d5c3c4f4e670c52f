package oracle

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	appcrypto "github.com/sealedai/relay/internal/crypto"
	"github.com/sealedai/relay/tee/keygen"
	"github.com/sealedai/relay/tee/types"
)

func phaseOneOutput(t *testing.T, credential string) types.KeyGenOutput {
	t.Helper()
	out := keygen.New(nil, nil).Run(context.Background(), keygen.Input{
		SessionID:  "sess-e2e",
		Credential: credential,
		ExpiresAt:  time.Now().Add(time.Hour).UTC(),
	})
	if !out.Success {
		t.Fatalf("phase 1 failed: %q", out.Error)
	}
	return out
}

func marshal(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(raw)
}

func TestRunEndToEnd(t *testing.T) {
	phase1 := phaseOneOutput(t, "sk-test-ABC")

	// recordedProvider asserts the decrypted credential reaches the upstream
	// call unchanged.
	var seenCredential string
	exec := New(resolverFunc(func(name string) (ProviderClient, error) {
		return providerFunc(func(_ context.Context, credential string, req ChatRequest) (*ChatResponse, error) {
			seenCredential = credential
			return (&SimulatedProvider{}).Chat(context.Background(), credential, req)
		}), nil
	}), nil)

	out := exec.Run(context.Background(), Input{
		Provider:                ProviderOpenAI,
		Model:                   "gpt-4o",
		MaxTokens:               128,
		Prompt:                  "ping",
		SessionKeyJSON:          marshal(t, phase1.SessionKey),
		EncryptedCredentialJSON: marshal(t, phase1.EncryptedCredential),
	})

	if !out.Success {
		t.Fatalf("expected success, got %q", out.Error)
	}
	if seenCredential != "sk-test-ABC" {
		t.Fatalf("provider saw credential %q", seenCredential)
	}
	if len(out.IV) != appcrypto.NonceSize {
		t.Fatalf("expected fresh iv in record")
	}
	if string(out.IV) == string(phase1.SessionKey.Nonce) {
		t.Fatalf("response iv must not reuse the session nonce")
	}

	// The caller decrypts locally with the session key it already holds.
	plain, err := appcrypto.Decrypt(out.EncryptedResponse, phase1.SessionKey.Key, out.IV)
	if err != nil {
		t.Fatalf("decrypt response: %v", err)
	}
	var payload types.ResponsePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Content != "simulated response to: ping" {
		t.Fatalf("unexpected content %q", payload.Content)
	}
	if out.Proof == nil {
		t.Fatalf("missing proof")
	}
	if out.Proof.PromptHash != appcrypto.Fingerprint([]byte("ping")) {
		t.Fatalf("prompt hash mismatch")
	}
	if out.Proof.ResponseHash != appcrypto.Fingerprint(plain) {
		t.Fatalf("response hash does not match decrypted payload")
	}
}

func TestRunMalformedSessionKey(t *testing.T) {
	exec := New(simulatedResolver(), nil)

	for name, raw := range map[string]string{
		"absent":      "",
		"not json":    "{not json",
		"short sizes": `{"key":"YWJj","nonce":"YWJj"}`,
	} {
		out := exec.Run(context.Background(), Input{
			Provider:       ProviderOpenAI,
			Prompt:         "ping",
			SessionKeyJSON: raw,
		})
		if out.Success {
			t.Fatalf("%s: expected failure", name)
		}
		if !strings.Contains(out.Error, types.ErrMalformedSessionKey.Error()) {
			t.Fatalf("%s: expected malformed-session-key error, got %q", name, out.Error)
		}
	}
}

func TestRunCredentialDecryptHardStop(t *testing.T) {
	phase1 := phaseOneOutput(t, "sk-test-ABC")
	other := phaseOneOutput(t, "sk-other")

	exec := New(simulatedResolver(), nil)

	// Key/ciphertext mismatch: phase-1 blob from a different session.
	out := exec.Run(context.Background(), Input{
		Provider:                ProviderOpenAI,
		Prompt:                  "ping",
		SessionKeyJSON:          marshal(t, phase1.SessionKey),
		EncryptedCredentialJSON: marshal(t, other.EncryptedCredential),
	})
	if out.Success {
		t.Fatalf("expected failure on key mismatch")
	}
	if !strings.Contains(out.Error, types.ErrCredentialDecrypt.Error()) {
		t.Fatalf("expected credential-decrypt error, got %q", out.Error)
	}
}

func TestRunProviderErrorPassthrough(t *testing.T) {
	phase1 := phaseOneOutput(t, "sk-test-ABC")

	exec := New(resolverFunc(func(string) (ProviderClient, error) {
		return providerFunc(func(context.Context, string, ChatRequest) (*ChatResponse, error) {
			return nil, &types.ProviderAPIError{Provider: ProviderOpenAI, StatusCode: 429, Message: "rate limit exceeded"}
		}), nil
	}), nil)

	out := exec.Run(context.Background(), Input{
		Provider:                ProviderOpenAI,
		Prompt:                  "ping",
		SessionKeyJSON:          marshal(t, phase1.SessionKey),
		EncryptedCredentialJSON: marshal(t, phase1.EncryptedCredential),
	})
	if out.Success {
		t.Fatalf("expected failure record")
	}
	if !strings.Contains(out.Error, "rate limit exceeded") {
		t.Fatalf("upstream error text not carried verbatim: %q", out.Error)
	}
}

// --- helpers ---------------------------------------------------------------

type resolverFunc func(name string) (ProviderClient, error)

func (f resolverFunc) Resolve(name string) (ProviderClient, error) { return f(name) }

type providerFunc func(ctx context.Context, credential string, req ChatRequest) (*ChatResponse, error)

func (f providerFunc) Name() string { return "test" }
func (f providerFunc) Chat(ctx context.Context, credential string, req ChatRequest) (*ChatResponse, error) {
	return f(ctx, credential, req)
}

func simulatedResolver() ProviderResolver {
	return NewRegistry(RegistryConfig{Simulated: true})
}
