// Package types defines the wire types and interfaces shared by the TEE task
// phases and the coordinator. This is the foundation layer - the exact bytes
// that cross the trust boundary are defined here so both sides stay
// bit-compatible.
//
// Architecture:
//
//	The TEE is the trust root. Session keys are generated inside the enclave,
//	the caller's long-lived credential is encrypted inside the enclave, and
//	the coordinator outside only ever handles ciphertext blobs, relay names
//	and the structured task output records.
package types

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// Core Errors
// =============================================================================

var (
	ErrEnclaveNotReady     = errors.New("enclave not ready")
	ErrMissingCredential   = errors.New("credential is required")
	ErrMalformedSessionKey = errors.New("malformed session key")
	ErrCredentialDecrypt   = errors.New("credential decrypt failed")
	ErrIntegrity           = errors.New("ciphertext integrity or format error")
	ErrTaskTimeout         = errors.New("task await timed out")
	ErrTaskNotFound        = errors.New("task not found")
	ErrSessionNotActive    = errors.New("session is not active")
	ErrKeyClaimed          = errors.New("session key already claimed")
	ErrSessionExpired      = errors.New("session expired")
	ErrSecretExists        = errors.New("secret name already bound")
	ErrSecretNotFound      = errors.New("secret not found")
)

// ProviderAPIError surfaces an upstream AI provider failure. The upstream
// error text is carried verbatim so the caller sees exactly what the
// provider reported.
type ProviderAPIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderAPIError) Error() string {
	if e.Message != "" {
		return "provider " + e.Provider + ": " + e.Message
	}
	return "provider " + e.Provider + ": request failed"
}

// =============================================================================
// Session Key Material
// =============================================================================

// SessionKey is the per-session symmetric key material generated inside the
// enclave. It is immutable after creation and leaves the TEE only through the
// phase-1 task output (caller-bound) and the secret relay (TEE-bound).
type SessionKey struct {
	Key       []byte    `json:"key"`   // 32 bytes
	Nonce     []byte    `json:"nonce"` // 16 bytes
	CreatedAt time.Time `json:"created_at"`
}

// EncryptedCredential is the caller's long-lived API credential sealed under
// a session key. The coordinator stores it as an opaque blob.
type EncryptedCredential struct {
	Ciphertext []byte `json:"ciphertext"`
	Algorithm  string `json:"algorithm"`
}

// AlgorithmAES256CBC identifies the cipher used for credential and response
// envelopes.
const AlgorithmAES256CBC = "AES-256-CBC"

// CredentialEnvelope is the canonical plaintext encrypted in phase 1 and
// decoded in phase 2. The shape is fixed; phase 2 never sniffs alternatives.
type CredentialEnvelope struct {
	Credential string    `json:"credential"`
	SessionID  string    `json:"session_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ResponsePayload is the plaintext re-encrypted by phase 2 under the session
// key. The caller decrypts it locally.
type ResponsePayload struct {
	Content   string `json:"content"`
	ModelUsed string `json:"model_used"`
	Usage     Usage  `json:"usage"`
}

// Usage mirrors the upstream provider's token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// =============================================================================
// Task Output Records
// =============================================================================

// Proof lets the caller confirm after local decryption that what they
// decrypted matches what was hashed inside the enclave, without revealing
// anything to the coordinator.
type Proof struct {
	PromptHash   string    `json:"prompt_hash"`
	ResponseHash string    `json:"response_hash"`
	Timestamp    time.Time `json:"timestamp"`
}

// KeyGenOutput is the durable output record of the phase-1 task. Success or
// not, the task always terminates with a well-formed record; the coordinator
// polls for it.
type KeyGenOutput struct {
	Success             bool                 `json:"success"`
	Error               string               `json:"error,omitempty"`
	SessionID           string               `json:"session_id,omitempty"`
	SessionKey          *SessionKey          `json:"session_key,omitempty"`
	EncryptedCredential *EncryptedCredential `json:"encrypted_credential,omitempty"`
	ExpiresAt           time.Time            `json:"expires_at,omitempty"`
	CreatedAt           time.Time            `json:"created_at,omitempty"`
}

// OracleOutput is the durable output record of the phase-2 task. The response
// IV always travels next to its ciphertext; the session nonce is never reused
// for the response. Usage exposes token counts only - the response text stays
// inside the encrypted payload.
type OracleOutput struct {
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
	Provider          string    `json:"provider,omitempty"`
	Model             string    `json:"model,omitempty"`
	EncryptedResponse []byte    `json:"encrypted_response,omitempty"`
	IV                []byte    `json:"iv,omitempty"`
	Proof             *Proof    `json:"proof,omitempty"`
	Usage             Usage     `json:"usage,omitempty"`
	CompletedAt       time.Time `json:"completed_at,omitempty"`
}

// =============================================================================
// Secret Relay
// =============================================================================

// SecretRelay is the store reachable only from inside a TEE context. Values
// are opaque strings; callers serialize structured values before pushing.
// Names are write-once per identity - a second push of the same name must
// never clobber the first value.
type SecretRelay interface {
	// Push binds value to name under the relay client's own identity.
	// Returns pushed=false (or ErrSecretExists) when the name is taken.
	Push(ctx context.Context, name, value string) (bool, error)

	// Exists reports whether owner has a secret bound under name.
	Exists(ctx context.Context, owner, name string) (bool, error)
}

// SecretSource resolves bound secret values inside a TEE context. The
// coordinator never holds a SecretSource; only task phases do.
type SecretSource interface {
	Get(ctx context.Context, owner, name string) (string, error)
}

// =============================================================================
// Task Execution Platform
// =============================================================================

// TaskRequest describes one TEE execution to dispatch on the external compute
// platform. SecretBindings maps positional argument indices to relay secret
// names; the platform injects the values inside the enclave so they never
// pass through ordinary arguments.
type TaskRequest struct {
	AppID          string         `json:"app_id"`
	Args           []string       `json:"args"`
	SecretBindings map[int]string `json:"secret_bindings,omitempty"`
}

// TaskEngine is the coordinator's view of the compute platform. Dispatch
// starts a task; AwaitResult blocks until the task's output record is
// fetchable or the timeout elapses (ErrTaskTimeout). A timeout does not kill
// the underlying task - a later await can still pick up a late success.
type TaskEngine interface {
	Dispatch(ctx context.Context, req TaskRequest) (string, error)
	AwaitResult(ctx context.Context, taskID string, timeout time.Duration) ([]byte, error)
}
