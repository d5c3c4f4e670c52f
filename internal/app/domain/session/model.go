// Package session defines the confidential session aggregate: one TEE-minted
// key scoped to one caller credential with a fixed expiry.
package session

import (
	"time"

	"github.com/sealedai/relay/tee/types"
)

// Status is the session lifecycle state.
type Status string

const (
	// StatusPending: phase-1 key generation dispatched, not yet confirmed.
	StatusPending Status = "pending"
	// StatusActive: key material bound in the relay, prompts accepted.
	StatusActive Status = "active"
	// StatusExpired: lifetime elapsed. Terminal.
	StatusExpired Status = "expired"
	// StatusRevoked: explicitly revoked by the owner. Terminal.
	StatusRevoked Status = "revoked"
	// StatusFailed: phase-1 task failed. Terminal; the error is retained.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusExpired || s == StatusRevoked || s == StatusFailed
}

// CanTransition reports whether the move to next is part of the lifecycle.
// pending fans out to active or failed; active ends in revoked or expired.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusFailed
	case StatusActive:
		return next == StatusRevoked || next == StatusExpired
	default:
		return false
	}
}

// Session is the coordinator's record of one confidential session. It holds
// relay names and opaque ciphertext only; plaintext key material never
// touches this struct unless key retention was explicitly requested.
type Session struct {
	ID        string
	OwnerID   string
	Provider  string
	Status    Status
	ExpiresAt time.Time

	// KeySecretName and CredentialSecretName are the relay bindings phase 2
	// consumes. The coordinator stores the names, never the values.
	KeySecretName        string
	CredentialSecretName string

	// EncryptedCredential is the opaque blob from the phase-1 record.
	EncryptedCredential *types.EncryptedCredential

	// RetainedKey is populated only when the owner opted into server-side
	// key retention at creation time. Default deployments leave it nil and
	// the key exists solely in the caller's hands and the relay.
	RetainedKey *types.SessionKey

	// FailureReason carries the phase-1 error for failed sessions.
	FailureReason string

	TaskID      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ActivatedAt *time.Time
}

// ExpiredAt reports whether the session's lifetime has elapsed at t. Pending
// sessions also expire; activation cannot resurrect an overdue key.
func (s *Session) ExpiredAt(t time.Time) bool {
	return !s.ExpiresAt.IsZero() && !t.Before(s.ExpiresAt)
}

// AcceptsPrompts reports whether a prompt may be submitted at t. This is the
// submit-time check; it never waits for the periodic sweep to catch up.
func (s *Session) AcceptsPrompts(t time.Time) bool {
	return s.Status == StatusActive && !s.ExpiredAt(t)
}
