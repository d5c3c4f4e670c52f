// Package prompt defines the prompt execution aggregate: one confidential
// provider call scoped to an active session.
package prompt

import (
	"time"

	"github.com/sealedai/relay/tee/types"
)

// Status is the prompt lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	// StatusCompleted: encrypted response and proof recorded. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed: phase-2 task failed. Terminal; the error is retained.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the move to next is part of the lifecycle.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Prompt is the coordinator's record of one oracle execution. The prompt
// text itself lives in the relay under PromptSecretName; this record keeps
// only its name, the ciphertext result and the proof.
type Prompt struct {
	ID        string
	SessionID string
	OwnerID   string
	Status    Status

	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64

	// PromptSecretName is the relay binding carrying the prompt plaintext.
	PromptSecretName string

	// EncryptedResponse and IV come from the phase-2 record. The IV always
	// travels with its ciphertext; it is never the session nonce.
	EncryptedResponse []byte
	IV                []byte

	Proof *types.Proof
	Usage types.Usage

	// FailureReason carries the phase-2 error for failed prompts.
	FailureReason string

	TaskID      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}
