// Package keygen implements the phase-1 TEE task: generate a fresh session
// key inside the enclave, seal the caller's long-lived credential under it,
// hand both to the relay for phase 2, and emit the durable output record the
// coordinator polls for.
package keygen

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	appcrypto "github.com/sealedai/relay/internal/crypto"
	"github.com/sealedai/relay/pkg/logger"
	"github.com/sealedai/relay/tee/types"
)

// Input carries the phase-1 arguments. Credential arrives through the
// one-time secret channel, never through ordinary task arguments.
type Input struct {
	SessionID  string
	Credential string
	ExpiresAt  time.Time
}

// Task is the phase-1 task body.
type Task struct {
	relay types.SecretRelay
	log   *logger.Logger
}

// New constructs the task. The relay is the only channel by which the sealed
// key material reaches phase 2.
func New(relay types.SecretRelay, log *logger.Logger) *Task {
	if log == nil {
		log = logger.NewDefault("keygen-task")
	}
	return &Task{relay: relay, log: log}
}

// Run executes phase 1. It always terminates with a well-formed output
// record - any failure is folded into {success:false, error} because the
// coordinator depends on being able to fetch some result, never a crash.
func (t *Task) Run(ctx context.Context, in Input) types.KeyGenOutput {
	out, err := t.run(ctx, in)
	if err != nil {
		t.log.WithError(err).WithField("session_id", in.SessionID).Warn("key generation failed")
		return types.KeyGenOutput{Success: false, Error: err.Error(), SessionID: in.SessionID}
	}
	return out
}

func (t *Task) run(ctx context.Context, in Input) (types.KeyGenOutput, error) {
	if in.SessionID == "" {
		return types.KeyGenOutput{}, fmt.Errorf("session id is required")
	}
	if in.Credential == "" {
		return types.KeyGenOutput{}, types.ErrMissingCredential
	}

	sessionKey, err := appcrypto.GenerateSessionKey()
	if err != nil {
		return types.KeyGenOutput{}, fmt.Errorf("generate session key: %w", err)
	}

	envelope, err := json.Marshal(types.CredentialEnvelope{
		Credential: in.Credential,
		SessionID:  in.SessionID,
		ExpiresAt:  in.ExpiresAt,
	})
	if err != nil {
		return types.KeyGenOutput{}, fmt.Errorf("encode credential envelope: %w", err)
	}

	ciphertext, err := appcrypto.Encrypt(envelope, sessionKey.Key, sessionKey.Nonce)
	if err != nil {
		return types.KeyGenOutput{}, fmt.Errorf("encrypt credential: %w", err)
	}
	appcrypto.ZeroBytes(envelope)

	encrypted := types.EncryptedCredential{
		Ciphertext: ciphertext,
		Algorithm:  types.AlgorithmAES256CBC,
	}

	if t.relay != nil {
		keyJSON, err := json.Marshal(sessionKey)
		if err != nil {
			return types.KeyGenOutput{}, fmt.Errorf("encode session key: %w", err)
		}
		credJSON, err := json.Marshal(encrypted)
		if err != nil {
			return types.KeyGenOutput{}, fmt.Errorf("encode encrypted credential: %w", err)
		}

		if pushed, err := t.relay.Push(ctx, types.SessionKeySecretName(in.SessionID), string(keyJSON)); err != nil {
			return types.KeyGenOutput{}, fmt.Errorf("push session key: %w", err)
		} else if !pushed {
			return types.KeyGenOutput{}, fmt.Errorf("push session key: %w", types.ErrSecretExists)
		}
		if pushed, err := t.relay.Push(ctx, types.CredentialSecretName(in.SessionID), string(credJSON)); err != nil {
			return types.KeyGenOutput{}, fmt.Errorf("push encrypted credential: %w", err)
		} else if !pushed {
			return types.KeyGenOutput{}, fmt.Errorf("push encrypted credential: %w", types.ErrSecretExists)
		}
	}

	t.log.WithField("session_id", in.SessionID).Info("session key generated")

	return types.KeyGenOutput{
		Success:             true,
		SessionID:           in.SessionID,
		SessionKey:          &sessionKey,
		EncryptedCredential: &encrypted,
		ExpiresAt:           in.ExpiresAt,
		CreatedAt:           sessionKey.CreatedAt,
	}, nil
}
