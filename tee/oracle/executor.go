// Package oracle implements the phase-2 TEE task: recover the session key
// and encrypted credential from the secret channel, decrypt the credential,
// call the upstream AI provider, and re-encrypt the response under the same
// session key with a fresh IV.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	appcrypto "github.com/sealedai/relay/internal/crypto"
	"github.com/sealedai/relay/pkg/logger"
	"github.com/sealedai/relay/tee/types"
)

// Input carries the phase-2 arguments. Prompt, SessionKeyJSON and
// EncryptedCredentialJSON arrive through the one-time secret channel;
// Provider, Model, MaxTokens and Temperature are ordinary arguments.
type Input struct {
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64

	Prompt                  string
	SessionKeyJSON          string
	EncryptedCredentialJSON string
}

// Executor is the phase-2 task body.
type Executor struct {
	providers ProviderResolver
	log       *logger.Logger
}

// New constructs the executor.
func New(providers ProviderResolver, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.NewDefault("oracle-task")
	}
	return &Executor{providers: providers, log: log}
}

// Run executes phase 2. Like phase 1, it always terminates with a
// well-formed output record: every failure becomes {success:false, error}.
func (e *Executor) Run(ctx context.Context, in Input) types.OracleOutput {
	out, err := e.run(ctx, in)
	if err != nil {
		e.log.WithError(err).WithField("provider", in.Provider).Warn("oracle execution failed")
		return types.OracleOutput{
			Success:  false,
			Error:    err.Error(),
			Provider: in.Provider,
			Model:    in.Model,
		}
	}
	return out
}

func (e *Executor) run(ctx context.Context, in Input) (types.OracleOutput, error) {
	sessionKey, err := parseSessionKey(in.SessionKeyJSON)
	if err != nil {
		return types.OracleOutput{}, err
	}
	defer appcrypto.ZeroBytes(sessionKey.Key)

	credential, err := recoverCredential(sessionKey, in.EncryptedCredentialJSON)
	if err != nil {
		// Hard stop: a decrypt failure means corruption or a key/ciphertext
		// mismatch. Retrying cannot help.
		return types.OracleOutput{}, err
	}

	client, err := e.providers.Resolve(in.Provider)
	if err != nil {
		return types.OracleOutput{}, err
	}

	resp, err := client.Chat(ctx, credential, ChatRequest{
		Model:       in.Model,
		Prompt:      in.Prompt,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
	})
	if err != nil {
		return types.OracleOutput{}, err
	}

	payload, err := json.Marshal(types.ResponsePayload{
		Content:   resp.Content,
		ModelUsed: resp.ModelUsed,
		Usage:     resp.Usage,
	})
	if err != nil {
		return types.OracleOutput{}, fmt.Errorf("encode response payload: %w", err)
	}

	// Fresh IV per encryption. Reusing the session nonce here would pair two
	// different plaintexts with the same key/IV, so the IV travels with the
	// ciphertext instead.
	iv, err := appcrypto.GenerateNonce()
	if err != nil {
		return types.OracleOutput{}, fmt.Errorf("generate response iv: %w", err)
	}

	encrypted, err := appcrypto.Encrypt(payload, sessionKey.Key, iv)
	if err != nil {
		return types.OracleOutput{}, fmt.Errorf("encrypt response: %w", err)
	}

	out := types.OracleOutput{
		Success:           true,
		Provider:          in.Provider,
		Model:             resp.ModelUsed,
		EncryptedResponse: encrypted,
		IV:                iv,
		Usage:             resp.Usage,
		Proof: &types.Proof{
			PromptHash:   appcrypto.Fingerprint([]byte(in.Prompt)),
			ResponseHash: appcrypto.Fingerprint(payload),
			Timestamp:    time.Now().UTC(),
		},
		CompletedAt: time.Now().UTC(),
	}
	appcrypto.ZeroBytes(payload)

	e.log.WithField("provider", in.Provider).WithField("model", out.Model).Info("oracle response sealed")
	return out, nil
}

func parseSessionKey(raw string) (types.SessionKey, error) {
	if raw == "" {
		return types.SessionKey{}, types.ErrMalformedSessionKey
	}
	var key types.SessionKey
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return types.SessionKey{}, fmt.Errorf("%w: %v", types.ErrMalformedSessionKey, err)
	}
	if len(key.Key) != appcrypto.KeySize || len(key.Nonce) != appcrypto.NonceSize {
		return types.SessionKey{}, fmt.Errorf("%w: key %d bytes, nonce %d bytes", types.ErrMalformedSessionKey, len(key.Key), len(key.Nonce))
	}
	return key, nil
}

func recoverCredential(sessionKey types.SessionKey, encryptedJSON string) (string, error) {
	if encryptedJSON == "" {
		return "", fmt.Errorf("%w: encrypted credential missing", types.ErrCredentialDecrypt)
	}
	var encrypted types.EncryptedCredential
	if err := json.Unmarshal([]byte(encryptedJSON), &encrypted); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrCredentialDecrypt, err)
	}

	plain, err := appcrypto.Decrypt(encrypted.Ciphertext, sessionKey.Key, sessionKey.Nonce)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrCredentialDecrypt, err)
	}
	defer appcrypto.ZeroBytes(plain)

	var envelope types.CredentialEnvelope
	if err := json.Unmarshal(plain, &envelope); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrCredentialDecrypt, err)
	}
	if envelope.Credential == "" {
		return "", fmt.Errorf("%w: envelope missing credential", types.ErrCredentialDecrypt)
	}
	return envelope.Credential, nil
}
