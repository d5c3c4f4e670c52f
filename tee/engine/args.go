// Package engine runs the TEE task phases. The coordinator only sees the
// types.TaskEngine interface; behind it sits either the in-process Local
// engine (simulation mode, tests) or the Platform HTTP client that dispatches
// onto the external confidential-compute platform.
package engine

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sealedai/relay/tee/keygen"
	"github.com/sealedai/relay/tee/oracle"
	"github.com/sealedai/relay/tee/types"
)

// Application identifiers for the two task phases.
const (
	AppKeyGen = "oracle-keygen"
	AppOracle = "oracle-executor"
)

// Positional argument layout for the keygen phase. The credential slot is
// always filled through a secret binding, never through a literal argument.
const (
	keygenArgSessionID = iota
	keygenArgCredential
	keygenArgExpiresAt
	keygenArgCount
)

// Positional argument layout for the oracle phase. Prompt, session key and
// encrypted credential are secret-bound.
const (
	oracleArgProvider = iota
	oracleArgModel
	oracleArgMaxTokens
	oracleArgTemperature
	oracleArgPrompt
	oracleArgSessionKey
	oracleArgCredential
	oracleArgCount
)

// KeyGenRequest builds the phase-1 dispatch request. credentialSecret is the
// relay name the caller's credential was bound under.
func KeyGenRequest(sessionID string, expiresAt time.Time, credentialSecret string) types.TaskRequest {
	args := make([]string, keygenArgCount)
	args[keygenArgSessionID] = sessionID
	args[keygenArgExpiresAt] = expiresAt.UTC().Format(time.RFC3339)
	return types.TaskRequest{
		AppID: AppKeyGen,
		Args:  args,
		SecretBindings: map[int]string{
			keygenArgCredential: credentialSecret,
		},
	}
}

// OracleParams names the phase-2 dispatch inputs.
type OracleParams struct {
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64

	PromptSecret     string
	SessionKeySecret string
	CredentialSecret string
}

// OracleRequest builds the phase-2 dispatch request.
func OracleRequest(p OracleParams) types.TaskRequest {
	args := make([]string, oracleArgCount)
	args[oracleArgProvider] = p.Provider
	args[oracleArgModel] = p.Model
	args[oracleArgMaxTokens] = strconv.Itoa(p.MaxTokens)
	args[oracleArgTemperature] = strconv.FormatFloat(p.Temperature, 'f', -1, 64)
	return types.TaskRequest{
		AppID: AppOracle,
		Args:  args,
		SecretBindings: map[int]string{
			oracleArgPrompt:     p.PromptSecret,
			oracleArgSessionKey: p.SessionKeySecret,
			oracleArgCredential: p.CredentialSecret,
		},
	}
}

// ParseKeyGenArgs decodes the positional arguments after secret injection.
func ParseKeyGenArgs(args []string) (keygen.Input, error) {
	if len(args) != keygenArgCount {
		return keygen.Input{}, fmt.Errorf("keygen expects %d args, got %d", keygenArgCount, len(args))
	}
	in := keygen.Input{
		SessionID:  args[keygenArgSessionID],
		Credential: args[keygenArgCredential],
	}
	if raw := args[keygenArgExpiresAt]; raw != "" {
		expires, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return keygen.Input{}, fmt.Errorf("parse expires_at: %w", err)
		}
		in.ExpiresAt = expires
	}
	return in, nil
}

// ParseOracleArgs decodes the positional arguments after secret injection.
func ParseOracleArgs(args []string) (oracle.Input, error) {
	if len(args) != oracleArgCount {
		return oracle.Input{}, fmt.Errorf("oracle expects %d args, got %d", oracleArgCount, len(args))
	}
	in := oracle.Input{
		Provider:                args[oracleArgProvider],
		Model:                   args[oracleArgModel],
		Prompt:                  args[oracleArgPrompt],
		SessionKeyJSON:          args[oracleArgSessionKey],
		EncryptedCredentialJSON: args[oracleArgCredential],
	}
	if raw := args[oracleArgMaxTokens]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return oracle.Input{}, fmt.Errorf("parse max_tokens: %w", err)
		}
		in.MaxTokens = n
	}
	if raw := args[oracleArgTemperature]; raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return oracle.Input{}, fmt.Errorf("parse temperature: %w", err)
		}
		in.Temperature = f
	}
	return in, nil
}
