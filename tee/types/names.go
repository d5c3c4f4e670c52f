package types

// Relay secret naming. Both task phases and the coordinator's secret
// bindings must agree on these names; the coordinator only ever handles the
// names, never the values behind them.

// SessionKeySecretName is the relay name the phase-1 task binds the
// JSON-encoded session key under.
func SessionKeySecretName(sessionID string) string {
	return "session/" + sessionID + "/key"
}

// CredentialSecretName is the relay name the phase-1 task binds the
// encrypted credential blob under.
func CredentialSecretName(sessionID string) string {
	return "session/" + sessionID + "/credential"
}

// PromptSecretName is the relay name the coordinator binds a prompt's
// plaintext under for one phase-2 execution.
func PromptSecretName(promptID string) string {
	return "prompt/" + promptID + "/text"
}

// InboundCredentialSecretName is the relay name the coordinator binds the
// caller's plaintext credential under for the phase-1 task. Distinct from
// CredentialSecretName, which phase 1 binds the encrypted blob under.
func InboundCredentialSecretName(sessionID string) string {
	return "session/" + sessionID + "/credential-input"
}
