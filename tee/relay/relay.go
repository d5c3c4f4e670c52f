// Package relay implements the secret relay reachable only from inside a TEE
// context. Phase 1 hands the sealed session key and credential to phase 2
// through it; the coordinator outside only ever learns names, never values.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sealedai/relay/tee/enclave"
	"github.com/sealedai/relay/tee/types"
)

// Memory is an in-process relay. Values are sealed through the enclave
// runtime before being held, so nothing rests in plaintext. It is safe for
// concurrent use and backs local mode and tests.
type Memory struct {
	mu       sync.RWMutex
	runtime  enclave.Runtime
	identity string
	values   map[string][]byte
}

var _ types.SecretRelay = (*Memory)(nil)
var _ types.SecretSource = (*Memory)(nil)

// NewMemory creates a relay bound to a system-controlled identity. The
// identity is deliberately distinct from any caller's own address so the
// relay-visible owner of every secret is the system, not the end caller.
func NewMemory(identity string, runtime enclave.Runtime) (*Memory, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("relay identity is required")
	}
	if runtime == nil {
		return nil, fmt.Errorf("enclave runtime is required")
	}
	return &Memory{
		runtime:  runtime,
		identity: identity,
		values:   make(map[string][]byte),
	}, nil
}

// Identity returns the relay's signing identity.
func (m *Memory) Identity() string { return m.identity }

// Push binds value to name under the relay identity. Secrets are immutable
// once pushed: a second push of a bound name returns pushed=false and
// ErrSecretExists, never clobbering the first value.
func (m *Memory) Push(_ context.Context, name, value string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, fmt.Errorf("secret name is required")
	}

	sealed, err := m.runtime.Seal([]byte(value))
	if err != nil {
		return false, fmt.Errorf("seal secret: %w", err)
	}

	key := m.identity + "|" + name

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.values[key]; exists {
		return false, fmt.Errorf("secret %s: %w", name, types.ErrSecretExists)
	}
	m.values[key] = sealed
	return true, nil
}

// Exists reports whether owner has a value bound under name.
func (m *Memory) Exists(_ context.Context, owner, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.values[owner+"|"+name]
	return ok, nil
}

// Get unseals and returns the value bound under owner/name. Only TEE-side
// code holds a reference through which Get is reachable.
func (m *Memory) Get(_ context.Context, owner, name string) (string, error) {
	m.mu.RLock()
	sealed, ok := m.values[owner+"|"+name]
	m.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("secret %s/%s: %w", owner, name, types.ErrSecretNotFound)
	}

	plain, err := m.runtime.Unseal(sealed)
	if err != nil {
		return "", fmt.Errorf("unseal secret: %w", err)
	}
	return string(plain), nil
}
