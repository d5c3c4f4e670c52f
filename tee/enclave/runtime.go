// Package enclave provides the enclave runtime abstraction the task phases
// run inside: sealing for at-rest secrets, secure random, and measurements.
package enclave

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/hkdf"

	appcrypto "github.com/sealedai/relay/internal/crypto"
	"github.com/sealedai/relay/tee/types"
)

// Mode specifies the enclave operation mode.
type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeHardware   Mode = "hardware"
)

// Config holds enclave configuration.
type Config struct {
	Mode           Mode
	EnclaveID      string
	SealingKeyPath string
	// MasterSecret seeds HKDF sealing-key derivation in hardware mode. In a
	// real deployment it comes from the platform's sealing facility.
	MasterSecret []byte
	DebugMode    bool
}

// Runtime is the enclave surface the relay and task phases depend on.
type Runtime interface {
	// Lifecycle
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Health(ctx context.Context) error

	// Identity
	EnclaveID() string
	Mode() Mode

	// Cryptographic operations
	Seal(plaintext []byte) ([]byte, error)
	Unseal(ciphertext []byte) ([]byte, error)
	GenerateRandom(size int) ([]byte, error)

	// Measurements
	GetMeasurement() ([]byte, error)
}

type runtimeImpl struct {
	mu         sync.RWMutex
	config     Config
	sealingKey []byte
	ready      bool
}

// New creates an enclave runtime.
func New(cfg Config) (Runtime, error) {
	if cfg.EnclaveID == "" {
		return nil, fmt.Errorf("enclave_id is required")
	}
	return &runtimeImpl{config: cfg}, nil
}

// Initialize prepares the sealing key.
func (r *runtimeImpl) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		return nil
	}

	if err := r.initSealingKey(); err != nil {
		return fmt.Errorf("init sealing key: %w", err)
	}

	r.ready = true
	return nil
}

func (r *runtimeImpl) initSealingKey() error {
	if r.config.Mode == ModeHardware {
		key, err := r.deriveSealingKey()
		if err != nil {
			return err
		}
		r.sealingKey = key
		return nil
	}

	// Simulation mode: load from file or generate.
	if r.config.SealingKeyPath != "" {
		key, err := os.ReadFile(r.config.SealingKeyPath)
		if err == nil && len(key) == 32 {
			r.sealingKey = key
			return nil
		}
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate sealing key: %w", err)
	}
	r.sealingKey = key

	if r.config.SealingKeyPath != "" {
		if err := os.WriteFile(r.config.SealingKeyPath, key, 0600); err != nil {
			return fmt.Errorf("save sealing key: %w", err)
		}
	}

	return nil
}

// deriveSealingKey expands the platform master secret into this enclave's
// sealing key, bound to the enclave identity.
func (r *runtimeImpl) deriveSealingKey() ([]byte, error) {
	if len(r.config.MasterSecret) == 0 {
		return nil, fmt.Errorf("master secret is required in hardware mode")
	}
	reader := hkdf.New(sha256.New, r.config.MasterSecret, []byte(r.config.EnclaveID), []byte("relay-sealing-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	return key, nil
}

// Shutdown zeroes key material.
func (r *runtimeImpl) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealingKey != nil {
		appcrypto.ZeroBytes(r.sealingKey)
		r.sealingKey = nil
	}

	r.ready = false
	return nil
}

// Health reports whether the runtime is usable.
func (r *runtimeImpl) Health(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return types.ErrEnclaveNotReady
	}
	return nil
}

func (r *runtimeImpl) EnclaveID() string { return r.config.EnclaveID }

func (r *runtimeImpl) Mode() Mode { return r.config.Mode }

// Seal encrypts data under the enclave's sealing key (AES-GCM, nonce
// prefixed). Sealing is for relay values at rest, not for the session
// protocol itself.
func (r *runtimeImpl) Seal(plaintext []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, types.ErrEnclaveNotReady
	}

	block, err := aes.NewCipher(r.sealingKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Unseal reverses Seal.
func (r *runtimeImpl) Unseal(ciphertext []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, types.ErrEnclaveNotReady
	}

	block, err := aes.NewCipher(r.sealingKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unseal: %w", err)
	}

	return plaintext, nil
}

// GenerateRandom returns size cryptographically secure random bytes.
func (r *runtimeImpl) GenerateRandom(size int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, types.ErrEnclaveNotReady
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate random: %w", err)
	}
	return buf, nil
}

// GetMeasurement returns the enclave measurement.
func (r *runtimeImpl) GetMeasurement() ([]byte, error) {
	h := sha256.New()
	h.Write([]byte("MRENCLAVE"))
	h.Write([]byte(r.config.EnclaveID))
	return h.Sum(nil), nil
}
