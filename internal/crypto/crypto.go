// Package crypto implements the symmetric primitives of the relay protocol:
// AES-256-CBC with an explicit IV, strict PKCS#7 validation so corrupted or
// mismatched ciphertext is detected instead of silently returning garbage,
// session key generation from a cryptographically secure source, and SHA-256
// fingerprints for non-secret verification. Fingerprints are never used for
// key derivation.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/sealedai/relay/tee/types"
)

const (
	// KeySize is the symmetric key length in bytes (AES-256).
	KeySize = 32
	// NonceSize is the IV length in bytes (one AES block).
	NonceSize = 16
)

// GenerateSessionKey draws fresh key material from crypto/rand. Each call is
// statistically independent of every other.
func GenerateSessionKey() (types.SessionKey, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return types.SessionKey{}, fmt.Errorf("generate key: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return types.SessionKey{}, fmt.Errorf("generate nonce: %w", err)
	}
	return types.SessionKey{Key: key, Nonce: nonce, CreatedAt: time.Now().UTC()}, nil
}

// GenerateNonce returns a fresh IV. Phase 2 draws one of these per response
// encryption instead of reusing the session nonce.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// Encrypt encrypts plaintext with AES-256-CBC under key and iv. The caller
// must use each iv at most once per key.
func Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes: %w", KeySize, types.ErrIntegrity)
	}
	if len(iv) != NonceSize {
		return nil, fmt.Errorf("iv must be %d bytes: %w", NonceSize, types.ErrIntegrity)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// Decrypt reverses Encrypt. A wrong key, wrong IV, truncated ciphertext or
// corrupted padding fails with ErrIntegrity.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes: %w", KeySize, types.ErrIntegrity)
	}
	if len(iv) != NonceSize {
		return nil, fmt.Errorf("iv must be %d bytes: %w", NonceSize, types.ErrIntegrity)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d: %w", len(ciphertext), types.ErrIntegrity)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Fingerprint returns the hex SHA-256 digest of value. Non-secret use only.
func Fingerprint(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// ZeroBytes overwrites b in place. Key material should be zeroed as soon as
// it is no longer needed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("padded length %d: %w", len(data), types.ErrIntegrity)
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("pad byte %d: %w", padding, types.ErrIntegrity)
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, types.ErrIntegrity
		}
	}
	return data[:len(data)-padding], nil
}
