// Package secret provides authenticated encryption for credentials at rest
// and resolution of the encryption key from the environment or OS keyring.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the required encryption key length in bytes (AES-256).
	KeySize = 32
	// nonceSize is the GCM nonce length. 16 bytes keeps the ciphertext
	// format compatible with records written by earlier deployments.
	nonceSize = 16
	// saltSize is the length of the random salt prepended to each
	// ciphertext. The salt is not used for key derivation; it exists so
	// that identical plaintexts never produce identical stored values.
	saltSize = 64
	// tagSize is the GCM authentication tag length.
	tagSize = 16
)

// ErrDecryptFailed indicates the ciphertext was corrupted, truncated, or
// encrypted with a different key. Callers performing bulk credential hygiene
// should treat rows failing with this error as garbage to delete.
var ErrDecryptFailed = errors.New("decryption failed")

// ErrInvalidKey indicates the encryption key is missing or has the wrong length.
var ErrInvalidKey = errors.New("invalid encryption key")

// Cipher performs AES-256-GCM encryption of credential payloads.
// Ciphertext format: salt:nonce:tag:data, each component hex-encoded.
type Cipher struct {
	key []byte
}

// NewCipher creates a cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Cipher{key: k}, nil
}

// NewCipherFromProvider resolves the key through the given provider chain.
func NewCipherFromProvider(provider KeyProvider) (*Cipher, error) {
	key, err := provider.Key()
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}

// Encrypt encrypts plaintext and returns an opaque string safe to persist.
// A fresh random nonce and salt are drawn per call, so encrypting the same
// plaintext twice yields different ciphertexts.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return "", fmt.Errorf("failed to initialize GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	data := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(data),
	}, ":"), nil
}

// Decrypt reverses Encrypt. Corrupted or truncated input fails with
// ErrDecryptFailed rather than returning garbage.
func (c *Cipher) Decrypt(encrypted string) (string, error) {
	parts := strings.Split(encrypted, ":")
	if len(parts) != 4 {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrDecryptFailed)
	}

	nonce, err := hex.DecodeString(parts[1])
	if err != nil || len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: bad nonce", ErrDecryptFailed)
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: bad auth tag", ErrDecryptFailed)
	}
	data, err := hex.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("%w: bad payload", ErrDecryptFailed)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return "", fmt.Errorf("failed to initialize GCM: %w", err)
	}

	sealed := append(data, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	return string(plaintext), nil
}
